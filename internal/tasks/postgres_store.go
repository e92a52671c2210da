package tasks

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists task records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed task store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const recordColumns = `id, user_id, account_id, session_id, target_id, variant_id, status, items_fetched, created_at, finished_at`

func (p *PostgresStore) Create(ctx context.Context, r *Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO task_records (`+recordColumns+`)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), $7, $8, $9, $10)`,
		r.ID, r.UserID, r.AccountID, r.SessionID, r.TargetID, r.VariantID,
		string(r.Status), r.ItemsFetched, r.CreatedAt, nullTime(r.FinishedAt),
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	r, err := scanRecord(p.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM task_records WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) Finish(ctx context.Context, id string, status Status, items int, at time.Time) (*Record, error) {
	if !status.Terminal() {
		return nil, ErrInvalidStatus
	}
	r, err := scanRecord(p.db.QueryRowContext(ctx, `
		UPDATE task_records SET status = $2, items_fetched = $3, finished_at = $4
		WHERE id = $1 AND status IN ('queued', 'running')
		RETURNING `+recordColumns,
		id, string(status), items, at,
	))
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := p.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrAlreadyFinished
	}
	return r, err
}

func (p *PostgresStore) ListSince(ctx context.Context, userID string, since time.Time) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM task_records
		WHERE user_id = $1 AND created_at >= $2
		ORDER BY created_at DESC, id`, userID, since)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	r := &Record{}
	var accountID, sessionID, targetID, variantID sql.NullString
	var status string
	var finished sql.NullTime
	if err := row.Scan(&r.ID, &r.UserID, &accountID, &sessionID, &targetID, &variantID,
		&status, &r.ItemsFetched, &r.CreatedAt, &finished); err != nil {
		return nil, err
	}
	r.AccountID, r.SessionID = accountID.String, sessionID.String
	r.TargetID, r.VariantID = targetID.String, variantID.String
	r.Status = Status(status)
	r.FinishedAt = finished.Time
	return r, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
