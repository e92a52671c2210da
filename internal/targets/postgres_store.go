package targets

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists targets in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed target store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const targetColumns = `id, user_id, type, value, enabled, priority, run_count, quality_status, last_variant_id, last_run_at, created_at`

func (p *PostgresStore) Create(ctx context.Context, t *Target) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO targets (`+targetColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11)`,
		t.ID, t.UserID, string(t.Type), t.Value, t.Enabled, t.Priority, t.RunCount,
		string(t.QualityStatus), t.LastVariantID, nullTime(t.LastRunAt), t.CreatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Target, error) {
	t, err := scanTarget(p.db.QueryRowContext(ctx, `SELECT `+targetColumns+` FROM targets WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string) ([]*Target, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+targetColumns+` FROM targets WHERE user_id = $1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func (p *PostgresStore) NextForUser(ctx context.Context, userID string) (*Target, error) {
	t, err := scanTarget(p.db.QueryRowContext(ctx, `
		SELECT `+targetColumns+` FROM targets
		WHERE user_id = $1 AND enabled
		ORDER BY last_run_at ASC NULLS FIRST, priority DESC, created_at, id
		LIMIT 1`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

func (p *PostgresStore) RecordRun(ctx context.Context, id, variantID string, at time.Time) error {
	return p.exec(ctx, `
		UPDATE targets SET run_count = run_count + 1, last_variant_id = $2, last_run_at = $3
		WHERE id = $1`, id, variantID, at)
}

func (p *PostgresStore) SetQuality(ctx context.Context, id string, q Quality) error {
	if !q.Valid() {
		return ErrInvalidState
	}
	if q == "" {
		q = QualityHealthy
	}
	return p.exec(ctx, `UPDATE targets SET quality_status = $2 WHERE id = $1`, id, string(q))
}

func (p *PostgresStore) SetEnabled(ctx context.Context, id string, enabled bool) error {
	return p.exec(ctx, `UPDATE targets SET enabled = $2 WHERE id = $1`, id, enabled)
}

func (p *PostgresStore) SetPriority(ctx context.Context, id string, priority int) error {
	if priority < 0 || priority > MaxPriority {
		return ErrInvalidPriority
	}
	return p.exec(ctx, `UPDATE targets SET priority = $2 WHERE id = $1`, id, priority)
}

func (p *PostgresStore) exec(ctx context.Context, query string, args ...any) error {
	result, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTarget(row scanner) (*Target, error) {
	t := &Target{}
	var typ, quality string
	var lastVariant sql.NullString
	var lastRun sql.NullTime
	if err := row.Scan(&t.ID, &t.UserID, &typ, &t.Value, &t.Enabled, &t.Priority, &t.RunCount,
		&quality, &lastVariant, &lastRun, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.Type = Type(typ)
	t.QualityStatus = Quality(quality)
	t.LastVariantID = lastVariant.String
	t.LastRunAt = lastRun.Time
	return t, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
