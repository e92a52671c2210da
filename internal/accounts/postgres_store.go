package accounts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists accounts and sessions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const accountColumns = `id, user_id, handle, enabled, is_preferred, priority, created_at, updated_at`

const sessionColumns = `id, account_id, user_id, status, status_reason, is_active, risk_score,
	last_sync_at, last_abort_at, avg_latency_ms, encrypted_cookies, created_at, updated_at`

func (p *PostgresStore) CreateAccount(ctx context.Context, a *Account) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.UserID, a.Handle, a.Enabled, a.IsPreferred, a.Priority, a.CreatedAt, a.UpdatedAt,
	)
	return mapInsertErr(err)
}

func (p *PostgresStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	return a, err
}

func (p *PostgresStore) ListAccounts(ctx context.Context, userID string, enabledOnly bool) ([]*Account, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+accountColumns+` FROM accounts
		WHERE user_id = $1 AND (enabled OR NOT $2)
		ORDER BY id`, userID, enabledOnly)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func (p *PostgresStore) PatchAccount(ctx context.Context, id string, patch AccountPatch) error {
	set, args := accountSet(patch)
	args = append(args, id)
	result, err := p.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE accounts SET %s WHERE id = $%d`, set, len(args)), args...)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (p *PostgresStore) PatchUserAccounts(ctx context.Context, userID string, patch AccountPatch) (int, error) {
	set, args := accountSet(patch)
	args = append(args, userID)
	result, err := p.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE accounts SET %s WHERE user_id = $%d`, set, len(args)), args...)
	if err != nil {
		return 0, err
	}
	rows, err := result.RowsAffected()
	return int(rows), err
}

func accountSet(patch AccountPatch) (string, []any) {
	b := &setBuilder{}
	if patch.Enabled != nil {
		b.add("enabled", *patch.Enabled)
	}
	if patch.Priority != nil {
		b.add("priority", *patch.Priority)
	}
	b.raw("updated_at = NOW()")
	return b.String(), b.args
}

// SetPreferredAccount runs in one transaction with the user's account rows
// locked, so concurrent calls serialise and at most one flag survives.
func (p *PostgresStore) SetPreferredAccount(ctx context.Context, userID, accountID string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM accounts WHERE user_id = $1 FOR UPDATE`, userID)
	if err != nil {
		return err
	}
	found := false
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return err
		}
		if id == accountID {
			found = true
		}
	}
	if err := rows.Close(); err != nil {
		return err
	}
	if !found {
		return ErrAccountNotFound
	}

	// Clear before set: the partial unique index on (user_id) WHERE
	// is_preferred is checked row by row.
	if _, err := tx.ExecContext(ctx, `
		UPDATE accounts SET is_preferred = false, updated_at = NOW()
		WHERE user_id = $1 AND id <> $2 AND is_preferred`, userID, accountID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE accounts SET is_preferred = true, updated_at = NOW()
		WHERE id = $1`, accountID); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) CreateSession(ctx context.Context, s *Session) error {
	// user_id is copied from the owning account so it can never disagree.
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		SELECT $1, a.id, a.user_id, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		FROM accounts a WHERE a.id = $2`,
		s.ID, s.AccountID, string(s.Status), s.StatusReason, s.IsActive, s.RiskScore,
		s.LastSyncAt, nullTime(s.LastAbortAt), s.AvgLatencyMs, s.EncryptedCookies,
		s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return mapInsertErr(err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (p *PostgresStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	return s, err
}

func (p *PostgresStore) ListSessionsByAccount(ctx context.Context, accountID string) ([]*Session, error) {
	return p.querySessions(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE account_id = $1 ORDER BY id`, accountID)
}

func (p *PostgresStore) ListSessionsByUser(ctx context.Context, userID string) ([]*Session, error) {
	return p.querySessions(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE user_id = $1 ORDER BY id`, userID)
}

func (p *PostgresStore) ListMonitorableSessions(ctx context.Context) ([]*Session, error) {
	return p.querySessions(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE is_active AND status IN ('ok', 'stale')
		ORDER BY id`)
}

func (p *PostgresStore) querySessions(ctx context.Context, query string, args ...any) ([]*Session, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

func (p *PostgresStore) PatchSession(ctx context.Context, id string, patch SessionPatch) (bool, error) {
	query, args := sessionUpdate("id", id, patch)
	result, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows > 0 {
		return true, nil
	}

	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrSessionNotFound
	}
	return false, nil
}

func (p *PostgresStore) PatchUserSessions(ctx context.Context, userID string, patch SessionPatch) (int, error) {
	query, args := sessionUpdate("user_id", userID, patch)
	result, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	rows, err := result.RowsAffected()
	return int(rows), err
}

// sessionUpdate renders a guarded UPDATE keyed on keyCol. Status
// preconditions become extra WHERE terms so the check and the write are
// one statement.
func sessionUpdate(keyCol string, key any, patch SessionPatch) (string, []any) {
	b := &setBuilder{}
	if patch.Status != nil {
		b.add("status", string(*patch.Status))
	}
	if patch.StatusReason != nil {
		b.add("status_reason", *patch.StatusReason)
	}
	if patch.IsActive != nil {
		b.add("is_active", *patch.IsActive)
	}
	if patch.LastAbortAt != nil {
		b.add("last_abort_at", nullTime(*patch.LastAbortAt))
	}
	if patch.RiskScore != nil {
		b.add("risk_score", *patch.RiskScore)
	}
	if patch.AvgLatencyMs != nil {
		b.add("avg_latency_ms", *patch.AvgLatencyMs)
	}
	b.raw("updated_at = NOW()")

	args := append(b.args, key)
	query := fmt.Sprintf(`UPDATE sessions SET %s WHERE %s = $%d`, b.String(), keyCol, len(args))
	if len(patch.OnlyIfStatus) > 0 {
		args = append(args, pq.Array(statusStrings(patch.OnlyIfStatus)))
		query += fmt.Sprintf(" AND status = ANY($%d)", len(args))
	}
	if len(patch.UnlessStatus) > 0 {
		args = append(args, pq.Array(statusStrings(patch.UnlessStatus)))
		query += fmt.Sprintf(" AND NOT (status = ANY($%d))", len(args))
	}
	return query, args
}

func (p *PostgresStore) UpsertIntegration(ctx context.Context, in *Integration) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO integrations (user_id, state, last_sync_at, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE
		SET state = EXCLUDED.state, last_sync_at = EXCLUDED.last_sync_at, updated_at = EXCLUDED.updated_at`,
		in.UserID, string(in.State), nullTime(in.LastSyncAt), in.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) GetIntegration(ctx context.Context, userID string) (*Integration, error) {
	in := &Integration{UserID: userID}
	var state string
	var lastSync, lastPlanned sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT state, last_sync_at, last_planned_at, updated_at
		FROM integrations WHERE user_id = $1`, userID).
		Scan(&state, &lastSync, &lastPlanned, &in.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		in.State = IntegrationDisconnected
		return in, nil
	}
	if err != nil {
		return nil, err
	}
	in.State = IntegrationState(state)
	in.LastSyncAt = lastSync.Time
	in.LastPlannedAt = lastPlanned.Time
	return in, nil
}

func (p *PostgresStore) ListSchedulableUsers(ctx context.Context, limit int) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT user_id FROM integrations
		WHERE state IN ('active', 'stale')
		ORDER BY last_planned_at ASC NULLS FIRST, user_id ASC
		LIMIT NULLIF($1, 0)`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

func (p *PostgresStore) MarkPlanned(ctx context.Context, userID string, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `UPDATE integrations SET last_planned_at = $1 WHERE user_id = $2`, at, userID)
	return err
}

// --- helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (*Account, error) {
	a := &Account{}
	var handle sql.NullString
	if err := row.Scan(&a.ID, &a.UserID, &handle, &a.Enabled, &a.IsPreferred, &a.Priority, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Handle = handle.String
	return a, nil
}

func scanSession(row scanner) (*Session, error) {
	s := &Session{}
	var status string
	var reason sql.NullString
	var lastAbort sql.NullTime
	if err := row.Scan(&s.ID, &s.AccountID, &s.UserID, &status, &reason, &s.IsActive, &s.RiskScore,
		&s.LastSyncAt, &lastAbort, &s.AvgLatencyMs, &s.EncryptedCookies, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.Status = SessionStatus(status)
	s.StatusReason = reason.String
	s.LastAbortAt = lastAbort.Time
	return s, nil
}

type setBuilder struct {
	parts []string
	args  []any
}

func (b *setBuilder) add(col string, v any) {
	b.args = append(b.args, v)
	b.parts = append(b.parts, fmt.Sprintf("%s = $%d", col, len(b.args)))
}

func (b *setBuilder) raw(expr string) {
	b.parts = append(b.parts, expr)
}

func (b *setBuilder) String() string {
	return strings.Join(b.parts, ", ")
}

func statusStrings(list []SessionStatus) []string {
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = string(s)
	}
	return out
}

func mapInsertErr(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}

// nullTime converts a zero time to sql.NullTime{Valid: false}.
func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
