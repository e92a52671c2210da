package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists policies and violations in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed policy store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Get(ctx context.Context, scope Scope, userID string) (*Policy, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT scope, user_id, enabled, max_accounts, max_tasks_per_hour, max_posts_per_day,
		       max_abort_rate_pct, on_limit_exceeded, cooldown_minutes, created_at, updated_at
		FROM policies WHERE scope = $1 AND user_id = $2`, string(scope), userID)

	pol := &Policy{}
	var sc string
	var maxAccounts, maxTasks, maxPosts, cooldown sql.NullInt64
	var maxAbort sql.NullFloat64
	var action sql.NullString
	err := row.Scan(&sc, &pol.UserID, &pol.Enabled, &maxAccounts, &maxTasks, &maxPosts,
		&maxAbort, &action, &cooldown, &pol.CreatedAt, &pol.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPolicyNotFound
	}
	if err != nil {
		return nil, err
	}
	pol.Scope = Scope(sc)
	pol.Limits = Limits{
		MaxAccounts:     intPtr(maxAccounts),
		MaxTasksPerHour: intPtr(maxTasks),
		MaxPostsPerDay:  intPtr(maxPosts),
	}
	if maxAbort.Valid {
		pol.Limits.MaxAbortRatePct = &maxAbort.Float64
	}
	if action.Valid {
		a := Action(action.String)
		pol.OnLimitExceeded = &a
	}
	pol.CooldownMinutes = intPtr(cooldown)
	return pol, nil
}

func (p *PostgresStore) Put(ctx context.Context, pol *Policy) error {
	var action sql.NullString
	if pol.OnLimitExceeded != nil {
		action = sql.NullString{String: string(*pol.OnLimitExceeded), Valid: true}
	}
	var maxAbort sql.NullFloat64
	if pol.Limits.MaxAbortRatePct != nil {
		maxAbort = sql.NullFloat64{Float64: *pol.Limits.MaxAbortRatePct, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO policies (scope, user_id, enabled, max_accounts, max_tasks_per_hour, max_posts_per_day,
		                      max_abort_rate_pct, on_limit_exceeded, cooldown_minutes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (scope, user_id) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			max_accounts = EXCLUDED.max_accounts,
			max_tasks_per_hour = EXCLUDED.max_tasks_per_hour,
			max_posts_per_day = EXCLUDED.max_posts_per_day,
			max_abort_rate_pct = EXCLUDED.max_abort_rate_pct,
			on_limit_exceeded = EXCLUDED.on_limit_exceeded,
			cooldown_minutes = EXCLUDED.cooldown_minutes,
			updated_at = EXCLUDED.updated_at`,
		string(pol.Scope), pol.UserID, pol.Enabled,
		nullInt(pol.Limits.MaxAccounts), nullInt(pol.Limits.MaxTasksPerHour), nullInt(pol.Limits.MaxPostsPerDay),
		maxAbort, action, nullInt(pol.CooldownMinutes), pol.CreatedAt, pol.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) AppendViolation(ctx context.Context, r *ViolationRecord) error {
	all, err := json.Marshal(r.Violations)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO policy_violations (id, user_id, violation_type, observed, limit_value, violations, action, cooldown_until, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.UserID, string(r.Type), r.Observed, r.Limit, all, string(r.Action),
		nullTime(r.CooldownUntil), r.CreatedAt,
	)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}

func (p *PostgresStore) ListViolations(ctx context.Context, userID string, limit int) ([]*ViolationRecord, error) {
	if limit <= 0 {
		limit = defaultViolationLimit
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, violation_type, observed, limit_value, violations, action, cooldown_until, created_at
		FROM policy_violations WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*ViolationRecord
	for rows.Next() {
		r, err := scanViolation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (p *PostgresStore) LatestCooldown(ctx context.Context, userID string) (*ViolationRecord, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, user_id, violation_type, observed, limit_value, violations, action, cooldown_until, created_at
		FROM policy_violations WHERE user_id = $1 AND action = $2
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, userID, string(ActionCooldown))
	r, err := scanViolation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanViolation(sc scanner) (*ViolationRecord, error) {
	r := &ViolationRecord{}
	var typ, action string
	var all []byte
	var cooldown sql.NullTime
	if err := sc.Scan(&r.ID, &r.UserID, &typ, &r.Observed, &r.Limit, &all, &action, &cooldown, &r.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(all, &r.Violations); err != nil {
		return nil, fmt.Errorf("corrupt violations for record %s: %w", r.ID, err)
	}
	r.Type = ViolationType(typ)
	r.Action = Action(action)
	r.CooldownUntil = cooldown.Time
	return r, nil
}

func (p *PostgresStore) CountActions(ctx context.Context, userID, action string, since time.Time) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM policy_violations
		WHERE user_id = $1 AND action = $2 AND created_at >= $3`, userID, action, since).Scan(&n)
	return n, err
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func intPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

// nullTime converts a zero time to sql.NullTime{Valid: false}.
func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
