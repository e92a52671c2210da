package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// PostgresStore persists audit events in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed audit store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Append(ctx context.Context, e *Event) error {
	var data []byte
	if len(e.Data) > 0 {
		var err error
		if data, err = json.Marshal(e.Data); err != nil {
			return fmt.Errorf("audit: marshal data: %w", err)
		}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, type, user_id, account_id, session_id, from_status, to_status, reason, data, created_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), $9, $10)`,
		e.ID, e.Type, e.UserID, e.AccountID, e.SessionID, e.From, e.To, e.Reason, nullJSON(data), e.CreatedAt,
	)
	return err
}

func (p *PostgresStore) List(ctx context.Context, f Filter) ([]*Event, error) {
	var conds []string
	var args []any
	if f.UserID != "" {
		args = append(args, f.UserID)
		conds = append(conds, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if f.Type != "" {
		args = append(args, f.Type)
		conds = append(conds, fmt.Sprintf("type = $%d", len(args)))
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		conds = append(conds, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if f.After != nil {
		args = append(args, f.After.CreatedAt, f.After.ID)
		conds = append(conds, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	args = append(args, limit)

	query := `SELECT id, type, user_id, account_id, session_id, from_status, to_status, reason, data, created_at FROM audit_events`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Event
	for rows.Next() {
		e := &Event{}
		var userID, accountID, sessionID, from, to, reason sql.NullString
		var data []byte
		if err := rows.Scan(&e.ID, &e.Type, &userID, &accountID, &sessionID, &from, &to, &reason, &data, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.UserID, e.AccountID, e.SessionID = userID.String, accountID.String, sessionID.String
		e.From, e.To, e.Reason = from.String, to.String, reason.String
		if len(data) > 0 {
			if err := json.Unmarshal(data, &e.Data); err != nil {
				return nil, fmt.Errorf("audit: decode data for %s: %w", e.ID, err)
			}
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

var _ Store = (*PostgresStore)(nil)
