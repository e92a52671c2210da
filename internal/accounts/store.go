package accounts

import (
	"context"
	"time"
)

// Store persists accounts, sessions and integration snapshots.
type Store interface {
	CreateAccount(ctx context.Context, a *Account) error
	GetAccount(ctx context.Context, id string) (*Account, error)
	// ListAccounts returns a user's accounts ordered by id.
	ListAccounts(ctx context.Context, userID string, enabledOnly bool) ([]*Account, error)
	PatchAccount(ctx context.Context, id string, p AccountPatch) error
	// PatchUserAccounts applies p to every account of the user and returns
	// the number updated.
	PatchUserAccounts(ctx context.Context, userID string, p AccountPatch) (int, error)
	// SetPreferredAccount atomically clears the flag on every other account
	// of the user and sets it on accountID.
	SetPreferredAccount(ctx context.Context, userID, accountID string) error

	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessionsByAccount(ctx context.Context, accountID string) ([]*Session, error)
	ListSessionsByUser(ctx context.Context, userID string) ([]*Session, error)
	// ListMonitorableSessions returns active sessions in status ok or stale.
	ListMonitorableSessions(ctx context.Context) ([]*Session, error)
	// PatchSession applies p to one session. It reports false when the
	// status precondition did not hold.
	PatchSession(ctx context.Context, id string, p SessionPatch) (bool, error)
	// PatchUserSessions applies p to every session of the user whose status
	// satisfies the precondition and returns the number updated.
	PatchUserSessions(ctx context.Context, userID string, p SessionPatch) (int, error)

	// UpsertIntegration writes State, LastSyncAt and UpdatedAt. It never
	// touches LastPlannedAt.
	UpsertIntegration(ctx context.Context, in *Integration) error
	GetIntegration(ctx context.Context, userID string) (*Integration, error)
	// ListSchedulableUsers returns users whose integration is active or
	// stale, least recently planned first (never planned before anyone
	// else), capped at limit.
	ListSchedulableUsers(ctx context.Context, limit int) ([]string, error)
	// MarkPlanned stamps LastPlannedAt so the next tick rotates to other users.
	MarkPlanned(ctx context.Context, userID string, at time.Time) error
}
