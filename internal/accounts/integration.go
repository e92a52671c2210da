package accounts

import (
	"context"
	"time"
)

// RefreshIntegration recomputes and stores a user's integration snapshot
// from the sessions of their enabled accounts.
func RefreshIntegration(ctx context.Context, store Store, userID string, now time.Time) (*Integration, error) {
	accts, err := store.ListAccounts(ctx, userID, true)
	if err != nil {
		return nil, err
	}
	enabled := make(map[string]bool, len(accts))
	for _, a := range accts {
		enabled[a.ID] = true
	}

	all, err := store.ListSessionsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	sessions := all[:0]
	for _, s := range all {
		if enabled[s.AccountID] {
			sessions = append(sessions, s)
		}
	}

	in := DeriveIntegration(userID, sessions, now)
	if err := store.UpsertIntegration(ctx, in); err != nil {
		return nil, err
	}
	return in, nil
}
