//go:build integration

package accounts

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/crawlpilot/internal/testutil"
)

func TestPostgresStore_SessionPatches(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	s := NewPostgresStore(db)
	now := time.Now().UTC().Truncate(time.Microsecond)

	require.NoError(t, s.CreateAccount(ctx, &Account{ID: "a1", UserID: "u1", Enabled: true, CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, s.CreateAccount(ctx, &Account{ID: "a2", UserID: "u1", Enabled: true, CreatedAt: now, UpdatedAt: now}))
	assert.ErrorIs(t, s.CreateAccount(ctx, &Account{ID: "a1", UserID: "u1", CreatedAt: now, UpdatedAt: now}), ErrDuplicate)

	for id, st := range map[string]SessionStatus{"s1": StatusOK, "s2": StatusExpired} {
		require.NoError(t, s.CreateSession(ctx, &Session{
			ID: id, AccountID: "a1", Status: st, IsActive: true,
			LastSyncAt: now, CreatedAt: now, UpdatedAt: now,
		}))
	}
	assert.ErrorIs(t, s.CreateSession(ctx, &Session{ID: "s3", AccountID: "ghost", Status: StatusOK, CreatedAt: now, UpdatedAt: now}), ErrAccountNotFound)

	got, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)

	applied, err := s.PatchSession(ctx, "s1", SessionPatch{Status: Ptr(StatusStale), OnlyIfStatus: []SessionStatus{StatusStale}})
	require.NoError(t, err)
	assert.False(t, applied)

	applied, err = s.PatchSession(ctx, "s1", SessionPatch{Status: Ptr(StatusStale), OnlyIfStatus: []SessionStatus{StatusOK}})
	require.NoError(t, err)
	assert.True(t, applied)

	_, err = s.PatchSession(ctx, "nope", SessionPatch{IsActive: Ptr(false)})
	assert.ErrorIs(t, err, ErrSessionNotFound)

	n, err := s.PatchUserSessions(ctx, "u1", SessionPatch{
		LastAbortAt:  Ptr(now),
		UnlessStatus: []SessionStatus{StatusInvalid, StatusExpired},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.SetPreferredAccount(ctx, "u1", "a1"))
	require.NoError(t, s.SetPreferredAccount(ctx, "u1", "a2"))
	list, err := s.ListAccounts(ctx, "u1", false)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.False(t, list[0].IsPreferred)
	assert.True(t, list[1].IsPreferred)
}

func TestPostgresStore_Integrations(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	s := NewPostgresStore(db)
	now := time.Now().UTC().Truncate(time.Microsecond)

	for _, u := range []string{"u2", "u1"} {
		require.NoError(t, s.UpsertIntegration(ctx, &Integration{UserID: u, State: IntegrationActive, UpdatedAt: now}))
	}
	users, err := s.ListSchedulableUsers(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, users)

	require.NoError(t, s.MarkPlanned(ctx, "u1", now))
	require.NoError(t, s.UpsertIntegration(ctx, &Integration{UserID: "u1", State: IntegrationStale, UpdatedAt: now}))

	users, _ = s.ListSchedulableUsers(ctx, 0)
	assert.Equal(t, []string{"u2", "u1"}, users)

	in, err := s.GetIntegration(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, IntegrationStale, in.State)
	assert.True(t, in.LastPlannedAt.Equal(now))

	missing, err := s.GetIntegration(ctx, "ghost")
	require.NoError(t, err)
	assert.Equal(t, IntegrationDisconnected, missing.State)
}
