//go:build integration

package policy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/crawlpilot/internal/testutil"
)

func TestPostgresStore_Policies(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	s := NewPostgresStore(db)
	ts := time.Now().UTC().Truncate(time.Microsecond)

	_, err := s.Get(ctx, ScopeGlobal, "")
	assert.ErrorIs(t, err, ErrPolicyNotFound)

	require.NoError(t, s.Put(ctx, &Policy{Scope: ScopeGlobal, Enabled: true,
		Limits: Limits{MaxTasksPerHour: ptr(12)}, CreatedAt: ts, UpdatedAt: ts}))
	require.NoError(t, s.Put(ctx, &Policy{Scope: ScopeUser, UserID: "u1", Enabled: true,
		Limits: Limits{MaxAbortRatePct: ptr(12.5)}, OnLimitExceeded: ptr(ActionDisable), CreatedAt: ts, UpdatedAt: ts}))

	global, err := s.Get(ctx, ScopeGlobal, "")
	require.NoError(t, err)
	require.NotNil(t, global.Limits.MaxTasksPerHour)
	assert.Equal(t, 12, *global.Limits.MaxTasksPerHour)
	assert.Nil(t, global.Limits.MaxAccounts)
	assert.Nil(t, global.OnLimitExceeded)

	user, err := s.Get(ctx, ScopeUser, "u1")
	require.NoError(t, err)
	assert.InDelta(t, 12.5, *user.Limits.MaxAbortRatePct, 0.0001)
	assert.Equal(t, ActionDisable, *user.OnLimitExceeded)

	// Replace clears fields left unset.
	require.NoError(t, s.Put(ctx, &Policy{Scope: ScopeUser, UserID: "u1", Enabled: false, CreatedAt: ts, UpdatedAt: ts}))
	user, err = s.Get(ctx, ScopeUser, "u1")
	require.NoError(t, err)
	assert.False(t, user.Enabled)
	assert.Nil(t, user.OnLimitExceeded)
}

func TestPostgresStore_ViolationLog(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	s := NewPostgresStore(db)
	ts := time.Now().UTC().Truncate(time.Microsecond)

	for i, action := range []Action{ActionCooldown, ActionCooldown, ActionWarn} {
		require.NoError(t, s.AppendViolation(ctx, &ViolationRecord{
			ID: "pv_" + string(rune('a'+i)), UserID: "u1", Type: ViolationMaxTasks,
			Observed: 25, Limit: 20, Violations: []Violation{{ViolationMaxTasks, 25, 20}},
			Action: action, CreatedAt: ts.Add(time.Duration(i) * time.Minute),
		}))
	}
	assert.ErrorIs(t, s.AppendViolation(ctx, &ViolationRecord{ID: "pv_a", UserID: "u1", Action: ActionWarn, CreatedAt: ts}), ErrDuplicate)

	n, err := s.CountActions(ctx, "u1", string(ActionCooldown), ts.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.CountActions(ctx, "u1", string(ActionCooldown), ts.Add(30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rows, err := s.ListViolations(ctx, "u1", 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "pv_c", rows[0].ID)
	assert.Len(t, rows[0].Violations, 1)

	latest, err := s.LatestCooldown(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "pv_b", latest.ID)

	latest, err = s.LatestCooldown(ctx, "nobody")
	require.NoError(t, err)
	assert.Nil(t, latest)
}
