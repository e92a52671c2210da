package quota

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/crawlpilot/internal/accounts"
	"github.com/mbd888/crawlpilot/internal/tasks"
)

var now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeCooldowns struct {
	n     int
	err   error
	since time.Time
}

func (f *fakeCooldowns) CountActions(_ context.Context, _, action string, since time.Time) (int, error) {
	f.since = since
	if action != ActionCooldown {
		return 0, nil
	}
	return f.n, f.err
}

func addTask(t *testing.T, s tasks.Store, id string, age time.Duration, status tasks.Status, items int) {
	t.Helper()
	require.NoError(t, s.Create(context.Background(), &tasks.Record{
		ID: id, UserID: "u1", Status: status, ItemsFetched: items, CreatedAt: now.Add(-age),
	}))
}

func TestCompute(t *testing.T) {
	ctx := context.Background()
	ts := tasks.NewMemoryStore()
	addTask(t, ts, "t1", 10*time.Minute, tasks.StatusCompleted, 100)
	addTask(t, ts, "t2", 59*time.Minute, tasks.StatusQueued, 0)
	addTask(t, ts, "t3", 2*time.Hour, tasks.StatusPartial, 40)
	addTask(t, ts, "t4", 5*time.Hour, tasks.StatusFailed, 7)
	addTask(t, ts, "t5", 25*time.Hour, tasks.StatusCompleted, 1000)

	as := accounts.NewMemoryStore()
	require.NoError(t, as.CreateAccount(ctx, &accounts.Account{ID: "a1", UserID: "u1", Enabled: true}))
	require.NoError(t, as.CreateAccount(ctx, &accounts.Account{ID: "a2", UserID: "u1", Enabled: false}))
	require.NoError(t, as.CreateSession(ctx, &accounts.Session{ID: "s1", AccountID: "a1", Status: accounts.StatusStale, IsActive: true}))
	require.NoError(t, as.CreateSession(ctx, &accounts.Session{ID: "s2", AccountID: "a1", Status: accounts.StatusOK, IsActive: true}))
	require.NoError(t, as.CreateSession(ctx, &accounts.Session{ID: "s3", AccountID: "a2", Status: accounts.StatusStale}))

	cd := &fakeCooldowns{n: 2}
	m, err := NewAggregator(ts, as, cd).WithClock(func() time.Time { return now }).Compute(ctx, "u1")
	require.NoError(t, err)

	assert.Equal(t, 2, m.Tasks1h)
	assert.Equal(t, 140, m.Posts24h)
	assert.InDelta(t, 50.0, m.AbortRate24h, 0.001)
	assert.Equal(t, 1, m.ActiveAccounts)
	assert.Equal(t, 2, m.StaleSessions)
	assert.Equal(t, 3, m.TotalSessions)
	assert.Equal(t, 2, m.RecentCooldowns)
	assert.Equal(t, now.Add(-CooldownWindow), cd.since)
}

func TestCompute_NoHistory(t *testing.T) {
	m, err := NewAggregator(tasks.NewMemoryStore(), accounts.NewMemoryStore(), nil).
		WithClock(func() time.Time { return now }).
		Compute(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Zero(t, m.AbortRate24h)
	assert.Zero(t, m.Tasks1h)
	assert.Zero(t, m.RecentCooldowns)
}

func TestCompute_HourBoundaryIsInclusive(t *testing.T) {
	ts := tasks.NewMemoryStore()
	addTask(t, ts, "edge", time.Hour, tasks.StatusQueued, 0)
	m, err := NewAggregator(ts, accounts.NewMemoryStore(), nil).
		WithClock(func() time.Time { return now }).
		Compute(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, m.Tasks1h)
}

func TestCompute_CooldownError(t *testing.T) {
	_, err := NewAggregator(tasks.NewMemoryStore(), accounts.NewMemoryStore(), &fakeCooldowns{err: errors.New("db down")}).
		Compute(context.Background(), "u1")
	assert.ErrorContains(t, err, "count cooldowns")
}
