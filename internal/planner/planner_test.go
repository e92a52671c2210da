package planner

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/crawlpilot/internal/accounts"
	"github.com/mbd888/crawlpilot/internal/config"
	"github.com/mbd888/crawlpilot/internal/cookiecrypt"
	"github.com/mbd888/crawlpilot/internal/diversify"
	"github.com/mbd888/crawlpilot/internal/logging"
	"github.com/mbd888/crawlpilot/internal/policy"
	"github.com/mbd888/crawlpilot/internal/queue"
	"github.com/mbd888/crawlpilot/internal/quota"
	"github.com/mbd888/crawlpilot/internal/selector"
	"github.com/mbd888/crawlpilot/internal/targets"
	"github.com/mbd888/crawlpilot/internal/tasks"
)

var now = time.Date(2026, 9, 14, 9, 0, 0, 0, time.UTC)

type fixture struct {
	accts    *accounts.MemoryStore
	targets  *targets.MemoryStore
	tasks    *tasks.MemoryStore
	policies *policy.MemoryStore
	queue    *queue.MemoryQueue
	box      *cookiecrypt.Box
	eval     *policy.Evaluator
	sel      *selector.Selector
	planner  *Planner
	clock    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	box, err := cookiecrypt.NewBox("planner-test", "")
	require.NoError(t, err)

	f := &fixture{
		targets:  targets.NewMemoryStore(),
		tasks:    tasks.NewMemoryStore(),
		policies: policy.NewMemoryStore(),
		queue:    queue.NewMemoryQueue(100),
		box:      box,
		clock:    now,
	}
	clock := func() time.Time { return f.clock }
	f.accts = accounts.NewMemoryStore().WithClock(clock)
	agg := quota.NewAggregator(f.tasks, f.accts, f.policies).WithClock(clock)
	defaults := policy.FromConfig(config.PolicyDefaults{
		MaxAccounts:     5,
		MaxTasksPerHour: 20,
		MaxPostsPerDay:  2000,
		MaxAbortRatePct: 50,
		OnLimitExceeded: "COOLDOWN",
		CooldownMinutes: 30,
	})
	f.eval = policy.NewEvaluator(f.policies, agg, f.accts, defaults, logging.Discard()).WithClock(clock)
	f.sel = selector.New(f.accts, box, logging.Discard()).WithClock(clock)
	f.planner = f.build(f.eval, f.sel, f.accts)
	return f
}

func (f *fixture) build(gate PolicyGate, sel SessionSelector, accts accounts.Store) *Planner {
	return New(Deps{
		Accounts:  accts,
		Targets:   f.targets,
		Tasks:     f.tasks,
		Policy:    gate,
		Selector:  sel,
		Variants:  diversify.New(config.DiversifyConfig{}),
		Publisher: f.queue,
	}, logging.Discard()).WithClock(func() time.Time { return f.clock })
}

// connect gives userID one enabled account with one healthy session and a
// keyword target, and refreshes the integration snapshot.
func (f *fixture) connect(t *testing.T, userID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.accts.CreateAccount(ctx, &accounts.Account{ID: "acct-" + userID, UserID: userID, Handle: "h_" + userID, Enabled: true}))
	blob, err := f.box.Seal([]cookiecrypt.Cookie{{Name: "auth_token", Value: "tok"}})
	require.NoError(t, err)
	require.NoError(t, f.accts.CreateSession(ctx, &accounts.Session{
		ID: "sess-" + userID, AccountID: "acct-" + userID, UserID: userID,
		Status: accounts.StatusOK, IsActive: true, LastSyncAt: now.Add(-time.Hour),
		EncryptedCookies: blob,
	}))
	f.target(t, userID, "tgt-"+userID)
	_, err = accounts.RefreshIntegration(ctx, f.accts, userID, now)
	require.NoError(t, err)
}

func (f *fixture) target(t *testing.T, userID, id string) {
	t.Helper()
	require.NoError(t, f.targets.Create(context.Background(), &targets.Target{
		ID: id, UserID: userID, Type: targets.TypeKeyword, Value: "golang",
		Enabled: true, QualityStatus: targets.QualityHealthy, CreatedAt: now.Add(-24 * time.Hour),
	}))
}

func TestRunOnce_PlansTask(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "u1")
	ctx := context.Background()

	ts, err := f.planner.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, ts.UsersProcessed)
	assert.Equal(t, 1, ts.TasksPlanned)
	assert.Zero(t, ts.Errors)

	orders := f.queue.Drain()
	require.Len(t, orders, 1)
	order := orders[0]
	assert.Equal(t, "u1", order.UserID)
	assert.Equal(t, "tgt-u1", order.Target.ID)
	assert.NotEmpty(t, order.Variant.ID)
	require.NotNil(t, order.Runtime)
	assert.Equal(t, "sess-u1", order.Runtime.Session.ID)
	assert.Len(t, order.Runtime.Cookies, 1)

	rec, err := f.tasks.Get(ctx, order.TaskID)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusQueued, rec.Status)
	assert.Equal(t, "acct-u1", rec.AccountID)
	assert.Equal(t, "sess-u1", rec.SessionID)
	assert.Equal(t, order.Variant.ID, rec.VariantID)

	tgt, err := f.targets.Get(ctx, "tgt-u1")
	require.NoError(t, err)
	assert.Equal(t, 1, tgt.RunCount)
	assert.Equal(t, order.Variant.ID, tgt.LastVariantID)

	in, err := f.accts.GetIntegration(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, now, in.LastPlannedAt)
}

func TestRunOnce_RotatesVariants(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "u1")
	ctx := context.Background()

	_, err := f.planner.RunOnce(ctx)
	require.NoError(t, err)
	_, err = f.planner.RunOnce(ctx)
	require.NoError(t, err)

	orders := f.queue.Drain()
	require.Len(t, orders, 2)
	assert.NotEqual(t, orders[0].Variant.ID, orders[1].Variant.ID)
}

func TestRunOnce_PolicyActionSkipsPlanning(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "u1")
	ctx := context.Background()
	for i := 0; i < 25; i++ {
		require.NoError(t, f.tasks.Create(ctx, &tasks.Record{
			ID: "old-" + string(rune('a'+i)), UserID: "u1", Status: tasks.StatusQueued, CreatedAt: now.Add(-time.Minute),
		}))
	}

	ts, err := f.planner.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, ts.ActionsApplied)
	assert.Zero(t, ts.TasksPlanned)
	assert.Zero(t, f.queue.Len())

	sess, err := f.accts.GetSession(ctx, "sess-u1")
	require.NoError(t, err)
	assert.Equal(t, accounts.StatusStale, sess.Status)
	assert.Equal(t, policy.ReasonCooldown, sess.StatusReason)
}

func TestRunOnce_CooldownSkipsUntilExpiry(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "u1")
	ctx := context.Background()
	for i := 0; i < 21; i++ {
		require.NoError(t, f.tasks.Create(ctx, &tasks.Record{
			ID: fmt.Sprintf("burst-%d", i), UserID: "u1", Status: tasks.StatusCompleted, CreatedAt: now.Add(-time.Minute),
		}))
	}

	ts, err := f.planner.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, ts.ActionsApplied)

	for step := 2 * time.Minute; step < 30*time.Minute; step += 2 * time.Minute {
		f.clock = now.Add(step)
		ts, err := f.planner.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, ts.Skipped, "t+%s", step)
		assert.Zero(t, ts.ActionsApplied, "t+%s", step)
	}
	assert.Zero(t, f.queue.Len())

	rows, err := f.policies.ListViolations(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, policy.ActionCooldown, rows[0].Action)
	assert.Equal(t, now.Add(30*time.Minute), rows[0].CooldownUntil)

	acct, err := f.accts.GetAccount(ctx, "acct-u1")
	require.NoError(t, err)
	assert.True(t, acct.Enabled)
	sess, err := f.accts.GetSession(ctx, "sess-u1")
	require.NoError(t, err)
	assert.Equal(t, accounts.StatusStale, sess.Status)
	assert.True(t, sess.IsActive)

	// The burst is still inside the trailing hour once the cooldown ends.
	f.clock = now.Add(30 * time.Minute)
	ts, err = f.planner.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, ts.ActionsApplied)
	rows, err = f.policies.ListViolations(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, policy.ActionCooldown, rows[0].Action)
}

func TestRunOnce_NoTargetSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.accts.CreateAccount(ctx, &accounts.Account{ID: "a1", UserID: "u1", Enabled: true}))
	require.NoError(t, f.accts.CreateSession(ctx, &accounts.Session{ID: "s1", AccountID: "a1", UserID: "u1", Status: accounts.StatusOK, IsActive: true}))
	_, err := accounts.RefreshIntegration(ctx, f.accts, "u1", now)
	require.NoError(t, err)

	ts, err := f.planner.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, ts.Skipped)
	assert.Zero(t, f.queue.Len())
}

func TestRunOnce_SelectionFailureIsUnavailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// Integration says active but the user has no accounts left.
	require.NoError(t, f.accts.UpsertIntegration(ctx, &accounts.Integration{UserID: "u1", State: accounts.IntegrationActive, UpdatedAt: now}))
	f.target(t, "u1", "t1")

	ts, err := f.planner.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, ts.Unavailable)
	assert.Zero(t, ts.Errors)
	assert.Zero(t, f.queue.Len())
}

type flakyGate struct {
	PolicyGate
	failUser string
}

func (g flakyGate) Evaluate(ctx context.Context, userID string) (*policy.Evaluation, error) {
	if userID == g.failUser {
		return nil, errors.New("usage backend down")
	}
	return g.PolicyGate.Evaluate(ctx, userID)
}

func TestRunOnce_UserErrorDoesNotAbortBatch(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "u1")
	f.connect(t, "u2")
	p := f.build(flakyGate{PolicyGate: f.eval, failUser: "u1"}, f.sel, f.accts)

	ts, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, ts.UsersProcessed)
	assert.Equal(t, 1, ts.Errors)
	assert.Equal(t, 1, ts.TasksPlanned)

	orders := f.queue.Drain()
	require.Len(t, orders, 1)
	assert.Equal(t, "u2", orders[0].UserID)
}

func TestRunOnce_PublishFailureCountsError(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "u1")
	f.queue.FailWith(errors.New("broker unavailable"))

	ts, err := f.planner.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, ts.Errors)

	tgt, err := f.targets.Get(context.Background(), "tgt-u1")
	require.NoError(t, err)
	assert.Zero(t, tgt.RunCount)
}

type failingUsers struct {
	accounts.Store
}

func (failingUsers) ListSchedulableUsers(context.Context, int) ([]string, error) {
	return nil, errors.New("db down")
}

func TestRunOnce_EnumerationFailure(t *testing.T) {
	f := newFixture(t)
	p := f.build(f.eval, f.sel, failingUsers{f.accts})

	_, err := p.RunOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, int64(1), p.Stats().Errors)
}

func TestRunOnce_MaxUsers(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "u1")
	f.connect(t, "u2")
	f.connect(t, "u3")
	f.planner.WithMaxUsers(2)

	ts, err := f.planner.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, ts.UsersProcessed)
}

type blockingGate struct {
	PolicyGate
	entered chan struct{}
	release chan struct{}
}

func (g blockingGate) Evaluate(ctx context.Context, userID string) (*policy.Evaluation, error) {
	g.entered <- struct{}{}
	<-g.release
	return g.PolicyGate.Evaluate(ctx, userID)
}

func TestRunOnce_OverlapRejected(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "u1")
	gate := blockingGate{PolicyGate: f.eval, entered: make(chan struct{}), release: make(chan struct{})}
	p := f.build(gate, f.sel, f.accts)

	done := make(chan error, 1)
	go func() {
		_, err := p.RunOnce(context.Background())
		done <- err
	}()
	<-gate.entered

	_, err := p.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrTickInProgress)

	close(gate.release)
	require.NoError(t, <-done)
	assert.Equal(t, int64(1), p.Stats().TasksPlanned)
}

func TestStats_Cumulative(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "u1")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.planner.RunOnce(ctx)
		require.NoError(t, err)
	}
	st := f.planner.Stats()
	assert.Equal(t, int64(3), st.Ticks)
	assert.Equal(t, int64(3), st.TasksPlanned)
	assert.Equal(t, int64(3), st.UsersProcessed)
	assert.Equal(t, now, st.LastRunAt)
	require.NotNil(t, st.LastTick)
	assert.Equal(t, 1, st.LastTick.TasksPlanned)
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "u1")
	p := f.planner.WithInterval(5 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		p.Start(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool { return p.Stats().Ticks > 0 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, p.Running())

	// A second Start while running returns immediately.
	p.Start(context.Background())

	p.Stop()
	p.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("planner did not stop")
	}
	assert.False(t, p.Running())
}

func TestStart_ContextCancel(t *testing.T) {
	f := newFixture(t)
	p := f.planner.WithInterval(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	require.Eventually(t, p.Running, time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("planner did not stop on cancel")
	}
}
