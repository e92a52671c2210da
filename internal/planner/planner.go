// Package planner runs the periodic scheduling loop: for every schedulable
// user it enforces usage policy, picks a session and a query variant, and
// hands a work order to the task queue.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mbd888/crawlpilot/internal/accounts"
	"github.com/mbd888/crawlpilot/internal/diversify"
	"github.com/mbd888/crawlpilot/internal/idgen"
	"github.com/mbd888/crawlpilot/internal/metrics"
	"github.com/mbd888/crawlpilot/internal/policy"
	"github.com/mbd888/crawlpilot/internal/queue"
	"github.com/mbd888/crawlpilot/internal/selector"
	"github.com/mbd888/crawlpilot/internal/targets"
	"github.com/mbd888/crawlpilot/internal/tasks"
	"github.com/mbd888/crawlpilot/internal/traces"
)

// ErrTickInProgress is returned by RunOnce while another tick is running.
var ErrTickInProgress = errors.New("planner: tick already in progress")

// Defaults.
const (
	DefaultInterval = 2 * time.Minute
	DefaultMaxUsers = 50
)

// PolicyGate is the policy step of a tick.
type PolicyGate interface {
	Evaluate(ctx context.Context, userID string) (*policy.Evaluation, error)
	ApplyAction(ctx context.Context, ev *policy.Evaluation) error
}

// SessionSelector is the selection step of a tick.
type SessionSelector interface {
	Select(ctx context.Context, userID string, opts selector.Options) (*selector.Result, error)
}

// Deps are the planner's collaborators. All are required.
type Deps struct {
	Accounts  accounts.Store
	Targets   targets.Store
	Tasks     tasks.Store
	Policy    PolicyGate
	Selector  SessionSelector
	Variants  *diversify.Engine
	Publisher queue.Publisher
}

// TickStats summarises one tick.
type TickStats struct {
	UsersProcessed int           `json:"usersProcessed"`
	TasksPlanned   int           `json:"tasksPlanned"`
	ActionsApplied int           `json:"actionsApplied"`
	Skipped        int           `json:"skipped"`
	Unavailable    int           `json:"unavailable"`
	Errors         int           `json:"errors"`
	StartedAt      time.Time     `json:"startedAt"`
	Duration       time.Duration `json:"duration"`
}

// Stats are cumulative totals since the planner was created.
type Stats struct {
	Running        bool          `json:"running"`
	Ticks          int64         `json:"ticks"`
	UsersProcessed int64         `json:"usersProcessed"`
	TasksPlanned   int64         `json:"tasksPlanned"`
	ActionsApplied int64         `json:"actionsApplied"`
	Skipped        int64         `json:"skipped"`
	Unavailable    int64         `json:"unavailable"`
	Errors         int64         `json:"errors"`
	LastRunAt      time.Time     `json:"lastRunAt,omitempty"`
	LastDuration   time.Duration `json:"lastDuration"`
	LastTick       *TickStats    `json:"lastTick,omitempty"`
}

type outcome int

const (
	outcomePlanned outcome = iota
	outcomeAction
	outcomeSkipped
	outcomeUnavailable
)

// Planner schedules work on a fixed interval.
type Planner struct {
	deps     Deps
	interval time.Duration
	maxUsers int
	logger   *slog.Logger
	now      func() time.Time

	running atomic.Bool
	ticking atomic.Bool
	mu      sync.Mutex
	stop    chan struct{}

	statsMu sync.Mutex
	stats   Stats
}

// New creates a planner.
func New(deps Deps, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{
		deps:     deps,
		interval: DefaultInterval,
		maxUsers: DefaultMaxUsers,
		logger:   logger,
		now:      time.Now,
	}
}

// WithInterval sets the tick interval.
func (p *Planner) WithInterval(d time.Duration) *Planner {
	if d > 0 {
		p.interval = d
	}
	return p
}

// WithMaxUsers caps the users handled per tick. Zero or less means no cap.
func (p *Planner) WithMaxUsers(n int) *Planner {
	p.maxUsers = n
	return p
}

// WithClock overrides the clock (for testing).
func (p *Planner) WithClock(now func() time.Time) *Planner {
	p.now = now
	return p
}

// Running reports whether the loop is active.
func (p *Planner) Running() bool {
	return p.running.Load()
}

// Start runs the loop until ctx is done or Stop is called. A second call
// while running returns immediately. Call in a goroutine.
func (p *Planner) Start(ctx context.Context) {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	defer p.running.Store(false)

	stop := make(chan struct{})
	p.mu.Lock()
	p.stop = stop
	p.mu.Unlock()

	p.logger.Info("planner started", "interval", p.interval, "max_users", p.maxUsers)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("planner stopped", "reason", ctx.Err())
			return
		case <-stop:
			p.logger.Info("planner stopped")
			return
		case <-ticker.C:
			p.safeTick(ctx)
		}
	}
}

// Run blocks until ctx is done or Stop is called.
func (p *Planner) Run(ctx context.Context) {
	p.Start(ctx)
}

// Stop ends the loop. Safe to call repeatedly or before Start.
func (p *Planner) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop != nil {
		close(p.stop)
		p.stop = nil
	}
}

func (p *Planner) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic in planner tick", "panic", fmt.Sprint(r))
		}
	}()

	ts, err := p.RunOnce(ctx)
	switch {
	case errors.Is(err, ErrTickInProgress):
		p.logger.Debug("planner tick skipped, previous tick still running")
	case err != nil:
		p.logger.Error("planner tick failed", "error", err)
	default:
		p.logger.Info("planner tick complete", "users", ts.UsersProcessed, "planned", ts.TasksPlanned,
			"actions", ts.ActionsApplied, "unavailable", ts.Unavailable, "errors", ts.Errors,
			"duration", ts.Duration)
	}
}

// Stats returns a copy of the cumulative statistics.
func (p *Planner) Stats() Stats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	s := p.stats
	if s.LastTick != nil {
		lt := *s.LastTick
		s.LastTick = &lt
	}
	s.Running = p.running.Load()
	return s
}

// RunOnce executes one tick. The timer loop and manual triggers share this
// path; overlapping calls return ErrTickInProgress.
func (p *Planner) RunOnce(ctx context.Context) (TickStats, error) {
	if !p.ticking.CompareAndSwap(false, true) {
		return TickStats{}, ErrTickInProgress
	}
	defer p.ticking.Store(false)

	metrics.PlannerRunning.Set(1)
	defer metrics.PlannerRunning.Set(0)

	ctx, span := traces.StartSpan(ctx, "planner.RunOnce")
	defer span.End()

	ts := TickStats{StartedAt: p.now()}
	start := time.Now()

	users, err := p.deps.Accounts.ListSchedulableUsers(ctx, p.maxUsers)
	if err != nil {
		traces.Fail(span, err)
		metrics.PlannerErrorsTotal.Inc()
		ts.Errors++
		ts.Duration = time.Since(start)
		p.record(ts)
		return ts, fmt.Errorf("list schedulable users: %w", err)
	}

	for _, userID := range users {
		if ctx.Err() != nil {
			break
		}
		ts.UsersProcessed++
		out, err := p.planUser(ctx, userID)
		if err != nil {
			ts.Errors++
			metrics.PlannerErrorsTotal.Inc()
			p.logger.Warn("planning failed", "user_id", userID, "error", err)
		} else {
			switch out {
			case outcomePlanned:
				ts.TasksPlanned++
			case outcomeAction:
				ts.ActionsApplied++
			case outcomeSkipped:
				ts.Skipped++
			case outcomeUnavailable:
				ts.Unavailable++
			}
		}
		if err := p.deps.Accounts.MarkPlanned(ctx, userID, p.now()); err != nil {
			p.logger.Warn("mark planned failed", "user_id", userID, "error", err)
		}
	}

	ts.Duration = time.Since(start)
	metrics.PlannerTicksTotal.Inc()
	metrics.PlannerTickDuration.Observe(ts.Duration.Seconds())
	span.SetAttributes(
		traces.Count("users", ts.UsersProcessed),
		traces.Count("planned", ts.TasksPlanned),
		traces.Count("errors", ts.Errors),
	)
	p.record(ts)
	return ts, ctx.Err()
}

func (p *Planner) record(ts TickStats) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	p.stats.Ticks++
	p.stats.UsersProcessed += int64(ts.UsersProcessed)
	p.stats.TasksPlanned += int64(ts.TasksPlanned)
	p.stats.ActionsApplied += int64(ts.ActionsApplied)
	p.stats.Skipped += int64(ts.Skipped)
	p.stats.Unavailable += int64(ts.Unavailable)
	p.stats.Errors += int64(ts.Errors)
	p.stats.LastRunAt = ts.StartedAt
	p.stats.LastDuration = ts.Duration
	p.stats.LastTick = &ts
}

// planUser runs policy, selection and variant choice for one user and
// publishes the resulting work order.
func (p *Planner) planUser(ctx context.Context, userID string) (outcome, error) {
	ctx, span := traces.StartSpan(ctx, "planner.planUser", traces.UserID(userID))
	defer span.End()

	out, err := p.plan(ctx, userID)
	if err != nil {
		traces.Fail(span, err)
	}
	return out, err
}

func (p *Planner) plan(ctx context.Context, userID string) (outcome, error) {
	ev, err := p.deps.Policy.Evaluate(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("evaluate policy: %w", err)
	}
	if ev.HasAction() {
		if err := p.deps.Policy.ApplyAction(ctx, ev); err != nil {
			return 0, fmt.Errorf("apply %s: %w", ev.Action, err)
		}
		return outcomeAction, nil
	}
	if ev.CoolingDown {
		p.logger.Debug("user cooling down", "user_id", userID, "until", ev.CooldownUntil)
		return outcomeSkipped, nil
	}

	target, err := p.deps.Targets.NextForUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("next target: %w", err)
	}
	if target == nil {
		p.logger.Debug("no enabled targets", "user_id", userID)
		return outcomeSkipped, nil
	}

	res, err := p.deps.Selector.Select(ctx, userID, selector.Options{})
	if err != nil {
		return 0, fmt.Errorf("select: %w", err)
	}
	if !res.OK {
		p.logger.Debug("no usable session", "user_id", userID, "reason", res.Reason)
		return outcomeUnavailable, nil
	}

	variant := p.deps.Variants.SelectVariant(diversify.ContextFor(target))
	now := p.now()
	order := &queue.WorkOrder{
		ID:        uuid.NewString(),
		TaskID:    idgen.WithPrefix("task_"),
		UserID:    userID,
		Target:    target,
		Variant:   variant,
		Runtime:   res.Config,
		Summary:   res.Summary,
		CreatedAt: now,
	}
	if err := p.deps.Publisher.Publish(ctx, order); err != nil {
		return 0, fmt.Errorf("publish: %w", err)
	}

	if err := p.deps.Tasks.Create(ctx, &tasks.Record{
		ID:        order.TaskID,
		UserID:    userID,
		AccountID: res.Summary.AccountID,
		SessionID: res.Summary.SessionID,
		TargetID:  target.ID,
		VariantID: variant.ID,
		Status:    tasks.StatusQueued,
		CreatedAt: now,
	}); err != nil {
		return 0, fmt.Errorf("record task: %w", err)
	}
	if err := p.deps.Targets.RecordRun(ctx, target.ID, variant.ID, now); err != nil {
		return 0, fmt.Errorf("record run: %w", err)
	}

	metrics.PlannerTasksPlannedTotal.Inc()
	p.logger.Debug("task planned", "user_id", userID, "task_id", order.TaskID,
		"target_id", target.ID, "variant_id", variant.ID, "session_id", res.Summary.SessionID)
	return outcomePlanned, nil
}
