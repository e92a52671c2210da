package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/crawlpilot/internal/accounts"
	"github.com/mbd888/crawlpilot/internal/audit"
	"github.com/mbd888/crawlpilot/internal/idgen"
	"github.com/mbd888/crawlpilot/internal/metrics"
	"github.com/mbd888/crawlpilot/internal/notify"
	"github.com/mbd888/crawlpilot/internal/quota"
	"github.com/mbd888/crawlpilot/internal/traces"
)

// DefaultPolicyCacheTTL is how long a resolved policy is cached per user.
const DefaultPolicyCacheTTL = 30 * time.Second

// Session status reasons written by ApplyAction.
const (
	ReasonCooldown = "POLICY_COOLDOWN"
	ReasonDisable  = "POLICY_DISABLE"
)

// MetricsSource computes a user's usage.
type MetricsSource interface {
	Compute(ctx context.Context, userID string) (*quota.Metrics, error)
}

type policyCacheEntry struct {
	policy    Effective
	fetchedAt time.Time
}

// Evaluator resolves effective policies, checks usage against them and
// applies the resulting action.
type Evaluator struct {
	store    Store
	usage    MetricsSource
	accounts accounts.Store
	defaults Effective
	audit    *audit.Log
	notifier *notify.Notifier
	logger   *slog.Logger
	now      func() time.Time
	cacheTTL time.Duration

	mu    sync.RWMutex
	cache map[string]*policyCacheEntry
}

// NewEvaluator creates an evaluator. defaults stand in for any field the
// stored GLOBAL policy leaves unset.
func NewEvaluator(store Store, usage MetricsSource, accts accounts.Store, defaults Effective, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		store:    store,
		usage:    usage,
		accounts: accts,
		defaults: defaults,
		logger:   logger,
		now:      time.Now,
		cacheTTL: DefaultPolicyCacheTTL,
		cache:    make(map[string]*policyCacheEntry),
	}
}

// WithCacheTTL overrides the default policy cache TTL.
func (e *Evaluator) WithCacheTTL(ttl time.Duration) *Evaluator {
	e.cacheTTL = ttl
	return e
}

// WithAudit records applied actions to log.
func (e *Evaluator) WithAudit(log *audit.Log) *Evaluator {
	e.audit = log
	return e
}

// WithNotifier sends a best-effort message per applied action.
func (e *Evaluator) WithNotifier(n *notify.Notifier) *Evaluator {
	e.notifier = n
	return e
}

// WithClock overrides the clock (for testing).
func (e *Evaluator) WithClock(now func() time.Time) *Evaluator {
	e.now = now
	return e
}

// InvalidateCache drops the cached policy of one user. Call after writing
// that user's override.
func (e *Evaluator) InvalidateCache(userID string) {
	e.mu.Lock()
	delete(e.cache, userID)
	e.mu.Unlock()
}

// InvalidateAll drops every cached policy. Call after writing GLOBAL.
func (e *Evaluator) InvalidateAll() {
	e.mu.Lock()
	e.cache = make(map[string]*policyCacheEntry)
	e.mu.Unlock()
}

// SweepCache removes expired entries. Returns the number removed.
func (e *Evaluator) SweepCache() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	removed := 0
	for k, entry := range e.cache {
		if now.Sub(entry.fetchedAt) > e.cacheTTL {
			delete(e.cache, k)
			removed++
		}
	}
	return removed
}

// ResolveEffective returns the user's effective policy, from cache when
// fresh.
func (e *Evaluator) ResolveEffective(ctx context.Context, userID string) (Effective, error) {
	now := e.now()

	e.mu.RLock()
	entry, ok := e.cache[userID]
	if ok && now.Sub(entry.fetchedAt) < e.cacheTTL {
		e.mu.RUnlock()
		return entry.policy, nil
	}
	e.mu.RUnlock()

	global, err := e.lookup(ctx, ScopeGlobal, "")
	if err != nil {
		return Effective{}, err
	}
	var user *Policy
	if userID != "" {
		if user, err = e.lookup(ctx, ScopeUser, userID); err != nil {
			return Effective{}, err
		}
	}
	eff := Resolve(userID, e.defaults, global, user)

	e.mu.Lock()
	e.cache[userID] = &policyCacheEntry{policy: eff, fetchedAt: now}
	e.mu.Unlock()
	return eff, nil
}

func (e *Evaluator) lookup(ctx context.Context, scope Scope, userID string) (*Policy, error) {
	p, err := e.store.Get(ctx, scope, userID)
	if errors.Is(err, ErrPolicyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s policy: %w", scope, err)
	}
	return p, nil
}

// Evaluate checks the user's current usage. It has no side effects. A user
// inside an unexpired cooldown gets an evaluation with CoolingDown set and
// no action.
func (e *Evaluator) Evaluate(ctx context.Context, userID string) (*Evaluation, error) {
	eff, err := e.ResolveEffective(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := e.now()
	ev := &Evaluation{UserID: userID, Policy: eff, Violations: []Violation{}, EvaluatedAt: now}
	if !eff.Enabled {
		return ev, nil
	}

	last, err := e.store.LatestCooldown(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load latest cooldown: %w", err)
	}
	if last != nil && last.CooldownUntil.After(now) {
		ev.CoolingDown = true
		ev.CooldownUntil = last.CooldownUntil
		return ev, nil
	}

	m, err := e.usage.Compute(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("compute usage: %w", err)
	}
	ev.Metrics = m
	if v := Check(eff, m); len(v) > 0 {
		ev.Violations = v
	}
	ev.Action, ev.CooldownUntil = Decide(eff, ev.Violations, now)
	return ev, nil
}

// ApplyAction logs the evaluation and carries out its side effects. An
// evaluation without an action is a no-op. Notification failures never
// surface here.
func (e *Evaluator) ApplyAction(ctx context.Context, ev *Evaluation) error {
	if !ev.HasAction() {
		return nil
	}
	ctx, span := traces.StartSpan(ctx, "policy.ApplyAction",
		traces.UserID(ev.UserID), traces.Reason(string(ev.Action)))
	defer span.End()

	now := e.now()
	primary := ev.Primary()
	rec := &ViolationRecord{
		ID:            idgen.WithPrefix("pv_"),
		UserID:        ev.UserID,
		Type:          primary.Type,
		Observed:      primary.Observed,
		Limit:         primary.Limit,
		Violations:    ev.Violations,
		Action:        ev.Action,
		CooldownUntil: ev.CooldownUntil,
		CreatedAt:     now,
	}
	if err := e.store.AppendViolation(ctx, rec); err != nil {
		traces.Fail(span, err)
		return fmt.Errorf("append violation: %w", err)
	}
	for _, v := range ev.Violations {
		metrics.PolicyViolationsTotal.WithLabelValues(string(v.Type)).Inc()
	}
	metrics.PolicyActionsTotal.WithLabelValues(string(ev.Action)).Inc()

	affected, err := e.sideEffects(ctx, ev, now)
	if err != nil {
		traces.Fail(span, err)
		return err
	}

	e.logger.Info("policy action applied", "user_id", ev.UserID, "action", ev.Action,
		"violation", primary.Type, "sessions_affected", affected)

	e.audit.Record(ctx, &audit.Event{
		Type:   audit.TypePolicyAction,
		UserID: ev.UserID,
		Reason: string(primary.Type),
		To:     string(ev.Action),
		Data: map[string]any{
			"violationId":      rec.ID,
			"violations":       ev.Violations,
			"cooldownUntil":    ev.CooldownUntil,
			"sessionsAffected": affected,
		},
	})
	e.notifier.Notify(ctx, &notify.Message{
		Kind:   notify.KindPolicyAction,
		UserID: ev.UserID,
		Title:  fmt.Sprintf("Usage policy %s applied", ev.Action),
		Body:   fmt.Sprintf("%s: observed %g, limit %g", primary.Type, primary.Observed, primary.Limit),
		Data:   map[string]any{"action": ev.Action, "violations": ev.Violations, "cooldownUntil": ev.CooldownUntil},
	})

	if ev.Action != ActionWarn {
		if _, err := accounts.RefreshIntegration(ctx, e.accounts, ev.UserID, now); err != nil {
			e.logger.Warn("integration refresh failed", "user_id", ev.UserID, "error", err)
		}
	}
	return nil
}

// sideEffects patches the user's sessions and accounts for COOLDOWN and
// DISABLE and returns the number of sessions touched.
func (e *Evaluator) sideEffects(ctx context.Context, ev *Evaluation, now time.Time) (int, error) {
	switch ev.Action {
	case ActionCooldown:
		n, err := e.accounts.PatchUserSessions(ctx, ev.UserID, accounts.SessionPatch{
			Status:       accounts.Ptr(accounts.StatusStale),
			StatusReason: accounts.Ptr(ReasonCooldown),
			LastAbortAt:  accounts.Ptr(now),
			UnlessStatus: []accounts.SessionStatus{accounts.StatusInvalid, accounts.StatusExpired},
		})
		if err != nil {
			return 0, fmt.Errorf("cooldown sessions: %w", err)
		}
		return n, nil
	case ActionDisable:
		if _, err := e.accounts.PatchUserAccounts(ctx, ev.UserID, accounts.AccountPatch{
			Enabled: accounts.Ptr(false),
		}); err != nil {
			return 0, fmt.Errorf("disable accounts: %w", err)
		}
		n, err := e.accounts.PatchUserSessions(ctx, ev.UserID, accounts.SessionPatch{
			Status:       accounts.Ptr(accounts.StatusInvalid),
			StatusReason: accounts.Ptr(ReasonDisable),
			IsActive:     accounts.Ptr(false),
		})
		if err != nil {
			return 0, fmt.Errorf("invalidate sessions: %w", err)
		}
		return n, nil
	}
	return 0, nil
}

// Violations lists the user's violation log, newest first.
func (e *Evaluator) Violations(ctx context.Context, userID string, limit int) ([]*ViolationRecord, error) {
	return e.store.ListViolations(ctx, userID, limit)
}
