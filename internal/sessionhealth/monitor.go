package sessionhealth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/crawlpilot/internal/accounts"
	"github.com/mbd888/crawlpilot/internal/audit"
	"github.com/mbd888/crawlpilot/internal/metrics"
	"github.com/mbd888/crawlpilot/internal/notify"
	"github.com/mbd888/crawlpilot/internal/traces"
)

// ErrCheckInProgress is returned when a batch check is already running.
var ErrCheckInProgress = errors.New("sessionhealth: check already in progress")

// Report summarises one batch check.
type Report struct {
	Checked      int           `json:"checked"`
	Transitioned int           `json:"transitioned"`
	Skipped      int           `json:"skipped"`
	Errors       int           `json:"errors"`
	Duration     time.Duration `json:"duration"`
}

// Monitor periodically re-evaluates every monitorable session.
type Monitor struct {
	store      accounts.Store
	audit      *audit.Log
	notifier   *notify.Notifier
	thresholds Thresholds
	interval   time.Duration
	logger     *slog.Logger
	now        func() time.Time

	running  atomic.Bool
	checking atomic.Bool
	mu       sync.Mutex
	stop     chan struct{}
}

// NewMonitor creates a monitor over store.
func NewMonitor(store accounts.Store, th Thresholds, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		store:      store,
		thresholds: th,
		interval:   DefaultInterval,
		logger:     logger,
		now:        time.Now,
	}
}

// WithAudit records transitions to log.
func (m *Monitor) WithAudit(log *audit.Log) *Monitor {
	m.audit = log
	return m
}

// WithNotifier sends a best-effort message per transition.
func (m *Monitor) WithNotifier(n *notify.Notifier) *Monitor {
	m.notifier = n
	return m
}

// WithInterval sets the tick interval.
func (m *Monitor) WithInterval(d time.Duration) *Monitor {
	if d > 0 {
		m.interval = d
	}
	return m
}

// WithClock overrides the clock (for testing).
func (m *Monitor) WithClock(now func() time.Time) *Monitor {
	m.now = now
	return m
}

// Thresholds returns the configured thresholds.
func (m *Monitor) Thresholds() Thresholds {
	return m.thresholds
}

// Running reports whether the loop is active.
func (m *Monitor) Running() bool {
	return m.running.Load()
}

// Start runs the check loop until ctx is done or Stop is called. A second
// call while running returns immediately. Call in a goroutine.
func (m *Monitor) Start(ctx context.Context) {
	if !m.running.CompareAndSwap(false, true) {
		return
	}
	defer m.running.Store(false)

	stop := make(chan struct{})
	m.mu.Lock()
	m.stop = stop
	m.mu.Unlock()

	m.logger.Info("session health monitor started", "interval", m.interval,
		"stale_threshold", m.thresholds.Stale, "invalid_threshold", m.thresholds.Invalid)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			m.safeCheck(ctx)
		}
	}
}

// Stop ends the loop. Safe to call repeatedly or before Start.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop != nil {
		close(m.stop)
		m.stop = nil
	}
}

func (m *Monitor) safeCheck(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("panic in session health monitor", "panic", fmt.Sprint(r))
		}
	}()

	report, err := m.CheckAllSessions(ctx)
	switch {
	case errors.Is(err, ErrCheckInProgress):
		m.logger.Debug("health check skipped, previous tick still running")
	case err != nil:
		m.logger.Error("health check failed", "error", err)
	case report.Transitioned > 0 || report.Errors > 0:
		m.logger.Info("health check complete", "checked", report.Checked,
			"transitioned", report.Transitioned, "skipped", report.Skipped, "errors", report.Errors)
	}
}

// CheckAllSessions evaluates every monitorable session once. Overlapping
// calls return ErrCheckInProgress.
func (m *Monitor) CheckAllSessions(ctx context.Context) (Report, error) {
	if !m.checking.CompareAndSwap(false, true) {
		return Report{}, ErrCheckInProgress
	}
	defer m.checking.Store(false)

	ctx, span := traces.StartSpan(ctx, "sessionhealth.CheckAllSessions")
	defer span.End()

	start := time.Now()
	sessions, err := m.store.ListMonitorableSessions(ctx)
	if err != nil {
		traces.Fail(span, err)
		return Report{}, fmt.Errorf("list sessions: %w", err)
	}

	now := m.now()
	var report Report
	users := make(map[string]struct{})
	for _, s := range sessions {
		report.Checked++
		users[s.UserID] = struct{}{}

		d := Evaluate(s, now, m.thresholds)
		if !d.Changed {
			continue
		}
		applied, err := m.apply(ctx, s, d)
		switch {
		case err != nil:
			report.Errors++
			m.logger.Warn("session transition failed", "session_id", s.ID, "error", err)
		case applied:
			report.Transitioned++
		default:
			report.Skipped++
		}
	}

	// Keep every user's snapshot current, not only those with transitions,
	// so newly synced users become schedulable.
	for userID := range users {
		if _, err := accounts.RefreshIntegration(ctx, m.store, userID, now); err != nil {
			report.Errors++
			m.logger.Warn("integration refresh failed", "user_id", userID, "error", err)
		}
	}

	report.Duration = time.Since(start)
	metrics.HealthChecksTotal.Inc()
	span.SetAttributes(traces.Count("checked", report.Checked), traces.Count("transitioned", report.Transitioned))
	return report, nil
}

// CheckSession evaluates and, if due, transitions a single session using
// the same rules as the batch check.
func (m *Monitor) CheckSession(ctx context.Context, sessionID string) (Decision, error) {
	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return Decision{}, err
	}
	now := m.now()
	d := Evaluate(s, now, m.thresholds)
	if !d.Changed {
		return d, nil
	}

	applied, err := m.apply(ctx, s, d)
	if err != nil {
		return Decision{}, err
	}
	if !applied {
		// Someone else moved it first.
		d.Changed = false
		d.To = d.From
		d.Reason = ""
		return d, nil
	}
	if _, err := accounts.RefreshIntegration(ctx, m.store, s.UserID, now); err != nil {
		m.logger.Warn("integration refresh failed", "user_id", s.UserID, "error", err)
	}
	return d, nil
}

// apply writes d as a compare-and-set on the session's current status.
func (m *Monitor) apply(ctx context.Context, s *accounts.Session, d Decision) (bool, error) {
	applied, err := m.store.PatchSession(ctx, s.ID, accounts.SessionPatch{
		Status:       accounts.Ptr(d.To),
		StatusReason: accounts.Ptr(d.Reason),
		OnlyIfStatus: []accounts.SessionStatus{d.From},
	})
	if err != nil || !applied {
		return applied, err
	}

	metrics.SessionTransitionsTotal.WithLabelValues(string(d.From), string(d.To)).Inc()
	m.logger.Info("session transitioned", "session_id", s.ID, "user_id", s.UserID,
		"from", d.From, "to", d.To, "reason", d.Reason)

	m.audit.Record(ctx, &audit.Event{
		Type:      audit.TypeSessionTransition,
		UserID:    s.UserID,
		AccountID: s.AccountID,
		SessionID: s.ID,
		From:      string(d.From),
		To:        string(d.To),
		Reason:    d.Reason,
	})
	m.notifier.Notify(ctx, &notify.Message{
		Kind:   notify.KindSessionTransition,
		UserID: s.UserID,
		Title:  fmt.Sprintf("Session %s is now %s", s.ID, d.To),
		Body:   d.Reason,
		Data:   map[string]any{"sessionId": s.ID, "accountId": s.AccountID, "from": d.From, "to": d.To},
	})
	return true, nil
}

// MarkExpired moves a session straight to expired and deactivates it.
// It is the entry point for hard auth failures reported by the executor.
// Sessions already invalid or expired are left alone and false is returned.
func (m *Monitor) MarkExpired(ctx context.Context, sessionID, reason string) (bool, error) {
	s, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if reason == "" {
		reason = "AUTH_FAILED"
	}

	applied, err := m.store.PatchSession(ctx, sessionID, accounts.SessionPatch{
		Status:       accounts.Ptr(accounts.StatusExpired),
		StatusReason: accounts.Ptr(reason),
		IsActive:     accounts.Ptr(false),
		UnlessStatus: []accounts.SessionStatus{accounts.StatusInvalid, accounts.StatusExpired},
	})
	if err != nil || !applied {
		return false, err
	}

	metrics.SessionTransitionsTotal.WithLabelValues(string(s.Status), string(accounts.StatusExpired)).Inc()
	m.logger.Info("session expired", "session_id", sessionID, "user_id", s.UserID, "reason", reason)

	m.audit.Record(ctx, &audit.Event{
		Type:      audit.TypeSessionExpired,
		UserID:    s.UserID,
		AccountID: s.AccountID,
		SessionID: sessionID,
		From:      string(s.Status),
		To:        string(accounts.StatusExpired),
		Reason:    reason,
	})
	m.notifier.Notify(ctx, &notify.Message{
		Kind:   notify.KindSessionExpired,
		UserID: s.UserID,
		Title:  fmt.Sprintf("Session %s expired", sessionID),
		Body:   reason,
		Data:   map[string]any{"sessionId": sessionID, "accountId": s.AccountID},
	})
	if _, err := accounts.RefreshIntegration(ctx, m.store, s.UserID, m.now()); err != nil {
		m.logger.Warn("integration refresh failed", "user_id", s.UserID, "error", err)
	}
	return true, nil
}
