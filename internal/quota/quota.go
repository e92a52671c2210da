// Package quota computes per-user usage over trailing windows.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/crawlpilot/internal/accounts"
	"github.com/mbd888/crawlpilot/internal/tasks"
)

// Windows.
const (
	TaskWindow     = time.Hour
	PostWindow     = 24 * time.Hour
	AbortWindow    = 24 * time.Hour
	CooldownWindow = 24 * time.Hour
)

// ActionCooldown is the violation-log action counted by RecentCooldowns.
const ActionCooldown = "COOLDOWN"

// Metrics is a user's usage snapshot.
type Metrics struct {
	UserID          string    `json:"userId"`
	Tasks1h         int       `json:"tasks1h"`
	Posts24h        int       `json:"posts24h"`
	AbortRate24h    float64   `json:"abortRate24h"` // percent, 0-100
	ActiveAccounts  int       `json:"activeAccounts"`
	StaleSessions   int       `json:"staleSessions"`
	TotalSessions   int       `json:"totalSessions"`
	RecentCooldowns int       `json:"recentCooldowns"`
	ComputedAt      time.Time `json:"computedAt"`
}

// TaskSource lists task records created at or after since.
type TaskSource interface {
	ListSince(ctx context.Context, userID string, since time.Time) ([]*tasks.Record, error)
}

// AccountSource exposes the account and session reads the aggregator needs.
type AccountSource interface {
	ListAccounts(ctx context.Context, userID string, enabledOnly bool) ([]*accounts.Account, error)
	ListSessionsByUser(ctx context.Context, userID string) ([]*accounts.Session, error)
}

// CooldownCounter counts violation-log rows with the given action since a
// point in time.
type CooldownCounter interface {
	CountActions(ctx context.Context, userID, action string, since time.Time) (int, error)
}

// Aggregator computes Metrics from the task history, the account store and
// the violation log.
type Aggregator struct {
	tasks     TaskSource
	accounts  AccountSource
	cooldowns CooldownCounter
	now       func() time.Time
}

// NewAggregator creates an aggregator. cooldowns may be nil, in which case
// RecentCooldowns is always zero.
func NewAggregator(tasks TaskSource, accts AccountSource, cooldowns CooldownCounter) *Aggregator {
	return &Aggregator{tasks: tasks, accounts: accts, cooldowns: cooldowns, now: time.Now}
}

// WithClock overrides the clock (for testing).
func (a *Aggregator) WithClock(now func() time.Time) *Aggregator {
	a.now = now
	return a
}

// Compute returns the user's usage at the current time.
func (a *Aggregator) Compute(ctx context.Context, userID string) (*Metrics, error) {
	now := a.now()
	m := &Metrics{UserID: userID, ComputedAt: now}

	records, err := a.tasks.ListSince(ctx, userID, now.Add(-PostWindow))
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	fillTaskUsage(m, records, now)

	accts, err := a.accounts.ListAccounts(ctx, userID, true)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	m.ActiveAccounts = len(accts)

	sessions, err := a.accounts.ListSessionsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	m.TotalSessions = len(sessions)
	for _, s := range sessions {
		if s.Status == accounts.StatusStale {
			m.StaleSessions++
		}
	}

	if a.cooldowns != nil {
		n, err := a.cooldowns.CountActions(ctx, userID, ActionCooldown, now.Add(-CooldownWindow))
		if err != nil {
			return nil, fmt.Errorf("count cooldowns: %w", err)
		}
		m.RecentCooldowns = n
	}
	return m, nil
}

// fillTaskUsage derives the task-based fields from records created within
// the last 24 hours.
func fillTaskUsage(m *Metrics, records []*tasks.Record, now time.Time) {
	hourAgo := now.Add(-TaskWindow)
	dayAgo := now.Add(-AbortWindow)
	var inDay, troubled int
	for _, r := range records {
		if r.CreatedAt.Before(dayAgo) {
			continue
		}
		inDay++
		if !r.CreatedAt.Before(hourAgo) {
			m.Tasks1h++
		}
		if r.Status.Delivered() {
			m.Posts24h += r.ItemsFetched
		}
		if r.Status.Troubled() {
			troubled++
		}
	}
	if inDay > 0 {
		m.AbortRate24h = 100 * float64(troubled) / float64(inDay)
	}
}
