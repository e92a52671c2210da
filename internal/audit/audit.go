// Package audit records state changes made by the orchestration core and
// mirrors them to the realtime stream.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/crawlpilot/internal/idgen"
	"github.com/mbd888/crawlpilot/internal/pagination"
	"github.com/mbd888/crawlpilot/internal/realtime"
)

// Event types.
const (
	TypeSessionTransition    = "session.transition"
	TypeSessionDecryptFailed = "session.decrypt_failed"
	TypeSessionExpired       = "session.expired"
	TypePolicyAction         = "policy.action"
)

// Event is one audit record.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	UserID    string         `json:"userId,omitempty"`
	AccountID string         `json:"accountId,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
	From      string         `json:"from,omitempty"`
	To        string         `json:"to,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Filter selects events for listing. Zero fields match everything.
type Filter struct {
	UserID string
	Type   string
	Since  time.Time
	// After resumes a newest-first listing past a previous page.
	After *pagination.Cursor
	Limit int
}

const defaultListLimit = 100

// Store persists audit events. Events are append-only.
type Store interface {
	Append(ctx context.Context, e *Event) error
	List(ctx context.Context, f Filter) ([]*Event, error)
}

// Publisher receives every recorded event for live streaming.
type Publisher interface {
	Publish(e *realtime.Event)
}

var recordFailures = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "crawlpilot",
	Subsystem: "audit",
	Name:      "record_failures_total",
	Help:      "Audit events that could not be persisted.",
})

func init() {
	prometheus.MustRegister(recordFailures)
}

// Log is the write side used by services. Recording never fails from the
// caller's point of view; a nil *Log drops everything.
type Log struct {
	store  Store
	pub    Publisher
	logger *slog.Logger
	now    func() time.Time
}

// NewLog creates an audit log over store. Either argument may be nil.
func NewLog(store Store, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{store: store, logger: logger, now: time.Now}
}

// WithPublisher mirrors events to a live stream.
func (l *Log) WithPublisher(p Publisher) *Log {
	l.pub = p
	return l
}

// WithClock overrides the clock (for testing).
func (l *Log) WithClock(now func() time.Time) *Log {
	l.now = now
	return l
}

// Record stamps, persists and publishes e.
func (l *Log) Record(ctx context.Context, e *Event) {
	if l == nil || e == nil {
		return
	}
	if e.ID == "" {
		e.ID = idgen.WithPrefix("evt_")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.now()
	}

	if l.store != nil {
		if err := l.store.Append(ctx, e); err != nil {
			recordFailures.Inc()
			l.logger.Warn("audit append failed", "type", e.Type, "user_id", e.UserID, "error", err)
		}
	}
	if l.pub != nil {
		l.pub.Publish(&realtime.Event{
			ID:        e.ID,
			Type:      e.Type,
			UserID:    e.UserID,
			Timestamp: e.CreatedAt,
			Data:      e,
		})
	}
}

// List reads from the underlying store.
func (l *Log) List(ctx context.Context, f Filter) ([]*Event, error) {
	if l == nil || l.store == nil {
		return nil, nil
	}
	return l.store.List(ctx, f)
}
