// Package notify delivers best-effort operator notifications.
//
// The core never depends on delivery: Notifier swallows and counts every
// failure, and a nil *Notifier is a valid no-op.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/crawlpilot/internal/idgen"
)

// Message kinds.
const (
	KindSessionTransition = "session.transition"
	KindSessionExpired    = "session.expired"
	KindPolicyAction      = "policy.action"
)

// Message is one notification.
type Message struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	UserID    string         `json:"userId,omitempty"`
	Title     string         `json:"title"`
	Body      string         `json:"body,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Sender delivers a message to one channel.
type Sender interface {
	Send(ctx context.Context, msg *Message) error
}

var (
	sentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crawlpilot",
		Subsystem: "notify",
		Name:      "sent_total",
		Help:      "Notification attempts by kind.",
	}, []string{"kind"})

	failedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crawlpilot",
		Subsystem: "notify",
		Name:      "failed_total",
		Help:      "Notification delivery failures by kind.",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(sentTotal, failedTotal)
}

const defaultTimeout = 10 * time.Second

// Notifier wraps a Sender with logging, metrics and a delivery timeout.
type Notifier struct {
	sender  Sender
	logger  *slog.Logger
	timeout time.Duration
}

// New creates a notifier. A nil sender yields a notifier that drops
// everything.
func New(sender Sender, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{sender: sender, logger: logger, timeout: defaultTimeout}
}

// WithTimeout overrides the per-message delivery timeout.
func (n *Notifier) WithTimeout(d time.Duration) *Notifier {
	n.timeout = d
	return n
}

// Notify delivers msg and never reports failure to the caller.
func (n *Notifier) Notify(ctx context.Context, msg *Message) {
	if n == nil || n.sender == nil || msg == nil {
		return
	}
	if msg.ID == "" {
		msg.ID = idgen.WithPrefix("ntf_")
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	sentTotal.WithLabelValues(msg.Kind).Inc()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
	defer cancel()
	if err := n.sender.Send(ctx, msg); err != nil {
		failedTotal.WithLabelValues(msg.Kind).Inc()
		n.logger.Warn("notification failed", "kind", msg.Kind, "user_id", msg.UserID, "error", err)
	}
}

// LogSender writes notifications to the log. It is the default channel
// when no webhook is configured.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a log-only sender.
func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, msg *Message) error {
	s.logger.Info("notification", "kind", msg.Kind, "user_id", msg.UserID, "title", msg.Title, "body", msg.Body)
	return nil
}

// Recorder keeps messages in memory. Useful in tests and demo mode.
type Recorder struct {
	mu   sync.Mutex
	msgs []*Message
	err  error
}

// FailWith makes subsequent sends return err after recording.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

func (r *Recorder) Send(_ context.Context, msg *Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *msg
	r.msgs = append(r.msgs, &cp)
	return r.err
}

// Messages returns a copy of everything recorded.
func (r *Recorder) Messages() []*Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Message(nil), r.msgs...)
}

var (
	_ Sender = (*LogSender)(nil)
	_ Sender = (*Recorder)(nil)
)
