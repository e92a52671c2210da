// Package sessionhealth demotes sessions whose cookies have not been
// synced recently.
//
// Status decays one way, ok → stale → invalid. Recovery only happens
// through a fresh cookie sync outside this package. Expired is a separate
// terminal state reached when the executor reports a hard auth failure.
package sessionhealth

import (
	"fmt"
	"time"

	"github.com/mbd888/crawlpilot/internal/accounts"
)

// Default thresholds.
const (
	DefaultStaleThreshold   = 24 * time.Hour
	DefaultInvalidThreshold = 72 * time.Hour
	DefaultInterval         = 5 * time.Minute
)

// Thresholds bounds the sync age for each status.
type Thresholds struct {
	Stale   time.Duration
	Invalid time.Duration
}

// DefaultThresholds returns 24h / 72h.
func DefaultThresholds() Thresholds {
	return Thresholds{Stale: DefaultStaleThreshold, Invalid: DefaultInvalidThreshold}
}

// Decision is the outcome of evaluating one session.
type Decision struct {
	SessionID string                 `json:"sessionId"`
	From      accounts.SessionStatus `json:"from"`
	To        accounts.SessionStatus `json:"to"`
	Changed   bool                   `json:"changed"`
	Reason    string                 `json:"reason,omitempty"`
	Age       time.Duration          `json:"age"`
}

// Monitorable reports whether s is subject to staleness checks.
func Monitorable(s *accounts.Session) bool {
	return s.IsActive && (s.Status == accounts.StatusOK || s.Status == accounts.StatusStale)
}

// Evaluate decides the status s should have at now. It jumps straight to
// the worst applicable status so that a second evaluation at the same
// instant never changes anything. Sessions outside ok/stale, or inactive,
// are left as they are.
func Evaluate(s *accounts.Session, now time.Time, th Thresholds) Decision {
	d := Decision{SessionID: s.ID, From: s.Status, To: s.Status}
	if !Monitorable(s) {
		return d
	}

	d.Age = now.Sub(s.LastSyncAt)
	target, limit := s.Status, time.Duration(0)
	switch {
	case d.Age > th.Invalid:
		target, limit = accounts.StatusInvalid, th.Invalid
	case d.Age > th.Stale:
		target, limit = accounts.StatusStale, th.Stale
	}

	if target.Rank() <= s.Status.Rank() {
		return d
	}
	d.To = target
	d.Changed = true
	d.Reason = fmt.Sprintf("last sync %s ago exceeds %s threshold %s",
		d.Age.Round(time.Second), target, limit)
	return d
}
