// Package accounts holds the linked social-platform identities, their
// credentialed sessions and the per-user integration snapshot.
//
// Reads return snapshot copies. Writes go through AccountPatch and
// SessionPatch, which name the fields they touch and may carry a status
// precondition, so that the health monitor, the selector and the policy
// evaluator never clobber each other's fields.
package accounts

import (
	"errors"
	"time"
)

// Errors
var (
	ErrAccountNotFound = errors.New("accounts: account not found")
	ErrSessionNotFound = errors.New("accounts: session not found")
	ErrDuplicate       = errors.New("accounts: duplicate id")
)

// SessionStatus is the health state of a session.
type SessionStatus string

const (
	StatusOK      SessionStatus = "ok"
	StatusStale   SessionStatus = "stale"
	StatusInvalid SessionStatus = "invalid"
	StatusExpired SessionStatus = "expired"
	StatusError   SessionStatus = "error"
)

// Rank orders statuses from best to worst for selection. Expired sorts
// after invalid; neither is ever selectable.
func (s SessionStatus) Rank() int {
	switch s {
	case StatusOK:
		return 0
	case StatusStale:
		return 1
	case StatusError:
		return 2
	case StatusInvalid:
		return 3
	default:
		return 4
	}
}

// Terminal reports whether no automatic transition may leave s.
func (s SessionStatus) Terminal() bool {
	return s == StatusInvalid || s == StatusExpired
}

// Valid reports whether s is a known status.
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusOK, StatusStale, StatusInvalid, StatusExpired, StatusError:
		return true
	}
	return false
}

// Account is a social-platform identity owned by a user.
type Account struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Handle      string    `json:"handle,omitempty"`
	Enabled     bool      `json:"enabled"`
	IsPreferred bool      `json:"isPreferred"`
	Priority    int       `json:"priority"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Session is one authenticated cookie set bound to exactly one account.
// AccountID and UserID never change after creation.
type Session struct {
	ID               string        `json:"id"`
	AccountID        string        `json:"accountId"`
	UserID           string        `json:"userId"`
	Status           SessionStatus `json:"status"`
	StatusReason     string        `json:"statusReason,omitempty"`
	IsActive         bool          `json:"isActive"`
	RiskScore        int           `json:"riskScore"` // 0-100, lower is better
	LastSyncAt       time.Time     `json:"lastSyncAt"`
	LastAbortAt      time.Time     `json:"lastAbortAt,omitempty"`
	AvgLatencyMs     int           `json:"avgLatencyMs"`
	EncryptedCookies []byte        `json:"-"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

// Clone returns a deep copy of s.
func (s *Session) Clone() *Session {
	cp := *s
	if s.EncryptedCookies != nil {
		cp.EncryptedCookies = append([]byte(nil), s.EncryptedCookies...)
	}
	return &cp
}

// IntegrationState summarises a user's session pool for the planner.
type IntegrationState string

const (
	IntegrationActive       IntegrationState = "active"
	IntegrationStale        IntegrationState = "stale"
	IntegrationInvalid      IntegrationState = "invalid"
	IntegrationDisconnected IntegrationState = "disconnected"
)

// Integration is the latest integration snapshot of a user.
type Integration struct {
	UserID        string           `json:"userId"`
	State         IntegrationState `json:"state"`
	LastSyncAt    time.Time        `json:"lastSyncAt,omitempty"`
	LastPlannedAt time.Time        `json:"lastPlannedAt,omitempty"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}

// Schedulable reports whether the planner should consider the user.
func (i *Integration) Schedulable() bool {
	return i.State == IntegrationActive || i.State == IntegrationStale
}

// DeriveIntegration computes a user's integration snapshot from the
// sessions of their enabled accounts.
func DeriveIntegration(userID string, sessions []*Session, now time.Time) *Integration {
	in := &Integration{UserID: userID, State: IntegrationDisconnected, UpdatedAt: now}
	if len(sessions) == 0 {
		return in
	}
	in.State = IntegrationInvalid
	for _, s := range sessions {
		if s.LastSyncAt.After(in.LastSyncAt) {
			in.LastSyncAt = s.LastSyncAt
		}
		if !s.IsActive {
			continue
		}
		switch s.Status {
		case StatusOK:
			in.State = IntegrationActive
		case StatusStale, StatusError:
			if in.State != IntegrationActive {
				in.State = IntegrationStale
			}
		}
	}
	return in
}

// AccountPatch updates named account fields only.
type AccountPatch struct {
	Enabled  *bool
	Priority *int
}

// Empty reports whether the patch changes nothing.
func (p AccountPatch) Empty() bool {
	return p.Enabled == nil && p.Priority == nil
}

// SessionPatch updates named session fields only. OnlyIfStatus and
// UnlessStatus are preconditions on the current status; a session failing
// them is left untouched.
type SessionPatch struct {
	Status       *SessionStatus
	StatusReason *string
	IsActive     *bool
	LastAbortAt  *time.Time
	RiskScore    *int
	AvgLatencyMs *int

	OnlyIfStatus []SessionStatus
	UnlessStatus []SessionStatus
}

// Empty reports whether the patch changes nothing.
func (p SessionPatch) Empty() bool {
	return p.Status == nil && p.StatusReason == nil && p.IsActive == nil &&
		p.LastAbortAt == nil && p.RiskScore == nil && p.AvgLatencyMs == nil
}

// Allows reports whether the preconditions hold for current.
func (p SessionPatch) Allows(current SessionStatus) bool {
	if len(p.OnlyIfStatus) > 0 && !containsStatus(p.OnlyIfStatus, current) {
		return false
	}
	return !containsStatus(p.UnlessStatus, current)
}

// apply mutates s in place. Callers check Allows first.
func (p SessionPatch) apply(s *Session, now time.Time) {
	if p.Status != nil {
		s.Status = *p.Status
	}
	if p.StatusReason != nil {
		s.StatusReason = *p.StatusReason
	}
	if p.IsActive != nil {
		s.IsActive = *p.IsActive
	}
	if p.LastAbortAt != nil {
		s.LastAbortAt = *p.LastAbortAt
	}
	if p.RiskScore != nil {
		s.RiskScore = *p.RiskScore
	}
	if p.AvgLatencyMs != nil {
		s.AvgLatencyMs = *p.AvgLatencyMs
	}
	s.UpdatedAt = now
}

func containsStatus(list []SessionStatus, s SessionStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Ptr returns a pointer to v. Convenience for building patches.
func Ptr[T any](v T) *T {
	return &v
}
