// Package policy enforces rolling-window fair-use limits per user.
//
// A GLOBAL policy applies to everyone; a USER override replaces the fields
// it sets. The Evaluator compares quota metrics against the effective limits
// and escalates through WARN, COOLDOWN and DISABLE.
package policy

import (
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/crawlpilot/internal/config"
	"github.com/mbd888/crawlpilot/internal/quota"
)

// Errors
var (
	ErrPolicyNotFound = errors.New("policy: not found")
	ErrDuplicate      = errors.New("policy: duplicate violation id")
	ErrInvalidScope   = errors.New("policy: scope must be GLOBAL or USER")
)

// Scope of a stored policy.
type Scope string

const (
	ScopeGlobal Scope = "GLOBAL"
	ScopeUser   Scope = "USER"
)

// Action taken when a limit is exceeded.
type Action string

const (
	ActionNone     Action = ""
	ActionWarn     Action = "WARN"
	ActionCooldown Action = "COOLDOWN"
	ActionDisable  Action = "DISABLE"
)

// Valid reports whether a is one of the configurable actions.
func (a Action) Valid() bool {
	return a == ActionWarn || a == ActionCooldown || a == ActionDisable
}

// ViolationType names a breached limit.
type ViolationType string

const (
	ViolationMaxAccounts       ViolationType = "MAX_ACCOUNTS_EXCEEDED"
	ViolationMaxTasks          ViolationType = "MAX_TASKS_EXCEEDED"
	ViolationMaxPosts          ViolationType = "MAX_POSTS_EXCEEDED"
	ViolationHighAbortRate     ViolationType = "HIGH_ABORT_RATE"
	ViolationRepeatedCooldowns ViolationType = "REPEATED_COOLDOWNS"
)

// RepeatedCooldownThreshold is the number of COOLDOWN actions within 24h
// that forces DISABLE.
const RepeatedCooldownThreshold = 3

// Limits are the numeric caps. Nil means unset and falls back to the next
// layer.
type Limits struct {
	MaxAccounts     *int     `json:"maxAccounts,omitempty"`
	MaxTasksPerHour *int     `json:"maxTasksPerHour,omitempty"`
	MaxPostsPerDay  *int     `json:"maxPostsPerDay,omitempty"`
	MaxAbortRatePct *float64 `json:"maxAbortRatePct,omitempty"`
}

// Policy is one stored GLOBAL policy or USER override.
type Policy struct {
	Scope           Scope     `json:"scope"`
	UserID          string    `json:"userId,omitempty"`
	Enabled         bool      `json:"enabled"`
	Limits          Limits    `json:"limits"`
	OnLimitExceeded *Action   `json:"onLimitExceeded,omitempty"`
	CooldownMinutes *int      `json:"cooldownMinutes,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Validate checks field ranges and scope consistency.
func (p *Policy) Validate() error {
	switch p.Scope {
	case ScopeGlobal:
		if p.UserID != "" {
			return fmt.Errorf("GLOBAL policy must not carry a userId")
		}
	case ScopeUser:
		if p.UserID == "" {
			return fmt.Errorf("USER policy requires a userId")
		}
	default:
		return ErrInvalidScope
	}
	for name, v := range map[string]*int{
		"maxAccounts":     p.Limits.MaxAccounts,
		"maxTasksPerHour": p.Limits.MaxTasksPerHour,
		"maxPostsPerDay":  p.Limits.MaxPostsPerDay,
		"cooldownMinutes": p.CooldownMinutes,
	} {
		if v != nil && *v < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if r := p.Limits.MaxAbortRatePct; r != nil && (*r < 0 || *r > 100) {
		return fmt.Errorf("maxAbortRatePct must be 0-100")
	}
	if a := p.OnLimitExceeded; a != nil && !a.Valid() {
		return fmt.Errorf("onLimitExceeded must be WARN, COOLDOWN or DISABLE")
	}
	return nil
}

// Effective is a fully resolved policy for one user.
type Effective struct {
	UserID          string  `json:"userId"`
	Source          Scope   `json:"source"`
	Enabled         bool    `json:"enabled"`
	MaxAccounts     int     `json:"maxAccounts"`
	MaxTasksPerHour int     `json:"maxTasksPerHour"`
	MaxPostsPerDay  int     `json:"maxPostsPerDay"`
	MaxAbortRatePct float64 `json:"maxAbortRatePct"`
	OnLimitExceeded Action  `json:"onLimitExceeded"`
	CooldownMinutes int     `json:"cooldownMinutes"`
}

// FromConfig builds the built-in GLOBAL defaults.
func FromConfig(c config.PolicyDefaults) Effective {
	action := Action(c.OnLimitExceeded)
	if !action.Valid() {
		action = ActionCooldown
	}
	return Effective{
		Source:          ScopeGlobal,
		Enabled:         true,
		MaxAccounts:     c.MaxAccounts,
		MaxTasksPerHour: c.MaxTasksPerHour,
		MaxPostsPerDay:  c.MaxPostsPerDay,
		MaxAbortRatePct: c.MaxAbortRatePct,
		OnLimitExceeded: action,
		CooldownMinutes: c.CooldownMinutes,
	}
}

// overlay returns base with every field set on p replaced.
func overlay(base Effective, p *Policy) Effective {
	out := base
	out.Source = p.Scope
	out.Enabled = p.Enabled
	if v := p.Limits.MaxAccounts; v != nil {
		out.MaxAccounts = *v
	}
	if v := p.Limits.MaxTasksPerHour; v != nil {
		out.MaxTasksPerHour = *v
	}
	if v := p.Limits.MaxPostsPerDay; v != nil {
		out.MaxPostsPerDay = *v
	}
	if v := p.Limits.MaxAbortRatePct; v != nil {
		out.MaxAbortRatePct = *v
	}
	if v := p.OnLimitExceeded; v != nil {
		out.OnLimitExceeded = *v
	}
	if v := p.CooldownMinutes; v != nil {
		out.CooldownMinutes = *v
	}
	return out
}

// Resolve layers the stored GLOBAL policy over defaults, then an enabled
// USER override over that. Either policy may be nil; a disabled override
// is ignored.
func Resolve(userID string, defaults Effective, global, user *Policy) Effective {
	eff := defaults
	if global != nil {
		eff = overlay(eff, global)
	}
	if user != nil && user.Enabled {
		eff = overlay(eff, user)
	}
	eff.UserID = userID
	return eff
}

// Violation is one breached limit.
type Violation struct {
	Type     ViolationType `json:"type"`
	Observed float64       `json:"observed"`
	Limit    float64       `json:"limit"`
}

// Check compares usage against the effective limits. Checks are
// independent; the result keeps a fixed order with REPEATED_COOLDOWNS last.
func Check(eff Effective, m *quota.Metrics) []Violation {
	var out []Violation
	if m.ActiveAccounts > eff.MaxAccounts {
		out = append(out, Violation{ViolationMaxAccounts, float64(m.ActiveAccounts), float64(eff.MaxAccounts)})
	}
	if m.Tasks1h > eff.MaxTasksPerHour {
		out = append(out, Violation{ViolationMaxTasks, float64(m.Tasks1h), float64(eff.MaxTasksPerHour)})
	}
	if m.Posts24h > eff.MaxPostsPerDay {
		out = append(out, Violation{ViolationMaxPosts, float64(m.Posts24h), float64(eff.MaxPostsPerDay)})
	}
	if m.AbortRate24h > eff.MaxAbortRatePct {
		out = append(out, Violation{ViolationHighAbortRate, m.AbortRate24h, eff.MaxAbortRatePct})
	}
	if m.RecentCooldowns >= RepeatedCooldownThreshold {
		out = append(out, Violation{ViolationRepeatedCooldowns, float64(m.RecentCooldowns), RepeatedCooldownThreshold})
	}
	return out
}

// Decide picks the action for a set of violations. REPEATED_COOLDOWNS
// always escalates to DISABLE.
func Decide(eff Effective, violations []Violation, now time.Time) (Action, time.Time) {
	if len(violations) == 0 {
		return ActionNone, time.Time{}
	}
	for _, v := range violations {
		if v.Type == ViolationRepeatedCooldowns {
			return ActionDisable, time.Time{}
		}
	}
	action := eff.OnLimitExceeded
	if !action.Valid() {
		action = ActionWarn
	}
	if action == ActionCooldown {
		return action, now.Add(time.Duration(eff.CooldownMinutes) * time.Minute)
	}
	return action, time.Time{}
}

// Evaluation is the outcome of checking one user.
type Evaluation struct {
	UserID        string         `json:"userId"`
	Policy        Effective      `json:"policy"`
	Metrics       *quota.Metrics `json:"metrics,omitempty"`
	Violations    []Violation    `json:"violations"`
	Action        Action         `json:"action,omitempty"`
	CooldownUntil time.Time      `json:"cooldownUntil,omitempty"`
	// CoolingDown is set while an earlier COOLDOWN has not expired. Usage
	// is not checked and no action is taken until CooldownUntil.
	CoolingDown bool      `json:"coolingDown,omitempty"`
	EvaluatedAt time.Time `json:"evaluatedAt"`
}

// HasAction reports whether ApplyAction would do anything.
func (e *Evaluation) HasAction() bool {
	return e != nil && e.Action != ActionNone
}

// Primary returns the violation recorded in the log row: REPEATED_COOLDOWNS
// when present, otherwise the first raised.
func (e *Evaluation) Primary() Violation {
	for _, v := range e.Violations {
		if v.Type == ViolationRepeatedCooldowns {
			return v
		}
	}
	if len(e.Violations) == 0 {
		return Violation{}
	}
	return e.Violations[0]
}

// ViolationRecord is one append-only log row per applied evaluation.
type ViolationRecord struct {
	ID            string        `json:"id"`
	UserID        string        `json:"userId"`
	Type          ViolationType `json:"type"`
	Observed      float64       `json:"observed"`
	Limit         float64       `json:"limit"`
	Violations    []Violation   `json:"violations"`
	Action        Action        `json:"action"`
	CooldownUntil time.Time     `json:"cooldownUntil,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
}
