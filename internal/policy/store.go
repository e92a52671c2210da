package policy

import (
	"context"
	"time"
)

// Store persists policies and the violation log. The log has no update or
// delete.
type Store interface {
	// Get returns the GLOBAL policy (userID "") or a USER override.
	Get(ctx context.Context, scope Scope, userID string) (*Policy, error)
	// Put creates or replaces the policy for its scope and user.
	Put(ctx context.Context, p *Policy) error

	AppendViolation(ctx context.Context, r *ViolationRecord) error
	// ListViolations returns a user's rows newest first.
	ListViolations(ctx context.Context, userID string, limit int) ([]*ViolationRecord, error)
	// CountActions counts a user's rows with the given action created at or
	// after since.
	CountActions(ctx context.Context, userID, action string, since time.Time) (int, error)
	// LatestCooldown returns the user's newest COOLDOWN row, or nil.
	LatestCooldown(ctx context.Context, userID string) (*ViolationRecord, error)
}

const defaultViolationLimit = 50
