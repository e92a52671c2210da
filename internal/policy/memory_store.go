package policy

import (
	"context"
	"sort"
	"sync"
	"time"
)

type policyKey struct {
	scope  Scope
	userID string
}

// MemoryStore is an in-memory policy store.
type MemoryStore struct {
	mu         sync.RWMutex
	policies   map[policyKey]*Policy
	violations []*ViolationRecord
	ids        map[string]struct{}
}

// NewMemoryStore creates a new in-memory policy store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		policies: make(map[policyKey]*Policy),
		ids:      make(map[string]struct{}),
	}
}

func (m *MemoryStore) Get(_ context.Context, scope Scope, userID string) (*Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.policies[policyKey{scope, userID}]
	if !ok {
		return nil, ErrPolicyNotFound
	}
	return clonePolicy(p), nil
}

func (m *MemoryStore) Put(_ context.Context, p *Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := policyKey{p.Scope, p.UserID}
	cp := clonePolicy(p)
	if existing, ok := m.policies[key]; ok && !existing.CreatedAt.IsZero() {
		cp.CreatedAt = existing.CreatedAt
	}
	m.policies[key] = cp
	return nil
}

func (m *MemoryStore) AppendViolation(_ context.Context, r *ViolationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.ids[r.ID]; ok {
		return ErrDuplicate
	}
	m.ids[r.ID] = struct{}{}
	m.violations = append(m.violations, cloneRecord(r))
	return nil
}

func (m *MemoryStore) ListViolations(_ context.Context, userID string, limit int) ([]*ViolationRecord, error) {
	if limit <= 0 {
		limit = defaultViolationLimit
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*ViolationRecord
	for _, r := range m.violations {
		if r.UserID == userID {
			result = append(result, cloneRecord(r))
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) CountActions(_ context.Context, userID, action string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, r := range m.violations {
		if r.UserID == userID && string(r.Action) == action && !r.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) LatestCooldown(_ context.Context, userID string) (*ViolationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *ViolationRecord
	for _, r := range m.violations {
		if r.UserID != userID || r.Action != ActionCooldown {
			continue
		}
		if latest == nil || !r.CreatedAt.Before(latest.CreatedAt) {
			latest = r
		}
	}
	if latest == nil {
		return nil, nil
	}
	return cloneRecord(latest), nil
}

func clonePolicy(p *Policy) *Policy {
	cp := *p
	cp.Limits = Limits{
		MaxAccounts:     clonePtr(p.Limits.MaxAccounts),
		MaxTasksPerHour: clonePtr(p.Limits.MaxTasksPerHour),
		MaxPostsPerDay:  clonePtr(p.Limits.MaxPostsPerDay),
		MaxAbortRatePct: clonePtr(p.Limits.MaxAbortRatePct),
	}
	cp.OnLimitExceeded = clonePtr(p.OnLimitExceeded)
	cp.CooldownMinutes = clonePtr(p.CooldownMinutes)
	return &cp
}

func cloneRecord(r *ViolationRecord) *ViolationRecord {
	cp := *r
	cp.Violations = append([]Violation(nil), r.Violations...)
	return &cp
}

func clonePtr[T any](v *T) *T {
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}

var _ Store = (*MemoryStore)(nil)
