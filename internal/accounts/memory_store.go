package accounts

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and demo mode.
type MemoryStore struct {
	mu           sync.RWMutex
	accounts     map[string]*Account
	sessions     map[string]*Session
	integrations map[string]*Integration
	now          func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:     make(map[string]*Account),
		sessions:     make(map[string]*Session),
		integrations: make(map[string]*Integration),
		now:          time.Now,
	}
}

// WithClock overrides the clock used for UpdatedAt stamps.
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.now = now
	return m
}

func (m *MemoryStore) CreateAccount(_ context.Context, a *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[a.ID]; ok {
		return ErrDuplicate
	}
	cp := *a
	m.accounts[a.ID] = &cp
	return nil
}

func (m *MemoryStore) GetAccount(_ context.Context, id string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) ListAccounts(_ context.Context, userID string, enabledOnly bool) ([]*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Account
	for _, a := range m.accounts {
		if a.UserID != userID || (enabledOnly && !a.Enabled) {
			continue
		}
		cp := *a
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *MemoryStore) PatchAccount(_ context.Context, id string, p AccountPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[id]
	if !ok {
		return ErrAccountNotFound
	}
	m.applyAccount(a, p)
	return nil
}

func (m *MemoryStore) PatchUserAccounts(_ context.Context, userID string, p AccountPatch) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, a := range m.accounts {
		if a.UserID == userID {
			m.applyAccount(a, p)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) applyAccount(a *Account, p AccountPatch) {
	if p.Enabled != nil {
		a.Enabled = *p.Enabled
	}
	if p.Priority != nil {
		a.Priority = *p.Priority
	}
	a.UpdatedAt = m.now()
}

func (m *MemoryStore) SetPreferredAccount(_ context.Context, userID, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	target, ok := m.accounts[accountID]
	if !ok || target.UserID != userID {
		return ErrAccountNotFound
	}
	now := m.now()
	for _, a := range m.accounts {
		if a.UserID != userID {
			continue
		}
		preferred := a.ID == accountID
		if a.IsPreferred != preferred {
			a.IsPreferred = preferred
			a.UpdatedAt = now
		}
	}
	return nil
}

func (m *MemoryStore) CreateSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[s.ID]; ok {
		return ErrDuplicate
	}
	a, ok := m.accounts[s.AccountID]
	if !ok {
		return ErrAccountNotFound
	}
	cp := s.Clone()
	cp.UserID = a.UserID
	m.sessions[s.ID] = cp
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) ListSessionsByAccount(_ context.Context, accountID string) ([]*Session, error) {
	return m.filterSessions(func(s *Session) bool { return s.AccountID == accountID }), nil
}

func (m *MemoryStore) ListSessionsByUser(_ context.Context, userID string) ([]*Session, error) {
	return m.filterSessions(func(s *Session) bool { return s.UserID == userID }), nil
}

func (m *MemoryStore) ListMonitorableSessions(_ context.Context) ([]*Session, error) {
	return m.filterSessions(func(s *Session) bool {
		return s.IsActive && (s.Status == StatusOK || s.Status == StatusStale)
	}), nil
}

func (m *MemoryStore) filterSessions(keep func(*Session) bool) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Session
	for _, s := range m.sessions {
		if keep(s) {
			result = append(result, s.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func (m *MemoryStore) PatchSession(_ context.Context, id string, p SessionPatch) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return false, ErrSessionNotFound
	}
	if !p.Allows(s.Status) {
		return false, nil
	}
	p.apply(s, m.now())
	return true, nil
}

func (m *MemoryStore) PatchUserSessions(_ context.Context, userID string, p SessionPatch) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	n := 0
	for _, s := range m.sessions {
		if s.UserID != userID || !p.Allows(s.Status) {
			continue
		}
		p.apply(s, now)
		n++
	}
	return n, nil
}

func (m *MemoryStore) UpsertIntegration(_ context.Context, in *Integration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.integrations[in.UserID]
	if !ok {
		cp := *in
		cp.LastPlannedAt = time.Time{}
		m.integrations[in.UserID] = &cp
		return nil
	}
	existing.State = in.State
	existing.LastSyncAt = in.LastSyncAt
	existing.UpdatedAt = in.UpdatedAt
	return nil
}

func (m *MemoryStore) GetIntegration(_ context.Context, userID string) (*Integration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	in, ok := m.integrations[userID]
	if !ok {
		return &Integration{UserID: userID, State: IntegrationDisconnected}, nil
	}
	cp := *in
	return &cp, nil
}

func (m *MemoryStore) ListSchedulableUsers(_ context.Context, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var candidates []*Integration
	for _, in := range m.integrations {
		if in.Schedulable() {
			candidates = append(candidates, in)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.LastPlannedAt.Equal(b.LastPlannedAt) {
			return a.LastPlannedAt.Before(b.LastPlannedAt)
		}
		return a.UserID < b.UserID
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	users := make([]string, len(candidates))
	for i, in := range candidates {
		users[i] = in.UserID
	}
	return users, nil
}

func (m *MemoryStore) MarkPlanned(_ context.Context, userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if in, ok := m.integrations[userID]; ok {
		in.LastPlannedAt = at
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
