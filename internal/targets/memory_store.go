package targets

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory target store.
type MemoryStore struct {
	mu      sync.RWMutex
	targets map[string]*Target
}

// NewMemoryStore creates an empty target store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{targets: make(map[string]*Target)}
}

func (m *MemoryStore) Create(_ context.Context, t *Target) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.targets[t.ID]; ok {
		return ErrDuplicate
	}
	cp := *t
	m.targets[t.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Target, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.targets[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string) ([]*Target, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Target
	for _, t := range m.targets {
		if t.UserID == userID {
			cp := *t
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (m *MemoryStore) NextForUser(_ context.Context, userID string) (*Target, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *Target
	for _, t := range m.targets {
		if t.UserID != userID || !t.Enabled {
			continue
		}
		if best == nil || runsBefore(t, best) {
			best = t
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (m *MemoryStore) RecordRun(_ context.Context, id, variantID string, at time.Time) error {
	return m.update(id, func(t *Target) {
		t.RunCount++
		t.LastVariantID = variantID
		t.LastRunAt = at
	})
}

func (m *MemoryStore) SetQuality(_ context.Context, id string, q Quality) error {
	if !q.Valid() {
		return ErrInvalidState
	}
	return m.update(id, func(t *Target) { t.QualityStatus = q })
}

func (m *MemoryStore) SetEnabled(_ context.Context, id string, enabled bool) error {
	return m.update(id, func(t *Target) { t.Enabled = enabled })
}

func (m *MemoryStore) SetPriority(_ context.Context, id string, priority int) error {
	if priority < 0 || priority > MaxPriority {
		return ErrInvalidPriority
	}
	return m.update(id, func(t *Target) { t.Priority = priority })
}

func (m *MemoryStore) update(id string, fn func(*Target)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.targets[id]
	if !ok {
		return ErrNotFound
	}
	fn(t)
	return nil
}

var _ Store = (*MemoryStore)(nil)
