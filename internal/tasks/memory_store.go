package tasks

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory task store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore creates an empty task store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (m *MemoryStore) Create(_ context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[r.ID]; ok {
		return ErrDuplicate
	}
	cp := *r
	m.records[r.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) Finish(_ context.Context, id string, status Status, items int, at time.Time) (*Record, error) {
	if !status.Terminal() {
		return nil, ErrInvalidStatus
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status.Terminal() {
		return nil, ErrAlreadyFinished
	}
	r.Status = status
	r.ItemsFetched = items
	r.FinishedAt = at
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ListSince(_ context.Context, userID string, since time.Time) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Record
	for _, r := range m.records {
		if r.UserID == userID && !r.CreatedAt.Before(since) {
			cp := *r
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

var _ Store = (*MemoryStore)(nil)
