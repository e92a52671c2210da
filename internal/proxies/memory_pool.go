package proxies

import (
	"context"
	"sync"
)

// MemoryPool is an in-process least-used proxy pool.
type MemoryPool struct {
	mu    sync.Mutex
	slots map[string]*Slot
	usage map[string]int64
}

// NewMemoryPool creates a pool holding the given slots.
func NewMemoryPool(slots ...*Slot) *MemoryPool {
	p := &MemoryPool{
		slots: make(map[string]*Slot),
		usage: make(map[string]int64),
	}
	for _, s := range slots {
		p.Add(s)
	}
	return p
}

// Add registers a slot. Re-adding an id replaces the slot and keeps its score.
func (p *MemoryPool) Add(s *Slot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := *s
	p.slots[s.ID] = &cp
	if _, ok := p.usage[s.ID]; !ok {
		p.usage[s.ID] = 0
	}
}

// Register is Add behind the Registry signature.
func (p *MemoryPool) Register(_ context.Context, s *Slot) error {
	p.Add(s)
	return nil
}

// Remove drops a slot from rotation.
func (p *MemoryPool) Remove(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.slots, id)
	delete(p.usage, id)
	return nil
}

// Acquire returns a copy of the least-used slot, ties broken by id.
func (p *MemoryPool) Acquire(_ context.Context) *Slot {
	p.mu.Lock()
	defer p.mu.Unlock()

	best := p.leastUsed()
	if best == nil {
		return nil
	}
	p.usage[best.ID]++
	cp := *best
	return &cp
}

func (p *MemoryPool) Peek(_ context.Context) *Slot {
	p.mu.Lock()
	defer p.mu.Unlock()

	best := p.leastUsed()
	if best == nil {
		return nil
	}
	cp := *best
	return &cp
}

func (p *MemoryPool) leastUsed() *Slot {
	var best *Slot
	for id, s := range p.slots {
		if best == nil || p.usage[id] < p.usage[best.ID] ||
			(p.usage[id] == p.usage[best.ID] && id < best.ID) {
			best = s
		}
	}
	return best
}

// Usage returns the number of times a slot has been handed out.
func (p *MemoryPool) Usage(id string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.usage[id]
}

// Len returns the number of registered slots.
func (p *MemoryPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

var (
	_ Provider = (*MemoryPool)(nil)
	_ Registry = (*MemoryPool)(nil)
)
