// Package queue hands planned work orders to the task executor.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mbd888/crawlpilot/internal/diversify"
	"github.com/mbd888/crawlpilot/internal/selector"
	"github.com/mbd888/crawlpilot/internal/targets"
)

var (
	ErrQueueFull = errors.New("queue: full")
	ErrNoBrokers = errors.New("queue: kafka publisher requires at least one broker")
)

// WorkOrder is one unit of work for the executor.
type WorkOrder struct {
	ID        string                  `json:"id"`
	TaskID    string                  `json:"taskId"`
	UserID    string                  `json:"userId"`
	Target    *targets.Target         `json:"target"`
	Variant   diversify.Variant       `json:"variant"`
	Runtime   *selector.RuntimeConfig `json:"runtime"`
	Summary   *selector.Summary       `json:"summary"`
	CreatedAt time.Time               `json:"createdAt"`
}

// Publisher delivers work orders.
type Publisher interface {
	Publish(ctx context.Context, order *WorkOrder) error
}

// MemoryQueue keeps work orders in process. Used in development and tests.
type MemoryQueue struct {
	mu       sync.Mutex
	orders   []*WorkOrder
	capacity int
	err      error
}

// NewMemoryQueue creates a queue holding at most capacity orders; zero
// means unbounded.
func NewMemoryQueue(capacity int) *MemoryQueue {
	return &MemoryQueue{capacity: capacity}
}

// FailWith makes subsequent publishes return err.
func (q *MemoryQueue) FailWith(err error) {
	q.mu.Lock()
	q.err = err
	q.mu.Unlock()
}

func (q *MemoryQueue) Publish(_ context.Context, order *WorkOrder) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	if q.capacity > 0 && len(q.orders) >= q.capacity {
		return ErrQueueFull
	}
	q.orders = append(q.orders, order)
	return nil
}

// Drain removes and returns everything queued, oldest first.
func (q *MemoryQueue) Drain() []*WorkOrder {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.orders
	q.orders = nil
	return out
}

// Len returns the number of queued orders.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.orders)
}

var _ Publisher = (*MemoryQueue)(nil)
