// Package health aggregates subsystem checks for the readiness endpoint.
package health

import (
	"context"
	"sync"
	"time"
)

// Status is the result of one subsystem check.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker reports on one subsystem.
type Checker func(ctx context.Context) Status

// DefaultCheckTimeout bounds each checker.
const DefaultCheckTimeout = 3 * time.Second

// Registry holds named checkers and runs them concurrently.
type Registry struct {
	mu       sync.RWMutex
	checkers []entry
	timeout  time.Duration
}

type entry struct {
	name  string
	check Checker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultCheckTimeout}
}

// WithTimeout overrides the per-check timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	r.timeout = d
	return r
}

// Register adds a checker. Results keep registration order.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, entry{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs every checker and reports whether all are healthy.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	checkers := append([]entry(nil), r.checkers...)
	r.mu.RUnlock()

	statuses := make([]Status, len(checkers))
	var wg sync.WaitGroup
	for i, c := range checkers {
		wg.Add(1)
		go func(i int, c entry) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			s := c.check(cctx)
			s.Name = c.name
			statuses[i] = s
		}(i, c)
	}
	wg.Wait()

	healthy := true
	for _, s := range statuses {
		if !s.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

// Ping adapts a connectivity check such as (*sql.DB).PingContext.
func Ping(ping func(ctx context.Context) error) Checker {
	return func(ctx context.Context) Status {
		if err := ping(ctx); err != nil {
			return Status{Healthy: false, Detail: err.Error()}
		}
		return Status{Healthy: true}
	}
}

// Running adapts a background loop's running flag.
func Running(running func() bool) Checker {
	return func(context.Context) Status {
		if running() {
			return Status{Healthy: true, Detail: "running"}
		}
		return Status{Healthy: false, Detail: "stopped"}
	}
}
