// Package circuitbreaker guards outbound destinations (notification
// webhooks) with a per-destination closed/open/half-open breaker.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Do when the destination's circuit rejects the call.
var ErrOpen = errors.New("circuitbreaker: circuit open")

// State is a destination's circuit state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "crawlpilot",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit state transitions by destination.",
}, []string{"destination", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(transitionsTotal)
}

type circuit struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker trips a destination open after threshold consecutive failures.
// Once cooldown has elapsed a single trial call is let through; its outcome
// closes or re-opens the circuit.
type Breaker struct {
	mu        sync.Mutex
	circuits  map[string]*circuit
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	onChange  func(dest string, from, to State)
}

// New creates a breaker. Non-positive arguments fall back to 5 failures
// and 30 seconds.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		circuits:  make(map[string]*circuit),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// WithClock overrides the clock (for testing).
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
	return b
}

// OnTransition registers a callback fired synchronously, outside the lock,
// on every state change.
func (b *Breaker) OnTransition(fn func(dest string, from, to State)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

// Allow reports whether a call to dest may proceed.
func (b *Breaker) Allow(dest string) bool {
	b.mu.Lock()
	c, ok := b.circuits[dest]
	if !ok || c.state == StateClosed {
		b.mu.Unlock()
		return true
	}
	if c.state == StateOpen && b.now().Sub(c.openedAt) >= b.cooldown {
		fire := b.move(c, dest, StateHalfOpen)
		b.mu.Unlock()
		fire()
		return true
	}
	b.mu.Unlock()
	return false
}

// RecordSuccess resets the failure count and closes a half-open circuit.
func (b *Breaker) RecordSuccess(dest string) {
	b.mu.Lock()
	c, ok := b.circuits[dest]
	if !ok {
		b.mu.Unlock()
		return
	}
	c.failures = 0
	fire := b.move(c, dest, StateClosed)
	b.mu.Unlock()
	fire()
}

// RecordFailure counts a failure and trips the circuit when due.
func (b *Breaker) RecordFailure(dest string) {
	b.mu.Lock()
	c, ok := b.circuits[dest]
	if !ok {
		c = &circuit{}
		b.circuits[dest] = c
	}
	c.failures++

	fire := func() {}
	if c.state == StateHalfOpen || (c.state == StateClosed && c.failures >= b.threshold) {
		c.openedAt = b.now()
		fire = b.move(c, dest, StateOpen)
	}
	b.mu.Unlock()
	fire()
}

// Do runs fn when the circuit allows it and records the outcome.
func (b *Breaker) Do(dest string, fn func() error) error {
	if !b.Allow(dest) {
		return ErrOpen
	}
	if err := fn(); err != nil {
		b.RecordFailure(dest)
		return err
	}
	b.RecordSuccess(dest)
	return nil
}

// State returns dest's state; unknown destinations are closed.
func (b *Breaker) State(dest string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[dest]; ok {
		return c.state
	}
	return StateClosed
}

// move updates state under b.mu and returns the notification to run
// after unlocking.
func (b *Breaker) move(c *circuit, dest string, to State) func() {
	from := c.state
	if from == to {
		return func() {}
	}
	c.state = to
	transitionsTotal.WithLabelValues(dest, from.String(), to.String()).Inc()
	fn := b.onChange
	if fn == nil {
		return func() {}
	}
	return func() { fn(dest, from, to) }
}
