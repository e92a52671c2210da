package circuitbreaker

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int) (*Breaker, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(threshold, time.Minute).WithClock(clk.now), clk
}

func TestBreaker_TripsAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(3)

	b.RecordFailure("hook")
	b.RecordFailure("hook")
	if !b.Allow("hook") {
		t.Fatal("should allow below threshold")
	}
	b.RecordFailure("hook")
	if b.Allow("hook") {
		t.Fatal("should reject once open")
	}
	if got := b.State("hook"); got != StateOpen {
		t.Fatalf("state = %v, want open", got)
	}
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b, _ := newTestBreaker(2)
	b.RecordFailure("hook")
	b.RecordSuccess("hook")
	b.RecordFailure("hook")
	if b.State("hook") != StateClosed {
		t.Fatal("non-consecutive failures should not trip")
	}
}

func TestBreaker_HalfOpenAllowsOneTrial(t *testing.T) {
	b, clk := newTestBreaker(1)
	b.RecordFailure("hook")

	clk.advance(59 * time.Second)
	if b.Allow("hook") {
		t.Fatal("still cooling down")
	}

	clk.advance(time.Second)
	if !b.Allow("hook") {
		t.Fatal("trial call should be allowed after cooldown")
	}
	if b.Allow("hook") {
		t.Fatal("only one trial call while half-open")
	}

	b.RecordSuccess("hook")
	if b.State("hook") != StateClosed {
		t.Fatalf("state = %v, want closed", b.State("hook"))
	}
}

func TestBreaker_FailedTrialReopens(t *testing.T) {
	b, clk := newTestBreaker(1)
	b.RecordFailure("hook")
	clk.advance(time.Minute)
	b.Allow("hook")

	b.RecordFailure("hook")
	if b.State("hook") != StateOpen {
		t.Fatal("failed trial call should reopen")
	}
	if b.Allow("hook") {
		t.Fatal("cooldown restarts after a failed trial call")
	}
}

func TestBreaker_DestinationsIndependent(t *testing.T) {
	b, _ := newTestBreaker(1)
	b.RecordFailure("a")
	if !b.Allow("b") {
		t.Fatal("b must not be affected by a")
	}
}

func TestBreaker_Do(t *testing.T) {
	b, _ := newTestBreaker(1)
	boom := errors.New("boom")

	if err := b.Do("hook", func() error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("Do = %v, want boom", err)
	}
	called := false
	err := b.Do("hook", func() error { called = true; return nil })
	if !errors.Is(err, ErrOpen) || called {
		t.Fatalf("Do on open circuit = %v, called=%v", err, called)
	}
}

func TestBreaker_OnTransition(t *testing.T) {
	b, clk := newTestBreaker(1)
	var got []string
	b.OnTransition(func(dest string, from, to State) {
		got = append(got, from.String()+">"+to.String())
	})

	b.RecordFailure("hook")
	clk.advance(time.Minute)
	b.Allow("hook")
	b.RecordSuccess("hook")

	want := []string{"closed>open", "open>half_open", "half_open>closed"}
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", got, want)
		}
	}
}
