package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/crawlpilot/internal/logging"
	"github.com/mbd888/crawlpilot/internal/realtime"
)

type capture struct {
	mu     sync.Mutex
	events []*realtime.Event
}

func (c *capture) Publish(e *realtime.Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

type failingStore struct{}

func (failingStore) Append(context.Context, *Event) error { return errors.New("db down") }
func (failingStore) List(context.Context, Filter) ([]*Event, error) {
	return nil, errors.New("db down")
}

func TestLog_RecordStampsAndPublishes(t *testing.T) {
	at := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	pub := &capture{}
	l := NewLog(store, logging.Discard()).WithPublisher(pub).WithClock(func() time.Time { return at })

	l.Record(context.Background(), &Event{Type: TypeSessionTransition, UserID: "u1", From: "ok", To: "stale"})

	events, err := l.List(context.Background(), Filter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.NotEmpty(t, events[0].ID)
	assert.Equal(t, at, events[0].CreatedAt)

	require.Len(t, pub.events, 1)
	assert.Equal(t, TypeSessionTransition, pub.events[0].Type)
	assert.Equal(t, "u1", pub.events[0].UserID)
}

func TestLog_StoreFailureStillPublishes(t *testing.T) {
	pub := &capture{}
	l := NewLog(failingStore{}, logging.Discard()).WithPublisher(pub)

	l.Record(context.Background(), &Event{Type: TypePolicyAction})
	assert.Len(t, pub.events, 1)
}

func TestLog_NilSafe(t *testing.T) {
	var l *Log
	l.Record(context.Background(), &Event{Type: TypePolicyAction})
	events, err := l.List(context.Background(), Filter{})
	assert.NoError(t, err)
	assert.Nil(t, events)
}

func TestMemoryStore_ListFilters(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	for i, typ := range []string{TypeSessionTransition, TypePolicyAction, TypeSessionTransition, TypeSessionExpired} {
		require.NoError(t, s.Append(ctx, &Event{
			ID: string(rune('a' + i)), Type: typ, UserID: "u1", CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, s.Append(ctx, &Event{ID: "z", Type: TypePolicyAction, UserID: "u2", CreatedAt: base}))

	got, _ := s.List(ctx, Filter{UserID: "u1", Type: TypeSessionTransition})
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].ID, "newest first")

	got, _ = s.List(ctx, Filter{UserID: "u1", Since: base.Add(2 * time.Minute)})
	assert.Len(t, got, 2)

	got, _ = s.List(ctx, Filter{Limit: 1})
	require.Len(t, got, 1)
	assert.Equal(t, "z", got[0].ID)
}
