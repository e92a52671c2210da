package realtime

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/crawlpilot/internal/logging"
)

func TestSubscription_Matches(t *testing.T) {
	e := &Event{Type: "session.transition", UserID: "u1"}

	tests := []struct {
		name string
		sub  Subscription
		want bool
	}{
		{"empty", Subscription{}, true},
		{"type hit", Subscription{EventTypes: []string{"policy.action", "session.transition"}}, true},
		{"type miss", Subscription{EventTypes: []string{"policy.action"}}, false},
		{"user hit", Subscription{UserIDs: []string{"u1"}}, true},
		{"user miss", Subscription{UserIDs: []string{"u2"}}, false},
		{"both must hold", Subscription{EventTypes: []string{"session.transition"}, UserIDs: []string{"u2"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.sub.Matches(e))
		})
	}
}

func startHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	h := NewHub(logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	return h, cancel
}

func attach(t *testing.T, h *Hub, sub Subscription) *Client {
	t.Helper()
	c := &Client{hub: h, send: make(chan []byte, sendBuffer), sub: sub}
	h.register <- c
	return c
}

func TestHub_FanOutHonoursFilter(t *testing.T) {
	h, cancel := startHub(t)
	defer cancel()

	all := attach(t, h, Subscription{})
	onlyU2 := attach(t, h, Subscription{UserIDs: []string{"u2"}})

	h.Publish(&Event{Type: "policy.action", UserID: "u1"})

	select {
	case msg := <-all.send:
		var got Event
		require.NoError(t, json.Unmarshal(msg, &got))
		assert.Equal(t, "u1", got.UserID)
		assert.False(t, got.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("unfiltered client got nothing")
	}

	select {
	case <-onlyU2.send:
		t.Fatal("filtered client should not receive u1 events")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_RegisterUnregisterStats(t *testing.T) {
	h, cancel := startHub(t)
	defer cancel()

	c := attach(t, h, Subscription{})
	assert.Eventually(t, func() bool { return h.Stats().Connected == 1 }, time.Second, 5*time.Millisecond)

	h.unregister <- c
	assert.Eventually(t, func() bool { return h.Stats().Connected == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), h.Stats().PeakClients)
}

func TestHub_PublishNeverBlocks(t *testing.T) {
	h := NewHub(logging.Discard()) // not running
	for i := 0; i < 300; i++ {
		h.Publish(&Event{Type: "x"})
	}
	assert.Equal(t, int64(300-cap(h.events)), h.Stats().Dropped)

	var nilHub *Hub
	nilHub.Publish(&Event{Type: "x"})
}

func TestHub_StopsOnCancel(t *testing.T) {
	h := NewHub(logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	c := attach(t, h, Subscription{})
	cancel()

	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop")
	}
	_, open := <-c.send
	assert.False(t, open)
}

func TestHub_WebSocketRoundTrip(t *testing.T) {
	h, cancel := startHub(t)
	defer cancel()

	srv := httptest.NewServer(h)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	require.NoError(t, conn.WriteJSON(Subscription{EventTypes: []string{"session.expired"}}))
	assert.Eventually(t, func() bool { return h.Stats().Connected == 1 }, time.Second, 5*time.Millisecond)
	// Let the subscription frame land before publishing.
	time.Sleep(50 * time.Millisecond)

	h.Publish(&Event{Type: "session.transition", UserID: "u1"})
	h.Publish(&Event{Type: "session.expired", UserID: "u1"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "session.expired", got.Type)
}
