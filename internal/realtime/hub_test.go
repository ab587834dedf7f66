package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mbd888/wagerescrow/internal/logging"
	"github.com/mbd888/wagerescrow/internal/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub(logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	return h
}

func TestSubscription_Matches(t *testing.T) {
	completed := notify.New(notify.EventMatchCompleted, "mch_1", []string{"alice", "bob"}, nil)

	tests := []struct {
		name string
		sub  Subscription
		want bool
	}{
		{"empty matches all", Subscription{}, true},
		{"type hit", Subscription{EventTypes: []notify.EventType{notify.EventMatchCompleted}}, true},
		{"type miss", Subscription{EventTypes: []notify.EventType{notify.EventHoldCreated}}, false},
		{"match hit", Subscription{MatchIDs: []string{"mch_1"}}, true},
		{"match miss", Subscription{MatchIDs: []string{"mch_2"}}, false},
		{"user hit", Subscription{UserIDs: []string{"bob"}}, true},
		{"user miss", Subscription{UserIDs: []string{"carol"}}, false},
		{"all filters", Subscription{
			EventTypes: []notify.EventType{notify.EventMatchCompleted},
			MatchIDs:   []string{"mch_1"},
			UserIDs:    []string{"alice"},
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.sub.matches(completed))
		})
	}
}

func TestHub_DeliversToMatchingClients(t *testing.T) {
	h := runHub(t)

	wanted := &Client{hub: h, send: make(chan []byte, 4), sub: Subscription{MatchIDs: []string{"mch_1"}}}
	other := &Client{hub: h, send: make(chan []byte, 4), sub: Subscription{MatchIDs: []string{"mch_2"}}}
	h.register <- wanted
	h.register <- other

	h.Emit(context.Background(), notify.New(notify.EventMatchCancelled, "mch_1", nil, nil))

	select {
	case msg := <-wanted.send:
		var e notify.Event
		require.NoError(t, json.Unmarshal(msg, &e))
		assert.Equal(t, notify.EventMatchCancelled, e.Type)
	case <-time.After(time.Second):
		t.Fatal("expected event")
	}

	select {
	case <-other.send:
		t.Fatal("filtered client received event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_StatsTrackClients(t *testing.T) {
	h := runHub(t)
	c := &Client{hub: h, send: make(chan []byte, 1)}

	h.register <- c
	h.unregister <- c
	h.register <- &Client{hub: h, send: make(chan []byte, 1)}

	assert.Eventually(t, func() bool {
		return h.Stats()["totalClients"].(int64) == 2
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), h.Stats()["peakClients"])
}

func TestHub_DropsSlowClient(t *testing.T) {
	h := runHub(t)
	slow := &Client{hub: h, send: make(chan []byte)} // unbuffered and never read
	h.register <- slow

	h.Emit(context.Background(), notify.New(notify.EventHoldCreated, "mch_1", nil, nil))

	assert.Eventually(t, func() bool {
		return h.Stats()["connectedClients"].(int) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestHub_WebSocketEndToEnd(t *testing.T) {
	h := runHub(t)
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return h.Stats()["connectedClients"].(int) == 1
	}, time.Second, 10*time.Millisecond)

	h.Emit(context.Background(), notify.New(notify.EventMatchStarted, "mch_7", nil, nil))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(msg), `"mch_7"`)
}

func TestHub_RejectsAfterShutdown(t *testing.T) {
	h := NewHub(logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { h.Run(ctx); close(done) }()
	cancel()
	<-done

	w := httptest.NewRecorder()
	h.HandleWebSocket(w, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
