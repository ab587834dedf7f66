// Package realtime streams match and escrow lifecycle events to WebSocket
// clients. Clients narrow the stream by sending a Subscription message.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mbd888/wagerescrow/internal/metrics"
	"github.com/mbd888/wagerescrow/internal/notify"
)

var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

const (
	// MaxClients caps concurrent WebSocket connections.
	MaxClients = 10000

	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

// Subscription filters the events a client receives. Empty filters match
// everything.
type Subscription struct {
	EventTypes []notify.EventType `json:"eventTypes"`
	MatchIDs   []string           `json:"matchIds"`
	UserIDs    []string           `json:"userIds"`
}

func (s Subscription) matches(e *notify.Event) bool {
	if len(s.EventTypes) > 0 && !contains(s.EventTypes, e.Type) {
		return false
	}
	if len(s.MatchIDs) > 0 && !contains(s.MatchIDs, e.MatchID) {
		return false
	}
	if len(s.UserIDs) > 0 {
		for _, u := range e.UserIDs {
			if contains(s.UserIDs, u) {
				return true
			}
		}
		return false
	}
	return true
}

func contains[T comparable](list []T, v T) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// Client is one WebSocket connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	sub  Subscription
}

func (c *Client) subscription() Subscription {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sub
}

// Hub owns the client set. All membership changes go through Run.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *notify.Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{}
	maxClients int

	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

// NewHub creates a hub. Call Run to start it.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *notify.Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run is the hub's main loop; it returns when ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.totalClients.Add(1)
			if int64(n) > h.peakClients.Load() {
				h.peakClients.Store(int64(n))
			}
			metrics.ActiveWebSocketClients.Set(float64(n))

		case client := <-h.unregister:
			h.mu.Lock()
			if h.clients[client] {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))

		case event := <-h.broadcast:
			h.fanOut(event)
		}
	}
}

func (h *Hub) fanOut(event *notify.Event) {
	h.totalEvents.Add(1)
	msg, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to encode event", "event", event.Type, "error", err)
		return
	}

	var slow []*Client
	h.mu.RLock()
	for client := range h.clients {
		if !client.subscription().matches(event) {
			continue
		}
		select {
		case client.send <- msg:
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	if len(slow) == 0 {
		return
	}
	h.mu.Lock()
	for _, client := range slow {
		if h.clients[client] {
			close(client.send)
			delete(h.clients, client)
		}
	}
	h.mu.Unlock()
}

// Emit queues an event for broadcast; a full queue drops it.
func (h *Hub) Emit(_ context.Context, e *notify.Event) {
	select {
	case h.broadcast <- e:
	default:
		h.logger.Warn("broadcast channel full, dropping event", "event", e.Type)
	}
}

// Stats returns hub counters for the admin status endpoint.
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()

	return map[string]interface{}{
		"connectedClients": n,
		"totalEvents":      h.totalEvents.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

// HandleWebSocket upgrades the request and attaches a client.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{hub: h, conn: conn, send: make(chan []byte, 256)}
	if user := r.Header.Get("X-User-ID"); user != "" {
		client.sub.UserIDs = []string{user}
	}
	h.register <- client

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			return
		}
		var sub Subscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.mu.Lock()
			c.sub = sub
			c.mu.Unlock()
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
