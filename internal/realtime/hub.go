// Package realtime provides WebSocket streaming of live detection
// activity.
//
// Operators and downstream tooling subscribe instead of polling:
// envelopes as they flow through the bus, alerts as detectors raise
// them. Filters narrow the feed by stream, event type, severity, or
// user.
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

	"github.com/trustwire/trustwire/internal/alerts"
	"github.com/trustwire/trustwire/internal/events"
	"github.com/trustwire/trustwire/internal/metrics"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
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
			return true // Allow non-browser clients
		}
		// Allow same-host connections
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// Stream identifies the kind of message flowing to clients.
type Stream string

const (
	StreamEnvelope Stream = "envelope"
	StreamAlert    Stream = "alert"
)

// Message is one frame sent to subscribed clients.
type Message struct {
	Stream    Stream      `json:"stream"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// Subscription filters for a client.
type Subscription struct {
	AllStreams  bool     `json:"allStreams"`
	Streams     []Stream `json:"streams"`
	EventTypes  []string `json:"eventTypes"`  // envelope stream: bus event types
	UserIDs     []string `json:"userIds"`     // match envelope/alert subjects
	MinSeverity string   `json:"minSeverity"` // alert stream: severity floor
}

// Client represents a WebSocket connection
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	sub  Subscription
}

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 10000

// Hub manages all WebSocket connections
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *Message
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int

	// Stats
	totalMessages atomic.Int64
	totalClients  atomic.Int64
	peakClients   atomic.Int64
}

// NewHub creates a new WebSocket hub
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// AttachBus wires the hub to a bus as a passive wildcard listener, so
// every dispatched envelope is streamed to matching clients.
func (h *Hub) AttachBus(bus events.Bus) {
	bus.On(events.Wildcard, func(ev *events.Envelope) {
		h.Broadcast(&Message{
			Stream:    StreamEnvelope,
			Timestamp: time.Now().UTC(),
			Data:      ev,
		})
	})
}

// BroadcastAlert streams a freshly raised alert.
func (h *Hub) BroadcastAlert(a *alerts.Alert) {
	h.Broadcast(&Message{
		Stream:    StreamAlert,
		Timestamp: time.Now().UTC(),
		Data:      a,
	})
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("realtime hub shutting down, closing client connections")
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.totalClients.Add(1)
			if current := int64(len(h.clients)); current > h.peakClients.Load() {
				h.peakClients.Store(current)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("client connected", "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("client disconnected", "total", n)

		case msg := <-h.broadcast:
			h.totalMessages.Add(1)
			h.mu.RLock()
			var slow []*Client
			for client := range h.clients {
				if h.shouldSend(client, msg) {
					select {
					case client.send <- h.serialize(msg):
					default:
						slow = append(slow, client)
					}
				}
			}
			h.mu.RUnlock()
			// Remove slow clients under write lock
			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					if _, ok := h.clients[client]; ok {
						close(client.send)
						delete(h.clients, client)
					}
				}
				h.mu.Unlock()
			}
		}
	}
}

// shouldSend checks if a message matches the client's subscription.
func (h *Hub) shouldSend(client *Client, msg *Message) bool {
	client.mu.RLock()
	sub := client.sub
	client.mu.RUnlock()

	if sub.AllStreams {
		return true
	}

	if len(sub.Streams) > 0 {
		matched := false
		for _, s := range sub.Streams {
			if s == msg.Stream {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	switch msg.Stream {
	case StreamEnvelope:
		ev, ok := msg.Data.(*events.Envelope)
		if !ok {
			return true
		}
		if len(sub.EventTypes) > 0 {
			matched := false
			for _, t := range sub.EventTypes {
				if events.EventType(t) == ev.Type {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
		}
		if len(sub.UserIDs) > 0 && !envelopeMentions(ev, sub.UserIDs) {
			return false
		}

	case StreamAlert:
		a, ok := msg.Data.(*alerts.Alert)
		if !ok {
			return true
		}
		if sub.MinSeverity != "" &&
			a.Severity.Rank() < alerts.Severity(sub.MinSeverity).Rank() {
			return false
		}
		if len(sub.UserIDs) > 0 && !alertMentions(a, sub.UserIDs) {
			return false
		}
	}

	return true
}

// subjectKeys are the payload fields that can carry a user id.
var subjectKeys = []string{
	"user_id", "client_id", "provider_id", "sender_id", "receiver_id",
	"counterparty_id", "user_a_id", "user_b_id",
}

func envelopeMentions(ev *events.Envelope, userIDs []string) bool {
	for _, key := range subjectKeys {
		v := ev.String(key)
		if v == "" {
			continue
		}
		for _, id := range userIDs {
			if id == v {
				return true
			}
		}
	}
	return false
}

func alertMentions(a *alerts.Alert, userIDs []string) bool {
	for _, member := range a.UserIDs {
		for _, id := range userIDs {
			if id == member {
				return true
			}
		}
	}
	return false
}

func (h *Hub) serialize(msg *Message) []byte {
	data, _ := json.Marshal(msg)
	return data
}

// Broadcast sends a message to all matching clients.
func (h *Hub) Broadcast(msg *Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("broadcast channel full, dropping message")
	}
}

// Stats returns hub statistics
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]interface{}{
		"connectedClients": len(h.clients),
		"totalMessages":    h.totalMessages.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

// HandleWebSocket upgrades HTTP to WebSocket
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Reject upgrades after the hub has stopped to prevent orphaned connections.
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	// Enforce connection limit
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
		sub:  Subscription{AllStreams: true}, // Default: everything
	}

	h.register <- client

	// Start goroutines for reading and writing
	go client.writePump()
	go client.readPump()
}

// readPump reads messages from WebSocket (subscriptions, pings)
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(512 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			break
		}

		// Parse subscription update
		var sub Subscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.mu.Lock()
			c.sub = sub
			c.mu.Unlock()
		}
	}
}

// writePump writes messages to WebSocket
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}
