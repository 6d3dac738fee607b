// Package stream delivers external-visibility workflow events to connected
// WebSocket clients. The hub is the outbound fan-out; the projection feeds it
// from the event bus.
package stream

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Message is the outward-facing shape of a workflow event. Payloads are
// passed through as emitted; redaction happens at emit time, not here.
type Message struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	TurnID    string    `json:"turn_id,omitempty"`
	Source    string    `json:"source"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const clientBuffer = 64

type client struct {
	conn *websocket.Conn
	// sessionID filters delivery; empty receives all sessions.
	sessionID string
	send      chan Message
}

// Hub accepts WebSocket connections and broadcasts stream messages to them.
// A client that cannot keep up is disconnected rather than blocking the hub.
type Hub struct {
	allowOrigins []string
	logger       *slog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
}

func NewHub(allowOrigins []string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		allowOrigins: allowOrigins,
		logger:       logger,
		clients:      make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades the request to a WebSocket connection and streams
// messages until the client disconnects. An optional session_id query
// parameter narrows delivery to one session.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.allowOrigins,
	})
	if err != nil {
		return
	}

	c := &client{
		conn:      conn,
		sessionID: r.URL.Query().Get("session_id"),
		send:      make(chan Message, clientBuffer),
	}
	h.addClient(c)
	h.logger.Info("stream: client connected", "session_filter", c.sessionID)
	defer func() {
		h.removeClient(c)
		h.logger.Info("stream: client disconnected")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	ctx := r.Context()

	// Reads are discarded; the stream is one-way. The read loop exists to
	// observe disconnects and control frames.
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, conn, msg); err != nil {
				return
			}
		}
	}
}

// Broadcast queues msg for every client whose filter matches. Clients with a
// full send buffer are dropped.
func (h *Hub) Broadcast(msg Message) {
	h.mu.RLock()
	var slow []*client
	for c := range h.clients {
		if c.sessionID != "" && c.sessionID != msg.SessionID {
			continue
		}
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("stream: dropping slow client", "session_filter", c.sessionID)
		h.removeClient(c)
		_ = c.conn.Close(websocket.StatusPolicyViolation, "backpressure")
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close(ctx context.Context) {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		close(c.send)
		_ = c.conn.Close(websocket.StatusGoingAway, "shutting down")
	}
}

func (h *Hub) addClient(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}
