package chattest

import (
	"context"
	"log/slog"
	"sync"

	"github.com/coder/websocket"

	"github.com/parleylabs/parley-go/internal/wire"
)

// hubClient is one connected user socket with its joined conversations.
type hubClient struct {
	userID  string
	conn    *websocket.Conn
	writeMu sync.Mutex
	joined  map[string]bool
}

func (c *hubClient) send(env wire.Envelope) error {
	data, err := wire.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(context.Background(), websocket.MessageText, data)
}

// Hub tracks connected sockets per user and mediates event delivery. One
// connection per user: a newer socket replaces the previous one.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*hubClient
	metrics *Metrics
	log     *slog.Logger
}

func newHub(metrics *Metrics, log *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*hubClient),
		metrics: metrics,
		log:     log,
	}
}

// Register adds a connection for a user, closing any previous one.
func (h *Hub) Register(userID string, conn *websocket.Conn) *hubClient {
	c := &hubClient{userID: userID, conn: conn, joined: make(map[string]bool)}
	h.mu.Lock()
	if existing, ok := h.clients[userID]; ok && existing.conn != conn {
		_ = existing.conn.Close(websocket.StatusNormalClosure, "connection replaced")
	}
	h.clients[userID] = c
	h.mu.Unlock()
	h.metrics.socketsActive.Inc()
	h.log.Info("chat socket registered", "user_id", userID)
	return c
}

// Unregister removes a connection if it is still the user's current one and
// announces the departure to the conversations it had joined. A replaced
// connection unregisters silently; the user is still here on the new socket.
func (h *Hub) Unregister(userID string, c *hubClient) {
	h.mu.Lock()
	removed := false
	if current, ok := h.clients[userID]; ok && current == c {
		delete(h.clients, userID)
		removed = true
	}
	joined := make([]string, 0, len(c.joined))
	for id := range c.joined {
		joined = append(joined, id)
	}
	h.mu.Unlock()
	h.metrics.socketsActive.Dec()
	h.log.Info("chat socket unregistered", "user_id", userID)
	if removed {
		for _, convID := range joined {
			h.Broadcast(convID, userID, wire.EventUserLeft, wire.Presence{UserID: wire.FlexID(userID)})
		}
	}
}

// Join marks a conversation joined for the user's current socket.
func (h *Hub) Join(c *hubClient, conversationID string) {
	h.mu.Lock()
	c.joined[conversationID] = true
	h.mu.Unlock()
}

// Leave clears the join mark.
func (h *Hub) Leave(c *hubClient, conversationID string) {
	h.mu.Lock()
	delete(c.joined, conversationID)
	h.mu.Unlock()
}

// SendTo delivers one event to a specific user if connected.
func (h *Hub) SendTo(userID, event string, payload any) {
	h.mu.RLock()
	c := h.clients[userID]
	h.mu.RUnlock()
	if c == nil {
		return
	}
	h.deliver(c, event, payload)
}

// Broadcast delivers one event to every client joined to the conversation,
// optionally excluding one user. Delivery is scoped by join state, not by
// participant list: a connected client that never joined sees nothing.
func (h *Hub) Broadcast(conversationID, exclude, event string, payload any) {
	h.mu.RLock()
	targets := make([]*hubClient, 0, len(h.clients))
	for uid, c := range h.clients {
		if uid == exclude || !c.joined[conversationID] {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.RUnlock()
	for _, c := range targets {
		h.deliver(c, event, payload)
	}
}

func (h *Hub) deliver(c *hubClient, event string, payload any) {
	data, err := wire.EncodeData(payload)
	if err != nil {
		h.log.Error("encode event payload", "event", event, "error", err)
		return
	}
	if err := c.send(wire.Envelope{Event: event, Data: data}); err != nil {
		h.log.Debug("event delivery failed", "event", event, "user_id", c.userID, "error", err)
		return
	}
	h.metrics.eventsDelivered.WithLabelValues(event).Inc()
}

// DropUser force-closes a user's socket, used by fault injection. The drop
// announces user_left like any other disconnect.
func (h *Hub) DropUser(userID string) {
	h.mu.Lock()
	c, ok := h.clients[userID]
	if ok {
		delete(h.clients, userID)
	}
	var joined []string
	if ok {
		for id := range c.joined {
			joined = append(joined, id)
		}
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	_ = c.conn.Close(websocket.StatusGoingAway, "fault injected")
	for _, convID := range joined {
		h.Broadcast(convID, userID, wire.EventUserLeft, wire.Presence{UserID: wire.FlexID(userID)})
	}
}
