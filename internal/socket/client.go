// Package socket implements the persistent event transport: one websocket
// connection per authenticated user, namespaced to the chat domain, with
// acknowledged sends, automatic reconnection, and conversation join tracking.
package socket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/parleylabs/parley-go/internal/wire"
)

// Sentinel errors for the transport failure taxonomy.
var (
	// ErrNotConnected means no live connection existed at send time.
	ErrNotConnected = errors.New("socket: not connected")
	// ErrNotJoined means a conversation-scoped emit was attempted before a
	// successful join for that conversation id. Rejected locally, nothing is
	// sent.
	ErrNotJoined = errors.New("socket: conversation not joined")
	// ErrAckTimeout means no acknowledgment arrived within the request
	// timeout. Callers must treat this as unknown outcome, not failure.
	ErrAckTimeout = errors.New("socket: acknowledgment timed out")
	// ErrClosed means the client has been closed.
	ErrClosed = errors.New("socket: client closed")
)

// AckError is returned when the server acknowledged with a non-success
// status.
type AckError struct {
	Message string
}

func (e *AckError) Error() string {
	if e.Message == "" {
		return "socket: acknowledgment rejected"
	}
	return "socket: acknowledgment rejected: " + e.Message
}

// Handler receives the raw data payload of an inbound event.
type Handler func(data []byte)

// Config configures a Client.
type Config struct {
	// ServerURL is the http(s) base URL of the chat server.
	ServerURL string
	// UserID identifies the authenticated user; one connection is opened
	// per user.
	UserID string
	// AckTimeout bounds EmitWithAck. Default 10s.
	AckTimeout time.Duration
	// ReconnectAttempts bounds the reconnect loop. Default 5.
	ReconnectAttempts int
	// ReconnectBackoff is the fixed delay between attempts. Default 2s.
	ReconnectBackoff time.Duration
	Logger           *slog.Logger
}

func (c *Config) fillDefaults() {
	if c.AckTimeout <= 0 {
		c.AckTimeout = 10 * time.Second
	}
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = 5
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = 2 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Client is the persistent bidirectional transport. Handlers are registered
// once on the client, never per-connection, so reconnects cannot double-fire
// them. All inbound dispatch happens on a single reader goroutine; handlers
// run to completion before the next frame is dispatched.
type Client struct {
	cfg Config
	log *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	writeMu   sync.Mutex
	connected bool
	closed    bool
	handlers  map[string][]Handler
	onConnect []func()
	joined    map[string]bool
	pending   map[uint64]chan wire.AckData
	seq       uint64
	readerWG  sync.WaitGroup
}

// New creates a client. Connect must be called before any emit.
func New(cfg Config) *Client {
	cfg.fillDefaults()
	return &Client{
		cfg:      cfg,
		log:      cfg.Logger,
		handlers: make(map[string][]Handler),
		joined:   make(map[string]bool),
		pending:  make(map[uint64]chan wire.AckData),
	}
}

// On registers a handler for an inbound event. Safe to call before or after
// Connect; registrations survive reconnects.
func (c *Client) On(event string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], h)
}

// OnConnect registers a hook invoked whenever connectivity transitions from
// down to up, including the initial connect. Re-joins have already completed
// when the hook runs.
func (c *Client) OnConnect(hook func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = append(c.onConnect, hook)
}

// Connected reports whether a live connection exists.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Joined reports whether a join for the conversation id has succeeded on the
// current connection.
func (c *Client) Joined(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined[conversationID]
}

func (c *Client) dialURL() (string, error) {
	u, err := url.Parse(c.cfg.ServerURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws/chat"
	q := u.Query()
	q.Set("user_id", c.cfg.UserID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect dials the chat namespace and starts the reader loop. It returns
// once the connection is established; reconnection after a later drop is
// automatic and bounded by the configured attempts.
func (c *Client) Connect(ctx context.Context) error {
	addr, err := c.dialURL()
	if err != nil {
		return err
	}

	conn, _, err := websocket.Dial(ctx, addr, nil)
	if err != nil {
		return fmt.Errorf("dial chat socket: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "client closed")
		return ErrClosed
	}
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.log.Info("chat socket connected", "user_id", c.cfg.UserID)

	c.readerWG.Add(1)
	go c.readLoop(conn)
	c.fireOnConnect()
	return nil
}

// Close tears the client down: pending acks are rejected, handlers are
// deregistered, and the connection is closed. The client cannot be reused.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.connected = false
	for seq, ch := range c.pending {
		close(ch)
		delete(c.pending, seq)
	}
	c.handlers = make(map[string][]Handler)
	c.onConnect = nil
	c.joined = make(map[string]bool)
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "screen closed")
	}
	c.readerWG.Wait()
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.readerWG.Done()
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			c.onDisconnect(conn, err)
			return
		}
		c.dispatch(data)
	}
}

// dispatch routes one inbound frame. Malformed frames and unknown events are
// dropped, never fatal.
func (c *Client) dispatch(data []byte) {
	var env wire.Envelope
	if err := wire.DecodeEnvelope(data, &env); err != nil {
		c.log.Debug("dropping malformed frame", "error", err)
		return
	}

	if env.Event == wire.EventAck {
		var ack wire.AckData
		_ = wire.DecodeData(env.Data, &ack)
		c.resolveAck(env.Ack, ack)
		return
	}

	c.mu.Lock()
	handlers := append([]Handler(nil), c.handlers[env.Event]...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(env.Data)
	}
}

func (c *Client) resolveAck(seq uint64, ack wire.AckData) {
	c.mu.Lock()
	ch, ok := c.pending[seq]
	if ok {
		delete(c.pending, seq)
	}
	c.mu.Unlock()
	if !ok {
		c.log.Debug("ack with no pending request", "seq", seq)
		return
	}
	ch <- ack
	close(ch)
}

func (c *Client) onDisconnect(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.closed || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.connected = false
	// Joined state is per-connection; the reconnect loop re-joins.
	rejoin := make([]string, 0, len(c.joined))
	for id := range c.joined {
		rejoin = append(rejoin, id)
	}
	c.joined = make(map[string]bool)
	for seq, ch := range c.pending {
		close(ch)
		delete(c.pending, seq)
	}
	c.mu.Unlock()

	c.log.Warn("chat socket disconnected", "user_id", c.cfg.UserID, "error", cause)
	go c.reconnect(rejoin)
}

// reconnect retries the dial with fixed backoff up to the configured number
// of attempts, then gives up; a later explicit Connect can still revive the
// client.
func (c *Client) reconnect(rejoin []string) {
	addr, err := c.dialURL()
	if err != nil {
		c.log.Error("reconnect aborted", "error", err)
		return
	}

	for attempt := 1; attempt <= c.cfg.ReconnectAttempts; attempt++ {
		time.Sleep(c.cfg.ReconnectBackoff)

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		dialCtx, cancel := context.WithTimeout(context.Background(), c.cfg.AckTimeout)
		conn, _, err := websocket.Dial(dialCtx, addr, nil)
		cancel()
		if err != nil {
			c.log.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
			continue
		}
		conn.SetReadLimit(1 << 20)

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = conn.Close(websocket.StatusNormalClosure, "client closed")
			return
		}
		c.conn = conn
		c.connected = true
		c.mu.Unlock()

		c.log.Info("chat socket reconnected", "user_id", c.cfg.UserID, "attempt", attempt)

		c.readerWG.Add(1)
		go c.readLoop(conn)

		// Joining is idempotent and repeated automatically on every
		// down-to-up transition.
		for _, id := range rejoin {
			joinCtx, cancel := context.WithTimeout(context.Background(), c.cfg.AckTimeout)
			if err := c.Join(joinCtx, id); err != nil {
				c.log.Warn("re-join failed after reconnect", "conversation_id", id, "error", err)
			}
			cancel()
		}
		c.fireOnConnect()
		return
	}
	c.log.Error("reconnect gave up", "user_id", c.cfg.UserID, "attempts", c.cfg.ReconnectAttempts)
}

func (c *Client) fireOnConnect() {
	c.mu.Lock()
	hooks := append([]func(){}, c.onConnect...)
	c.mu.Unlock()
	for _, hook := range hooks {
		hook()
	}
}

func (c *Client) write(ctx context.Context, env wire.Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := wire.EncodeEnvelope(env)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Emit sends an event without waiting for an acknowledgment.
func (c *Client) Emit(ctx context.Context, event string, payload any) error {
	if err := c.checkScope(event, payload); err != nil {
		return err
	}
	data, err := wire.EncodeData(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	return c.write(ctx, wire.Envelope{Event: event, Data: data})
}

// EmitWithAck sends an event and waits for the correlated acknowledgment. It
// returns ErrNotConnected without a live connection, ErrAckTimeout when the
// request timeout elapses, and *AckError when the server rejects.
func (c *Client) EmitWithAck(ctx context.Context, event string, payload any) (*wire.AckData, error) {
	if err := c.checkScope(event, payload); err != nil {
		return nil, err
	}

	data, err := wire.EncodeData(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if !c.connected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.seq++
	seq := c.seq
	ch := make(chan wire.AckData, 1)
	c.pending[seq] = ch
	c.mu.Unlock()

	if err := c.write(ctx, wire.Envelope{Event: event, Seq: seq, Data: data}); err != nil {
		c.mu.Lock()
		delete(c.pending, seq)
		c.mu.Unlock()
		return nil, err
	}

	timer := time.NewTimer(c.cfg.AckTimeout)
	defer timer.Stop()
	select {
	case ack, ok := <-ch:
		if !ok {
			// Channel closed by disconnect or Close: outcome unknown.
			return nil, ErrNotConnected
		}
		if !ack.OK() {
			return &ack, &AckError{Message: ack.Message}
		}
		return &ack, nil
	case <-timer.C:
		c.dropPending(seq)
		return nil, ErrAckTimeout
	case <-ctx.Done():
		c.dropPending(seq)
		return nil, ctx.Err()
	}
}

func (c *Client) dropPending(seq uint64) {
	c.mu.Lock()
	delete(c.pending, seq)
	c.mu.Unlock()
}

// checkScope rejects conversation-scoped emits locally unless a join
// succeeded for that conversation id on the current connection.
func (c *Client) checkScope(event string, payload any) error {
	id := conversationScope(event, payload)
	if id == "" {
		return nil
	}
	c.mu.Lock()
	joined := c.joined[id]
	c.mu.Unlock()
	if !joined {
		return fmt.Errorf("%w: %s", ErrNotJoined, id)
	}
	return nil
}

func conversationScope(event string, payload any) string {
	switch event {
	case wire.EventSendMessage:
		if p, ok := payload.(wire.SendMessagePayload); ok {
			return p.ConversationID
		}
	case wire.EventMarkRead, wire.EventCancelSession:
		if p, ok := payload.(wire.JoinPayload); ok {
			return p.ConversationID
		}
	case wire.EventRespondCancel:
		if p, ok := payload.(wire.RespondCancelPayload); ok {
			return p.ConversationID
		}
	}
	return ""
}

// Join performs the acknowledged join for a conversation and records it so
// conversation-scoped emits are admitted. Joining is idempotent.
func (c *Client) Join(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return errors.New("socket: empty conversation id")
	}
	_, err := c.EmitWithAck(ctx, wire.EventJoinConversation, wire.JoinPayload{ConversationID: conversationID})
	if err != nil {
		return fmt.Errorf("join conversation %s: %w", conversationID, err)
	}
	c.mu.Lock()
	c.joined[conversationID] = true
	c.mu.Unlock()
	c.log.Info("joined conversation", "conversation_id", conversationID)
	return nil
}

// Leave sends the un-acked leave event and clears the join record.
func (c *Client) Leave(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	delete(c.joined, conversationID)
	c.mu.Unlock()
	return c.Emit(ctx, wire.EventLeaveConversation, wire.JoinPayload{ConversationID: conversationID})
}
