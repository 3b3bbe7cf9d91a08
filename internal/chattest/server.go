package chattest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/parleylabs/parley-go/internal/wire"
)

// Faults is togglable failure injection for failover tests.
type Faults struct {
	mu             sync.Mutex
	rejectSendAck  bool
	swallowSendAck bool
}

// RejectNextSendAck makes the next send_message acknowledgment an error.
func (f *Faults) RejectNextSendAck() {
	f.mu.Lock()
	f.rejectSendAck = true
	f.mu.Unlock()
}

// SwallowNextSendAck drops the next send_message without storing or acking
// it, so the client's ack times out.
func (f *Faults) SwallowNextSendAck() {
	f.mu.Lock()
	f.swallowSendAck = true
	f.mu.Unlock()
}

func (f *Faults) takeReject() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := f.rejectSendAck
	f.rejectSendAck = false
	return v
}

func (f *Faults) takeSwallow() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := f.swallowSendAck
	f.swallowSendAck = false
	return v
}

// Server is the sandbox chat backend.
type Server struct {
	store     *Store
	hub       *Hub
	metrics   *Metrics
	faults    *Faults
	log       *slog.Logger
	router    chi.Router
	uploadDir string

	mu            sync.Mutex
	cancelPending map[string]string // conversation id -> requester user id
}

// Options configures the sandbox.
type Options struct {
	DBPath    string
	UploadDir string
	Logger    *slog.Logger
}

// NewServer builds a sandbox backed by SQLite at opts.DBPath.
func NewServer(opts Options) (*Server, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.UploadDir == "" {
		dir, err := os.MkdirTemp("", "parley-uploads-")
		if err != nil {
			return nil, fmt.Errorf("create upload dir: %w", err)
		}
		opts.UploadDir = dir
	}
	store, err := NewStore(opts.DBPath)
	if err != nil {
		return nil, err
	}

	metrics := newMetrics()
	s := &Server{
		store:         store,
		hub:           newHub(metrics, opts.Logger),
		metrics:       metrics,
		faults:        &Faults{},
		log:           opts.Logger,
		uploadDir:     opts.UploadDir,
		cancelPending: make(map[string]string),
	}
	s.router = s.buildRouter()
	return s, nil
}

// Close releases the store.
func (s *Server) Close() error {
	return s.store.Close()
}

// Handler returns the full HTTP surface: REST API, websocket upgrade,
// metrics, health.
func (s *Server) Handler() http.Handler { return s.router }

// Faults returns the fault injection switchboard.
func (s *Server) Faults() *Faults { return s.faults }

// Store returns the backing store, for test seeding and assertions.
func (s *Server) Store() *Store { return s.store }

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/healthz"))
	r.Use(corsMiddleware([]string{"*"}))

	r.Get("/api/conversations/{id}", s.handleGetConversation)
	r.Get("/api/conversations/{id}/messages", s.handleGetMessages)
	r.Post("/api/conversations/{id}/read", s.handleMarkRead)
	r.Post("/api/conversations/{id}/messages", s.handleSendMessage)
	r.Delete("/api/messages/{id}", s.handleDeleteMessage)
	r.Post("/api/uploads", s.handleUpload)
	r.Get("/ws/chat", s.handleSocket)
	r.Handle("/metrics", s.metrics.Handler())
	return r
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// --- REST handlers ----------------------------------------------------------

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.store.GetConversation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.log.Error("conversation fetch failed", "error", err)
		writeError(w, http.StatusInternalServerError, "conversation fetch failed")
		return
	}
	if conv == nil {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.store.Messages(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.log.Error("message fetch failed", "error", err)
		writeError(w, http.StatusInternalServerError, "message fetch failed")
		return
	}
	writeJSON(w, http.StatusOK, wire.MessagePage{Messages: msgs})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	readerID := r.URL.Query().Get("user_id")
	if readerID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if _, err := s.store.MarkRead(r.Context(), chi.URLParam(r, "id"), readerID); err != nil {
		s.log.Error("mark read failed", "error", err)
		writeError(w, http.StatusInternalServerError, "mark read failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSendMessage is the REST fallback send.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req wire.SendMessagePayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed send request")
		return
	}
	req.ConversationID = chi.URLParam(r, "id")
	senderID := r.URL.Query().Get("user_id")
	if senderID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	msg, err := s.storeSend(r.Context(), senderID, req)
	if err != nil {
		s.log.Error("REST send failed", "error", err)
		writeError(w, http.StatusInternalServerError, "send failed")
		return
	}
	s.broadcastMessage(*msg, senderID)
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "id")
	convID, err := s.store.RecallMessage(r.Context(), messageID)
	if err != nil {
		s.log.Error("recall failed", "error", err)
		writeError(w, http.StatusInternalServerError, "recall failed")
		return
	}
	if convID == "" {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	// Push the recalled record so open screens mask it immediately.
	if m, err := s.store.GetMessage(r.Context(), messageID); err == nil && m != nil {
		s.hub.Broadcast(convID, "", wire.EventReceiveMessage, m)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file part is required")
		return
	}
	defer file.Close()

	name := uuid.NewString() + "-" + filepath.Base(header.Filename)
	dst := filepath.Join(s.uploadDir, name)
	out, err := os.Create(dst)
	if err != nil {
		s.log.Error("upload create failed", "error", err)
		writeError(w, http.StatusInternalServerError, "upload failed")
		return
	}
	defer out.Close()
	if _, err := io.Copy(out, file); err != nil {
		s.log.Error("upload write failed", "error", err)
		writeError(w, http.StatusInternalServerError, "upload failed")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"path": "/uploads/" + name})
}

// --- socket handling --------------------------------------------------------

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Error("failed to accept chat socket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		_ = ws.Close(websocket.StatusNormalClosure, "session ended")
	}()

	client := s.hub.Register(userID, ws)
	defer s.hub.Unregister(userID, client)

	for {
		_, data, err := ws.Read(r.Context())
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				s.log.Debug("chat socket closed by client", "user_id", userID)
			} else {
				s.log.Debug("chat socket read error", "user_id", userID, "error", err)
			}
			return
		}
		s.handleFrame(r.Context(), client, data)
	}
}

func (s *Server) handleFrame(ctx context.Context, c *hubClient, data []byte) {
	var env wire.Envelope
	if err := wire.DecodeEnvelope(data, &env); err != nil {
		s.log.Debug("dropping malformed frame", "user_id", c.userID, "error", err)
		return
	}

	switch env.Event {
	case wire.EventJoinConversation:
		s.handleJoin(ctx, c, env)
	case wire.EventLeaveConversation:
		s.handleLeave(ctx, c, env)
	case wire.EventMarkRead:
		s.handleSocketMarkRead(ctx, c, env)
	case wire.EventSendMessage:
		s.handleSocketSend(ctx, c, env)
	case wire.EventCancelSession:
		s.handleCancelRequest(ctx, c, env)
	case wire.EventRespondCancel:
		s.handleCancelResponse(ctx, c, env)
	default:
		s.log.Debug("unknown event", "event", env.Event, "user_id", c.userID)
		s.ack(c, env.Seq, wire.AckData{Status: wire.StatusError, Message: "unknown event"})
	}
}

// ack answers an acked frame; frames without a seq get nothing.
func (s *Server) ack(c *hubClient, seq uint64, data wire.AckData) {
	if seq == 0 {
		return
	}
	raw, err := wire.EncodeData(data)
	if err != nil {
		return
	}
	if err := c.send(wire.Envelope{Event: wire.EventAck, Ack: seq, Data: raw}); err != nil {
		s.log.Debug("ack delivery failed", "user_id", c.userID, "error", err)
	}
}

func (s *Server) handleJoin(ctx context.Context, c *hubClient, env wire.Envelope) {
	var p wire.JoinPayload
	if err := wire.DecodeData(env.Data, &p); err != nil || p.ConversationID == "" {
		s.ack(c, env.Seq, wire.AckData{Status: wire.StatusError, Message: "conversation id is required"})
		return
	}
	conv, err := s.store.GetConversation(ctx, p.ConversationID)
	if err != nil || conv == nil {
		s.ack(c, env.Seq, wire.AckData{Status: wire.StatusError, Message: "conversation not found"})
		return
	}
	participants, err := s.store.Participants(ctx, p.ConversationID)
	if err != nil {
		s.ack(c, env.Seq, wire.AckData{Status: wire.StatusError, Message: "participant lookup failed"})
		return
	}
	member := false
	for _, uid := range participants {
		if uid == c.userID {
			member = true
			break
		}
	}
	if !member {
		s.ack(c, env.Seq, wire.AckData{Status: wire.StatusError, Message: "not a participant"})
		return
	}
	s.hub.Join(c, p.ConversationID)
	s.ack(c, env.Seq, wire.AckData{Status: wire.StatusSuccess})
	s.hub.Broadcast(p.ConversationID, c.userID, wire.EventUserJoined, wire.Presence{UserID: wire.FlexID(c.userID)})
}

func (s *Server) handleLeave(ctx context.Context, c *hubClient, env wire.Envelope) {
	var p wire.JoinPayload
	if err := wire.DecodeData(env.Data, &p); err != nil || p.ConversationID == "" {
		return
	}
	s.hub.Leave(c, p.ConversationID)
	s.hub.Broadcast(p.ConversationID, c.userID, wire.EventUserLeft, wire.Presence{UserID: wire.FlexID(c.userID)})
}

func (s *Server) handleSocketMarkRead(ctx context.Context, c *hubClient, env wire.Envelope) {
	var p wire.JoinPayload
	if err := wire.DecodeData(env.Data, &p); err != nil || p.ConversationID == "" {
		return
	}
	if _, err := s.store.MarkRead(ctx, p.ConversationID, c.userID); err != nil {
		s.log.Error("socket mark read failed", "error", err)
	}
}

func (s *Server) handleSocketSend(ctx context.Context, c *hubClient, env wire.Envelope) {
	if s.faults.takeSwallow() {
		s.log.Info("fault: swallowing send", "user_id", c.userID)
		return
	}
	if s.faults.takeReject() {
		s.log.Info("fault: rejecting send ack", "user_id", c.userID)
		s.ack(c, env.Seq, wire.AckData{Status: wire.StatusError, Message: "injected failure"})
		return
	}

	var req wire.SendMessagePayload
	if err := wire.DecodeData(env.Data, &req); err != nil || req.ConversationID == "" {
		s.ack(c, env.Seq, wire.AckData{Status: wire.StatusError, Message: "malformed send"})
		return
	}

	msg, err := s.storeSend(ctx, c.userID, req)
	if err != nil {
		s.log.Error("socket send failed", "error", err)
		s.ack(c, env.Seq, wire.AckData{Status: wire.StatusError, Message: "send failed"})
		return
	}
	s.ack(c, env.Seq, wire.AckData{Status: wire.StatusSuccess})
	s.broadcastMessage(*msg, "")
}

func (s *Server) storeSend(ctx context.Context, senderID string, req wire.SendMessagePayload) (*wire.ServerMessage, error) {
	conv, err := s.store.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, fmt.Errorf("conversation %s not found", req.ConversationID)
	}
	msg := wire.ServerMessage{
		ID:             wire.FlexID(uuid.NewString()),
		ClientID:       req.ClientID,
		ConversationID: wire.FlexID(req.ConversationID),
		SenderID:       wire.FlexID(senderID),
		Content:        req.TextContent,
		Image:          req.ImagePath,
		Video:          req.VideoPath,
		Status:         "sent",
		CreatedAt:      time.Now().UnixMilli(),
	}
	if err := s.store.InsertMessage(ctx, msg); err != nil {
		return nil, err
	}
	s.metrics.messagesStored.Inc()
	return &msg, nil
}

// broadcastMessage pushes receive_message to every joined client, the sender
// included so its optimistic entry can be promoted. exclude suppresses the
// echo where the caller already returned the durable record.
func (s *Server) broadcastMessage(msg wire.ServerMessage, exclude string) {
	s.hub.Broadcast(msg.ConversationID.String(), exclude, wire.EventReceiveMessage, msg)
}

// --- cancellation handshake -------------------------------------------------

func (s *Server) handleCancelRequest(ctx context.Context, c *hubClient, env wire.Envelope) {
	var p wire.JoinPayload
	if err := wire.DecodeData(env.Data, &p); err != nil || p.ConversationID == "" {
		s.ack(c, env.Seq, wire.AckData{Status: wire.StatusError, Message: "conversation id is required"})
		return
	}
	conv, err := s.store.GetConversation(ctx, p.ConversationID)
	if err != nil || conv == nil {
		s.ack(c, env.Seq, wire.AckData{Status: wire.StatusError, Message: "conversation not found"})
		return
	}

	s.mu.Lock()
	if _, busy := s.cancelPending[p.ConversationID]; busy {
		s.mu.Unlock()
		s.ack(c, env.Seq, wire.AckData{Status: wire.StatusError, Message: "cancellation already pending"})
		return
	}
	s.cancelPending[p.ConversationID] = c.userID
	s.mu.Unlock()

	s.ack(c, env.Seq, wire.AckData{Status: wire.StatusSuccess})

	requesterName, _ := s.store.ParticipantName(ctx, p.ConversationID, c.userID)
	if requesterName == "" {
		requesterName = c.userID
	}
	prompt := wire.CancelPrompt{ConversationID: wire.FlexID(p.ConversationID), RequesterName: requesterName}
	s.hub.Broadcast(p.ConversationID, c.userID, wire.EventRequestCancel, prompt)
}

func (s *Server) handleCancelResponse(ctx context.Context, c *hubClient, env wire.Envelope) {
	var p wire.RespondCancelPayload
	if err := wire.DecodeData(env.Data, &p); err != nil || p.ConversationID == "" {
		s.ack(c, env.Seq, wire.AckData{Status: wire.StatusError, Message: "malformed response"})
		return
	}

	s.mu.Lock()
	_, pending := s.cancelPending[p.ConversationID]
	delete(s.cancelPending, p.ConversationID)
	s.mu.Unlock()
	if !pending {
		s.ack(c, env.Seq, wire.AckData{Status: wire.StatusError, Message: "no pending cancellation"})
		return
	}
	s.ack(c, env.Seq, wire.AckData{Status: wire.StatusSuccess})

	if !p.Confirmed {
		result := wire.CancelResult{
			ConversationID: wire.FlexID(p.ConversationID),
			Status:         wire.StatusError,
			Message:        "Your partner declined the cancellation.",
		}
		s.hub.Broadcast(p.ConversationID, "", wire.EventCancelResult, result)
		return
	}

	if err := s.store.SetConversationStatus(ctx, p.ConversationID, "CANCELLED"); err != nil {
		s.log.Error("cancel status update failed", "error", err)
		return
	}
	result := wire.CancelResult{
		ConversationID: wire.FlexID(p.ConversationID),
		Status:         wire.StatusSuccess,
		Message:        "Session cancelled by mutual agreement.",
	}
	s.hub.Broadcast(p.ConversationID, "", wire.EventCancelResult, result)
	s.hub.Broadcast(p.ConversationID, "", wire.EventSessionCancelledAlt, wire.SessionEvent{Message: "Session cancelled."})
}

// --- test hooks -------------------------------------------------------------

// ActivateSession flips a conversation to ACTIVE and pushes
// session_activated.
func (s *Server) ActivateSession(ctx context.Context, conversationID string) error {
	return s.pushSessionStatus(ctx, conversationID, "ACTIVE", wire.EventSessionActivated, "Session started.")
}

// EndSession flips a conversation to ENDED and pushes session_ended.
func (s *Server) EndSession(ctx context.Context, conversationID string) error {
	return s.pushSessionStatus(ctx, conversationID, "ENDED", wire.EventSessionEnded, "Session ended.")
}

// EndingSoon pushes session_ending_soon with the remaining minutes.
func (s *Server) EndingSoon(ctx context.Context, conversationID string, minutes int) error {
	s.hub.Broadcast(conversationID, "", wire.EventSessionEndingSoon, wire.SessionEvent{RemainingMinutes: minutes})
	return nil
}

func (s *Server) pushSessionStatus(ctx context.Context, conversationID, status, event, message string) error {
	if err := s.store.SetConversationStatus(ctx, conversationID, status); err != nil {
		return err
	}
	s.hub.Broadcast(conversationID, "", event, wire.SessionEvent{Message: message})
	return nil
}

// DropUser force-closes a user's socket, simulating a transport drop.
func (s *Server) DropUser(userID string) {
	s.hub.DropUser(userID)
}

// Seed creates a conversation between two users.
func (s *Server) Seed(ctx context.Context, conversationID, status string, users ...wire.Participant) error {
	conv := wire.Conversation{
		ID:           wire.FlexID(conversationID),
		Status:       status,
		Participants: users,
	}
	return s.store.CreateConversation(ctx, conv)
}
