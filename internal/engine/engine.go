package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parleylabs/parley-go/internal/chat"
	"github.com/parleylabs/parley-go/internal/rest"
	"github.com/parleylabs/parley-go/internal/socket"
	"github.com/parleylabs/parley-go/internal/wire"
)

// Transport is the slice of the socket client the engine uses.
type Transport interface {
	On(event string, h socket.Handler)
	OnConnect(hook func())
	Join(ctx context.Context, conversationID string) error
	Leave(ctx context.Context, conversationID string) error
	Emit(ctx context.Context, event string, payload any) error
	EmitWithAck(ctx context.Context, event string, payload any) (*wire.AckData, error)
	Connected() bool
}

// API is the slice of the REST client the engine uses.
type API interface {
	Messages(ctx context.Context, conversationID string) ([]wire.ServerMessage, error)
	Conversation(ctx context.Context, conversationID string) (*wire.Conversation, error)
	MarkRead(ctx context.Context, conversationID string) error
	SendMessage(ctx context.Context, req wire.SendMessagePayload) (*wire.ServerMessage, error)
	DeleteMessage(ctx context.Context, messageID string) error
}

// CancelPrompt is an open incoming cancellation request awaiting the
// viewer's choice.
type CancelPrompt struct {
	ConversationID string
	RequesterName  string
}

// Snapshot is a copy of the engine's observable state, safe to read from any
// goroutine.
type Snapshot struct {
	Session           chat.Session
	Messages          []chat.Message
	PendingCancel     bool
	CancelPrompt      *CancelPrompt
	PartnerOnline     bool
	Notice            string
	LoadError         string
	JoinError         string
	HistoryIncomplete bool
	EndingSoonMinutes int
}

// Config configures an Engine instance.
type Config struct {
	ConversationID string
	ViewerID       string
	Transport      Transport
	API            API
	Logger         *slog.Logger
	// ReadSyncInterval is the read-receipt reconciliation period. Default
	// 10s.
	ReadSyncInterval time.Duration
	// CancelPendingTimeout clears a pending cancellation when the
	// counterpart never responds. Default 90s.
	CancelPendingTimeout time.Duration
	// RequestTimeout bounds the network calls the engine launches. Default
	// 15s.
	RequestTimeout time.Duration
}

func (c *Config) fillDefaults() {
	if c.ReadSyncInterval <= 0 {
		c.ReadSyncInterval = 10 * time.Second
	}
	if c.CancelPendingTimeout <= 0 {
		c.CancelPendingTimeout = 90 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 15 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Engine owns the timeline and session state for one open conversation
// screen. It is created on screen open and closed on screen close; nothing
// persists across instances. Every mutation funnels through the Run loop, so
// state never observes a torn intermediate write.
type Engine struct {
	cfg Config
	log *slog.Logger

	cmds chan command
	done chan struct{}

	// Loop-owned state. Touched only from Run.
	timeline      Timeline
	session       chat.Session
	pendingCancel bool
	cancelDue     time.Time
	prompt        *CancelPrompt
	partnerOnline bool
	notice        string
	loadError     string
	joinError     string
	historyStale  bool
	endingSoonMin int
	readSyncBusy  bool
	// failedUnchecked is raised when a send is marked failed on an unknown
	// outcome and lowered after the next snapshot merge, which either
	// promotes the entry (the send actually landed) or confirms the verdict.
	failedUnchecked bool

	snapMu    sync.RWMutex
	snap      Snapshot
	updates   chan struct{}
	closeOnce sync.Once
}

// New creates an engine and registers its transport handlers. Run must be
// started for any state to move.
func New(cfg Config) *Engine {
	cfg.fillDefaults()
	e := &Engine{
		cfg:     cfg,
		log:     cfg.Logger,
		cmds:    make(chan command, 64),
		done:    make(chan struct{}),
		updates: make(chan struct{}, 1),
	}
	e.session = chat.Session{ID: cfg.ConversationID, Status: chat.SessionUnknown}
	e.publish()
	e.registerHandlers()
	return e
}

// Updates delivers coalesced change notifications. Consumers read State
// after each tick.
func (e *Engine) Updates() <-chan struct{} { return e.updates }

// State returns a copy of the current observable state.
func (e *Engine) State() Snapshot {
	e.snapMu.RLock()
	defer e.snapMu.RUnlock()
	return e.snap
}

// Close stops the loop. In-flight network calls resolve into a closed
// command channel and are discarded.
func (e *Engine) Close() {
	e.closeOnce.Do(func() { close(e.done) })
}

// post delivers a command to the loop unless the engine is closed.
func (e *Engine) post(c command) {
	select {
	case e.cmds <- c:
	case <-e.done:
	}
}

// publish refreshes the shared snapshot and signals the update channel.
func (e *Engine) publish() {
	snap := Snapshot{
		Session:           e.session,
		Messages:          e.timeline.Messages(),
		PendingCancel:     e.pendingCancel,
		PartnerOnline:     e.partnerOnline,
		Notice:            e.notice,
		LoadError:         e.loadError,
		JoinError:         e.joinError,
		HistoryIncomplete: e.historyStale,
		EndingSoonMinutes: e.endingSoonMin,
	}
	if e.prompt != nil {
		p := *e.prompt
		snap.CancelPrompt = &p
	}
	e.snapMu.Lock()
	e.snap = snap
	e.snapMu.Unlock()
	select {
	case e.updates <- struct{}{}:
	default:
	}
}

// Run executes the event loop until ctx is done or Close is called. Call it
// from exactly one goroutine.
func (e *Engine) Run(ctx context.Context) {
	// Initial join and full fetch happen through the loop like everything
	// else.
	go e.joinAndRefresh()

	ticker := time.NewTicker(e.cfg.ReadSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.leaveConversation()
			return
		case <-e.done:
			e.leaveConversation()
			return
		case c := <-e.cmds:
			e.apply(c)
			e.publish()
		case <-ticker.C:
			e.onTick()
			e.publish()
		}
	}
}

// leaveConversation tells the server the screen is gone, so the partner's
// presence flips without waiting for the socket to drop. Best effort.
func (e *Engine) leaveConversation() {
	if !e.cfg.Transport.Connected() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.cfg.Transport.Leave(ctx, e.cfg.ConversationID); err != nil {
		e.log.Debug("leave on shutdown failed", "error", err)
	}
}

func (e *Engine) joinAndRefresh() {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RequestTimeout)
	defer cancel()
	if err := e.cfg.Transport.Join(ctx, e.cfg.ConversationID); err != nil {
		e.log.Warn("initial join failed", "conversation_id", e.cfg.ConversationID, "error", err)
		e.post(joinFailed{err: err})
	}
	e.fetchAll()
}

// registerHandlers wires the socket events into the loop. Handlers only
// decode and post; every mutation happens in Run.
func (e *Engine) registerHandlers() {
	tr := e.cfg.Transport

	tr.On(wire.EventReceiveMessage, func(data []byte) {
		var raw wire.ServerMessage
		if err := wire.DecodeData(data, &raw); err != nil {
			e.log.Debug("dropping malformed message push", "error", err)
			return
		}
		e.post(remoteMessage{raw: raw})
	})
	tr.On(wire.EventSessionActivated, e.sessionEventHandler(chat.SessionActive))
	tr.On(wire.EventSessionEnded, e.sessionEventHandler(chat.SessionEnded))
	tr.On(wire.EventSessionCanceled, e.sessionEventHandler(chat.SessionCancelled))
	tr.On(wire.EventSessionCancelledAlt, e.sessionEventHandler(chat.SessionCancelled))
	tr.On(wire.EventSessionEndingSoon, func(data []byte) {
		var ev wire.SessionEvent
		if err := wire.DecodeData(data, &ev); err != nil {
			return
		}
		e.post(endingSoon{minutes: ev.RemainingMinutes, message: ev.Message})
	})
	tr.On(wire.EventRequestCancel, func(data []byte) {
		var p wire.CancelPrompt
		if err := wire.DecodeData(data, &p); err != nil {
			e.log.Debug("dropping malformed cancel prompt", "error", err)
			return
		}
		e.post(cancelPromptReceived{conversationID: p.ConversationID.String(), requesterName: p.RequesterName})
	})
	tr.On(wire.EventCancelResult, func(data []byte) {
		var r wire.CancelResult
		if err := wire.DecodeData(data, &r); err != nil {
			e.log.Debug("dropping malformed cancel result", "error", err)
			return
		}
		e.post(cancelResultReceived{conversationID: r.ConversationID.String(), status: r.Status, message: r.Message})
	})
	tr.On(wire.EventUserJoined, e.presenceHandler(true))
	tr.On(wire.EventUserLeft, e.presenceHandler(false))

	tr.OnConnect(func() {
		// Connectivity came back: re-sync in case pushes were missed.
		go e.joinAndRefresh()
	})
}

func (e *Engine) sessionEventHandler(status chat.SessionStatus) socket.Handler {
	return func(data []byte) {
		var ev wire.SessionEvent
		if err := wire.DecodeData(data, &ev); err != nil {
			e.log.Debug("dropping malformed session push", "error", err)
			return
		}
		e.post(sessionPush{status: status, message: ev.Message})
	}
}

func (e *Engine) presenceHandler(online bool) socket.Handler {
	return func(data []byte) {
		var p wire.Presence
		if err := wire.DecodeData(data, &p); err != nil {
			return
		}
		e.post(presence{userID: p.UserID.String(), online: online})
	}
}

// onTick drives the read-receipt synchronizer and the pending-cancel
// timeout.
func (e *Engine) onTick() {
	if e.pendingCancel && !e.cancelDue.IsZero() && time.Now().After(e.cancelDue) {
		e.pendingCancel = false
		e.cancelDue = time.Time{}
		e.notice = "No response to the cancellation request. You can try again."
		e.log.Info("pending cancellation timed out", "conversation_id", e.cfg.ConversationID)
	}

	if !e.needsReadSync() || e.readSyncBusy {
		return
	}
	e.readSyncBusy = true
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RequestTimeout)
		defer cancel()
		raws, err := e.cfg.API.Messages(ctx, e.cfg.ConversationID)
		e.post(snapshotFetched{raws: raws, err: err, readSync: true})
	}()
}

// needsReadSync reports whether any outgoing, non-recalled message is not
// yet read, or a failure verdict still awaits its cross-check fetch. The
// synchronizer is idle otherwise.
func (e *Engine) needsReadSync() bool {
	if e.failedUnchecked {
		return true
	}
	for _, m := range e.timeline.Messages() {
		if m.Role != chat.RoleOutgoing || m.Recalled || m.Status == chat.StatusFailed {
			continue
		}
		if m.Status != chat.StatusRead {
			return true
		}
	}
	return false
}

// fetchAll performs the full refresh: conversation metadata plus message
// history, each funneled back into the loop.
func (e *Engine) fetchAll() {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RequestTimeout)
	defer cancel()

	conv, convErr := e.cfg.API.Conversation(ctx, e.cfg.ConversationID)
	raws, msgErr := e.cfg.API.Messages(ctx, e.cfg.ConversationID)
	e.post(refreshFetched{conv: conv, convErr: convErr, raws: raws, msgErr: msgErr})
}

// --- commands ---------------------------------------------------------------

// command is a unit of serialized mutation. Decoding happens on the posting
// side; apply runs on the loop goroutine.
type command interface{ isCommand() }

type remoteMessage struct{ raw wire.ServerMessage }
type sessionPush struct {
	status  chat.SessionStatus
	message string
}
type endingSoon struct {
	minutes int
	message string
}
type presence struct {
	userID string
	online bool
}
type cancelPromptReceived struct {
	conversationID string
	requesterName  string
}
type cancelResultReceived struct {
	conversationID string
	status         string
	message        string
}
type joinFailed struct{ err error }
type refreshFetched struct {
	conv    *wire.Conversation
	convErr error
	raws    []wire.ServerMessage
	msgErr  error
}
type snapshotFetched struct {
	raws     []wire.ServerMessage
	err      error
	readSync bool
}
type sendRequested struct {
	text      string
	imagePath string
	videoPath string
}
type resendRequested struct{ localID string }
type recallRequested struct{ messageID string }
type sendAcked struct{ localID string }
type sendConfirmed struct {
	localID string
	raw     wire.ServerMessage
}
type sendFailed struct{ localID string }
type recallConfirmed struct{ messageID string }
type cancelRequested struct{}
type cancelAckResult struct{ err error }
type cancelResponded struct{ confirmed bool }
type refreshRequested struct{}
type markReadRequested struct{}

func (remoteMessage) isCommand()        {}
func (sessionPush) isCommand()          {}
func (endingSoon) isCommand()           {}
func (presence) isCommand()             {}
func (cancelPromptReceived) isCommand() {}
func (cancelResultReceived) isCommand() {}
func (joinFailed) isCommand()           {}
func (refreshFetched) isCommand()       {}
func (snapshotFetched) isCommand()      {}
func (sendRequested) isCommand()        {}
func (resendRequested) isCommand()      {}
func (recallRequested) isCommand()      {}
func (sendAcked) isCommand()            {}
func (sendConfirmed) isCommand()        {}
func (sendFailed) isCommand()           {}
func (recallConfirmed) isCommand()      {}
func (cancelRequested) isCommand()      {}
func (cancelAckResult) isCommand()      {}
func (cancelResponded) isCommand()      {}
func (refreshRequested) isCommand()     {}
func (markReadRequested) isCommand()    {}

// --- public operations ------------------------------------------------------

// SendText posts a text send. Validation happens inside the loop; a send in
// a non-ACTIVE session is skipped, never transmitted.
func (e *Engine) SendText(text string) { e.post(sendRequested{text: text}) }

// SendImage posts a send for an already-uploaded image path.
func (e *Engine) SendImage(path string) { e.post(sendRequested{imagePath: path}) }

// SendVideo posts a send for an already-uploaded video path.
func (e *Engine) SendVideo(path string) { e.post(sendRequested{videoPath: path}) }

// Resend retries a failed message as a new send with a fresh local id.
func (e *Engine) Resend(localID string) { e.post(resendRequested{localID: localID}) }

// Recall deletes a message server-side and masks it locally on success.
func (e *Engine) Recall(messageID string) { e.post(recallRequested{messageID: messageID}) }

// RequestCancel starts the mutual-cancellation handshake.
func (e *Engine) RequestCancel() { e.post(cancelRequested{}) }

// RespondCancel answers an open incoming cancellation prompt.
func (e *Engine) RespondCancel(confirmed bool) { e.post(cancelResponded{confirmed: confirmed}) }

// Refresh re-fetches conversation metadata and history.
func (e *Engine) Refresh() { e.post(refreshRequested{}) }

// MarkRead tells the server the viewer has seen the conversation.
func (e *Engine) MarkRead() { e.post(markReadRequested{}) }

// --- reducer ----------------------------------------------------------------

//nolint:gocyclo // The reducer is one flat dispatch over every command kind.
func (e *Engine) apply(c command) {
	switch c := c.(type) {
	case remoteMessage:
		e.applyRemoteMessage(c.raw)
	case sessionPush:
		e.applySessionStatus(c.status, c.message)
	case endingSoon:
		e.endingSoonMin = c.minutes
		if c.message != "" {
			e.notice = c.message
		}
	case presence:
		if c.userID != "" && c.userID != e.cfg.ViewerID {
			e.partnerOnline = c.online
		}
	case cancelPromptReceived:
		e.applyCancelPrompt(c)
	case cancelResultReceived:
		e.applyCancelResult(c)
	case joinFailed:
		e.joinError = c.err.Error()
	case refreshFetched:
		e.applyRefresh(c)
	case snapshotFetched:
		e.applySnapshotFetch(c)
	case sendRequested:
		e.startSend(c)
	case resendRequested:
		e.startResend(c.localID)
	case recallRequested:
		e.startRecall(c.messageID)
	case sendAcked:
		if m, ok := e.timeline.Get(c.localID); ok && m.Status == chat.StatusSending {
			m.Status = chat.StatusSent
			e.timeline.ConfirmOptimistic(c.localID, m)
		}
	case sendConfirmed:
		confirmed := chat.Normalize(c.raw, e.cfg.ViewerID, e.cfg.ConversationID)
		e.timeline.ConfirmOptimistic(c.localID, confirmed)
	case sendFailed:
		if e.timeline.MarkFailed(c.localID) {
			e.failedUnchecked = true
		}
	case recallConfirmed:
		if m, ok := e.timeline.Get(c.messageID); ok {
			m.Recall()
			e.timeline.ConfirmOptimistic(c.messageID, m)
		}
	case cancelRequested:
		e.startCancel()
	case cancelAckResult:
		e.applyCancelAck(c.err)
	case cancelResponded:
		e.startCancelResponse(c.confirmed)
	case refreshRequested:
		go e.fetchAll()
	case markReadRequested:
		e.startMarkRead()
	}
}

func (e *Engine) applyRemoteMessage(raw wire.ServerMessage) {
	if raw.ID == "" {
		return
	}
	msg := chat.Normalize(raw, e.cfg.ViewerID, e.cfg.ConversationID)
	// Pushes for other conversations are not ours to merge.
	if msg.ConversationID != e.cfg.ConversationID {
		e.log.Debug("ignoring message for another conversation", "conversation_id", msg.ConversationID)
		return
	}
	e.timeline.ApplyRemote(msg)
}

func (e *Engine) applySessionStatus(status chat.SessionStatus, message string) {
	if status == e.session.Status {
		return
	}
	e.session.Status = status
	if message != "" {
		e.notice = message
	}
	if status.Terminal() {
		// Any channel observing a terminal state clears the handshake.
		e.pendingCancel = false
		e.cancelDue = time.Time{}
		e.prompt = nil
		e.endingSoonMin = 0
	}
	e.log.Info("session status changed", "conversation_id", e.cfg.ConversationID, "status", status)
}

func (e *Engine) applyRefresh(c refreshFetched) {
	if c.convErr != nil {
		e.log.Warn("conversation fetch failed", "error", c.convErr)
		e.loadError = "Could not load the conversation. Pull to retry."
	} else if c.conv != nil {
		viewer := e.cfg.ViewerID
		sess := chat.NormalizeSession(*c.conv, viewer)
		if sess.ID == "" {
			sess.ID = e.cfg.ConversationID
		}
		e.session = sess
		e.loadError = ""
		if sess.Status.Terminal() {
			e.pendingCancel = false
			e.cancelDue = time.Time{}
			e.prompt = nil
		}
	}

	switch {
	case c.msgErr == nil:
		e.mergeSnapshot(c.raws)
		e.historyStale = false
	case errors.Is(c.msgErr, rest.ErrLegacyData):
		// Partial failure: keep chatting, flag the gap.
		e.historyStale = true
		e.log.Warn("history fetch degraded by legacy data", "error", c.msgErr)
	default:
		e.log.Warn("history fetch failed", "error", c.msgErr)
		e.loadError = "Could not load messages. Pull to retry."
	}
}

func (e *Engine) applySnapshotFetch(c snapshotFetched) {
	if c.readSync {
		e.readSyncBusy = false
	}
	if c.err != nil {
		if errors.Is(c.err, rest.ErrLegacyData) {
			e.historyStale = true
		}
		e.log.Debug("read sync fetch failed", "error", c.err)
		return
	}
	e.mergeSnapshot(c.raws)
}

func (e *Engine) mergeSnapshot(raws []wire.ServerMessage) {
	msgs := make([]chat.Message, 0, len(raws))
	for _, raw := range raws {
		msgs = append(msgs, chat.Normalize(raw, e.cfg.ViewerID, e.cfg.ConversationID))
	}
	e.timeline.ApplySnapshot(msgs)
	// The merge either promoted failed entries whose sends actually landed
	// or confirmed their verdicts; no further cross-check is owed.
	e.failedUnchecked = false
}

// --- sends ------------------------------------------------------------------

func (e *Engine) startSend(c sendRequested) {
	hasAttachment := c.imagePath != "" || c.videoPath != ""
	if !e.session.CanSend(c.text, hasAttachment) {
		// ValidationSkip: rejected before any network call.
		e.notice = e.session.BlockReason()
		e.log.Debug("send rejected by session gate", "status", e.session.Status)
		return
	}

	clientID := uuid.NewString()
	local := chat.Message{
		ID:             "local-" + clientID,
		ClientID:       clientID,
		ConversationID: e.cfg.ConversationID,
		Role:           chat.RoleOutgoing,
		Content:        c.text,
		Status:         chat.StatusSending,
		CreatedAt:      time.Now().UnixMilli(),
	}
	if c.imagePath != "" {
		local.Attachments = append(local.Attachments, chat.Attachment{
			ID: local.ID + ":image", URI: c.imagePath, Kind: chat.AttachmentImage, MimeType: "image/jpeg",
		})
	}
	if c.videoPath != "" {
		local.Attachments = append(local.Attachments, chat.Attachment{
			ID: local.ID + ":video", URI: c.videoPath, Kind: chat.AttachmentVideo, MimeType: "video/mp4",
		})
	}
	e.timeline.ApplyOptimistic(local)

	payload := wire.SendMessagePayload{
		ConversationID: e.cfg.ConversationID,
		ClientID:       clientID,
		TextContent:    c.text,
		ImagePath:      c.imagePath,
		VideoPath:      c.videoPath,
	}
	go e.deliver(local.ID, payload)
}

// deliver runs the dual-path send: socket with acknowledgment first, REST
// fallback on rejection or absence of a connection. Exactly one path's
// outcome is taken as canonical; both failing marks the entry failed.
func (e *Engine) deliver(localID string, payload wire.SendMessagePayload) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RequestTimeout)
	defer cancel()

	if e.cfg.Transport.Connected() {
		_, err := e.cfg.Transport.EmitWithAck(ctx, wire.EventSendMessage, payload)
		if err == nil {
			e.post(sendAcked{localID: localID})
			return
		}
		e.log.Info("socket send failed, falling back to REST", "error", err)
	} else {
		e.log.Info("socket down, sending over REST")
	}

	raw, restErr := e.cfg.API.SendMessage(ctx, payload)
	if restErr != nil {
		e.log.Warn("REST send fallback failed", "error", restErr)
		e.post(sendFailed{localID: localID})
		return
	}
	e.post(sendConfirmed{localID: localID, raw: *raw})
}

func (e *Engine) startResend(localID string) {
	m, ok := e.timeline.Get(localID)
	if !ok || m.Status != chat.StatusFailed {
		return
	}
	req := sendRequested{text: m.Content}
	for _, a := range m.Attachments {
		switch a.Kind {
		case chat.AttachmentImage:
			req.imagePath = a.URI
		case chat.AttachmentVideo:
			req.videoPath = a.URI
		}
	}
	// The failed entry stays; the resend is a new message with a fresh
	// local id.
	e.startSend(req)
}

func (e *Engine) startRecall(messageID string) {
	if _, ok := e.timeline.Get(messageID); !ok {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RequestTimeout)
		defer cancel()
		if err := e.cfg.API.DeleteMessage(ctx, messageID); err != nil {
			e.log.Warn("recall failed", "message_id", messageID, "error", err)
			return
		}
		e.post(recallConfirmed{messageID: messageID})
	}()
}

func (e *Engine) startMarkRead() {
	payload := wire.JoinPayload{ConversationID: e.cfg.ConversationID}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RequestTimeout)
		defer cancel()
		if err := e.cfg.Transport.Emit(ctx, wire.EventMarkRead, payload); err == nil {
			return
		}
		if err := e.cfg.API.MarkRead(ctx, e.cfg.ConversationID); err != nil {
			e.log.Debug("mark read failed", "error", err)
		}
	}()
}

// --- cancellation handshake -------------------------------------------------

func (e *Engine) startCancel() {
	if e.pendingCancel || e.session.Status.Terminal() {
		return
	}
	payload := wire.JoinPayload{ConversationID: e.cfg.ConversationID}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RequestTimeout)
		defer cancel()
		_, err := e.cfg.Transport.EmitWithAck(ctx, wire.EventCancelSession, payload)
		e.post(cancelAckResult{err: err})
	}()
}

func (e *Engine) applyCancelAck(err error) {
	if err != nil {
		e.pendingCancel = false
		e.cancelDue = time.Time{}
		e.notice = "Could not request cancellation. Please try again."
		e.log.Warn("cancellation request rejected", "error", err)
		return
	}
	e.pendingCancel = true
	e.cancelDue = time.Now().Add(e.cfg.CancelPendingTimeout)
	e.notice = "Cancellation requested. Waiting for your partner to confirm."
}

func (e *Engine) applyCancelPrompt(c cancelPromptReceived) {
	if c.conversationID != e.cfg.ConversationID {
		return
	}
	// Redundant pushes must not stack prompts.
	if e.prompt != nil {
		e.log.Debug("duplicate cancel prompt suppressed", "conversation_id", c.conversationID)
		return
	}
	e.prompt = &CancelPrompt{ConversationID: c.conversationID, RequesterName: c.requesterName}
}

func (e *Engine) startCancelResponse(confirmed bool) {
	if e.prompt == nil {
		return
	}
	e.prompt = nil
	payload := wire.RespondCancelPayload{ConversationID: e.cfg.ConversationID, Confirmed: confirmed}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RequestTimeout)
		defer cancel()
		if _, err := e.cfg.Transport.EmitWithAck(ctx, wire.EventRespondCancel, payload); err != nil {
			e.log.Warn("cancel response failed", "error", err)
		}
	}()
}

func (e *Engine) applyCancelResult(c cancelResultReceived) {
	if c.conversationID != e.cfg.ConversationID {
		return
	}
	e.pendingCancel = false
	e.cancelDue = time.Time{}
	e.prompt = nil
	if c.status == wire.StatusSuccess {
		e.applySessionStatus(chat.SessionCancelled, c.message)
		return
	}
	if c.message != "" {
		e.notice = c.message
	} else {
		e.notice = "Your partner declined the cancellation."
	}
}
