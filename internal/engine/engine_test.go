package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/parleylabs/parley-go/internal/chat"
	"github.com/parleylabs/parley-go/internal/socket"
	"github.com/parleylabs/parley-go/internal/wire"
)

// fakeTransport records handlers and scripts acknowledgment outcomes.
type fakeTransport struct {
	mu        sync.Mutex
	handlers  map[string][]socket.Handler
	onConnect []func()
	joined    []string
	left      []string
	emitted   []string
	acked     []string
	ackErr    map[string]error
	joinErr   error
	offline   bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		handlers: make(map[string][]socket.Handler),
		ackErr:   make(map[string]error),
	}
}

func (f *fakeTransport) On(event string, h socket.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = append(f.handlers[event], h)
}

func (f *fakeTransport) OnConnect(hook func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onConnect = append(f.onConnect, hook)
}

func (f *fakeTransport) Join(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.joinErr != nil {
		return f.joinErr
	}
	f.joined = append(f.joined, id)
	return nil
}

func (f *fakeTransport) Leave(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = append(f.left, id)
	return nil
}

func (f *fakeTransport) Emit(_ context.Context, event string, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emitted = append(f.emitted, event)
	return nil
}

func (f *fakeTransport) EmitWithAck(_ context.Context, event string, _ any) (*wire.AckData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, event)
	if err := f.ackErr[event]; err != nil {
		return nil, err
	}
	return &wire.AckData{Status: wire.StatusSuccess}, nil
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.offline
}

// fire delivers an inbound event the way the socket reader would.
func (f *fakeTransport) fire(t *testing.T, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	f.mu.Lock()
	handlers := append([]socket.Handler(nil), f.handlers[event]...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(data)
	}
}

func (f *fakeTransport) ackCount(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.acked {
		if e == event {
			n++
		}
	}
	return n
}

// fakeAPI scripts the REST collaborators.
type fakeAPI struct {
	mu       sync.Mutex
	conv     wire.Conversation
	convErr  error
	messages []wire.ServerMessage
	msgErr   error
	sendResp *wire.ServerMessage
	sendErr  error
	sent     int
	deleted  []string
}

func (f *fakeAPI) Messages(context.Context, string) ([]wire.ServerMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messages, f.msgErr
}

func (f *fakeAPI) Conversation(context.Context, string) (*wire.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.convErr != nil {
		return nil, f.convErr
	}
	conv := f.conv
	return &conv, nil
}

func (f *fakeAPI) MarkRead(context.Context, string) error { return nil }

func (f *fakeAPI) SendMessage(context.Context, wire.SendMessagePayload) (*wire.ServerMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent++
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	return f.sendResp, nil
}

func (f *fakeAPI) DeleteMessage(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func activeConv(id string) wire.Conversation {
	return wire.Conversation{
		ID:     wire.FlexID(id),
		Status: "ACTIVE",
		Participants: []wire.Participant{
			{ID: "me", Name: "Me"},
			{ID: "them", Name: "Partner", ContactID: "contact-1"},
		},
	}
}

func startEngine(t *testing.T, tr *fakeTransport, api *fakeAPI) *Engine {
	t.Helper()
	e := New(Config{
		ConversationID:       "c1",
		ViewerID:             "me",
		Transport:            tr,
		API:                  api,
		ReadSyncInterval:     20 * time.Millisecond,
		CancelPendingTimeout: time.Hour,
		RequestTimeout:       time.Second,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		e.Close()
		<-done
	})
	return e
}

func waitFor(t *testing.T, e *Engine, what string, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap := e.State()
		if cond(snap) {
			return snap
		}
		select {
		case <-e.Updates():
		case <-time.After(10 * time.Millisecond):
		}
	}
	t.Fatalf("Timed out waiting for %s; last state: %+v", what, e.State())
	return Snapshot{}
}

func TestEngine_InitialFetch(t *testing.T) {
	tr := newFakeTransport()
	api := &fakeAPI{
		conv: activeConv("c1"),
		messages: []wire.ServerMessage{
			{ID: "1", SenderID: "me", Content: "a", CreatedAt: 100, Status: "sent"},
			{ID: "2", SenderID: "them", Content: "b", CreatedAt: 50, Status: "read"},
		},
	}
	e := startEngine(t, tr, api)

	snap := waitFor(t, e, "initial fetch", func(s Snapshot) bool {
		return len(s.Messages) == 2 && s.Session.Status == chat.SessionActive
	})
	if snap.Messages[0].ID != "2" || snap.Messages[1].ID != "1" {
		t.Errorf("Expected order [2 1], got %v", ids(snap.Messages))
	}
	if snap.Session.PartnerContactID != "contact-1" {
		t.Errorf("Expected partner contact resolved, got %q", snap.Session.PartnerContactID)
	}
}

func TestEngine_RemotePushAndForeignFilter(t *testing.T) {
	tr := newFakeTransport()
	api := &fakeAPI{conv: activeConv("c1")}
	e := startEngine(t, tr, api)
	waitFor(t, e, "session active", func(s Snapshot) bool { return s.Session.Status == chat.SessionActive })

	tr.fire(t, wire.EventReceiveMessage, wire.ServerMessage{
		ID: "s1", ConversationID: "c1", SenderID: "them", Content: "hello", CreatedAt: 10,
	})
	tr.fire(t, wire.EventReceiveMessage, wire.ServerMessage{
		ID: "other", ConversationID: "c999", SenderID: "them", Content: "noise", CreatedAt: 11,
	})

	snap := waitFor(t, e, "push merged", func(s Snapshot) bool { return len(s.Messages) == 1 })
	if snap.Messages[0].ID != "s1" {
		t.Errorf("Expected only s1 in timeline, got %v", ids(snap.Messages))
	}
	// Give the foreign push a moment to (incorrectly) land.
	time.Sleep(50 * time.Millisecond)
	if n := len(e.State().Messages); n != 1 {
		t.Errorf("Expected foreign-conversation push ignored, got %d messages", n)
	}
}

func TestEngine_SendGatedOutsideActive(t *testing.T) {
	tr := newFakeTransport()
	api := &fakeAPI{conv: wire.Conversation{ID: "c1", Status: "WAITING"}}
	e := startEngine(t, tr, api)
	waitFor(t, e, "session waiting", func(s Snapshot) bool { return s.Session.Status == chat.SessionWaiting })

	e.SendText("hello")

	snap := waitFor(t, e, "block notice", func(s Snapshot) bool { return s.Notice != "" })
	if len(snap.Messages) != 0 {
		t.Errorf("Expected no optimistic insert while gated, got %d", len(snap.Messages))
	}
	if tr.ackCount(wire.EventSendMessage) != 0 {
		t.Error("Expected no network call for a gated send")
	}
}

func TestEngine_SendSocketPath(t *testing.T) {
	tr := newFakeTransport()
	api := &fakeAPI{conv: activeConv("c1")}
	e := startEngine(t, tr, api)
	waitFor(t, e, "session active", func(s Snapshot) bool { return s.Session.Status == chat.SessionActive })

	e.SendText("hi there")

	snap := waitFor(t, e, "optimistic ack", func(s Snapshot) bool {
		return len(s.Messages) == 1 && s.Messages[0].Status == chat.StatusSent
	})
	m := snap.Messages[0]
	if m.Role != chat.RoleOutgoing || m.Content != "hi there" || m.ClientID == "" {
		t.Errorf("Unexpected optimistic message: %+v", m)
	}
	if api.sent != 0 {
		t.Errorf("Expected no REST fallback on socket success, got %d", api.sent)
	}
}

func TestEngine_SendRESTFallback(t *testing.T) {
	tr := newFakeTransport()
	tr.ackErr[wire.EventSendMessage] = socket.ErrNotConnected
	api := &fakeAPI{
		conv:     activeConv("c1"),
		sendResp: &wire.ServerMessage{ID: "durable-1", SenderID: "me", Content: "hi", CreatedAt: 77, Status: "sent"},
	}
	e := startEngine(t, tr, api)
	waitFor(t, e, "session active", func(s Snapshot) bool { return s.Session.Status == chat.SessionActive })

	e.SendText("hi")

	snap := waitFor(t, e, "REST confirmation", func(s Snapshot) bool {
		return len(s.Messages) == 1 && s.Messages[0].ID == "durable-1"
	})
	if snap.Messages[0].Status != chat.StatusSent {
		t.Errorf("Expected confirmed status sent, got %v", snap.Messages[0].Status)
	}
	if api.sent != 1 {
		t.Errorf("Expected exactly one REST send, got %d", api.sent)
	}
}

func TestEngine_SendSkipsSocketWhenDisconnected(t *testing.T) {
	tr := newFakeTransport()
	tr.offline = true
	api := &fakeAPI{
		conv:     activeConv("c1"),
		sendResp: &wire.ServerMessage{ID: "durable-1", SenderID: "me", Content: "hi", CreatedAt: 77, Status: "sent"},
	}
	e := startEngine(t, tr, api)
	waitFor(t, e, "session active", func(s Snapshot) bool { return s.Session.Status == chat.SessionActive })

	e.SendText("hi")

	waitFor(t, e, "REST confirmation", func(s Snapshot) bool {
		return len(s.Messages) == 1 && s.Messages[0].ID == "durable-1"
	})
	if n := tr.ackCount(wire.EventSendMessage); n != 0 {
		t.Errorf("Expected no socket attempt while disconnected, got %d", n)
	}
	if api.sent != 1 {
		t.Errorf("Expected exactly one REST send, got %d", api.sent)
	}
}

func TestEngine_LeaveOnShutdown(t *testing.T) {
	tr := newFakeTransport()
	api := &fakeAPI{conv: activeConv("c1")}
	e := New(Config{
		ConversationID:       "c1",
		ViewerID:             "me",
		Transport:            tr,
		API:                  api,
		ReadSyncInterval:     20 * time.Millisecond,
		CancelPendingTimeout: time.Hour,
		RequestTimeout:       time.Second,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Run(ctx)
	}()
	waitFor(t, e, "session active", func(s Snapshot) bool { return s.Session.Status == chat.SessionActive })

	cancel()
	<-done
	e.Close()

	tr.mu.Lock()
	left := append([]string(nil), tr.left...)
	tr.mu.Unlock()
	if len(left) != 1 || left[0] != "c1" {
		t.Errorf("Expected leave_conversation for c1 on shutdown, got %v", left)
	}
}

func TestEngine_SendBothPathsFail(t *testing.T) {
	tr := newFakeTransport()
	tr.ackErr[wire.EventSendMessage] = socket.ErrAckTimeout
	api := &fakeAPI{conv: activeConv("c1"), sendErr: errors.New("boom")}
	e := startEngine(t, tr, api)
	waitFor(t, e, "session active", func(s Snapshot) bool { return s.Session.Status == chat.SessionActive })

	e.SendText("hi")

	waitFor(t, e, "failed status", func(s Snapshot) bool {
		return len(s.Messages) == 1 && s.Messages[0].Status == chat.StatusFailed
	})
}

func TestEngine_FailedSendCrossCheckedBySnapshot(t *testing.T) {
	tr := newFakeTransport()
	tr.ackErr[wire.EventSendMessage] = socket.ErrAckTimeout
	api := &fakeAPI{conv: activeConv("c1"), sendErr: errors.New("boom"), msgErr: errors.New("fetch down")}
	e := startEngine(t, tr, api)
	waitFor(t, e, "session active", func(s Snapshot) bool { return s.Session.Status == chat.SessionActive })

	e.SendText("hi")
	snap := waitFor(t, e, "failed status", func(s Snapshot) bool {
		return len(s.Messages) == 1 && s.Messages[0].Status == chat.StatusFailed
	})

	// The send actually landed before the ack was lost: the server now
	// serves a durable record with the same correlation id. The periodic
	// sync must pick it up and correct the failed entry rather than
	// appending a duplicate.
	api.mu.Lock()
	api.msgErr = nil
	api.messages = []wire.ServerMessage{{
		ID: "durable-1", ClientID: snap.Messages[0].ClientID, SenderID: "me",
		ConversationID: "c1", Content: "hi", CreatedAt: 77, Status: "sent",
	}}
	api.mu.Unlock()

	snap = waitFor(t, e, "failed entry corrected", func(s Snapshot) bool {
		return len(s.Messages) == 1 && s.Messages[0].ID == "durable-1"
	})
	if snap.Messages[0].Status != chat.StatusSent {
		t.Errorf("Expected corrected status sent, got %v", snap.Messages[0].Status)
	}
}

func TestEngine_ResendCreatesFreshAttempt(t *testing.T) {
	tr := newFakeTransport()
	tr.ackErr[wire.EventSendMessage] = socket.ErrAckTimeout
	api := &fakeAPI{conv: activeConv("c1"), sendErr: errors.New("boom")}
	e := startEngine(t, tr, api)
	waitFor(t, e, "session active", func(s Snapshot) bool { return s.Session.Status == chat.SessionActive })

	e.SendText("hi")
	snap := waitFor(t, e, "failed status", func(s Snapshot) bool {
		return len(s.Messages) == 1 && s.Messages[0].Status == chat.StatusFailed
	})

	// Repair the network and resend.
	tr.mu.Lock()
	delete(tr.ackErr, wire.EventSendMessage)
	tr.mu.Unlock()
	e.Resend(snap.Messages[0].ID)

	snap = waitFor(t, e, "resent message", func(s Snapshot) bool {
		return len(s.Messages) == 2
	})
	var fresh *chat.Message
	for i := range snap.Messages {
		if snap.Messages[i].Status != chat.StatusFailed {
			fresh = &snap.Messages[i]
		}
	}
	if fresh == nil || fresh.Content != "hi" {
		t.Fatalf("Expected a fresh attempt alongside the failed entry, got %+v", snap.Messages)
	}
	if fresh.ID == snap.Messages[0].ID && fresh.ClientID == snap.Messages[0].ClientID {
		t.Error("Expected the resend to carry a fresh local id")
	}
}

func TestEngine_SessionPushes(t *testing.T) {
	tr := newFakeTransport()
	api := &fakeAPI{conv: wire.Conversation{ID: "c1", Status: "WAITING"}}
	e := startEngine(t, tr, api)
	waitFor(t, e, "waiting", func(s Snapshot) bool { return s.Session.Status == chat.SessionWaiting })

	tr.fire(t, wire.EventSessionActivated, wire.SessionEvent{Message: "session started"})
	waitFor(t, e, "active", func(s Snapshot) bool { return s.Session.Status == chat.SessionActive })

	tr.fire(t, wire.EventSessionEndingSoon, wire.SessionEvent{RemainingMinutes: 5})
	waitFor(t, e, "ending soon", func(s Snapshot) bool { return s.EndingSoonMinutes == 5 })

	tr.fire(t, wire.EventSessionEnded, wire.SessionEvent{})
	waitFor(t, e, "ended", func(s Snapshot) bool { return s.Session.Status == chat.SessionEnded })
}

func TestEngine_CancelHandshakeRequester(t *testing.T) {
	tr := newFakeTransport()
	api := &fakeAPI{conv: activeConv("c1")}
	e := startEngine(t, tr, api)
	waitFor(t, e, "session active", func(s Snapshot) bool { return s.Session.Status == chat.SessionActive })

	e.RequestCancel()
	waitFor(t, e, "pending cancel", func(s Snapshot) bool { return s.PendingCancel })

	tr.fire(t, wire.EventCancelResult, wire.CancelResult{ConversationID: "c1", Status: "success"})
	snap := waitFor(t, e, "cancelled", func(s Snapshot) bool {
		return s.Session.Status == chat.SessionCancelled
	})
	if snap.PendingCancel {
		t.Error("Expected pending flag cleared after cancel_result success")
	}
}

func TestEngine_CancelAckFailure(t *testing.T) {
	tr := newFakeTransport()
	tr.ackErr[wire.EventCancelSession] = &socket.AckError{Message: "nope"}
	api := &fakeAPI{conv: activeConv("c1")}
	e := startEngine(t, tr, api)
	waitFor(t, e, "session active", func(s Snapshot) bool { return s.Session.Status == chat.SessionActive })

	e.RequestCancel()
	snap := waitFor(t, e, "retry notice", func(s Snapshot) bool { return s.Notice != "" })
	if snap.PendingCancel {
		t.Error("Expected pending to stay false after rejected cancel request")
	}
	if snap.Session.Status != chat.SessionActive {
		t.Errorf("Expected session unchanged, got %v", snap.Session.Status)
	}
}

func TestEngine_CancelDeclineKeepsSession(t *testing.T) {
	tr := newFakeTransport()
	api := &fakeAPI{conv: activeConv("c1")}
	e := startEngine(t, tr, api)
	waitFor(t, e, "session active", func(s Snapshot) bool { return s.Session.Status == chat.SessionActive })

	e.RequestCancel()
	waitFor(t, e, "pending cancel", func(s Snapshot) bool { return s.PendingCancel })

	tr.fire(t, wire.EventCancelResult, wire.CancelResult{ConversationID: "c1", Status: "error", Message: "declined"})
	snap := waitFor(t, e, "decline", func(s Snapshot) bool { return !s.PendingCancel })
	if snap.Session.Status != chat.SessionActive {
		t.Errorf("Expected session unchanged after decline, got %v", snap.Session.Status)
	}
}

func TestEngine_CancelPromptSuppressionAndResponse(t *testing.T) {
	tr := newFakeTransport()
	api := &fakeAPI{conv: activeConv("c1")}
	e := startEngine(t, tr, api)
	waitFor(t, e, "session active", func(s Snapshot) bool { return s.Session.Status == chat.SessionActive })

	tr.fire(t, wire.EventRequestCancel, wire.CancelPrompt{ConversationID: "c1", RequesterName: "Partner"})
	snap := waitFor(t, e, "prompt open", func(s Snapshot) bool { return s.CancelPrompt != nil })
	if snap.CancelPrompt.RequesterName != "Partner" {
		t.Errorf("Expected requester name, got %q", snap.CancelPrompt.RequesterName)
	}

	// Redundant pushes must not stack or replace the open prompt.
	tr.fire(t, wire.EventRequestCancel, wire.CancelPrompt{ConversationID: "c1", RequesterName: "Ghost"})
	time.Sleep(30 * time.Millisecond)
	if got := e.State().CancelPrompt.RequesterName; got != "Partner" {
		t.Errorf("Expected duplicate prompt suppressed, got requester %q", got)
	}

	// Prompts for other conversations are ignored.
	tr.fire(t, wire.EventRequestCancel, wire.CancelPrompt{ConversationID: "c999", RequesterName: "Stranger"})

	e.RespondCancel(true)
	waitFor(t, e, "prompt closed", func(s Snapshot) bool { return s.CancelPrompt == nil })
	if tr.ackCount(wire.EventRespondCancel) != 1 {
		t.Errorf("Expected one respond_cancel_request, got %d", tr.ackCount(wire.EventRespondCancel))
	}

	tr.fire(t, wire.EventCancelResult, wire.CancelResult{ConversationID: "c1", Status: "success"})
	waitFor(t, e, "cancelled", func(s Snapshot) bool { return s.Session.Status == chat.SessionCancelled })
}

func TestEngine_PendingCancelTimeout(t *testing.T) {
	tr := newFakeTransport()
	api := &fakeAPI{conv: activeConv("c1")}
	e := New(Config{
		ConversationID:       "c1",
		ViewerID:             "me",
		Transport:            tr,
		API:                  api,
		ReadSyncInterval:     10 * time.Millisecond,
		CancelPendingTimeout: 30 * time.Millisecond,
		RequestTimeout:       time.Second,
	})
	ctx, cancel := context.WithCancel(context.Background())
	go e.Run(ctx)
	t.Cleanup(func() { cancel(); e.Close() })
	waitFor(t, e, "session active", func(s Snapshot) bool { return s.Session.Status == chat.SessionActive })

	e.RequestCancel()
	waitFor(t, e, "pending cancel", func(s Snapshot) bool { return s.PendingCancel })
	snap := waitFor(t, e, "pending timeout", func(s Snapshot) bool { return !s.PendingCancel })
	if snap.Session.Status != chat.SessionActive {
		t.Errorf("Expected session unchanged after timeout, got %v", snap.Session.Status)
	}
}

func TestEngine_ReadSyncMergesStatusDrift(t *testing.T) {
	tr := newFakeTransport()
	api := &fakeAPI{
		conv: activeConv("c1"),
		messages: []wire.ServerMessage{
			{ID: "m1", SenderID: "me", Content: "hi", CreatedAt: 10, Status: "sent"},
		},
	}
	e := startEngine(t, tr, api)
	waitFor(t, e, "initial fetch", func(s Snapshot) bool {
		return len(s.Messages) == 1 && s.Messages[0].Status == chat.StatusSent
	})

	// The partner read the message but the push was missed; the ticker
	// fetch corrects the drift.
	api.mu.Lock()
	api.messages = []wire.ServerMessage{
		{ID: "m1", SenderID: "me", Content: "hi", CreatedAt: 10, Status: "read"},
	}
	api.mu.Unlock()

	waitFor(t, e, "read drift corrected", func(s Snapshot) bool {
		return len(s.Messages) == 1 && s.Messages[0].Status == chat.StatusRead
	})
}

func TestEngine_MalformedPushesAreNoops(t *testing.T) {
	tr := newFakeTransport()
	api := &fakeAPI{conv: activeConv("c1")}
	e := startEngine(t, tr, api)
	waitFor(t, e, "session active", func(s Snapshot) bool { return s.Session.Status == chat.SessionActive })

	tr.mu.Lock()
	handlers := make(map[string][]socket.Handler, len(tr.handlers))
	for k, v := range tr.handlers {
		handlers[k] = append([]socket.Handler(nil), v...)
	}
	tr.mu.Unlock()
	for _, hs := range handlers {
		for _, h := range hs {
			h([]byte(`{not json`))
			h([]byte(`[]`))
		}
	}
	// An empty message record must not insert a timeline entry either.
	tr.fire(t, wire.EventReceiveMessage, wire.ServerMessage{})

	time.Sleep(30 * time.Millisecond)
	snap := e.State()
	if snap.Session.Status != chat.SessionActive {
		t.Errorf("Expected session unchanged after malformed pushes, got %v", snap.Session.Status)
	}
	if len(snap.Messages) != 0 {
		t.Errorf("Expected no messages from malformed pushes, got %d", len(snap.Messages))
	}
}
