// Package wire defines the socket protocol shared by the transport client
// and the sandbox backend: the frame envelope, event names, and the payload
// records exchanged with the chat server.
package wire

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Event names, client to server.
const (
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
	EventMarkRead          = "mark_read"
	EventSendMessage       = "send_message"
	EventCancelSession     = "cancel_session_manually"
	EventRespondCancel     = "respond_cancel_request"
)

// Event names, server to client.
const (
	EventAck                 = "ack"
	EventReceiveMessage      = "receive_message"
	EventSessionActivated    = "session_activated"
	EventSessionEnded        = "session_ended"
	EventSessionCanceled     = "session_canceled"
	EventSessionCancelledAlt = "session_cancelled"
	EventSessionEndingSoon   = "session_ending_soon"
	EventRequestCancel       = "request_cancel_confirmation"
	EventCancelResult        = "cancel_result"
	EventUserJoined          = "user_joined"
	EventUserLeft            = "user_left"
)

// Acknowledgment statuses carried in AckData.Status and CancelResult.Status.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Envelope is the JSON frame exchanged over the socket. Frames that request
// an acknowledgment carry a non-zero Seq; the server answers with an
// EventAck frame whose Ack field echoes that Seq.
type Envelope struct {
	Event string          `json:"event"`
	Seq   uint64          `json:"seq,omitempty"`
	Ack   uint64          `json:"ack,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// AckData is the acknowledgment payload for acked events.
type AckData struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// OK reports whether the acknowledgment indicates success.
func (a AckData) OK() bool { return a.Status == StatusSuccess }

// FlexID is an identifier that decodes from either a JSON string or a JSON
// number. Different server payload sources disagree on the wire type of ids,
// so all comparisons happen on the string form.
type FlexID string

// UnmarshalJSON accepts "42", 42, and null; anything else is kept as the raw
// text so a malformed id degrades to a comparable string instead of an error.
func (f *FlexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexID(s)
		return nil
	}
	// Numeric ids keep their literal form: 42 and "42" compare equal.
	if n, err := strconv.ParseFloat(string(b), 64); err == nil {
		if n == float64(int64(n)) {
			*f = FlexID(strconv.FormatInt(int64(n), 10))
			return nil
		}
	}
	*f = FlexID(string(b))
	return nil
}

func (f FlexID) String() string { return string(f) }

// ServerMessage is the raw message record as the server emits it, over both
// the socket (receive_message) and REST fetches. Fields are decoded
// tolerantly; mapping to the canonical model happens in the chat package.
type ServerMessage struct {
	ID             FlexID `json:"id"`
	ClientID       string `json:"clientId,omitempty"`
	ConversationID FlexID `json:"conversationId,omitempty"`
	SenderID       FlexID `json:"senderId,omitempty"`
	Content        string `json:"content,omitempty"`
	Image          string `json:"image,omitempty"`
	Video          string `json:"video,omitempty"`
	Status         string `json:"status,omitempty"`
	Recalled       bool   `json:"isRecalled,omitempty"`
	CreatedAt      int64  `json:"createdAt,omitempty"` // epoch milliseconds
}

// UnmarshalJSON tolerates the snake_case conversation id field name used by
// older server builds.
func (m *ServerMessage) UnmarshalJSON(b []byte) error {
	type plain ServerMessage
	aux := struct {
		*plain
		AltConversationID FlexID `json:"conversation_id,omitempty"`
		AltSenderID       FlexID `json:"sender_id,omitempty"`
	}{plain: (*plain)(m)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	if m.ConversationID == "" {
		m.ConversationID = aux.AltConversationID
	}
	if m.SenderID == "" {
		m.SenderID = aux.AltSenderID
	}
	return nil
}

// JoinPayload is the payload for join_conversation, leave_conversation and
// mark_read.
type JoinPayload struct {
	ConversationID string `json:"conversationId"`
}

// SendMessagePayload is the payload for send_message. ClientID is the
// client-generated correlation id echoed back on the receive_message record
// so the optimistic local entry can be promoted to its durable identity.
type SendMessagePayload struct {
	ConversationID string `json:"conversationId"`
	ClientID       string `json:"clientId,omitempty"`
	TextContent    string `json:"textContent,omitempty"`
	ImagePath      string `json:"imagePath,omitempty"`
	VideoPath      string `json:"videoPath,omitempty"`
}

// RespondCancelPayload is the payload for respond_cancel_request.
type RespondCancelPayload struct {
	ConversationID string `json:"conversationId"`
	Confirmed      bool   `json:"confirmed"`
}

// SessionEvent is the payload of session lifecycle pushes.
type SessionEvent struct {
	Message          string `json:"message,omitempty"`
	Reason           string `json:"reason,omitempty"`
	RemainingMinutes int    `json:"remainingMinutes,omitempty"`
}

// CancelPrompt is the payload of request_cancel_confirmation.
type CancelPrompt struct {
	ConversationID FlexID `json:"conversationId"`
	RequesterName  string `json:"requesterName,omitempty"`
}

// UnmarshalJSON tolerates the snake_case conversation id field name.
func (p *CancelPrompt) UnmarshalJSON(b []byte) error {
	type plain CancelPrompt
	aux := struct {
		*plain
		AltConversationID FlexID `json:"conversation_id,omitempty"`
	}{plain: (*plain)(p)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	if p.ConversationID == "" {
		p.ConversationID = aux.AltConversationID
	}
	return nil
}

// CancelResult is the payload of cancel_result, delivered to both parties
// after the counterpart responded.
type CancelResult struct {
	ConversationID FlexID `json:"conversationId"`
	Status         string `json:"status"`
	Message        string `json:"message,omitempty"`
}

// UnmarshalJSON tolerates the snake_case conversation id field name.
func (r *CancelResult) UnmarshalJSON(b []byte) error {
	type plain CancelResult
	aux := struct {
		*plain
		AltConversationID FlexID `json:"conversation_id,omitempty"`
	}{plain: (*plain)(r)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	if r.ConversationID == "" {
		r.ConversationID = aux.AltConversationID
	}
	return nil
}

// Presence is the payload of user_joined / user_left.
type Presence struct {
	UserID FlexID `json:"userId"`
}

// Participant is one side of a conversation as returned by the conversation
// metadata fetch.
type Participant struct {
	ID        FlexID `json:"id"`
	Name      string `json:"name,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
	Role      string `json:"role,omitempty"`
	ContactID string `json:"contactId,omitempty"`
}

// Conversation is the raw conversation metadata record.
type Conversation struct {
	ID               FlexID        `json:"id"`
	Status           string        `json:"status"`
	Participants     []Participant `json:"participants,omitempty"`
	PartnerContactID string        `json:"partnerContactId,omitempty"`
}

// MessagePage is the response shape of the paginated message fetch.
type MessagePage struct {
	Messages []ServerMessage `json:"messages"`
	HasMore  bool            `json:"hasMore,omitempty"`
}
