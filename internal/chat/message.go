// Package chat defines the canonical conversation model: messages,
// attachments, session lifecycle, and the normalization from raw server
// payloads into that model.
package chat

import "strings"

// Role says which side of the conversation a message belongs to, from the
// viewer's perspective.
type Role string

const (
	RoleIncoming Role = "incoming"
	RoleOutgoing Role = "outgoing"
)

// Status is the canonical delivery state of a message. It is monotonic for a
// given message except Failed, which is a terminal dead-end until the user
// resends.
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// statusRank orders the monotonic statuses. Failed sits outside the ladder.
var statusRank = map[Status]int{
	StatusSending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// AtLeast reports whether s has progressed to at least other on the delivery
// ladder. Failed is never "at least" anything but itself.
func (s Status) AtLeast(other Status) bool {
	if s == StatusFailed || other == StatusFailed {
		return s == other
	}
	return statusRank[s] >= statusRank[other]
}

// AttachmentKind distinguishes the two supported attachment types.
type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentVideo AttachmentKind = "video"
)

// Attachment is a media item carried by a message.
type Attachment struct {
	ID       string
	URI      string
	Kind     AttachmentKind
	MimeType string
	Name     string
}

// Message is the canonical unit of conversation history. ID is a locally
// generated placeholder until the server assigns a durable id, at which point
// the whole record is replaced rather than renamed. CreatedAt is epoch
// milliseconds and is the sole sort key of the timeline.
type Message struct {
	ID             string
	ClientID       string // correlation id echoed by the server on confirmed sends
	ConversationID string
	Role           Role
	Content        string
	Attachments    []Attachment
	Status         Status
	CreatedAt      int64
	Recalled       bool
}

// Recall hides the message's content and attachments permanently while
// keeping the record for ordering.
func (m *Message) Recall() {
	m.Recalled = true
	m.Content = ""
	m.Attachments = nil
}

// deletion markers recognized in the open server status vocabulary.
const statusDeleted = "deleted"

// ParseStatus maps the open server status vocabulary onto the canonical
// statuses. Unknown and legacy values default to Sent so server schema drift
// never breaks the timeline. The deletion marker also maps to Sent; recall is
// detected separately by IsDeletionMarker.
func ParseStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "sending", "pending", "queued":
		return StatusSending
	case "delivered", "received":
		return StatusDelivered
	case "read", "seen":
		return StatusRead
	case "failed", "error", "undeliverable":
		return StatusFailed
	default:
		return StatusSent
	}
}

// IsDeletionMarker reports whether a raw status string marks the message as
// recalled.
func IsDeletionMarker(raw string) bool {
	return strings.ToLower(strings.TrimSpace(raw)) == statusDeleted
}
