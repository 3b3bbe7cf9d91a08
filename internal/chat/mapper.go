package chat

import (
	"time"

	"github.com/parleylabs/parley-go/internal/wire"
)

// guessMime maps an attachment kind to a generic mime type when the server
// does not provide one.
func guessMime(kind AttachmentKind) string {
	if kind == AttachmentVideo {
		return "video/mp4"
	}
	return "image/jpeg"
}

// Normalize converts a raw server message record into the canonical model.
// It is pure and never fails: missing or malformed fields degrade to safe
// defaults (empty content, current timestamp). Role is outgoing iff the
// sender id string-equals the viewer id, which tolerates numeric/string id
// mismatches across payload sources.
func Normalize(raw wire.ServerMessage, viewerID, fallbackConversationID string) Message {
	msg := Message{
		ID:             raw.ID.String(),
		ClientID:       raw.ClientID,
		ConversationID: raw.ConversationID.String(),
		Role:           RoleIncoming,
		Status:         ParseStatus(raw.Status),
		CreatedAt:      raw.CreatedAt,
	}
	if msg.ConversationID == "" {
		msg.ConversationID = fallbackConversationID
	}
	if raw.SenderID.String() == viewerID {
		msg.Role = RoleOutgoing
	}
	if msg.CreatedAt <= 0 {
		msg.CreatedAt = time.Now().UnixMilli()
	}

	if raw.Recalled || IsDeletionMarker(raw.Status) {
		msg.Recalled = true
		return msg
	}

	msg.Content = raw.Content
	// Image and video fields are independent and may both be present.
	if raw.Image != "" {
		msg.Attachments = append(msg.Attachments, Attachment{
			ID:       msg.ID + ":image",
			URI:      raw.Image,
			Kind:     AttachmentImage,
			MimeType: guessMime(AttachmentImage),
		})
	}
	if raw.Video != "" {
		msg.Attachments = append(msg.Attachments, Attachment{
			ID:       msg.ID + ":video",
			URI:      raw.Video,
			Kind:     AttachmentVideo,
			MimeType: guessMime(AttachmentVideo),
		})
	}
	return msg
}

// NormalizeSession converts raw conversation metadata into the canonical
// session, resolving the partner contact id from the participant list when
// the top-level field is absent.
func NormalizeSession(raw wire.Conversation, viewerID string) Session {
	s := Session{
		ID:               raw.ID.String(),
		Status:           ParseSessionStatus(raw.Status),
		PartnerContactID: raw.PartnerContactID,
	}
	for _, p := range raw.Participants {
		s.Participants = append(s.Participants, Participant{
			ID:        p.ID.String(),
			Name:      p.Name,
			AvatarURL: p.AvatarURL,
			Role:      p.Role,
		})
		if s.PartnerContactID == "" && p.ID.String() != viewerID && p.ContactID != "" {
			s.PartnerContactID = p.ContactID
		}
	}
	return s
}
