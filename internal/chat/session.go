package chat

import "strings"

// SessionStatus is the conversation-session lifecycle state. Unrecognized or
// missing server values normalize to StatusUnknown, which locks every write
// operation.
type SessionStatus string

const (
	SessionWaiting   SessionStatus = "WAITING"
	SessionActive    SessionStatus = "ACTIVE"
	SessionEnded     SessionStatus = "ENDED"
	SessionCancelled SessionStatus = "CANCELLED"
	SessionUnknown   SessionStatus = "UNKNOWN"
)

// ParseSessionStatus normalizes the server's session status vocabulary. It is
// case-insensitive and accepts both CANCELED and CANCELLED spellings.
func ParseSessionStatus(raw string) SessionStatus {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "WAITING":
		return SessionWaiting
	case "ACTIVE":
		return SessionActive
	case "ENDED":
		return SessionEnded
	case "CANCELLED", "CANCELED":
		return SessionCancelled
	default:
		return SessionUnknown
	}
}

// Terminal reports whether the session can no longer accept activity.
func (s SessionStatus) Terminal() bool {
	return s == SessionEnded || s == SessionCancelled
}

// Participant is one of the two identities in a conversation.
type Participant struct {
	ID        string
	Name      string
	AvatarURL string
	Role      string
}

// Session is the chat's lifecycle envelope. Status transitions are driven
// exclusively by server pushes or metadata fetches; the client never
// transitions it locally. PartnerContactID is an opaque identifier used only
// for initiating a call and is independent of the session id.
type Session struct {
	ID               string
	Status           SessionStatus
	Participants     []Participant
	PartnerContactID string
}

// Partner returns the participant whose id differs from viewerID, if any.
func (s Session) Partner(viewerID string) (Participant, bool) {
	for _, p := range s.Participants {
		if p.ID != viewerID {
			return p, true
		}
	}
	return Participant{}, false
}

// CanSend reports whether message composition is allowed: the session must be
// ACTIVE and there must be either non-blank input or an attachment.
func (s Session) CanSend(input string, hasAttachment bool) bool {
	if s.Status != SessionActive {
		return false
	}
	return strings.TrimSpace(input) != "" || hasAttachment
}

// CanCall reports whether video-call initiation is allowed: the session must
// be ACTIVE with a resolved partner contact identifier.
func (s Session) CanCall() bool {
	return s.Status == SessionActive && s.PartnerContactID != ""
}

// BlockReason returns the state-specific explanation for why sends are
// blocked, or "" when the session is ACTIVE.
func (s Session) BlockReason() string {
	switch s.Status {
	case SessionActive:
		return ""
	case SessionWaiting:
		return "Waiting for the session to start."
	case SessionEnded:
		return "This session has ended."
	case SessionCancelled:
		return "This session was cancelled."
	default:
		return "Session state unknown; messaging is unavailable."
	}
}
