// Package engine implements the realtime chat synchronization engine: the
// canonical message timeline, the session state machine, the cancellation
// handshake, and the read-receipt synchronizer, all serialized through a
// single event loop.
package engine

import (
	"sort"

	"github.com/parleylabs/parley-go/internal/chat"
)

// Timeline is the ordered, deduplicated message list. All mutations keep two
// invariants: entries are unique by id, and the sequence is non-decreasing by
// CreatedAt. Mutators report whether anything actually changed so callers can
// skip redundant update notifications.
type Timeline struct {
	msgs []chat.Message
}

// Messages returns a copy of the timeline in order.
func (t *Timeline) Messages() []chat.Message {
	out := make([]chat.Message, len(t.msgs))
	copy(out, t.msgs)
	return out
}

// Len returns the number of entries.
func (t *Timeline) Len() int { return len(t.msgs) }

// Get returns the message with the given id.
func (t *Timeline) Get(id string) (chat.Message, bool) {
	if i := t.index(id); i >= 0 {
		return t.msgs[i], true
	}
	return chat.Message{}, false
}

func (t *Timeline) index(id string) int {
	for i := range t.msgs {
		if t.msgs[i].ID == id {
			return i
		}
	}
	return -1
}

// resort restores CreatedAt ordering. Stable so equal timestamps keep their
// relative order.
func (t *Timeline) resort() {
	sort.SliceStable(t.msgs, func(i, j int) bool {
		return t.msgs[i].CreatedAt < t.msgs[j].CreatedAt
	})
}

// ApplyRemote merges one realtime message into the timeline. If the id is
// already known the existing entry is replaced, since the server is
// authoritative once a durable id exists. An unknown outgoing message is
// first matched against a local optimistic entry (by correlation id, then by
// most-recent sending entry with equal content) and promotes it in place;
// only when no optimistic match exists is the message appended.
func (t *Timeline) ApplyRemote(m chat.Message) bool {
	if i := t.index(m.ID); i >= 0 {
		if messageEqual(t.msgs[i], m) {
			return false
		}
		t.msgs[i] = m
		t.resort()
		return true
	}

	if m.Role == chat.RoleOutgoing {
		if i := t.optimisticMatch(m); i >= 0 {
			t.msgs[i] = m
			t.resort()
			return true
		}
	}

	t.msgs = append(t.msgs, m)
	t.resort()
	return true
}

// optimisticMatch finds the local sending entry this confirmed message
// promotes. The echoed client correlation id is authoritative; content
// equality on the most recent sending entry is the fallback for servers that
// do not echo it.
func (t *Timeline) optimisticMatch(m chat.Message) int {
	if m.ClientID != "" {
		for i := range t.msgs {
			if t.msgs[i].ClientID == m.ClientID && t.msgs[i].Role == chat.RoleOutgoing {
				return i
			}
		}
	}
	for i := len(t.msgs) - 1; i >= 0; i-- {
		e := t.msgs[i]
		if e.Role == chat.RoleOutgoing && e.Status == chat.StatusSending && e.Content == m.Content {
			return i
		}
	}
	return -1
}

// ApplyOptimistic inserts a locally created message before server
// confirmation.
func (t *Timeline) ApplyOptimistic(m chat.Message) {
	t.msgs = append(t.msgs, m)
	t.resort()
}

// ConfirmOptimistic replaces the placeholder identified by localID with the
// confirmed server record. Returns false if the placeholder is gone (already
// promoted by a realtime echo), in which case the confirmed record is merged
// through ApplyRemote instead of being dropped.
func (t *Timeline) ConfirmOptimistic(localID string, confirmed chat.Message) bool {
	i := t.index(localID)
	if i < 0 {
		t.ApplyRemote(confirmed)
		return false
	}
	t.msgs[i] = confirmed
	t.resort()
	return true
}

// MarkFailed sets the terminal failed status on a local entry. A resend is a
// new operation with a fresh local id.
func (t *Timeline) MarkFailed(localID string) bool {
	i := t.index(localID)
	if i < 0 || t.msgs[i].Status == chat.StatusFailed {
		return false
	}
	t.msgs[i].Status = chat.StatusFailed
	return true
}

// ApplySnapshot merges a full server fetch against the local timeline. Local
// entries with a server counterpart take the server's status, recall flag,
// content, attachments, and timestamp; server messages not yet known locally
// are appended. Returns false when nothing changed, so a clean snapshot does
// not trigger a redundant re-render.
func (t *Timeline) ApplySnapshot(server []chat.Message) bool {
	byID := make(map[string]chat.Message, len(server))
	order := make([]string, 0, len(server))
	for _, m := range server {
		if _, dup := byID[m.ID]; !dup {
			order = append(order, m.ID)
		}
		byID[m.ID] = m
	}

	changed := false
	consumed := make(map[string]bool, len(server))
	for i := range t.msgs {
		sv, ok := byID[t.msgs[i].ID]
		if !ok {
			// Unknown to the server: either a still-pending optimistic
			// entry or a correlation-id hit on a not-yet-fetched record.
			if j := t.snapshotPromotion(t.msgs[i], byID, consumed); j != "" {
				consumed[j] = true
				if !messageEqual(t.msgs[i], byID[j]) {
					t.msgs[i] = byID[j]
					changed = true
				}
			}
			continue
		}
		consumed[sv.ID] = true
		if !messageEqual(t.msgs[i], sv) {
			t.msgs[i] = sv
			changed = true
		}
	}

	for _, id := range order {
		if !consumed[id] {
			t.msgs = append(t.msgs, byID[id])
			changed = true
		}
	}
	if changed {
		t.resort()
	}
	return changed
}

// snapshotPromotion matches a local sending or failed entry against an
// unconsumed server record by correlation id. A send whose ack was lost
// still resolves on the next full fetch, and a send marked failed on an
// unknown outcome is corrected when the server turns out to have stored it.
func (t *Timeline) snapshotPromotion(local chat.Message, byID map[string]chat.Message, consumed map[string]bool) string {
	if local.ClientID == "" {
		return ""
	}
	if local.Status != chat.StatusSending && local.Status != chat.StatusFailed {
		return ""
	}
	for id, sv := range byID {
		if !consumed[id] && sv.ClientID == local.ClientID {
			return id
		}
	}
	return ""
}

func messageEqual(a, b chat.Message) bool {
	if a.ID != b.ID || a.ClientID != b.ClientID || a.ConversationID != b.ConversationID ||
		a.Role != b.Role || a.Content != b.Content || a.Status != b.Status ||
		a.CreatedAt != b.CreatedAt || a.Recalled != b.Recalled {
		return false
	}
	if len(a.Attachments) != len(b.Attachments) {
		return false
	}
	for i := range a.Attachments {
		if a.Attachments[i] != b.Attachments[i] {
			return false
		}
	}
	return true
}
