package chatsync

import (
	"sort"
	"sync"
)

// ReplyUnavailable is the preview shown for a reply whose referenced message
// is not (or no longer) known locally.
const ReplyUnavailable = "message unavailable"

// MessageStore is the ordered, deduplicated collection of messages for one
// conversation. It merges remote inserts and updates with optimistic local
// copies; entries live until the session ends.
type MessageStore struct {
	mu      sync.RWMutex
	byID    map[string]*Message
	waiters map[string]map[string]struct{} // replyToID -> ids of messages waiting on it
}

// NewMessageStore creates an empty message store.
func NewMessageStore() *MessageStore {
	return &MessageStore{
		byID:    make(map[string]*Message),
		waiters: make(map[string]map[string]struct{}),
	}
}

// Upsert inserts the message if its ID is unknown, or merges fields into the
// existing entry. ID and CreatedAt are never overwritten; content fields
// follow last-writer-wins on UpdatedAt, so a duplicate or stale event is a
// no-op. Reply previews are resolved against whatever is currently known.
func (s *MessageStore) Upsert(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertLocked(m)
}

func (s *MessageStore) upsertLocked(m Message) {
	existing, ok := s.byID[m.ID]
	if !ok {
		cp := m
		s.byID[m.ID] = &cp
		s.resolvePreviewLocked(&cp)
		s.wakeWaitersLocked(cp.ID)
		return
	}

	// Merge. Identity and creation time are immutable; content is
	// last-writer-wins by server timestamp. An empty Text or AttachmentURL
	// means the field is absent from the event, not cleared: edits cannot
	// blank a message. Revisit if a clear/delete operation is ever added.
	if m.UpdatedAt.After(existing.UpdatedAt) || existing.UpdatedAt.IsZero() {
		if m.Text != "" {
			existing.Text = m.Text
		}
		if m.AttachmentURL != "" {
			existing.AttachmentURL = m.AttachmentURL
		}
		if !m.UpdatedAt.IsZero() {
			existing.UpdatedAt = m.UpdatedAt
		}
	}
	if existing.SenderID == "" {
		existing.SenderID = m.SenderID
	}
	if existing.Username == "" {
		existing.Username = m.Username
	}
	if existing.ReplyToID == "" && m.ReplyToID != "" {
		existing.ReplyToID = m.ReplyToID
	}
	if existing.ClientID == "" {
		existing.ClientID = m.ClientID
	}
	// A confirmed copy clears the pending flag; nothing sets it back.
	if !m.Pending {
		existing.Pending = false
	}
	s.resolvePreviewLocked(existing)
	s.wakeWaitersLocked(existing.ID)
}

// ReplaceOptimistic atomically swaps a pending locally-created message for
// its server-confirmed counterpart. If the optimistic copy is already gone
// (the live echo won the race) the confirmed message is merged in place.
func (s *MessageStore) ReplaceOptimistic(tempID string, final Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, tempID)
	final.Pending = false
	s.upsertLocked(final)
}

// Get returns a copy of the message with the given ID.
func (s *MessageStore) Get(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byID[id]
	if !ok {
		return Message{}, false
	}
	return *m, true
}

// Len returns the number of stored messages.
func (s *MessageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// ListOrdered returns all messages sorted by (CreatedAt, ID) ascending. The
// sort key is stable, so repeated calls agree regardless of arrival order.
func (s *MessageStore) ListOrdered() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, 0, len(s.byID))
	for _, m := range s.byID {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// resolvePreviewLocked fills m.ReplyPreview from the referenced message, or
// with the unavailable placeholder while the reference is unknown. Unknown
// references are remembered and re-resolved when the target arrives.
func (s *MessageStore) resolvePreviewLocked(m *Message) {
	if m.ReplyToID == "" {
		return
	}
	ref, ok := s.byID[m.ReplyToID]
	if !ok {
		m.ReplyPreview = ReplyUnavailable
		w := s.waiters[m.ReplyToID]
		if w == nil {
			w = make(map[string]struct{})
			s.waiters[m.ReplyToID] = w
		}
		w[m.ID] = struct{}{}
		return
	}
	m.ReplyPreview = previewOf(ref)
}

// wakeWaitersLocked re-resolves previews of messages that were waiting for
// the given ID to arrive.
func (s *MessageStore) wakeWaitersLocked(id string) {
	w, ok := s.waiters[id]
	if !ok {
		return
	}
	delete(s.waiters, id)
	ref := s.byID[id]
	for waiterID := range w {
		if m, ok := s.byID[waiterID]; ok {
			m.ReplyPreview = previewOf(ref)
		}
	}
}

func previewOf(m *Message) string {
	if m.Text != "" {
		return m.Text
	}
	if m.AttachmentURL != "" {
		return "[attachment]"
	}
	return ReplyUnavailable
}
