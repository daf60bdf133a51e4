package chatsync

import (
	"errors"
	"fmt"
	"time"
)

// ============================================================================
// Delivery status
// ============================================================================

// DeliveryStatus is the per-recipient acknowledgment state of a message.
type DeliveryStatus string

const (
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
)

// Rank orders statuses: sent < delivered < read. Unknown values rank as sent
// so a malformed event can never regress a record.
func (s DeliveryStatus) Rank() int {
	switch s {
	case StatusDelivered:
		return 1
	case StatusRead:
		return 2
	default:
		return 0
	}
}

// ============================================================================
// Entities
// ============================================================================

// Message is a single conversation message. ID and CreatedAt are assigned by
// the event source and are immutable once set; (CreatedAt, ID) is the total
// order of the conversation.
type Message struct {
	ID             string    `json:"id"`
	ClientID       string    `json:"clientId,omitempty"`
	ConversationID string    `json:"conversationId,omitempty"`
	SenderID       string    `json:"senderId"`
	Username       string    `json:"username,omitempty"`
	Text           string    `json:"text,omitempty"`
	AttachmentURL  string    `json:"attachmentUrl,omitempty"`
	ReplyToID      string    `json:"replyToId,omitempty"`
	ReplyPreview   string    `json:"replyPreview,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt,omitempty"`

	// Pending marks a local optimistic copy that has not been confirmed by
	// the event source yet.
	Pending bool `json:"pending,omitempty"`
}

// Before reports whether m sorts ahead of other in conversation order.
func (m Message) Before(other Message) bool {
	if m.CreatedAt.Equal(other.CreatedAt) {
		return m.ID < other.ID
	}
	return m.CreatedAt.Before(other.CreatedAt)
}

// StatusRecord is one recipient's acknowledgment of one message.
type StatusRecord struct {
	MessageID      string         `json:"messageId"`
	RecipientID    string         `json:"recipientId"`
	ConversationID string         `json:"conversationId,omitempty"`
	Status         DeliveryStatus `json:"status"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// PresenceRecord is the last known presence of a user. Online alone does not
// make a user visible as online; the record must also be fresh (see
// PresenceStaleness).
type PresenceRecord struct {
	UserID    string    `json:"userId"`
	Online    bool      `json:"online"`
	LastSeen  time.Time `json:"lastSeen"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TypingRecord is the last known typing state of a user.
type TypingRecord struct {
	UserID    string    `json:"userId"`
	Typing    bool      `json:"typing"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Identity is the authenticated local user a session acts as.
type Identity struct {
	UserID         string
	Username       string
	ConversationID string
}

// Snapshot is the point-in-time view fetched from the event source before
// live events are applied, and again after every resubscribe.
type Snapshot struct {
	Messages []Message        `json:"messages"`
	Presence []PresenceRecord `json:"presence"`
	Statuses []StatusRecord   `json:"statuses,omitempty"`
}

// ============================================================================
// Events
// ============================================================================

// Topic identifies one of the event channels a session subscribes to.
type Topic string

const (
	TopicMessages Topic = "messages"
	TopicStatuses Topic = "statuses"
	TopicPresence Topic = "presence"
	TopicTyping   Topic = "typing"
)

// Topics lists every channel a session subscribes to.
func Topics() []Topic {
	return []Topic{TopicMessages, TopicStatuses, TopicPresence, TopicTyping}
}

// EventType distinguishes inserts from updates of an existing entity.
type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
)

// Event is a single change delivered by the event source. Exactly one of the
// entity pointers is set, matching Topic. Delivery is at-least-once with no
// ordering guarantee across entities; Timestamp is the server clock and
// tie-breaks message edits (last writer wins).
type Event struct {
	Type      EventType `json:"type"`
	Topic     Topic     `json:"topic"`
	Timestamp time.Time `json:"timestamp"`

	Message  *Message        `json:"message,omitempty"`
	Status   *StatusRecord   `json:"status,omitempty"`
	Presence *PresenceRecord `json:"presence,omitempty"`
	Typing   *TypingRecord   `json:"typing,omitempty"`
}

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrSessionTerminated is returned by commands issued after Close. It is
	// also the silent fate of any in-flight result completing after teardown.
	ErrSessionTerminated = errors.New("chatsync: session terminated")

	// ErrNotConnected is returned by providers asked to operate before a
	// connection exists.
	ErrNotConnected = errors.New("chatsync: not connected")
)

// TransientError wraps a network-class failure that is safe to retry.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("chatsync: transient %s failure: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func (e *TransientError) Temporary() bool { return true }
