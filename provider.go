package chatsync

import "context"

// EventHandler receives a single decoded event from a live subscription.
// Handlers are invoked from provider-owned goroutines; the session is
// responsible for its own synchronization.
type EventHandler func(Event)

// Subscription is a handle to one live topic subscription.
type Subscription interface {
	// Unsubscribe stops delivery and releases the handle. Safe to call more
	// than once.
	Unsubscribe() error

	// Done is closed when the subscription stops delivering events, whether
	// by Unsubscribe or by a transport drop.
	Done() <-chan struct{}

	// Err reports why delivery stopped. It is nil after a clean Unsubscribe
	// and non-nil after a drop. Only meaningful once Done is closed.
	Err() error
}

// EventSource is the read side of the remote conversation state: a snapshot
// fetch plus per-topic live subscriptions. Events arrive at-least-once with
// no cross-entity ordering guarantee.
type EventSource interface {
	FetchSnapshot(ctx context.Context, conversationID string) (*Snapshot, error)
	Subscribe(ctx context.Context, conversationID string, topic Topic, h EventHandler) (Subscription, error)
}

// MutationSink is the write side. Every successful mutation eventually echoes
// back through the EventSource; callers must not assume local visibility
// before the echo.
type MutationSink interface {
	// InsertMessage persists a draft and returns the confirmed message with
	// its server-assigned ID and CreatedAt. The draft's ClientID is carried
	// through so the sender can reconcile its optimistic copy.
	InsertMessage(ctx context.Context, draft Message) (Message, error)

	UpsertStatus(ctx context.Context, rec StatusRecord) error
	UpsertPresence(ctx context.Context, conversationID string, rec PresenceRecord) error
	UpsertTyping(ctx context.Context, conversationID string, rec TypingRecord) error
}

// Provider bundles both halves of the remote contract. The bundled providers
// (redis, postgres, ws) all implement it.
type Provider interface {
	EventSource
	MutationSink
}
