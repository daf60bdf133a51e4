// Package chatsync keeps a client's view of a group conversation consistent
// with a continuously changing remote event stream.
//
// A Session owns four stores — messages, delivery/read statuses, presence,
// and typing indicators — and a reconciliation loop that seeds them from a
// snapshot, applies live events, and heals gaps after reconnects. The remote
// side is abstract: any EventSource/MutationSink pair will do, and the redis,
// postgres, and ws subpackages provide ready-made providers.
//
// Example:
//
//	provider, _ := redis.Connect(ctx, "localhost:6379")
//	sess := chatsync.NewSession(chatsync.Identity{
//		UserID:         "u1",
//		Username:       "ana",
//		ConversationID: "lobby",
//	}, provider)
//	if err := sess.Start(ctx); err != nil { ... }
//	defer sess.Close()
//
//	sess.SendMessage("hello", "")
//	for _, m := range sess.Messages() { ... }
package chatsync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/driftlab/chatsync/validator"
)

// Session is the reconciliation loop plus the stores it owns. All state is
// created by NewSession and torn down atomically by Close; consumers never
// observe a partially dismantled session.
type Session struct {
	identity Identity
	source   EventSource
	sink     MutationSink
	log      *slog.Logger
	now      func() time.Time
	val      *validator.Validator

	heartbeatEvery time.Duration
	recon          *reconnector

	store    *MessageStore
	ledger   *StatusLedger
	presence *PresenceTracker
	typing   *TypingCoordinator
	timers   *timerRegistry

	mu           sync.Mutex
	state        SessionState
	epoch        uint64
	degraded     bool
	foreground   bool
	subs         []namedSub
	ctx          context.Context
	cancel       context.CancelFunc
	onState      []func(SessionState)
	pendingSends map[string]Message

	closeOnce sync.Once
}

// Option configures a Session.
type Option func(*sessionConfig)

type sessionConfig struct {
	logger         *slog.Logger
	now            func() time.Time
	heartbeatEvery time.Duration
	typingDebounce time.Duration
	reconnectBase  time.Duration
	reconnectMax   time.Duration
	reconnectTries int
}

// WithLogger sets the structured logger. Defaults to a discarding logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *sessionConfig) { c.logger = l }
}

// WithClock injects the time source used for staleness and expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(c *sessionConfig) { c.now = now }
}

// WithHeartbeatInterval overrides the presence heartbeat interval.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *sessionConfig) { c.heartbeatEvery = d }
}

// WithTypingDebounce overrides the quiet interval before a stopped-typing
// signal is emitted.
func WithTypingDebounce(d time.Duration) Option {
	return func(c *sessionConfig) { c.typingDebounce = d }
}

// WithReconnectBackoff sets the base and cap of the resubscribe backoff.
func WithReconnectBackoff(base, max time.Duration) Option {
	return func(c *sessionConfig) {
		c.reconnectBase = base
		c.reconnectMax = max
	}
}

// WithReconnectAttempts bounds the attempts before the session reports
// degraded connectivity. Retries continue afterwards at the max delay.
func WithReconnectAttempts(n int) Option {
	return func(c *sessionConfig) { c.reconnectTries = n }
}

// NewSession creates a session for the given identity on top of a provider.
// The session is Idle until Start is called.
func NewSession(identity Identity, provider Provider, opts ...Option) *Session {
	return NewSessionWith(identity, provider, provider, opts...)
}

// NewSessionWith is NewSession with the read and write halves supplied
// separately.
func NewSessionWith(identity Identity, source EventSource, sink MutationSink, opts ...Option) *Session {
	cfg := sessionConfig{
		logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:            time.Now,
		heartbeatEvery: DefaultHeartbeatInterval,
		typingDebounce: DefaultTypingDebounce,
		reconnectBase:  time.Second,
		reconnectMax:   30 * time.Second,
		reconnectTries: 10,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Session{
		identity:       identity,
		source:         source,
		sink:           sink,
		log:            cfg.logger,
		now:            cfg.now,
		val:            validator.New(),
		heartbeatEvery: cfg.heartbeatEvery,
		recon: &reconnector{
			baseDelay:   cfg.reconnectBase,
			maxDelay:    cfg.reconnectMax,
			maxAttempts: cfg.reconnectTries,
		},
		store:        NewMessageStore(),
		ledger:       NewStatusLedger(),
		presence:     NewPresenceTracker(cfg.now),
		timers:       newTimerRegistry(),
		state:        StateIdle,
		foreground:   true,
		pendingSends: make(map[string]Message),
	}
	s.typing = NewTypingCoordinator(identity.UserID, cfg.typingDebounce, cfg.now, s.emitTyping)
	return s
}

// ============================================================================
// Commands
// ============================================================================

// messageDraft is the validated shape of an outbound message.
type messageDraft struct {
	Text          string `validate:"required_without=AttachmentURL,omitempty,max=4000"`
	AttachmentURL string `validate:"omitempty,url"`
	ReplyToID     string `validate:"omitempty,max=128"`
}

// SendMessage sends a text message, optionally as a reply. An optimistic copy
// is visible immediately and reconciled to the confirmed message when the
// sink (or the event echo) answers.
func (s *Session) SendMessage(text, replyTo string) (Message, error) {
	return s.send(Message{Text: text, ReplyToID: replyTo})
}

// SendAttachment sends a message carrying an attachment URL. The URL is
// treated opaquely; uploading the binary is the caller's concern.
func (s *Session) SendAttachment(url, replyTo string) (Message, error) {
	return s.send(Message{AttachmentURL: url, ReplyToID: replyTo})
}

func (s *Session) send(draft Message) (Message, error) {
	s.mu.Lock()
	switch s.state {
	case StateTerminated:
		s.mu.Unlock()
		return Message{}, ErrSessionTerminated
	case StateIdle, StateInitializing:
		s.mu.Unlock()
		return Message{}, ErrNotConnected
	}
	epoch := s.epoch
	s.mu.Unlock()

	if errs := s.val.ValidateStruct(messageDraft{
		Text:          draft.Text,
		AttachmentURL: draft.AttachmentURL,
		ReplyToID:     draft.ReplyToID,
	}); len(errs) > 0 {
		return Message{}, fmt.Errorf("chatsync: invalid draft: %s: %s", errs[0].Field, errs[0].Message)
	}

	tempID := newClientID()
	draft.ID = tempID
	draft.ClientID = tempID
	draft.ConversationID = s.identity.ConversationID
	draft.SenderID = s.identity.UserID
	draft.Username = s.identity.Username
	draft.CreatedAt = s.now()
	draft.Pending = true

	s.store.Upsert(draft)
	s.mu.Lock()
	s.pendingSends[tempID] = draft
	s.mu.Unlock()

	// Sending ends any typing state immediately.
	s.typing.Flush()

	go s.deliver(epoch, draft)
	return draft, nil
}

// MarkSeen reports that the local user has read a message. The resulting
// status echo feeds the sender's aggregate.
func (s *Session) MarkSeen(messageID string) error {
	s.mu.Lock()
	if s.state == StateTerminated {
		s.mu.Unlock()
		return ErrSessionTerminated
	}
	s.mu.Unlock()
	if _, ok := s.store.Get(messageID); !ok {
		return fmt.Errorf("chatsync: unknown message %q", messageID)
	}
	s.sendStatus(messageID, StatusRead)
	return nil
}

// SetLocalTyping records local typing input; see TypingCoordinator for the
// debounce behavior.
func (s *Session) SetLocalTyping(typing bool) {
	s.mu.Lock()
	terminated := s.state == StateTerminated
	s.mu.Unlock()
	if terminated {
		return
	}
	s.typing.SetLocal(typing)
}

// SetForeground records foreground visibility. Regaining the foreground
// sends an online heartbeat immediately; losing it sends an offline one.
func (s *Session) SetForeground(fg bool) {
	s.mu.Lock()
	if s.state == StateTerminated {
		s.mu.Unlock()
		return
	}
	s.foreground = fg
	epoch := s.epoch
	s.mu.Unlock()
	s.heartbeat(epoch)
}

// OnStateChange registers a callback for lifecycle transitions. Register
// before Start; callbacks run synchronously with the transition.
func (s *Session) OnStateChange(cb func(SessionState)) {
	s.mu.Lock()
	s.onState = append(s.onState, cb)
	s.mu.Unlock()
}

// ============================================================================
// Queries
// ============================================================================

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Degraded reports whether connectivity is currently degraded: reconnect
// attempts exhausted their bound, or recent mutations failed.
func (s *Session) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// Messages returns the conversation in (CreatedAt, ID) order.
func (s *Session) Messages() []Message { return s.store.ListOrdered() }

// StatusOf returns the sender-visible aggregate status of a message. Absence
// of any acknowledgment reads as sent.
func (s *Session) StatusOf(messageID string) DeliveryStatus {
	return s.ledger.AggregateFor(messageID)
}

// IsOnline applies the presence staleness rule to the user's record.
func (s *Session) IsOnline(userID string) bool {
	return s.presence.IsEffectivelyOnline(userID)
}

// LastSeen returns when the user was last known online.
func (s *Session) LastSeen(userID string) (time.Time, bool) {
	return s.presence.LastSeen(userID)
}

// ActiveTypers returns the remote users currently typing.
func (s *Session) ActiveTypers() []string { return s.typing.ActiveTypers() }

// Presence returns every known presence record.
func (s *Session) Presence() []PresenceRecord { return s.presence.Snapshot() }
