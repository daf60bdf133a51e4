package chatsync

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionState is the lifecycle state of the reconciliation loop.
type SessionState string

const (
	StateIdle         SessionState = "idle"
	StateInitializing SessionState = "initializing"
	StateLive         SessionState = "live"
	StateReconnecting SessionState = "reconnecting"
	StateTerminated   SessionState = "terminated"
)

const (
	// DefaultHeartbeatInterval is how often the session refreshes its own
	// presence record while running.
	DefaultHeartbeatInterval = 30 * time.Second

	mutationTimeout = 10 * time.Second
	closeTimeout    = 3 * time.Second
)

// ============================================================================
// Reconnector
// ============================================================================

// reconnector computes exponential backoff with jitter for resubscribe
// attempts. Once maxAttempts is exhausted the session is flagged degraded and
// retries continue at the max delay; a drop is never fatal.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
}

func (r *reconnector) nextDelay() time.Duration {
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) exhausted() bool {
	return r.maxAttempts > 0 && r.attempt >= r.maxAttempts
}

func (r *reconnector) reset() { r.attempt = 0 }

// ============================================================================
// Timer registry
// ============================================================================

// timerRegistry owns every named timer a session arms. Close stops them all
// before the session reaches Terminated, so no timer callback can mutate
// stores after teardown.
type timerRegistry struct {
	mu     sync.Mutex
	closed bool
	timers map[string]*time.Timer
}

func newTimerRegistry() *timerRegistry {
	return &timerRegistry{timers: make(map[string]*time.Timer)}
}

// Schedule arms (or re-arms) the named timer. The callback is suppressed if
// the registry closes before it runs.
func (r *timerRegistry) Schedule(name string, d time.Duration, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if t, ok := r.timers[name]; ok {
		t.Stop()
	}
	r.timers[name] = time.AfterFunc(d, func() {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return
		}
		delete(r.timers, name)
		r.mu.Unlock()
		fn()
	})
}

func (r *timerRegistry) Stop(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.timers[name]; ok {
		t.Stop()
		delete(r.timers, name)
	}
}

func (r *timerRegistry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for name, t := range r.timers {
		t.Stop()
		delete(r.timers, name)
	}
}

// ============================================================================
// Lifecycle
// ============================================================================

type namedSub struct {
	name string
	sub  Subscription
}

// Start fetches the initial snapshot, seeds the stores, and subscribes to the
// live event stream. The snapshot is applied before any live event so updates
// never target rows that do not exist yet. Start transitions the session from
// Idle to Live; on failure the session returns to Idle and may be started
// again.
func (s *Session) Start(ctx context.Context) error {
	if s.identity.UserID == "" || s.identity.ConversationID == "" {
		return fmt.Errorf("chatsync: identity requires user and conversation IDs")
	}

	s.mu.Lock()
	if s.state == StateTerminated {
		s.mu.Unlock()
		return ErrSessionTerminated
	}
	if s.state != StateIdle {
		s.mu.Unlock()
		return fmt.Errorf("chatsync: session already started")
	}
	s.state = StateInitializing
	s.ctx, s.cancel = context.WithCancel(ctx)
	epoch := s.epoch
	s.mu.Unlock()
	s.notifyState(StateInitializing)

	snap, err := s.source.FetchSnapshot(s.ctx, s.identity.ConversationID)
	if err != nil {
		s.backToIdle()
		return fmt.Errorf("initial snapshot: %w", err)
	}
	s.seedSnapshot(snap)

	if err := s.subscribeAll(epoch); err != nil {
		s.unsubscribeAll()
		s.backToIdle()
		return fmt.Errorf("subscribe: %w", err)
	}

	s.mu.Lock()
	if name, dead := s.deadSubLocked(); dead {
		s.mu.Unlock()
		s.unsubscribeAll()
		s.backToIdle()
		return fmt.Errorf("subscribe: topic %s dropped during startup", name)
	}
	s.state = StateLive
	s.mu.Unlock()
	s.notifyState(StateLive)
	s.log.Info("session live",
		"user", s.identity.UserID, "conversation", s.identity.ConversationID)

	s.heartbeat(epoch)
	s.scheduleHeartbeat(epoch)
	return nil
}

// Close tears the session down: a final stop-typing signal and offline
// heartbeat are emitted best-effort, then every timer and subscription is
// cancelled before the state flips to Terminated. In-flight operations
// completing afterwards are discarded, not errors. Close is idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(s.doClose)
	return nil
}

func (s *Session) doClose() {
	// Final signals go out while the session is still nominally alive.
	s.typing.Flush()
	rec := s.presence.Heartbeat(s.identity.UserID, false)
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	if err := s.sink.UpsertPresence(ctx, s.identity.ConversationID, rec); err != nil {
		s.log.Debug("final offline heartbeat failed", "error", err)
	}
	cancel()

	s.mu.Lock()
	s.state = StateTerminated
	s.epoch++ // everything in flight is now stale
	subs := s.subs
	s.subs = nil
	cancelSession := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	s.timers.Close()
	s.typing.Close()
	for _, ns := range subs {
		if err := ns.sub.Unsubscribe(); err != nil {
			s.log.Debug("unsubscribe failed", "topic", ns.name, "error", err)
		}
	}
	if cancelSession != nil {
		cancelSession()
	}
	s.notifyState(StateTerminated)
	s.log.Info("session terminated", "user", s.identity.UserID)
}

func (s *Session) backToIdle() {
	s.mu.Lock()
	if s.state == StateInitializing {
		s.state = StateIdle
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()
}

// stale reports whether work captured at the given epoch should discard its
// result instead of applying it.
func (s *Session) stale(epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch != epoch || s.state == StateTerminated
}

func (s *Session) notifyState(st SessionState) {
	s.mu.Lock()
	cbs := append([]func(SessionState){}, s.onState...)
	s.mu.Unlock()
	for _, cb := range cbs {
		cb(st)
	}
}

// ============================================================================
// Snapshot + subscriptions
// ============================================================================

// seedSnapshot merges a snapshot into the stores. Upserts are idempotent, so
// the same routine serves both the initial seed and gap-closing after a
// reconnect.
func (s *Session) seedSnapshot(snap *Snapshot) {
	if snap == nil {
		return
	}
	for _, m := range snap.Messages {
		m.Pending = false
		s.store.Upsert(m)
	}
	for _, rec := range snap.Statuses {
		s.ledger.Record(rec.MessageID, rec.RecipientID, rec.Status, rec.UpdatedAt)
	}
	for _, rec := range snap.Presence {
		if rec.UserID != s.identity.UserID {
			s.presence.Apply(rec)
		}
	}
}

func (s *Session) subscribeAll(epoch uint64) error {
	for _, topic := range Topics() {
		topic := topic
		sub, err := s.source.Subscribe(s.ctx, s.identity.ConversationID, topic, func(ev Event) {
			s.handleEvent(epoch, ev)
		})
		if err != nil {
			return fmt.Errorf("topic %s: %w", topic, err)
		}
		s.mu.Lock()
		s.subs = append(s.subs, namedSub{name: string(topic), sub: sub})
		s.mu.Unlock()
		go s.watchSub(epoch, string(topic), sub)
	}
	return nil
}

func (s *Session) unsubscribeAll() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, ns := range subs {
		_ = ns.sub.Unsubscribe()
	}
}

// deadSubLocked reports a subscription that has already finished. A drop
// arriving while the session is not Live is ignored by onDrop, so every
// transition into Live has to re-check the set it is about to commit.
func (s *Session) deadSubLocked() (string, bool) {
	for _, ns := range s.subs {
		select {
		case <-ns.sub.Done():
			return ns.name, true
		default:
		}
	}
	return "", false
}

func (s *Session) watchSub(epoch uint64, name string, sub Subscription) {
	select {
	case <-sub.Done():
	case <-s.sessionCtx().Done():
		return
	}
	if err := sub.Err(); err != nil {
		s.onDrop(epoch, name, err)
	}
}

func (s *Session) sessionCtx() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}

func (s *Session) onDrop(epoch uint64, name string, err error) {
	s.mu.Lock()
	if s.epoch != epoch || s.state != StateLive {
		s.mu.Unlock()
		return
	}
	s.state = StateReconnecting
	s.mu.Unlock()

	s.log.Warn("subscription dropped", "topic", name, "error", err)
	// Rebuild the whole set on reconnect rather than patching one topic.
	s.unsubscribeAll()
	s.notifyState(StateReconnecting)
	s.scheduleReconnect(epoch)
}

func (s *Session) scheduleReconnect(epoch uint64) {
	s.mu.Lock()
	delay := s.recon.nextDelay()
	if s.recon.exhausted() {
		s.setDegradedLocked(true)
		delay = s.recon.maxDelay
	}
	s.mu.Unlock()
	s.log.Info("reconnect scheduled", "delay", delay)
	s.timers.Schedule("reconnect", delay, func() { s.tryReconnect(epoch) })
}

// tryReconnect resubscribes every topic and then merges a fresh snapshot to
// close the gap of events missed while disconnected. Missed events cannot be
// recovered any other way.
func (s *Session) tryReconnect(epoch uint64) {
	s.mu.Lock()
	if s.epoch != epoch || s.state != StateReconnecting {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := s.subscribeAll(epoch); err != nil {
		s.unsubscribeAll()
		s.log.Warn("resubscribe failed", "error", err)
		s.scheduleReconnect(epoch)
		return
	}
	snap, err := s.source.FetchSnapshot(s.sessionCtx(), s.identity.ConversationID)
	if err != nil {
		s.unsubscribeAll()
		s.log.Warn("reconnect snapshot failed", "error", err)
		s.scheduleReconnect(epoch)
		return
	}
	s.seedSnapshot(snap)

	s.mu.Lock()
	if s.epoch != epoch || s.state != StateReconnecting {
		s.mu.Unlock()
		return
	}
	if name, dead := s.deadSubLocked(); dead {
		s.mu.Unlock()
		s.log.Warn("subscription dropped during reconnect", "topic", name)
		s.unsubscribeAll()
		s.scheduleReconnect(epoch)
		return
	}
	s.state = StateLive
	s.recon.reset()
	s.setDegradedLocked(false)
	s.mu.Unlock()

	s.log.Info("session reconnected")
	s.notifyState(StateLive)
	s.heartbeat(epoch)
	s.retryPendingSends(epoch)
}

// ============================================================================
// Event application
// ============================================================================

// handleEvent routes one live event into the stores. Each store enforces its
// own monotonicity invariant, so reordered delivery across entities needs no
// coordination here; within one message, edits are tie-broken by the server
// timestamp inside the store.
func (s *Session) handleEvent(epoch uint64, ev Event) {
	if s.stale(epoch) {
		return
	}
	switch ev.Topic {
	case TopicMessages:
		if ev.Message != nil {
			s.applyMessage(ev)
		}
	case TopicStatuses:
		if ev.Status != nil {
			at := ev.Status.UpdatedAt
			if at.IsZero() {
				at = ev.Timestamp
			}
			if !s.ledger.Record(ev.Status.MessageID, ev.Status.RecipientID, ev.Status.Status, at) {
				s.log.Debug("status transition ignored",
					"message", ev.Status.MessageID,
					"recipient", ev.Status.RecipientID,
					"status", ev.Status.Status)
			}
		}
	case TopicPresence:
		// The local record is owned by this client's own heartbeats.
		if ev.Presence != nil && ev.Presence.UserID != s.identity.UserID {
			s.presence.Apply(*ev.Presence)
		}
	case TopicTyping:
		if ev.Typing != nil {
			s.typing.ApplyRemote(*ev.Typing)
		}
	default:
		s.log.Debug("event for unknown topic dropped", "topic", ev.Topic)
	}
}

func (s *Session) applyMessage(ev Event) {
	m := *ev.Message
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = ev.Timestamp
	}
	if m.ClientID != "" && m.SenderID == s.identity.UserID {
		// Echo of our own send; reconcile the optimistic copy.
		s.mu.Lock()
		delete(s.pendingSends, m.ClientID)
		s.mu.Unlock()
		s.store.ReplaceOptimistic(m.ClientID, m)
		return
	}
	s.store.Upsert(m)
	if ev.Type == EventInsert && m.SenderID != s.identity.UserID {
		// Receiving a new message is our delivery acknowledgment.
		s.sendStatus(m.ID, StatusDelivered)
	}
}

// ============================================================================
// Outbound mutations
// ============================================================================

// Outbound mutations are fire-and-forget from the caller's perspective, but
// failures are observable: the session logs them, flips the degraded flag,
// and keeps unconfirmed sends for retry on the next reconnect.

func (s *Session) deliver(epoch uint64, draft Message) {
	ctx, cancel := context.WithTimeout(context.Background(), mutationTimeout)
	defer cancel()
	confirmed, err := s.sink.InsertMessage(ctx, draft)
	if s.stale(epoch) {
		return
	}
	if err != nil {
		s.log.Warn("message send failed, queued for retry",
			"clientId", draft.ClientID, "error", err)
		s.setDegraded(true)
		return
	}
	s.mu.Lock()
	delete(s.pendingSends, draft.ClientID)
	s.mu.Unlock()
	s.store.ReplaceOptimistic(draft.ClientID, confirmed)
	s.setDegraded(false)
}

func (s *Session) retryPendingSends(epoch uint64) {
	s.mu.Lock()
	pending := make([]Message, 0, len(s.pendingSends))
	for _, m := range s.pendingSends {
		pending = append(pending, m)
	}
	s.mu.Unlock()
	for _, m := range pending {
		go s.deliver(epoch, m)
	}
}

func (s *Session) sendStatus(messageID string, status DeliveryStatus) {
	s.mu.Lock()
	epoch := s.epoch
	s.mu.Unlock()
	rec := StatusRecord{
		MessageID:      messageID,
		RecipientID:    s.identity.UserID,
		ConversationID: s.identity.ConversationID,
		Status:         status,
		UpdatedAt:      s.now(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), mutationTimeout)
		defer cancel()
		if err := s.sink.UpsertStatus(ctx, rec); err != nil && !s.stale(epoch) {
			s.log.Warn("status upsert failed", "message", messageID, "error", err)
			s.setDegraded(true)
		}
	}()
}

// heartbeat refreshes the local presence record and pushes it out.
func (s *Session) heartbeat(epoch uint64) {
	s.mu.Lock()
	online := s.foreground
	s.mu.Unlock()
	rec := s.presence.Heartbeat(s.identity.UserID, online)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), mutationTimeout)
		defer cancel()
		if err := s.sink.UpsertPresence(ctx, s.identity.ConversationID, rec); err != nil && !s.stale(epoch) {
			s.log.Warn("presence upsert failed", "error", err)
			s.setDegraded(true)
		}
	}()
}

func (s *Session) scheduleHeartbeat(epoch uint64) {
	s.timers.Schedule("heartbeat", s.heartbeatEvery, func() {
		if s.stale(epoch) {
			return
		}
		s.heartbeat(epoch)
		s.scheduleHeartbeat(epoch)
	})
}

// emitTyping pushes a local typing transition to the sink.
func (s *Session) emitTyping(typing bool) {
	s.mu.Lock()
	if s.state == StateTerminated {
		s.mu.Unlock()
		return
	}
	epoch := s.epoch
	s.mu.Unlock()
	rec := TypingRecord{UserID: s.identity.UserID, Typing: typing, UpdatedAt: s.now()}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), mutationTimeout)
		defer cancel()
		if err := s.sink.UpsertTyping(ctx, s.identity.ConversationID, rec); err != nil && !s.stale(epoch) {
			s.log.Debug("typing upsert failed", "error", err)
		}
	}()
}

func (s *Session) setDegraded(v bool) {
	s.mu.Lock()
	s.setDegradedLocked(v)
	s.mu.Unlock()
}

func (s *Session) setDegradedLocked(v bool) {
	if s.degraded == v {
		return
	}
	s.degraded = v
	if v {
		s.log.Warn("connectivity degraded")
	} else {
		s.log.Info("connectivity restored")
	}
}

func newClientID() string { return uuid.NewString() }
