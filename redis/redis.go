// Package redis implements the chatsync provider contract on top of a Redis
// server: message and presence state lives in hashes indexed by a sorted set,
// and live events travel over pub/sub channels.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/driftlab/chatsync"
)

// Redis provides conversation state and events from a Redis server.
type Redis struct {
	cli *redis.Client
}

var _ chatsync.Provider = (*Redis)(nil)

// Connect connects to the Redis server and pings it to ensure the connection
// is working.
func Connect(ctx context.Context, addr string) (*Redis, error) {
	cli := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	if err := cli.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Redis{cli: cli}, nil
}

// Close releases the underlying client.
func (r *Redis) Close() error { return r.cli.Close() }

func msgKey(conv, id string) string    { return fmt.Sprintf("conv:%s:message:%s", conv, id) }
func msgIndexKey(conv string) string   { return fmt.Sprintf("conv:%s:messages", conv) }
func statusKey(conv, id string) string { return fmt.Sprintf("conv:%s:status:%s", conv, id) }
func presenceKey(conv string) string   { return fmt.Sprintf("conv:%s:presence", conv) }

func channel(conv string, topic chatsync.Topic) string {
	return fmt.Sprintf("conv:%s:events:%s", conv, topic)
}

// ============================================================================
// EventSource
// ============================================================================

// FetchSnapshot reads the ordered message list, acknowledgment records, and
// presence list for a conversation.
func (r *Redis) FetchSnapshot(ctx context.Context, conversationID string) (*chatsync.Snapshot, error) {
	ids, err := r.cli.ZRangeByScore(ctx, msgIndexKey(conversationID), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", time.Now().UnixNano()),
	}).Result()
	if err != nil {
		return nil, &chatsync.TransientError{Op: "snapshot", Err: fmt.Errorf("zrangebyscore: %w", err)}
	}

	snap := &chatsync.Snapshot{}
	for _, id := range ids {
		var m message
		if err := r.cli.HGetAll(ctx, msgKey(conversationID, id)).Scan(&m); err != nil {
			return nil, &chatsync.TransientError{Op: "snapshot", Err: fmt.Errorf("hgetall message: %w", err)}
		}
		if m.ID == "" {
			continue // index entry for an evicted hash
		}
		snap.Messages = append(snap.Messages, m.Message())

		fields, err := r.cli.HGetAll(ctx, statusKey(conversationID, id)).Result()
		if err != nil {
			return nil, &chatsync.TransientError{Op: "snapshot", Err: fmt.Errorf("hgetall status: %w", err)}
		}
		for _, raw := range fields {
			var rec chatsync.StatusRecord
			if json.Unmarshal([]byte(raw), &rec) == nil {
				snap.Statuses = append(snap.Statuses, rec)
			}
		}
	}

	fields, err := r.cli.HGetAll(ctx, presenceKey(conversationID)).Result()
	if err != nil {
		return nil, &chatsync.TransientError{Op: "snapshot", Err: fmt.Errorf("hgetall presence: %w", err)}
	}
	for _, raw := range fields {
		var rec chatsync.PresenceRecord
		if json.Unmarshal([]byte(raw), &rec) == nil {
			snap.Presence = append(snap.Presence, rec)
		}
	}
	return snap, nil
}

// Subscribe attaches to the pub/sub channel for one topic.
func (r *Redis) Subscribe(ctx context.Context, conversationID string, topic chatsync.Topic, h chatsync.EventHandler) (chatsync.Subscription, error) {
	ps := r.cli.Subscribe(ctx, channel(conversationID, topic))
	// Force the subscribe round-trip so failures surface here, not later.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, &chatsync.TransientError{Op: "subscribe", Err: err}
	}

	sub := &subscription{ps: ps, done: make(chan struct{})}
	go sub.loop(h)
	return sub, nil
}

type subscription struct {
	ps   *redis.PubSub
	done chan struct{}

	mu     sync.Mutex
	closed bool
	err    error
}

func (s *subscription) loop(h chatsync.EventHandler) {
	for msg := range s.ps.Channel() {
		var ev chatsync.Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			continue
		}
		h(ev)
	}
	s.mu.Lock()
	if !s.closed {
		s.err = &chatsync.TransientError{Op: "subscription", Err: fmt.Errorf("pubsub channel closed")}
	}
	s.mu.Unlock()
	close(s.done)
}

func (s *subscription) Unsubscribe() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.ps.Close()
}

func (s *subscription) Done() <-chan struct{} { return s.done }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// ============================================================================
// MutationSink
// ============================================================================

func (r *Redis) publish(ctx context.Context, conv string, ev chatsync.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := r.cli.Publish(ctx, channel(conv, ev.Topic), payload).Err(); err != nil {
		return &chatsync.TransientError{Op: "publish", Err: err}
	}
	return nil
}

// InsertMessage assigns the server identity, persists the message, and
// publishes the insert event.
func (r *Redis) InsertMessage(ctx context.Context, draft chatsync.Message) (chatsync.Message, error) {
	if draft.ConversationID == "" {
		return chatsync.Message{}, fmt.Errorf("redis: draft missing conversation ID")
	}
	confirmed := draft
	confirmed.ID = uuid.NewString()
	now := time.Now().UTC()
	confirmed.CreatedAt = now
	confirmed.UpdatedAt = now
	confirmed.Pending = false

	m := fromMessage(confirmed)
	key := msgKey(confirmed.ConversationID, confirmed.ID)
	err := r.cli.Watch(ctx, func(tx *redis.Tx) error {
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, m)
			pipe.ZAdd(ctx, msgIndexKey(confirmed.ConversationID), redis.Z{
				Score:  float64(confirmed.CreatedAt.UnixNano()),
				Member: confirmed.ID,
			})
			return nil
		})
		return err
	}, confirmed.ID)
	if err != nil {
		return chatsync.Message{}, &chatsync.TransientError{Op: "insert message", Err: err}
	}

	if err := r.publish(ctx, confirmed.ConversationID, chatsync.Event{
		Type:      chatsync.EventInsert,
		Topic:     chatsync.TopicMessages,
		Timestamp: now,
		Message:   &confirmed,
	}); err != nil {
		return chatsync.Message{}, err
	}
	return confirmed, nil
}

// UpsertStatus stores an acknowledgment and publishes it. The stored record
// is only replaced by a higher-ranked status, mirroring the client-side
// monotonicity rule so a snapshot never hands back a regressed record.
func (r *Redis) UpsertStatus(ctx context.Context, rec chatsync.StatusRecord) error {
	if rec.ConversationID == "" {
		return fmt.Errorf("redis: status record missing conversation ID")
	}
	key := statusKey(rec.ConversationID, rec.MessageID)
	err := r.cli.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.HGet(ctx, key, rec.RecipientID).Result()
		if err != nil && err != redis.Nil {
			return err
		}
		if err == nil {
			var existing chatsync.StatusRecord
			if json.Unmarshal([]byte(cur), &existing) == nil &&
				existing.Status.Rank() >= rec.Status.Rank() {
				return nil
			}
		}
		payload, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, rec.RecipientID, payload)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return &chatsync.TransientError{Op: "upsert status", Err: err}
	}

	rec2 := rec
	return r.publish(ctx, rec.ConversationID, chatsync.Event{
		Type:      chatsync.EventUpdate,
		Topic:     chatsync.TopicStatuses,
		Timestamp: time.Now().UTC(),
		Status:    &rec2,
	})
}

// UpsertPresence stores the record for snapshot fetches and publishes it.
func (r *Redis) UpsertPresence(ctx context.Context, conversationID string, rec chatsync.PresenceRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	if err := r.cli.HSet(ctx, presenceKey(conversationID), rec.UserID, payload).Err(); err != nil {
		return &chatsync.TransientError{Op: "upsert presence", Err: err}
	}
	rec2 := rec
	return r.publish(ctx, conversationID, chatsync.Event{
		Type:      chatsync.EventUpdate,
		Topic:     chatsync.TopicPresence,
		Timestamp: time.Now().UTC(),
		Presence:  &rec2,
	})
}

// UpsertTyping publishes a typing transition. Typing state is ephemeral, so
// nothing is stored.
func (r *Redis) UpsertTyping(ctx context.Context, conversationID string, rec chatsync.TypingRecord) error {
	rec2 := rec
	return r.publish(ctx, conversationID, chatsync.Event{
		Type:      chatsync.EventUpdate,
		Topic:     chatsync.TopicTyping,
		Timestamp: time.Now().UTC(),
		Typing:    &rec2,
	})
}
