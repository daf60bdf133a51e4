// Package postgres implements the chatsync provider contract on PostgreSQL:
// durable rows for messages, statuses, and presence, with live events fanned
// out over LISTEN/NOTIFY.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/driftlab/chatsync"
)

// Postgres provides conversation state and events from PostgreSQL.
type Postgres struct {
	bun *bun.DB
}

var _ chatsync.Provider = (*Postgres)(nil)

// Connect connects to the database and pings it to ensure the connection is
// working.
func Connect(ctx context.Context, connStr string) (*Postgres, error) {
	sqlDB := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(connStr)))
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	db := bun.NewDB(sqlDB, pgdialect.New())
	return &Postgres{bun: db}, nil
}

// Close releases the connection pool.
func (pg *Postgres) Close() error { return pg.bun.Close() }

// notifyChannel names the LISTEN/NOTIFY channel for one conversation topic.
func notifyChannel(conv string, topic chatsync.Topic) string {
	return fmt.Sprintf("chatsync_%s_%s", topic, conv)
}

// ============================================================================
// EventSource
// ============================================================================

// FetchSnapshot reads the ordered message list, acknowledgment records, and
// presence list for a conversation.
func (pg *Postgres) FetchSnapshot(ctx context.Context, conversationID string) (*chatsync.Snapshot, error) {
	var msgs []message
	err := pg.bun.NewSelect().
		Model(&msgs).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC", "id ASC").
		Scan(ctx)
	if err != nil {
		return nil, &chatsync.TransientError{Op: "snapshot", Err: fmt.Errorf("scan messages: %w", err)}
	}

	var statuses []messageStatus
	err = pg.bun.NewSelect().
		Model(&statuses).
		Where("conversation_id = ?", conversationID).
		Scan(ctx)
	if err != nil {
		return nil, &chatsync.TransientError{Op: "snapshot", Err: fmt.Errorf("scan statuses: %w", err)}
	}

	var pres []presence
	err = pg.bun.NewSelect().
		Model(&pres).
		Where("conversation_id = ?", conversationID).
		Scan(ctx)
	if err != nil {
		return nil, &chatsync.TransientError{Op: "snapshot", Err: fmt.Errorf("scan presence: %w", err)}
	}

	snap := &chatsync.Snapshot{}
	for _, m := range msgs {
		snap.Messages = append(snap.Messages, m.Message())
	}
	for _, st := range statuses {
		snap.Statuses = append(snap.Statuses, st.Record())
	}
	for _, p := range pres {
		snap.Presence = append(snap.Presence, p.Record())
	}
	return snap, nil
}

// Subscribe opens a LISTEN connection for one topic channel.
func (pg *Postgres) Subscribe(ctx context.Context, conversationID string, topic chatsync.Topic, h chatsync.EventHandler) (chatsync.Subscription, error) {
	ln := pgdriver.NewListener(pg.bun)
	if err := ln.Listen(ctx, notifyChannel(conversationID, topic)); err != nil {
		_ = ln.Close()
		return nil, &chatsync.TransientError{Op: "subscribe", Err: err}
	}

	sub := &subscription{ln: ln, done: make(chan struct{})}
	go sub.loop(h)
	return sub, nil
}

type subscription struct {
	ln   *pgdriver.Listener
	done chan struct{}

	mu     sync.Mutex
	closed bool
	err    error
}

func (s *subscription) loop(h chatsync.EventHandler) {
	for notif := range s.ln.Channel() {
		var ev chatsync.Event
		if err := json.Unmarshal([]byte(notif.Payload), &ev); err != nil {
			continue
		}
		h(ev)
	}
	s.mu.Lock()
	if !s.closed {
		s.err = &chatsync.TransientError{Op: "subscription", Err: fmt.Errorf("listener channel closed")}
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
	return s.ln.Close()
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

func (pg *Postgres) notify(ctx context.Context, conv string, ev chatsync.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = pg.bun.ExecContext(ctx, "SELECT pg_notify(?, ?)",
		notifyChannel(conv, ev.Topic), string(payload))
	if err != nil {
		return &chatsync.TransientError{Op: "notify", Err: err}
	}
	return nil
}

// InsertMessage inserts the draft and notifies listeners. The returned
// message carries the database-assigned ID and timestamps.
func (pg *Postgres) InsertMessage(ctx context.Context, draft chatsync.Message) (chatsync.Message, error) {
	if draft.ConversationID == "" {
		return chatsync.Message{}, fmt.Errorf("postgres: draft missing conversation ID")
	}
	m := fromMessage(draft)
	m.ID = ""
	m.CreatedAt = time.Time{}
	m.UpdatedAt = time.Time{}
	if _, err := pg.bun.NewInsert().Model(m).Returning("*").Exec(ctx); err != nil {
		return chatsync.Message{}, &chatsync.TransientError{Op: "insert message", Err: err}
	}
	confirmed := m.Message()

	if err := pg.notify(ctx, confirmed.ConversationID, chatsync.Event{
		Type:      chatsync.EventInsert,
		Topic:     chatsync.TopicMessages,
		Timestamp: confirmed.CreatedAt,
		Message:   &confirmed,
	}); err != nil {
		return chatsync.Message{}, err
	}
	return confirmed, nil
}

// UpsertStatus upserts an acknowledgment row and notifies listeners. The
// row only moves to a higher-ranked status; clients enforce the same rule.
func (pg *Postgres) UpsertStatus(ctx context.Context, rec chatsync.StatusRecord) error {
	if rec.ConversationID == "" {
		return fmt.Errorf("postgres: status record missing conversation ID")
	}
	st := &messageStatus{
		MessageID:      rec.MessageID,
		RecipientID:    rec.RecipientID,
		ConversationID: rec.ConversationID,
		Status:         string(rec.Status),
		UpdatedAt:      rec.UpdatedAt,
	}
	rankCase := "CASE EXCLUDED.status WHEN 'read' THEN 2 WHEN 'delivered' THEN 1 ELSE 0 END"
	curCase := "CASE message_status.status WHEN 'read' THEN 2 WHEN 'delivered' THEN 1 ELSE 0 END"
	_, err := pg.bun.NewInsert().
		Model(st).
		On("CONFLICT (message_id, recipient_id) DO UPDATE").
		Set("status = EXCLUDED.status, updated_at = EXCLUDED.updated_at").
		Where(rankCase + " > " + curCase).
		Exec(ctx)
	if err != nil {
		return &chatsync.TransientError{Op: "upsert status", Err: err}
	}

	rec2 := rec
	return pg.notify(ctx, rec.ConversationID, chatsync.Event{
		Type:      chatsync.EventUpdate,
		Topic:     chatsync.TopicStatuses,
		Timestamp: time.Now().UTC(),
		Status:    &rec2,
	})
}

// UpsertPresence upserts the presence row and notifies listeners.
func (pg *Postgres) UpsertPresence(ctx context.Context, conversationID string, rec chatsync.PresenceRecord) error {
	p := &presence{
		UserID:         rec.UserID,
		ConversationID: conversationID,
		Online:         rec.Online,
		LastSeen:       rec.LastSeen,
		UpdatedAt:      rec.UpdatedAt,
	}
	_, err := pg.bun.NewInsert().
		Model(p).
		On("CONFLICT (user_id, conversation_id) DO UPDATE").
		Set("online = EXCLUDED.online, last_seen = EXCLUDED.last_seen, updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return &chatsync.TransientError{Op: "upsert presence", Err: err}
	}

	rec2 := rec
	return pg.notify(ctx, conversationID, chatsync.Event{
		Type:      chatsync.EventUpdate,
		Topic:     chatsync.TopicPresence,
		Timestamp: time.Now().UTC(),
		Presence:  &rec2,
	})
}

// UpsertTyping notifies listeners. Typing state is ephemeral and has no row.
func (pg *Postgres) UpsertTyping(ctx context.Context, conversationID string, rec chatsync.TypingRecord) error {
	rec2 := rec
	return pg.notify(ctx, conversationID, chatsync.Event{
		Type:      chatsync.EventUpdate,
		Topic:     chatsync.TopicTyping,
		Timestamp: time.Now().UTC(),
		Typing:    &rec2,
	})
}
