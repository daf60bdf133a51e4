// Package ws implements the chatsync provider contract over a WebSocket
// gateway: snapshots are fetched over plain HTTP, live events arrive as JSON
// envelopes on the socket, and mutations are sent as commands with optional
// request/response correlation.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/driftlab/chatsync"
)

const insertTimeout = 10 * time.Second

// envelope is the wire format for all server-to-client traffic.
type envelope struct {
	Type           string          `json:"type"` // event | confirmed | error
	ConversationID string          `json:"conversationId,omitempty"`
	RequestID      string          `json:"requestId,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// command is the wire format for client-to-server traffic.
type command struct {
	Type           string         `json:"type"`
	Topic          chatsync.Topic `json:"topic,omitempty"`
	ConversationID string         `json:"conversationId,omitempty"`
	RequestID      string         `json:"requestId,omitempty"`
	Payload        any            `json:"payload,omitempty"`
}

// Client is a chatsync provider backed by a WebSocket gateway.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client

	mu         sync.Mutex
	conn       *websocket.Conn
	readCancel context.CancelFunc
	subs       map[string]*subscription
	pending    map[string]chan envelope
	reqCounter int
	closed     bool
}

var _ chatsync.Provider = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client used for snapshot fetches.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// Dial creates a client and establishes the WebSocket connection. The
// connection is re-established lazily on the next Subscribe after a drop,
// which is exactly when the session's reconciliation loop asks for one.
func Dial(ctx context.Context, baseURL, token string, opts ...Option) (*Client, error) {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: http.DefaultClient,
		subs:       make(map[string]*subscription),
		pending:    make(map[string]chan envelope),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.ensureConn(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Close tears down the connection; all subscriptions finish cleanly.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	if c.readCancel != nil {
		c.readCancel()
		c.readCancel = nil
	}
	subs := c.subs
	c.subs = make(map[string]*subscription)
	c.mu.Unlock()

	for _, sub := range subs {
		sub.finish(nil)
	}
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client close")
	}
	return nil
}

func (c *Client) ensureConn(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return chatsync.ErrNotConnected
	}
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	wsURL := strings.Replace(c.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?token=" + c.token

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return &chatsync.TransientError{Op: "dial", Err: err}
	}

	readCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "client close")
		return chatsync.ErrNotConnected
	}
	c.conn = conn
	c.readCancel = cancel
	c.mu.Unlock()

	go c.readLoop(readCtx, conn)
	return nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.failConn(conn, err)
			return
		}
		var env envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		if env.RequestID != "" {
			c.mu.Lock()
			ch, ok := c.pending[env.RequestID]
			if ok {
				delete(c.pending, env.RequestID)
			}
			c.mu.Unlock()
			if ok {
				ch <- env
			}
			continue
		}

		if env.Type == "event" {
			var ev chatsync.Event
			if json.Unmarshal(env.Payload, &ev) != nil {
				continue
			}
			c.mu.Lock()
			sub := c.subs[subKey(env.ConversationID, ev.Topic)]
			c.mu.Unlock()
			if sub != nil {
				sub.handler(ev)
			}
		}
	}
}

// failConn tears down a dropped connection and fails every subscription and
// pending request attached to it.
func (c *Client) failConn(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		// A newer connection took over; nothing to fail.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	if c.readCancel != nil {
		c.readCancel()
		c.readCancel = nil
	}
	intentional := c.closed
	subs := c.subs
	c.subs = make(map[string]*subscription)
	pending := c.pending
	c.pending = make(map[string]chan envelope)
	c.mu.Unlock()

	var subErr error
	if !intentional {
		subErr = &chatsync.TransientError{Op: "connection", Err: err}
	}
	for _, sub := range subs {
		sub.finish(subErr)
	}
	for _, ch := range pending {
		close(ch)
	}
}

func (c *Client) send(ctx context.Context, cmd command) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return chatsync.ErrNotConnected
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return &chatsync.TransientError{Op: "write", Err: err}
	}
	return nil
}

func (c *Client) nextRequestID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reqCounter++
	return fmt.Sprintf("req-%d", c.reqCounter)
}

func subKey(conv string, topic chatsync.Topic) string {
	return conv + "|" + string(topic)
}

// ============================================================================
// EventSource
// ============================================================================

// FetchSnapshot fetches the conversation snapshot over HTTP.
func (c *Client) FetchSnapshot(ctx context.Context, conversationID string) (*chatsync.Snapshot, error) {
	u := fmt.Sprintf("%s/api/conversations/%s/snapshot", c.baseURL, conversationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &chatsync.TransientError{Op: "snapshot", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &chatsync.TransientError{Op: "snapshot", Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
	}

	var snap chatsync.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

// Subscribe joins a topic channel, redialing the socket first if a previous
// drop closed it.
func (c *Client) Subscribe(ctx context.Context, conversationID string, topic chatsync.Topic, h chatsync.EventHandler) (chatsync.Subscription, error) {
	if err := c.ensureConn(ctx); err != nil {
		return nil, err
	}

	sub := &subscription{
		client:  c,
		key:     subKey(conversationID, topic),
		conv:    conversationID,
		topic:   topic,
		handler: h,
		done:    make(chan struct{}),
	}
	c.mu.Lock()
	c.subs[sub.key] = sub
	c.mu.Unlock()

	if err := c.send(ctx, command{
		Type:           "subscribe",
		Topic:          topic,
		ConversationID: conversationID,
	}); err != nil {
		c.mu.Lock()
		delete(c.subs, sub.key)
		c.mu.Unlock()
		return nil, err
	}
	return sub, nil
}

type subscription struct {
	client  *Client
	key     string
	conv    string
	topic   chatsync.Topic
	handler chatsync.EventHandler
	done    chan struct{}

	mu       sync.Mutex
	finished bool
	err      error
}

func (s *subscription) Unsubscribe() error {
	s.client.mu.Lock()
	delete(s.client.subs, s.key)
	s.client.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	// Best effort; the server also drops us when the socket goes away.
	_ = s.client.send(ctx, command{
		Type:           "unsubscribe",
		Topic:          s.topic,
		ConversationID: s.conv,
	})
	s.finish(nil)
	return nil
}

func (s *subscription) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.finished = true
	s.err = err
	close(s.done)
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

// InsertMessage sends the draft and waits for the correlated confirmation.
func (c *Client) InsertMessage(ctx context.Context, draft chatsync.Message) (chatsync.Message, error) {
	if err := c.ensureConn(ctx); err != nil {
		return chatsync.Message{}, err
	}
	requestID := c.nextRequestID()
	ch := make(chan envelope, 1)
	c.mu.Lock()
	c.pending[requestID] = ch
	c.mu.Unlock()
	cleanup := func() {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
	}

	err := c.send(ctx, command{
		Type:           "message.insert",
		ConversationID: draft.ConversationID,
		RequestID:      requestID,
		Payload:        draft,
	})
	if err != nil {
		cleanup()
		return chatsync.Message{}, err
	}

	select {
	case env, ok := <-ch:
		if !ok {
			return chatsync.Message{}, &chatsync.TransientError{Op: "insert message", Err: fmt.Errorf("connection lost")}
		}
		if env.Type == "error" {
			return chatsync.Message{}, fmt.Errorf("ws: insert rejected: %s", env.Error)
		}
		var confirmed chatsync.Message
		if err := json.Unmarshal(env.Payload, &confirmed); err != nil {
			return chatsync.Message{}, fmt.Errorf("decode confirmation: %w", err)
		}
		return confirmed, nil
	case <-time.After(insertTimeout):
		cleanup()
		return chatsync.Message{}, &chatsync.TransientError{Op: "insert message", Err: fmt.Errorf("confirmation timeout")}
	case <-ctx.Done():
		cleanup()
		return chatsync.Message{}, ctx.Err()
	}
}

// UpsertStatus sends an acknowledgment command.
func (c *Client) UpsertStatus(ctx context.Context, rec chatsync.StatusRecord) error {
	return c.send(ctx, command{
		Type:           "status.upsert",
		ConversationID: rec.ConversationID,
		Payload:        rec,
	})
}

// UpsertPresence sends a presence command.
func (c *Client) UpsertPresence(ctx context.Context, conversationID string, rec chatsync.PresenceRecord) error {
	return c.send(ctx, command{
		Type:           "presence.upsert",
		ConversationID: conversationID,
		Payload:        rec,
	})
}

// UpsertTyping sends a typing command.
func (c *Client) UpsertTyping(ctx context.Context, conversationID string, rec chatsync.TypingRecord) error {
	return c.send(ctx, command{
		Type:           "typing.upsert",
		ConversationID: conversationID,
		Payload:        rec,
	})
}
