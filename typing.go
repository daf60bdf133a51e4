package chatsync

import (
	"sort"
	"sync"
	"time"
)

const (
	// DefaultTypingDebounce is the quiet interval after the last keystroke
	// before a stopped-typing signal is emitted.
	DefaultTypingDebounce = 2 * time.Second

	// typingExpiryGrace is added to the debounce interval to form the expiry
	// window for remote typing records. A remote record older than
	// debounce+grace is treated as not typing even if its flag says
	// otherwise, which covers a lost stop event.
	typingExpiryGrace = 3 * time.Second
)

// TypingCoordinator debounces local typing signals and expires remote typing
// indicators. Local signals are emitted on state transitions only, never per
// keystroke.
type TypingCoordinator struct {
	self     string
	debounce time.Duration
	expiry   time.Duration
	now      func() time.Time
	emit     func(typing bool)

	mu            sync.Mutex
	closed        bool
	localTyping   bool
	debounceTimer *time.Timer
	records       map[string]TypingRecord
	expiryTimers  map[string]*time.Timer
}

// NewTypingCoordinator creates a coordinator for the given local user. emit
// is invoked, without internal locks held, whenever the local typing state
// transitions and a remote signal should be sent.
func NewTypingCoordinator(self string, debounce time.Duration, now func() time.Time, emit func(bool)) *TypingCoordinator {
	if debounce <= 0 {
		debounce = DefaultTypingDebounce
	}
	if now == nil {
		now = time.Now
	}
	if emit == nil {
		emit = func(bool) {}
	}
	return &TypingCoordinator{
		self:         self,
		debounce:     debounce,
		expiry:       debounce + typingExpiryGrace,
		now:          now,
		emit:         emit,
		records:      make(map[string]TypingRecord),
		expiryTimers: make(map[string]*time.Timer),
	}
}

// SetLocal records local typing input. Each true call restarts the debounce
// timer; a remote signal is emitted only when the state actually changes.
func (c *TypingCoordinator) SetLocal(typing bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if typing {
		transition := !c.localTyping
		c.localTyping = true
		if c.debounceTimer != nil {
			c.debounceTimer.Stop()
		}
		c.debounceTimer = time.AfterFunc(c.debounce, c.debounceFired)
		c.mu.Unlock()
		if transition {
			c.emit(true)
		}
		return
	}
	c.stopLocalLocked()
}

// Flush emits a stopped-typing transition immediately if one is pending.
// Called on message send and at session end so a stop signal never rides on
// the debounce timer alone.
func (c *TypingCoordinator) Flush() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.stopLocalLocked()
}

// stopLocalLocked cancels the debounce timer and emits a stop transition if
// the local user was typing. Releases the lock.
func (c *TypingCoordinator) stopLocalLocked() {
	if c.debounceTimer != nil {
		c.debounceTimer.Stop()
		c.debounceTimer = nil
	}
	transition := c.localTyping
	c.localTyping = false
	c.mu.Unlock()
	if transition {
		c.emit(false)
	}
}

func (c *TypingCoordinator) debounceFired() {
	c.mu.Lock()
	if c.closed || !c.localTyping {
		c.mu.Unlock()
		return
	}
	c.localTyping = false
	c.mu.Unlock()
	c.emit(false)
}

// ApplyRemote updates the record for a remote user and arms its own expiry
// timer, independent of the sender's debounce.
func (c *TypingCoordinator) ApplyRemote(rec TypingRecord) {
	if rec.UserID == "" || rec.UserID == c.self {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if t, ok := c.expiryTimers[rec.UserID]; ok {
		t.Stop()
		delete(c.expiryTimers, rec.UserID)
	}
	if !rec.Typing {
		delete(c.records, rec.UserID)
		return
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = c.now()
	}
	c.records[rec.UserID] = rec
	userID := rec.UserID
	c.expiryTimers[userID] = time.AfterFunc(c.expiry, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			return
		}
		if cur, ok := c.records[userID]; ok && c.now().Sub(cur.UpdatedAt) >= c.expiry {
			delete(c.records, userID)
		}
		delete(c.expiryTimers, userID)
	})
}

// ActiveTypers returns the users currently typing, excluding self and any
// record past its expiry window, sorted by user ID.
func (c *TypingCoordinator) ActiveTypers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	out := make([]string, 0, len(c.records))
	for userID, rec := range c.records {
		if !rec.Typing || now.Sub(rec.UpdatedAt) > c.expiry {
			continue
		}
		out = append(out, userID)
	}
	sort.Strings(out)
	return out
}

// Close cancels every outstanding timer. No signals are emitted after Close.
func (c *TypingCoordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.debounceTimer != nil {
		c.debounceTimer.Stop()
		c.debounceTimer = nil
	}
	for userID, t := range c.expiryTimers {
		t.Stop()
		delete(c.expiryTimers, userID)
	}
}
