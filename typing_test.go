package chatsync

import (
	"sync"
	"testing"
	"time"
)

// emitRecorder captures typing transitions emitted by the coordinator.
type emitRecorder struct {
	mu    sync.Mutex
	emits []bool
}

func (r *emitRecorder) record(typing bool) {
	r.mu.Lock()
	r.emits = append(r.emits, typing)
	r.mu.Unlock()
}

func (r *emitRecorder) snapshot() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool{}, r.emits...)
}

func (r *emitRecorder) waitFor(t *testing.T, n int) []bool {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := r.snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d emits, have %v", n, r.snapshot())
	return nil
}

func TestTypingEmitsOnTransitionOnly(t *testing.T) {
	rec := &emitRecorder{}
	c := NewTypingCoordinator("u1", time.Hour, nil, rec.record)
	defer c.Close()

	c.SetLocal(true)
	c.SetLocal(true)
	c.SetLocal(true)

	if got := rec.snapshot(); len(got) != 1 || !got[0] {
		t.Fatalf("expected a single start emit, got %v", got)
	}

	c.SetLocal(false)
	if got := rec.snapshot(); len(got) != 2 || got[1] {
		t.Fatalf("expected a stop emit, got %v", got)
	}
}

func TestTypingDebounceEmitsStop(t *testing.T) {
	rec := &emitRecorder{}
	c := NewTypingCoordinator("u1", 20*time.Millisecond, nil, rec.record)
	defer c.Close()

	c.SetLocal(true)
	got := rec.waitFor(t, 2)
	if !got[0] || got[1] {
		t.Fatalf("expected start then debounced stop, got %v", got)
	}
}

func TestTypingKeystrokesRestartDebounce(t *testing.T) {
	rec := &emitRecorder{}
	c := NewTypingCoordinator("u1", 60*time.Millisecond, nil, rec.record)
	defer c.Close()

	c.SetLocal(true)
	// Keep typing faster than the debounce interval.
	for i := 0; i < 4; i++ {
		time.Sleep(20 * time.Millisecond)
		c.SetLocal(true)
	}
	if got := rec.snapshot(); len(got) != 1 {
		t.Fatalf("debounce fired during continuous typing: %v", got)
	}

	rec.waitFor(t, 2)
}

func TestTypingFlushEmitsStopImmediately(t *testing.T) {
	rec := &emitRecorder{}
	c := NewTypingCoordinator("u1", time.Hour, nil, rec.record)
	defer c.Close()

	c.SetLocal(true)
	c.Flush()

	got := rec.snapshot()
	if len(got) != 2 || got[1] {
		t.Fatalf("expected immediate stop on flush, got %v", got)
	}

	// Flushing while not typing emits nothing.
	c.Flush()
	if got := rec.snapshot(); len(got) != 2 {
		t.Fatalf("idle flush emitted: %v", got)
	}
}

func TestTypingRemoteLifecycle(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	c := NewTypingCoordinator("u1", time.Hour, clock.Now, nil)
	defer c.Close()

	c.ApplyRemote(TypingRecord{UserID: "u2", Typing: true, UpdatedAt: clock.Now()})
	if got := c.ActiveTypers(); len(got) != 1 || got[0] != "u2" {
		t.Fatalf("expected u2 typing, got %v", got)
	}

	c.ApplyRemote(TypingRecord{UserID: "u2", Typing: false, UpdatedAt: clock.Now()})
	if got := c.ActiveTypers(); len(got) != 0 {
		t.Fatalf("expected nobody typing after stop, got %v", got)
	}
}

func TestTypingRemoteRecordExpires(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	c := NewTypingCoordinator("u1", 2*time.Second, clock.Now, nil)
	defer c.Close()

	// A start whose stop event was lost must still fade out.
	c.ApplyRemote(TypingRecord{UserID: "u2", Typing: true, UpdatedAt: clock.Now()})

	clock.Advance(6 * time.Second)
	if got := c.ActiveTypers(); len(got) != 0 {
		t.Fatalf("expired record still reported typing: %v", got)
	}
}

func TestTypingIgnoresSelf(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	c := NewTypingCoordinator("u1", time.Hour, clock.Now, nil)
	defer c.Close()

	c.ApplyRemote(TypingRecord{UserID: "u1", Typing: true, UpdatedAt: clock.Now()})
	if got := c.ActiveTypers(); len(got) != 0 {
		t.Fatalf("own record should be ignored, got %v", got)
	}
}

func TestTypingCloseSuppressesEmits(t *testing.T) {
	rec := &emitRecorder{}
	c := NewTypingCoordinator("u1", 10*time.Millisecond, nil, rec.record)

	c.SetLocal(true)
	c.Close()
	before := len(rec.snapshot())

	time.Sleep(50 * time.Millisecond)
	if got := rec.snapshot(); len(got) != before {
		t.Fatalf("emit after close: %v", got)
	}
}

func TestTypingActiveTypersSorted(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	c := NewTypingCoordinator("u1", time.Hour, clock.Now, nil)
	defer c.Close()

	c.ApplyRemote(TypingRecord{UserID: "zoe", Typing: true, UpdatedAt: clock.Now()})
	c.ApplyRemote(TypingRecord{UserID: "ana", Typing: true, UpdatedAt: clock.Now()})

	got := c.ActiveTypers()
	if len(got) != 2 || got[0] != "ana" || got[1] != "zoe" {
		t.Fatalf("expected sorted typers, got %v", got)
	}
}
