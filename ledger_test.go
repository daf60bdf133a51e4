package chatsync

import (
	"testing"
	"time"
)

func TestLedgerDefaultsToSent(t *testing.T) {
	l := NewStatusLedger()
	if got := l.AggregateFor("unknown"); got != StatusSent {
		t.Fatalf("expected sent for unknown message, got %s", got)
	}
}

func TestLedgerMonotonicPerRecipient(t *testing.T) {
	l := NewStatusLedger()
	at := time.Now()

	if !l.Record("m1", "u2", StatusDelivered, at) {
		t.Fatal("first delivered should apply")
	}
	if !l.Record("m1", "u2", StatusRead, at.Add(time.Second)) {
		t.Fatal("read after delivered should apply")
	}

	// A late, weaker acknowledgment must not regress the record.
	if l.Record("m1", "u2", StatusDelivered, at.Add(2*time.Second)) {
		t.Fatal("delivered after read should be ignored")
	}
	rec, ok := l.StatusOf("m1", "u2")
	if !ok || rec.Status != StatusRead {
		t.Fatalf("expected read to stick, got %+v", rec)
	}
}

func TestLedgerDuplicateIsNoop(t *testing.T) {
	l := NewStatusLedger()
	at := time.Now()

	l.Record("m1", "u2", StatusDelivered, at)
	if l.Record("m1", "u2", StatusDelivered, at) {
		t.Fatal("duplicate delivered should report no change")
	}
	if got := l.AggregateFor("m1"); got != StatusDelivered {
		t.Fatalf("aggregate corrupted by duplicate: %s", got)
	}
}

func TestLedgerAggregateIsMinimum(t *testing.T) {
	l := NewStatusLedger()
	at := time.Now()

	l.Record("m1", "u2", StatusRead, at)
	l.Record("m1", "u3", StatusDelivered, at)

	if got := l.AggregateFor("m1"); got != StatusDelivered {
		t.Fatalf("expected delivered (slowest recipient), got %s", got)
	}

	l.Record("m1", "u3", StatusRead, at.Add(time.Second))
	if got := l.AggregateFor("m1"); got != StatusRead {
		t.Fatalf("expected read once every recipient read, got %s", got)
	}
}

func TestLedgerAggregateTracksSlowestRecipient(t *testing.T) {
	l := NewStatusLedger()
	at := time.Now()

	l.Record("m1", "u2", StatusDelivered, at)
	l.Record("m1", "u3", StatusDelivered, at)
	l.Record("m1", "u4", StatusRead, at)

	if got := l.AggregateFor("m1"); got != StatusDelivered {
		t.Fatalf("expected delivered, got %s", got)
	}

	l.Record("m1", "u2", StatusRead, at.Add(time.Second))
	if got := l.AggregateFor("m1"); got != StatusDelivered {
		t.Fatalf("one recipient still at delivered, got %s", got)
	}

	l.Record("m1", "u3", StatusRead, at.Add(2*time.Second))
	if got := l.AggregateFor("m1"); got != StatusRead {
		t.Fatalf("all read, got %s", got)
	}
}

func TestLedgerRecipients(t *testing.T) {
	l := NewStatusLedger()
	at := time.Now()

	l.Record("m1", "u2", StatusDelivered, at)
	l.Record("m1", "u3", StatusRead, at)

	recs := l.Recipients("m1")
	if len(recs) != 2 {
		t.Fatalf("expected 2 recipient records, got %d", len(recs))
	}
}
