package chatsync

import (
	"sync"
	"time"
)

// StatusLedger tracks per-message, per-recipient acknowledgment state and the
// derived sender-visible aggregate. Transitions are monotonic per
// (message, recipient): a late or re-delivered weaker acknowledgment never
// regresses a record, and therefore never regresses the aggregate.
//
// The aggregate is the minimum rank across all recipients of a message,
// maintained incrementally with per-rank counters so a busy conversation is
// never rescanned.
type StatusLedger struct {
	mu      sync.RWMutex
	records map[string]map[string]StatusRecord // messageID -> recipientID -> record
	ranks   map[string]*rankCounts             // messageID -> recipients per rank
}

type rankCounts struct {
	counts [3]int
}

func (rc *rankCounts) min() DeliveryStatus {
	switch {
	case rc.counts[0] > 0:
		return StatusSent
	case rc.counts[1] > 0:
		return StatusDelivered
	case rc.counts[2] > 0:
		return StatusRead
	default:
		return StatusSent
	}
}

// NewStatusLedger creates an empty ledger.
func NewStatusLedger() *StatusLedger {
	return &StatusLedger{
		records: make(map[string]map[string]StatusRecord),
		ranks:   make(map[string]*rankCounts),
	}
}

// Record applies a status transition and reports whether anything changed.
// A transition is applied only when it strictly raises the recipient's rank;
// equal or lower ranks are ignored, which makes duplicate delivery harmless.
func (l *StatusLedger) Record(messageID, recipientID string, status DeliveryStatus, at time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	perMsg := l.records[messageID]
	if perMsg == nil {
		perMsg = make(map[string]StatusRecord)
		l.records[messageID] = perMsg
		l.ranks[messageID] = &rankCounts{}
	}
	rc := l.ranks[messageID]

	cur, seen := perMsg[recipientID]
	if seen && status.Rank() <= cur.Status.Rank() {
		return false
	}

	if seen {
		rc.counts[cur.Status.Rank()]--
	}
	rc.counts[status.Rank()]++
	perMsg[recipientID] = StatusRecord{
		MessageID:   messageID,
		RecipientID: recipientID,
		Status:      status,
		UpdatedAt:   at,
	}
	return true
}

// AggregateFor returns the sender-visible status of a message: the minimum
// rank across its recipients, or sent while no recipient has acknowledged.
func (l *StatusLedger) AggregateFor(messageID string) DeliveryStatus {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rc, ok := l.ranks[messageID]
	if !ok {
		return StatusSent
	}
	return rc.min()
}

// StatusOf returns one recipient's record for a message.
func (l *StatusLedger) StatusOf(messageID, recipientID string) (StatusRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.records[messageID][recipientID]
	return rec, ok
}

// Recipients returns every recipient record for a message.
func (l *StatusLedger) Recipients(messageID string) []StatusRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]StatusRecord, 0, len(l.records[messageID]))
	for _, rec := range l.records[messageID] {
		out = append(out, rec)
	}
	return out
}
