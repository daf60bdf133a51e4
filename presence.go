package chatsync

import (
	"sort"
	"sync"
	"time"
)

// PresenceStaleness is how old a heartbeat may be before its record is
// treated as offline regardless of the stored flag.
const PresenceStaleness = 120 * time.Second

// PresenceTracker holds the last known presence of every user in the
// conversation. Remote records are applied verbatim (each user's own client
// is the only writer of its record); only the staleness evaluation is local.
type PresenceTracker struct {
	now func() time.Time

	mu      sync.RWMutex
	records map[string]PresenceRecord
}

// NewPresenceTracker creates a tracker using the given clock.
func NewPresenceTracker(now func() time.Time) *PresenceTracker {
	if now == nil {
		now = time.Now
	}
	return &PresenceTracker{
		now:     now,
		records: make(map[string]PresenceRecord),
	}
}

// Heartbeat upserts a record for userID with a fresh UpdatedAt. LastSeen
// advances only while online, so it keeps pointing at the last moment the
// user was actually there.
func (p *PresenceTracker) Heartbeat(userID string, online bool) PresenceRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	rec := p.records[userID]
	rec.UserID = userID
	rec.Online = online
	rec.UpdatedAt = now
	if online {
		rec.LastSeen = now
	}
	p.records[userID] = rec
	return rec
}

// Apply stores a remote record as-is. Records are never deleted, only
// refreshed.
func (p *PresenceTracker) Apply(rec PresenceRecord) {
	if rec.UserID == "" {
		return
	}
	p.mu.Lock()
	p.records[rec.UserID] = rec
	p.mu.Unlock()
}

// IsEffectivelyOnline reports whether the user's record says online AND is
// fresh enough to be believed.
func (p *PresenceTracker) IsEffectivelyOnline(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rec, ok := p.records[userID]
	if !ok || !rec.Online {
		return false
	}
	return p.now().Sub(rec.UpdatedAt) < PresenceStaleness
}

// LastSeen returns when the user was last known online.
func (p *PresenceTracker) LastSeen(userID string) (time.Time, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rec, ok := p.records[userID]
	if !ok || rec.LastSeen.IsZero() {
		return time.Time{}, false
	}
	return rec.LastSeen, true
}

// Snapshot returns all known records sorted by user ID.
func (p *PresenceTracker) Snapshot() []PresenceRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PresenceRecord, 0, len(p.records))
	for _, rec := range p.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
