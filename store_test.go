package chatsync

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func msg(id string, created time.Time, text string) Message {
	return Message{ID: id, SenderID: "u1", Text: text, CreatedAt: created}
}

func TestMessageStoreOrdering(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewMessageStore()

	// Arrival order deliberately scrambled; two share a timestamp.
	store.Upsert(msg("m3", base.Add(2*time.Second), "third"))
	store.Upsert(msg("m1", base, "first"))
	store.Upsert(msg("m4", base.Add(2*time.Second), "fourth"))
	store.Upsert(msg("m2", base.Add(time.Second), "second"))

	var got []string
	for _, m := range store.ListOrdered() {
		got = append(got, m.ID)
	}
	want := []string{"m1", "m2", "m3", "m4"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestMessageStoreDuplicateInsertIsNoop(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewMessageStore()

	store.Upsert(msg("m1", base, "hello"))
	store.Upsert(msg("m1", base, "hello"))

	if store.Len() != 1 {
		t.Fatalf("expected 1 message, got %d", store.Len())
	}
	got, _ := store.Get("m1")
	if got.Text != "hello" {
		t.Fatalf("expected text %q, got %q", "hello", got.Text)
	}
}

func TestMessageStoreEditLastWriterWins(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewMessageStore()

	first := msg("m1", base, "hello")
	first.UpdatedAt = base
	store.Upsert(first)

	edit := msg("m1", base, "hello, world")
	edit.UpdatedAt = base.Add(5 * time.Second)
	store.Upsert(edit)

	stale := msg("m1", base, "helo")
	stale.UpdatedAt = base.Add(2 * time.Second)
	store.Upsert(stale)

	got, _ := store.Get("m1")
	if got.Text != "hello, world" {
		t.Fatalf("expected newest edit to win, got %q", got.Text)
	}
	if !got.UpdatedAt.Equal(base.Add(5 * time.Second)) {
		t.Fatalf("expected UpdatedAt of newest edit, got %v", got.UpdatedAt)
	}
}

func TestMessageStoreEditCannotBlankText(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewMessageStore()

	first := msg("m1", base, "hello")
	first.UpdatedAt = base
	store.Upsert(first)

	// Empty content in a newer event reads as "field absent", never as a
	// clear.
	blank := msg("m1", base, "")
	blank.UpdatedAt = base.Add(5 * time.Second)
	store.Upsert(blank)

	got, _ := store.Get("m1")
	if got.Text != "hello" {
		t.Fatalf("text blanked by empty edit: %q", got.Text)
	}
}

func TestMessageStoreCreatedAtImmutable(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewMessageStore()

	store.Upsert(msg("m1", base, "hello"))

	later := msg("m1", base.Add(time.Hour), "hello")
	later.UpdatedAt = base.Add(time.Hour)
	store.Upsert(later)

	got, _ := store.Get("m1")
	if !got.CreatedAt.Equal(base) {
		t.Fatalf("CreatedAt changed: want %v, got %v", base, got.CreatedAt)
	}
}

func TestMessageStoreReplaceOptimistic(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewMessageStore()

	temp := msg("tmp-1", base, "hi")
	temp.ClientID = "tmp-1"
	temp.Pending = true
	store.Upsert(temp)

	final := msg("srv-1", base.Add(100*time.Millisecond), "hi")
	final.ClientID = "tmp-1"
	store.ReplaceOptimistic("tmp-1", final)

	if _, ok := store.Get("tmp-1"); ok {
		t.Fatal("optimistic copy should be gone after replacement")
	}
	got, ok := store.Get("srv-1")
	if !ok {
		t.Fatal("confirmed message missing")
	}
	if got.Pending {
		t.Fatal("confirmed message still marked pending")
	}
	if store.Len() != 1 {
		t.Fatalf("expected 1 message, got %d", store.Len())
	}
}

func TestMessageStoreReplaceOptimisticAfterEcho(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewMessageStore()

	// The live echo arrives before the insert confirmation.
	echo := msg("srv-1", base, "hi")
	echo.ClientID = "tmp-1"
	store.Upsert(echo)

	confirmed := msg("srv-1", base, "hi")
	confirmed.ClientID = "tmp-1"
	store.ReplaceOptimistic("tmp-1", confirmed)

	if store.Len() != 1 {
		t.Fatalf("expected 1 message after echo+confirm, got %d", store.Len())
	}
}

func TestMessageStoreReplyPreview(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewMessageStore()

	store.Upsert(msg("m1", base, "original"))

	reply := msg("m2", base.Add(time.Second), "agreed")
	reply.ReplyToID = "m1"
	store.Upsert(reply)

	got, _ := store.Get("m2")
	if got.ReplyPreview != "original" {
		t.Fatalf("expected preview %q, got %q", "original", got.ReplyPreview)
	}
}

func TestMessageStoreReplyPreviewLateTarget(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewMessageStore()

	// Reply arrives before the message it references.
	reply := msg("m2", base.Add(time.Second), "agreed")
	reply.ReplyToID = "m1"
	store.Upsert(reply)

	got, _ := store.Get("m2")
	if got.ReplyPreview != ReplyUnavailable {
		t.Fatalf("expected placeholder %q, got %q", ReplyUnavailable, got.ReplyPreview)
	}

	store.Upsert(msg("m1", base, "original"))

	got, _ = store.Get("m2")
	if got.ReplyPreview != "original" {
		t.Fatalf("expected preview resolved to %q, got %q", "original", got.ReplyPreview)
	}
}

func TestMessageStoreReplyPreviewAttachment(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewMessageStore()

	target := Message{ID: "m1", SenderID: "u1", AttachmentURL: "https://cdn.example.com/a.png", CreatedAt: base}
	store.Upsert(target)

	reply := msg("m2", base.Add(time.Second), "nice")
	reply.ReplyToID = "m1"
	store.Upsert(reply)

	got, _ := store.Get("m2")
	if got.ReplyPreview != "[attachment]" {
		t.Fatalf("expected attachment preview, got %q", got.ReplyPreview)
	}
}
