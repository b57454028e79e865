package messagestore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/hubd/hubd/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(context.Background(), filepath.Join(dir, "messages.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAddThenUnreadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	for i := 0; i < 3; i++ {
		if _, err := s.Add(ctx, model.Message{From: "alice", To: "bob", Kind: model.KindMessage, Content: "hi"}); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	msgs, err := s.Unread(ctx, "bob")
	if err != nil {
		t.Fatalf("unread: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 unread, got %d", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].Timestamp.Before(msgs[i-1].Timestamp) {
			t.Fatalf("expected ascending timestamp order, got %+v", msgs)
		}
	}
}

func TestMarkAllReadIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if _, err := s.Add(ctx, model.Message{From: "alice", To: "bob", Kind: model.KindMessage, Content: "hi"}); err != nil {
		t.Fatalf("add: %v", err)
	}

	if err := s.MarkAllRead(ctx, "bob"); err != nil {
		t.Fatalf("mark all read (1): %v", err)
	}
	if err := s.MarkAllRead(ctx, "bob"); err != nil {
		t.Fatalf("mark all read (2): %v", err)
	}

	msgs, err := s.Unread(ctx, "bob")
	if err != nil {
		t.Fatalf("unread: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected no unread messages after MarkAllRead, got %d", len(msgs))
	}
}

func TestArchiveOldPreservesUnread(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if _, err := s.Add(ctx, model.Message{From: "alice", To: "bob", Kind: model.KindMessage, Content: "old but unread"}); err != nil {
		t.Fatalf("add: %v", err)
	}

	// ArchiveOld(0) would archive anything read, regardless of age; since
	// the message above was never marked read it must survive.
	n, err := s.ArchiveOld(ctx, 0)
	if err != nil {
		t.Fatalf("archive old: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 archived, got %d", n)
	}

	msgs, err := s.Unread(ctx, "bob")
	if err != nil {
		t.Fatalf("unread: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected unread message to survive archival, got %d", len(msgs))
	}
}

func TestArchiveOldArchivesReadPastRetention(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	id, err := s.Add(ctx, model.Message{From: "alice", To: "bob", Kind: model.KindMessage, Content: "hi"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.MarkAllRead(ctx, "bob"); err != nil {
		t.Fatalf("mark read: %v", err)
	}

	n, err := s.ArchiveOld(ctx, 0)
	if err != nil {
		t.Fatalf("archive old: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 archived, got %d", n)
	}

	paged, err := s.Paged(ctx, "bob", 10, 0)
	if err != nil {
		t.Fatalf("paged: %v", err)
	}
	if len(paged) != 1 || paged[0].ID != id {
		t.Fatalf("expected archived message still visible via Paged, got %+v", paged)
	}
}
