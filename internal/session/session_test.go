package session

import (
	"testing"
	"time"
)

func TestCreateSessionRejectsSelfPairing(t *testing.T) {
	m := NewManager(0)
	if _, err := m.CreateSession("alice", "alice", "ws"); err != ErrSelfPairing {
		t.Fatalf("expected ErrSelfPairing, got %v", err)
	}
}

func TestJoinSessionOnlyDeclaredParticipant(t *testing.T) {
	m := NewManager(0)
	s, err := m.CreateSession("alice", "bob", "ws")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := m.JoinSession(s.ID, "carol"); err != ErrNotParticipant {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}

	joined, err := m.JoinSession(s.ID, "bob")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if !joined.Joined {
		t.Fatal("expected session marked joined")
	}
}

func TestGetUpdatesAdvancesCursorPerAccount(t *testing.T) {
	m := NewManager(0)
	s, _ := m.CreateSession("alice", "bob", "ws")
	if _, err := m.JoinSession(s.ID, "bob"); err != nil {
		t.Fatalf("join: %v", err)
	}

	if err := m.AddUpdate(s.ID, "alice", "one"); err != nil {
		t.Fatalf("add update: %v", err)
	}
	if err := m.AddUpdate(s.ID, "bob", "two"); err != nil {
		t.Fatalf("add update: %v", err)
	}

	bobUpdates, err := m.GetUpdates(s.ID, "bob")
	if err != nil {
		t.Fatalf("get updates: %v", err)
	}
	if len(bobUpdates) != 2 {
		t.Fatalf("expected 2 updates for bob's first read, got %d", len(bobUpdates))
	}

	// Cursor advanced: a second read returns nothing new.
	bobUpdates2, err := m.GetUpdates(s.ID, "bob")
	if err != nil {
		t.Fatalf("get updates (2nd): %v", err)
	}
	if len(bobUpdates2) != 0 {
		t.Fatalf("expected no new updates on second read, got %d", len(bobUpdates2))
	}

	// alice's cursor is independent of bob's.
	aliceUpdates, err := m.GetUpdates(s.ID, "alice")
	if err != nil {
		t.Fatalf("get updates for alice: %v", err)
	}
	if len(aliceUpdates) != 2 {
		t.Fatalf("expected alice to see both updates on her first read, got %d", len(aliceUpdates))
	}
}

func TestAddUpdateRejectsNonMember(t *testing.T) {
	m := NewManager(0)
	s, _ := m.CreateSession("alice", "bob", "ws")
	if err := m.AddUpdate(s.ID, "carol", "x"); err != ErrNotMember {
		t.Fatalf("expected ErrNotMember, got %v", err)
	}
}

func TestEndSessionDeactivates(t *testing.T) {
	m := NewManager(0)
	s, _ := m.CreateSession("alice", "bob", "ws")

	if err := m.EndSession(s.ID, "bob"); err != nil {
		t.Fatalf("end session: %v", err)
	}

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Active {
		t.Fatal("expected session inactive after EndSession")
	}
}

func TestEndSessionRejectsNonMember(t *testing.T) {
	m := NewManager(0)
	s, _ := m.CreateSession("alice", "bob", "ws")

	if err := m.EndSession(s.ID, "carol"); err != ErrNotMember {
		t.Fatalf("expected ErrNotMember, got %v", err)
	}
}

func TestEndSessionUnknownID(t *testing.T) {
	m := NewManager(0)
	if err := m.EndSession("no-such-session", "alice"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCleanupStaleDeactivatesWhenAllMembersSilent(t *testing.T) {
	m := NewManager(90 * time.Second)
	s, _ := m.CreateSession("alice", "bob", "ws")
	if _, err := m.JoinSession(s.ID, "bob"); err != nil {
		t.Fatalf("join: %v", err)
	}

	future := time.Now().Add(2 * time.Minute)
	deactivated := m.CleanupStale(future)
	if len(deactivated) != 1 || deactivated[0] != s.ID {
		t.Fatalf("expected session to be deactivated, got %v", deactivated)
	}

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Active {
		t.Fatal("expected session inactive after CleanupStale")
	}
}

func TestCleanupStaleLeavesActiveMembersAlone(t *testing.T) {
	m := NewManager(90 * time.Second)
	s, _ := m.CreateSession("alice", "bob", "ws")
	if _, err := m.JoinSession(s.ID, "bob"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := m.Ping(s.ID, "bob"); err != nil {
		t.Fatalf("ping: %v", err)
	}

	deactivated := m.CleanupStale(time.Now())
	if len(deactivated) != 0 {
		t.Fatalf("expected no deactivation for freshly-pinged session, got %v", deactivated)
	}
}

func TestPurgeInactiveDropsOldInactiveSessions(t *testing.T) {
	m := NewManager(0)
	s, _ := m.CreateSession("alice", "bob", "ws")
	m.CleanupStale(time.Now().Add(time.Hour))

	n := m.PurgeInactive(time.Minute, time.Now().Add(2*time.Hour))
	if n != 1 {
		t.Fatalf("expected 1 purged session, got %d", n)
	}
	if _, err := m.Get(s.ID); err != ErrNotFound {
		t.Fatalf("expected session to be gone, got err=%v", err)
	}
}
