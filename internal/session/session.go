// Package session manages ephemeral, pairwise shared sessions between two
// accounts: a bounded update ring, per-(session,account) read cursors,
// and liveness via lastPing timestamps.
//
// Grounded conceptually on the teacher's internal/coop package (pairwise
// agent-to-agent monitoring with a liveness/staleness model), but built
// fresh rather than adapted from coop/backend.go's SessionBackend: that
// interface wraps a tmux pane and a websocket watcher, machinery this
// spec has no use for since sessions here are pure in-memory update
// rings addressed by account, not terminal panes.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hubd/hubd/internal/model"
)

var (
	ErrSelfPairing  = errors.New("cannot create a session with oneself")
	ErrNotFound     = errors.New("session not found")
	ErrNotParticipant = errors.New("account is not the declared participant")
	ErrNotMember    = errors.New("account is not a member of the session")
	ErrInactive     = errors.New("session is not active")
)

// DefaultStaleAfter is how long a member's lastPing can go unrefreshed
// before CleanupStale marks the session inactive.
const DefaultStaleAfter = 90 * time.Second

type entry struct {
	session model.SharedSession
	updates []model.SessionUpdate
	cursors map[string]int // account -> next unread index
}

// Manager holds every shared session.
type Manager struct {
	mu         sync.Mutex
	sessions   map[string]*entry
	staleAfter time.Duration
}

// NewManager creates a Manager using staleAfter for CleanupStale (zero
// uses DefaultStaleAfter).
func NewManager(staleAfter time.Duration) *Manager {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Manager{sessions: make(map[string]*entry), staleAfter: staleAfter}
}

// CreateSession starts a new session between initiator and participant in
// workspace. Rejects self-pairing.
func (m *Manager) CreateSession(initiator, participant, workspace string) (model.SharedSession, error) {
	if initiator == participant {
		return model.SharedSession{}, ErrSelfPairing
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	s := model.SharedSession{
		ID:         uuid.NewString(),
		Initiator:  initiator,
		Participant: participant,
		Workspace:  workspace,
		StartedAt:  now,
		Active:     true,
		Joined:     false,
		LastPing:   map[string]int64{initiator: now.UnixMilli()},
	}
	m.sessions[s.ID] = &entry{session: s, cursors: make(map[string]int)}
	return s, nil
}

// JoinSession marks the session joined. Only the declared participant may
// join, and only while the session is active.
func (m *Manager) JoinSession(id, account string) (model.SharedSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[id]
	if !ok {
		return model.SharedSession{}, ErrNotFound
	}
	if !e.session.Active {
		return model.SharedSession{}, ErrInactive
	}
	if e.session.Participant != account {
		return model.SharedSession{}, ErrNotParticipant
	}
	e.session.Joined = true
	e.session.LastPing[account] = time.Now().UnixMilli()
	return e.session, nil
}

// Ping refreshes account's lastPing if it is a member of the session.
func (m *Manager) Ping(id, account string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if !isMember(e.session, account) {
		return ErrNotMember
	}
	e.session.LastPing[account] = time.Now().UnixMilli()
	return nil
}

// AddUpdate appends data from a member to the session's update ring,
// provided the session is active.
func (m *Manager) AddUpdate(id, from, data string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if !e.session.Active {
		return ErrInactive
	}
	if !isMember(e.session, from) {
		return ErrNotMember
	}
	e.updates = append(e.updates, model.SessionUpdate{From: from, Data: data, Timestamp: time.Now()})
	return nil
}

// GetUpdates returns every update strictly after forAcct's cursor and
// advances the cursor past them.
func (m *Manager) GetUpdates(id, forAcct string) ([]model.SessionUpdate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !isMember(e.session, forAcct) {
		return nil, ErrNotMember
	}

	cursor := e.cursors[forAcct]
	if cursor >= len(e.updates) {
		return nil, nil
	}
	out := append([]model.SessionUpdate(nil), e.updates[cursor:]...)
	e.cursors[forAcct] = len(e.updates)
	return out, nil
}

// EndSession deactivates id on behalf of account, the member-initiated
// counterpart to CleanupStale's staleness-initiated deactivation.
func (m *Manager) EndSession(id, account string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if !isMember(e.session, account) {
		return ErrNotMember
	}
	e.session.Active = false
	return nil
}

// CleanupStale marks every active session inactive whose members have
// all gone silent (lastPing older than the manager's staleAfter).
func (m *Manager) CleanupStale(now time.Time) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deactivated []string
	for id, e := range m.sessions {
		if !e.session.Active {
			continue
		}
		allStale := true
		for _, lastPing := range e.session.LastPing {
			if now.Sub(time.UnixMilli(lastPing)) <= m.staleAfter {
				allStale = false
				break
			}
		}
		if allStale && len(e.session.LastPing) > 0 {
			e.session.Active = false
			deactivated = append(deactivated, id)
		}
	}
	return deactivated
}

// PurgeInactive drops inactive sessions whose startedAt is older than
// olderThan and returns how many were removed.
func (m *Manager) PurgeInactive(olderThan time.Duration, now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, e := range m.sessions {
		if e.session.Active {
			continue
		}
		if now.Sub(e.session.StartedAt) > olderThan {
			delete(m.sessions, id)
			n++
		}
	}
	return n
}

// Get returns the current session record.
func (m *Manager) Get(id string) (model.SharedSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok {
		return model.SharedSession{}, ErrNotFound
	}
	return e.session, nil
}

func isMember(s model.SharedSession, account string) bool {
	return account == s.Initiator || account == s.Participant
}
