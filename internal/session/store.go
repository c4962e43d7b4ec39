// Package session keeps conversation history per session for the lifetime of
// the process. Nothing is persisted and nothing is evicted.
package session

import (
	"sync"
	"time"
)

// Role identifies who spoke a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one utterance in a conversation. The user-only fields describe the
// final transcript that closed the turn.
type Turn struct {
	Role Role   `json:"role"`
	Text string `json:"text"`

	TurnOrder  int     `json:"turn_order,omitempty"`
	Confidence float64 `json:"end_of_turn_confidence,omitempty"`
	Formatted  bool    `json:"turn_is_formatted,omitempty"`
	Partial    bool    `json:"-"`

	At time.Time `json:"at"`
}

// Session is a snapshot of one conversation.
type Session struct {
	ID        string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
	Turns     []Turn    `json:"turns"`
}

type entry struct {
	mu        sync.Mutex
	createdAt time.Time
	turns     []Turn
}

// Store maps session ids to ordered history. A session is expected to have a
// single writing connection; the per-session lock only keeps concurrent
// readers and a misbehaving second writer from corrupting the slice.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	now      func() time.Time
}

func New() *Store {
	return &Store{
		sessions: make(map[string]*entry),
		now:      time.Now,
	}
}

func (s *Store) get(id string, create bool) *entry {
	s.mu.RLock()
	e := s.sessions[id]
	s.mu.RUnlock()
	if e != nil || !create {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e = s.sessions[id]; e == nil {
		e = &entry{createdAt: s.now().UTC()}
		s.sessions[id] = e
	}
	return e
}

// Append adds t to the end of the session's history, creating the session on
// first use, and returns the index the turn was stored at. Partial turns are
// never stored; Append returns -1 for them.
func (s *Store) Append(id string, t Turn) int {
	if t.Partial {
		return -1
	}
	if t.At.IsZero() {
		t.At = s.now().UTC()
	}
	e := s.get(id, true)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.turns = append(e.turns, t)
	return len(e.turns) - 1
}

// History returns a copy of the session's turns, oldest first. Unknown
// sessions yield nil.
func (s *Store) History(id string) []Turn {
	e := s.get(id, false)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Turn, len(e.turns))
	copy(out, e.turns)
	return out
}

// ContextFor returns the history a reply to the user turn at index i should
// see: every turn before i, assistant turns recorded after i (replies to
// earlier turns that finished while i was queued), then turn i itself. User
// turns after i are left out. An out-of-range i yields the full history.
func (s *Store) ContextFor(id string, i int) []Turn {
	h := s.History(id)
	if i < 0 || i >= len(h) {
		return h
	}
	out := make([]Turn, 0, len(h))
	out = append(out, h[:i]...)
	for _, t := range h[i+1:] {
		if t.Role == RoleAssistant {
			out = append(out, t)
		}
	}
	return append(out, h[i])
}

// Get returns a snapshot of the session and whether it exists.
func (s *Store) Get(id string) (Session, bool) {
	e := s.get(id, false)
	if e == nil {
		return Session{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	turns := make([]Turn, len(e.turns))
	copy(turns, e.turns)
	return Session{ID: id, CreatedAt: e.createdAt, Turns: turns}, true
}

// Len returns the number of known sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
