// Package agent drives the conversation loop: user message in, streamed
// model output and tool rounds out. One turn at a time per session; the
// session log only ever grows and is sanitized before every provider
// call.
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"homepilot/internal/chat"
)

// Session owns one conversation's message log. All access goes through
// the methods; the log is append-only.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu     sync.Mutex
	log    []chat.Message
	turns  int
	active bool
	cancel context.CancelFunc
}

// Log returns a snapshot of the message log.
func (s *Session) Log() []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chat.Message, len(s.log))
	copy(out, s.log)
	return out
}

// Append adds messages to the log.
func (s *Session) Append(msgs ...chat.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = append(s.log, msgs...)
}

// Turns returns how many user turns the session has run.
func (s *Session) Turns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turns
}

// Active reports whether a turn is currently in flight.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// CancelTurn cancels the in-flight turn, if any.
func (s *Session) CancelTurn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return false
	}
	s.cancel()
	return true
}

// beginTurn claims the session's single turn slot.
func (s *Session) beginTurn(cancel context.CancelFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return ErrTurnInProgress
	}
	s.active = true
	s.cancel = cancel
	s.turns++
	return nil
}

func (s *Session) endTurn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = false
	s.cancel = nil
}

// SessionManager hands out sessions by id. Sessions live in memory for
// the process lifetime; changesets they propose are persisted separately
// and outlive them.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewSessionManager returns an empty manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{sessions: make(map[string]*Session)}
}

// New creates a fresh session.
func (m *SessionManager) New() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &Session{
		ID:        fmt.Sprintf("sess_%d", time.Now().UnixNano()),
		CreatedAt: time.Now(),
	}
	m.sessions[s.ID] = s
	return s
}

// Get returns the session with the given id, or nil.
func (m *SessionManager) Get(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

// GetOrCreate returns the named session, creating a fresh one when id is
// empty or unknown.
func (m *SessionManager) GetOrCreate(id string) *Session {
	if id != "" {
		if s := m.Get(id); s != nil {
			return s
		}
	}
	return m.New()
}
