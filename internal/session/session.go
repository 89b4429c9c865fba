// Package session holds the server-side session registry and the per-session
// state machine.
package session

import (
	"time"

	"chatty-portal/backend/pkg/scheduler"
)

// State is a session lifecycle state
type State int

const (
	// StateCreated is a session that has not yet received audio
	StateCreated State = iota
	// StateActive is a session that has received at least one audio chunk
	StateActive
	// StateEnded is terminal
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Close reasons
const (
	ReasonEnded      = "ended"
	ReasonTimeout    = "timeout"
	ReasonDisconnect = "disconnect"
	ReasonShutdown   = "shutdown"
)

// Handle is a held external-service resource released when the session goes away
type Handle interface {
	Close() error
}

// Session is one voice interaction owned by a single connection
type Session struct {
	ID           string
	ConnID       string
	Personality  string
	CreatedAt    time.Time
	LastActivity time.Time
	State        State
	Mode         string
	External     Handle

	tasks scheduler.Group
}

// Schedule records t so it is stopped when the session is removed
func (s *Session) Schedule(t scheduler.Task) scheduler.Task {
	return s.tasks.Add(t)
}

// Ended reports whether the session reached its terminal state
func (s *Session) Ended() bool {
	return s.State == StateEnded
}

// activate moves Created to Active. Other states are left alone.
func (s *Session) activate() bool {
	if s.State != StateCreated {
		return false
	}
	s.State = StateActive
	return true
}

// end moves the session to Ended, stops its tasks, and releases the external
// handle. It returns the handle's close error, if any.
func (s *Session) end() error {
	if s.State == StateEnded {
		return nil
	}
	s.State = StateEnded
	s.tasks.StopAll()

	if s.External == nil {
		return nil
	}
	h := s.External
	s.External = nil
	return h.Close()
}
