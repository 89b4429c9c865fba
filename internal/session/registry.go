package session

import (
	"errors"
	"sync"
	"time"

	"chatty-portal/backend/pkg/logger"

	"github.com/google/uuid"
)

// ErrNotFound is returned for ids absent from the registry
var ErrNotFound = errors.New("session not found")

// Options configures a Registry
type Options struct {
	// Timeout is the inactivity period after which Sweep removes a session
	Timeout time.Duration
	// NewID generates session ids. Defaults to random UUIDs.
	NewID func() string
	// Now defaults to time.Now
	Now func() time.Time
	Log *logger.Logger
}

// Registry maps session ids to live sessions. Mutations are expected from a
// single dispatch goroutine; the mutex only makes concurrent readers such as
// health checks safe.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	timeout  time.Duration
	newID    func() string
	now      func() time.Time
	log      *logger.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(opts Options) *Registry {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Minute
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.New().String() }
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Log == nil {
		opts.Log = logger.Discard()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		timeout:  opts.Timeout,
		newID:    opts.NewID,
		now:      opts.Now,
		log:      opts.Log,
	}
}

// Create inserts a new session owned by connID and returns it
func (r *Registry) Create(personality, connID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.newID()
	for {
		if _, taken := r.sessions[id]; !taken {
			break
		}
		id = r.newID()
	}

	now := r.now()
	s := &Session{
		ID:           id,
		ConnID:       connID,
		Personality:  personality,
		CreatedAt:    now,
		LastActivity: now,
		State:        StateCreated,
	}
	r.sessions[id] = s
	return s
}

// Get returns the live session with the given id
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	return s, ok
}

// Lookup returns the session only if connID owns it
func (r *Registry) Lookup(id, connID string) (*Session, error) {
	s, ok := r.Get(id)
	if !ok || s.ConnID != connID {
		return nil, ErrNotFound
	}
	return s, nil
}

// Touch refreshes the session's last activity time
func (r *Registry) Touch(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.LastActivity = r.now()
	return nil
}

// TouchConn refreshes every session owned by connID and returns how many it touched
func (r *Registry) TouchConn(connID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	n := 0
	for _, s := range r.sessions {
		if s.ConnID == connID {
			s.LastActivity = now
			n++
		}
	}
	return n
}

// Activate touches the session and moves it from Created to Active.
// It reports whether this call performed the transition.
func (r *Registry) Activate(id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return false, ErrNotFound
	}
	s.LastActivity = r.now()
	return s.activate(), nil
}

// Attach stores an external handle on a live session. When the session is
// gone it returns ErrNotFound and the caller keeps ownership of h.
func (r *Registry) Attach(id string, h Handle, mode string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if s.External != nil && s.External != h {
		if err := s.External.Close(); err != nil {
			r.log.WithSessionID(id).LogError(err, "Failed to close replaced relay handle")
		}
	}
	s.External = h
	s.Mode = mode
	return nil
}

// Remove ends and deletes the session. Removing an absent id is a no-op
// that returns false.
func (r *Registry) Remove(id string) (*Session, bool) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	if !ok {
		return nil, false
	}
	r.release(s)
	return s, true
}

// RemoveByConn removes every session owned by connID
func (r *Registry) RemoveByConn(connID string) []*Session {
	return r.removeWhere(func(s *Session) bool { return s.ConnID == connID })
}

// Sweep removes sessions idle for longer than the timeout as of now
func (r *Registry) Sweep(now time.Time) []*Session {
	return r.removeWhere(func(s *Session) bool {
		return now.Sub(s.LastActivity) > r.timeout
	})
}

// RemoveAll ends every session, used on shutdown
func (r *Registry) RemoveAll() []*Session {
	return r.removeWhere(func(*Session) bool { return true })
}

// Count returns the number of live sessions
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CountByState returns live session counts keyed by state name
func (r *Registry) CountByState() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[string]int)
	for _, s := range r.sessions {
		counts[s.State.String()]++
	}
	return counts
}

func (r *Registry) removeWhere(match func(*Session) bool) []*Session {
	r.mu.Lock()
	var removed []*Session
	for id, s := range r.sessions {
		if match(s) {
			delete(r.sessions, id)
			removed = append(removed, s)
		}
	}
	r.mu.Unlock()

	for _, s := range removed {
		r.release(s)
	}
	return removed
}

func (r *Registry) release(s *Session) {
	if err := s.end(); err != nil {
		r.log.WithSessionID(s.ID).LogError(err, "Failed to release relay handle")
	}
}
