// Package transcript keeps the ordered conversation log of a session.
package transcript

import (
	"time"

	"chatty-portal/backend/pkg/ws"
)

// Roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// DefaultCap is the number of entries kept before the oldest are evicted
const DefaultCap = 100

// Transcript is an append-only log bounded to Cap entries. It is not safe
// for concurrent use; owners serialize access.
type Transcript struct {
	entries []ws.ChatMessage
	cap     int
	now     func() time.Time
}

// New creates a transcript holding at most capacity entries.
// A non-positive capacity falls back to DefaultCap.
func New(capacity int) *Transcript {
	if capacity <= 0 {
		capacity = DefaultCap
	}
	return &Transcript{
		entries: make([]ws.ChatMessage, 0, min(capacity, 16)),
		cap:     capacity,
		now:     time.Now,
	}
}

// Append adds an entry stamped with the current time and evicts the oldest
// entry once the cap is exceeded.
func (t *Transcript) Append(role, content string) ws.ChatMessage {
	msg := ws.ChatMessage{
		Role:      role,
		Content:   content,
		Timestamp: t.now(),
	}
	t.entries = append(t.entries, msg)
	if over := len(t.entries) - t.cap; over > 0 {
		t.entries = append(t.entries[:0], t.entries[over:]...)
	}
	return msg
}

// Entries returns a copy of the log, oldest first
func (t *Transcript) Entries() []ws.ChatMessage {
	out := make([]ws.ChatMessage, len(t.entries))
	copy(out, t.entries)
	return out
}

// Len returns the number of stored entries
func (t *Transcript) Len() int {
	return len(t.entries)
}

// Reset drops every entry
func (t *Transcript) Reset() {
	t.entries = t.entries[:0]
}
