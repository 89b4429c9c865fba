// Package relay forwards session audio to an external speech/LLM service and
// republishes its streamed results. A mock responder stands in when the
// service is unavailable.
package relay

import (
	"context"
	"errors"

	"chatty-portal/backend/pkg/persona"
)

var (
	// ErrClosed is returned when sending on a closed handle
	ErrClosed = errors.New("relay handle closed")
	// ErrNotConfigured is returned by services missing credentials
	ErrNotConfigured = errors.New("relay not configured")
)

// Event is one streamed result for a session. Type is ws.RealtimeTranscript
// or ws.RealtimeAudio. Transcript events name the speaker in Role and set
// Partial for reply fragments. A non-nil Err reports that the stream failed.
type Event struct {
	SessionID string
	Type      string
	Data      string
	Role      string
	Partial   bool
	Err       error
}

// Sink receives events in arrival order. It must not block.
type Sink func(Event)

// Request describes a relay to open for one session
type Request struct {
	SessionID string
	Persona   persona.Persona
	Sink      Sink
}

// Handle is an open relay for one session
type Handle interface {
	SendAudio(ctx context.Context, audio []byte) error
	Close() error
}

// Service opens relays
type Service interface {
	Open(ctx context.Context, req Request) (Handle, error)
}
