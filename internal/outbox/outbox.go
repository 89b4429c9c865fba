// Package outbox queues transcripts requested by send_transcript for
// delivery by a separate mailer.
package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"chatty-portal/backend/pkg/ws"
)

// ErrFull is returned by the in-memory store when it is at capacity
var ErrFull = errors.New("outbox full")

// Job is one transcript delivery request
type Job struct {
	SessionID  string           `json:"sessionId"`
	Email      string           `json:"email"`
	Transcript []ws.ChatMessage `json:"transcript"`
	QueuedAt   time.Time        `json:"queuedAt"`
}

// Store accepts jobs
type Store interface {
	Enqueue(ctx context.Context, job Job) error
	Ping(ctx context.Context) error
	Close() error
}

// Memory keeps jobs in process, for development and tests
type Memory struct {
	mu   sync.Mutex
	jobs []Job
	max  int
}

// NewMemory creates an in-memory store holding at most max jobs.
// A non-positive max means unbounded.
func NewMemory(max int) *Memory {
	return &Memory{max: max}
}

func (m *Memory) Enqueue(ctx context.Context, job Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.max > 0 && len(m.jobs) >= m.max {
		return ErrFull
	}
	m.jobs = append(m.jobs, job)
	return nil
}

// Jobs returns a copy of the queued jobs, oldest first
func (m *Memory) Jobs() []Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	jobs := make([]Job, len(m.jobs))
	copy(jobs, m.jobs)
	return jobs
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
