package relay

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"chatty-portal/backend/pkg/scheduler"
	"chatty-portal/backend/pkg/transcript"
	"chatty-portal/backend/pkg/ws"
)

// MockAudio is the placeholder audio clip sent with every mock reply
var MockAudio = ws.AudioDataURL("audio/mp3", []byte("mock audio data"))

// Mock answers each audio chunk with a canned persona reply after Delay
type Mock struct {
	Delay     time.Duration
	Scheduler scheduler.Scheduler
	// Pick chooses a reply index in [0, n). Defaults to math/rand.
	Pick func(n int) int
}

// NewMock creates a mock service on the given scheduler
func NewMock(delay time.Duration, sched scheduler.Scheduler) *Mock {
	if sched == nil {
		sched = scheduler.New()
	}
	return &Mock{Delay: delay, Scheduler: sched, Pick: rand.Intn}
}

// Open never fails
func (m *Mock) Open(_ context.Context, req Request) (Handle, error) {
	return &mockHandle{mock: m, req: req}, nil
}

type mockHandle struct {
	mock *Mock
	req  Request

	mu     sync.Mutex
	closed bool
	tasks  scheduler.Group
}

func (h *mockHandle) SendAudio(_ context.Context, audio []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrClosed
	}

	reply := h.req.Persona.Reply(h.mock.Pick)
	h.tasks.AfterFunc(h.mock.Scheduler, h.mock.Delay, func() {
		h.mu.Lock()
		closed := h.closed
		h.mu.Unlock()
		if closed {
			return
		}
		h.req.Sink(Event{SessionID: h.req.SessionID, Type: ws.RealtimeAudio, Data: MockAudio})
		h.req.Sink(Event{SessionID: h.req.SessionID, Type: ws.RealtimeTranscript, Data: reply, Role: transcript.RoleAssistant})
	})
	return nil
}

func (h *mockHandle) Close() error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	h.tasks.StopAll()
	return nil
}
