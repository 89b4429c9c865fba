package router

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"chatty-portal/backend/internal/outbox"
	"chatty-portal/backend/pkg/client"
	"chatty-portal/backend/pkg/persona"
	"chatty-portal/backend/pkg/ws"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sessionLog struct {
	mu    sync.Mutex
	ends  int
	ctas  int
	audio int
}

func (l *sessionLog) snapshot() (ends, ctas, audio int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ends, l.ctas, l.audio
}

func startClient(t *testing.T) (*Router, *client.Controller, *sessionLog, func(step time.Duration, cond func() bool)) {
	t.Helper()
	r, clock := newTestRouter(t, nil)
	srv := httptest.NewServer(r.Engine)
	t.Cleanup(srv.Close)

	log := &sessionLog{}
	c, err := client.New(client.Options{
		URL:       "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		Scheduler: clock,
		OnSessionEnd: func([]ws.ChatMessage) {
			log.mu.Lock()
			defer log.mu.Unlock()
			log.ends++
		},
		OnCTA: func() {
			log.mu.Lock()
			defer log.mu.Unlock()
			log.ctas++
		},
		OnAudio: func(string) {
			log.mu.Lock()
			defer log.mu.Unlock()
			log.audio++
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	require.NoError(t, c.Connect(context.Background()))

	// advance steps the shared clock until cond holds
	advance := func(step time.Duration, cond func() bool) {
		t.Helper()
		require.Eventually(t, func() bool {
			if cond() {
				return true
			}
			clock.Advance(step)
			return false
		}, 5*time.Second, 5*time.Millisecond)
	}
	return r, c, log, advance
}

func TestClientSessionAgainstServer(t *testing.T) {
	r, c, log, advance := startClient(t)
	greeting := persona.MustLookup(persona.DefaultPersonality).Greeting

	id, err := c.CreateSession(context.Background(), "")
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	require.Eventually(t, func() bool { return c.Mode() == ws.ModeMock }, 2*time.Second, time.Millisecond)

	advance(100*time.Millisecond, func() bool {
		_, _, audio := log.snapshot()
		tr := c.Transcript()
		return audio >= 1 && len(tr) >= 1 && tr[0].Content == greeting
	})

	require.NoError(t, c.SendAudio([]byte("hello there")))
	advance(100*time.Millisecond, func() bool {
		_, _, audio := log.snapshot()
		return audio >= 2 && len(c.Transcript()) >= 2
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.SendTranscriptByEmail(ctx, "visitor@example.com"))

	jobs := r.Container.Outbox.(*outbox.Memory).Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, id, jobs[0].SessionID)
	assert.Equal(t, "visitor@example.com", jobs[0].Email)
	assert.Len(t, jobs[0].Transcript, len(c.Transcript()))

	c.EndSession()
	ends, _, _ := log.snapshot()
	assert.Equal(t, 1, ends)
	require.Eventually(t, func() bool { return r.Container.Registry.Count() == 0 }, 2*time.Second, time.Millisecond)
}

func TestClientTimerEndsServerSession(t *testing.T) {
	r, c, log, advance := startClient(t)

	_, err := c.CreateSession(context.Background(), persona.ProfessionalGuide)
	require.NoError(t, err)
	require.Equal(t, 1, r.Container.Registry.Count())

	advance(time.Second, func() bool {
		ends, _, _ := log.snapshot()
		return ends == 1
	})
	_, ctas, _ := log.snapshot()
	assert.Equal(t, 1, ctas)

	tr := c.Transcript()
	assert.Contains(t, contents(tr), persona.MustLookup(persona.ProfessionalGuide).CTA)
	require.Eventually(t, func() bool { return r.Container.Registry.Count() == 0 }, 2*time.Second, time.Millisecond)
}

func contents(tr []ws.ChatMessage) []string {
	out := make([]string, len(tr))
	for i, m := range tr {
		out[i] = m.Content
	}
	return out
}
