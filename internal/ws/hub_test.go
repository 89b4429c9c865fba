package ws

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"chatty-portal/backend/internal/outbox"
	"chatty-portal/backend/internal/relay"
	"chatty-portal/backend/internal/session"
	apperrors "chatty-portal/backend/pkg/errors"
	"chatty-portal/backend/pkg/persona"
	"chatty-portal/backend/pkg/scheduler"
	protocol "chatty-portal/backend/pkg/ws"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type harness struct {
	t      *testing.T
	hub    *Hub
	clock  *scheduler.Manual
	outbox *outbox.Memory
	cancel context.CancelFunc
}

type nopHandle struct{}

func (nopHandle) SendAudio(context.Context, []byte) error { return nil }
func (nopHandle) Close() error                            { return nil }

type realtimeStub struct{}

func (realtimeStub) Open(context.Context, relay.Request) (relay.Handle, error) {
	return nopHandle{}, nil
}

func newHarness(t *testing.T, primary relay.Service, tweak ...func(*Options)) *harness {
	t.Helper()
	clock := scheduler.NewManual(epoch)
	mock := relay.NewMock(time.Second, clock)
	mock.Pick = func(int) int { return 0 }

	opts := DefaultOptions()
	for _, fn := range tweak {
		fn(&opts)
	}

	store := outbox.NewMemory(0)
	registry := session.NewRegistry(session.Options{Timeout: 10 * time.Minute, Now: clock.Now})
	hub := NewHub(registry, &relay.Fallback{Primary: primary, Mock: mock}, store, clock, opts, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-hub.Done()
	})

	return &harness{t: t, hub: hub, clock: clock, outbox: store, cancel: cancel}
}

type testConn struct {
	h *harness
	c *Client
}

func (h *harness) connect(id string) *testConn {
	c := h.hub.newClient(id, nil)
	require.True(h.t, h.hub.enqueue(registerEvent{client: c}))
	return &testConn{h: h, c: c}
}

func (tc *testConn) emit(event string, payload any) {
	frame, err := protocol.Encode(event, payload)
	require.NoError(tc.h.t, err)
	require.True(tc.h.t, tc.h.hub.receive(tc.c, frame))
}

func (tc *testConn) next() protocol.Envelope {
	tc.h.t.Helper()
	select {
	case frame, ok := <-tc.c.send:
		require.True(tc.h.t, ok, "send channel closed")
		env, err := protocol.Decode(frame)
		require.NoError(tc.h.t, err)
		return env
	case <-time.After(2 * time.Second):
		tc.h.t.Fatal("timed out waiting for frame")
		return protocol.Envelope{}
	}
}

func (tc *testConn) expect(event string, into any) {
	tc.h.t.Helper()
	env := tc.next()
	require.Equal(tc.h.t, event, env.Event, "payload: %s", string(env.Data))
	if into != nil {
		require.NoError(tc.h.t, json.Unmarshal(env.Data, into))
	}
}

func (tc *testConn) expectError(code string) protocol.SessionError {
	tc.h.t.Helper()
	var se protocol.SessionError
	tc.expect(protocol.EventSessionError, &se)
	assert.Equal(tc.h.t, code, se.Error)
	return se
}

// sync round-trips a ping so every earlier event has been dispatched
func (tc *testConn) sync() {
	tc.h.t.Helper()
	tc.emit(protocol.EventPing, nil)
	tc.expect(protocol.EventPong, nil)
}

func (tc *testConn) createSession(personality string) protocol.SessionCreated {
	tc.h.t.Helper()
	tc.emit(protocol.EventCreateSession, protocol.CreateSessionRequest{Personality: personality})
	var created protocol.SessionCreated
	tc.expect(protocol.EventSessionCreated, &created)
	if created.IsMockSession {
		var mode protocol.SessionMode
		tc.expect(protocol.EventSessionMode, &mode)
		assert.Equal(tc.h.t, protocol.ModeMock, mode.Mode)
	}
	return created
}

func TestCreateSessionEchoesPersonalityThenGreets(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.connect("conn-1")

	created := conn.createSession(persona.CheerfulGuide)
	assert.Equal(t, persona.CheerfulGuide, created.Personality)
	assert.NotEmpty(t, created.SessionID)
	assert.True(t, created.IsMockSession)

	h.clock.Advance(time.Second)

	var greeting protocol.RealtimeMessage
	conn.expect(protocol.EventRealtimeMessage, &greeting)
	assert.Equal(t, created.SessionID, greeting.SessionID)
	assert.Equal(t, protocol.RealtimeTranscript, greeting.Data.Type)
	assert.Equal(t, persona.MustLookup(persona.CheerfulGuide).Greeting, greeting.Data.Data)

	var audio protocol.RealtimeMessage
	conn.expect(protocol.EventRealtimeMessage, &audio)
	assert.Equal(t, protocol.RealtimeAudio, audio.Data.Type)
	assert.Equal(t, relay.MockAudio, audio.Data.Data)
}

func TestCreateSessionDefaultsPersonality(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.connect("conn-1")

	created := conn.createSession("")
	assert.Equal(t, persona.DefaultPersonality, created.Personality)
}

func TestCreateSessionRealtimeMode(t *testing.T) {
	h := newHarness(t, realtimeStub{})
	conn := h.connect("conn-1")

	created := conn.createSession(persona.CheerfulGuide)
	assert.False(t, created.IsMockSession)

	s, ok := h.hub.Registry().Get(created.SessionID)
	require.True(t, ok)
	assert.Equal(t, protocol.ModeRealtime, s.Mode)
}

func TestCreateSessionUnknownPersonality(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.connect("conn-1")

	conn.emit(protocol.EventCreateSession, protocol.CreateSessionRequest{Personality: "grumpy_pirate"})
	se := conn.expectError(apperrors.CodeSessionCreationFailed)
	assert.Contains(t, se.Message, "grumpy_pirate")
	assert.Equal(t, 0, h.hub.Registry().Count())
}

func TestSendAudioUnknownSession(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.connect("conn-1")
	created := conn.createSession(persona.CheerfulGuide)
	before, _ := h.hub.Registry().Get(created.SessionID)
	lastActivity := before.LastActivity

	h.clock.Advance(500 * time.Millisecond)
	conn.emit(protocol.EventSendAudio, protocol.SendAudioRequest{SessionID: "nope", Audio: protocol.EncodeAudio([]byte("pcm"))})

	se := conn.expectError(apperrors.CodeInvalidSession)
	assert.Equal(t, "Invalid or expired session", se.Message)
	assert.Equal(t, 1, h.hub.Registry().Count())
	assert.Equal(t, lastActivity, before.LastActivity)
	assert.Equal(t, session.StateCreated, before.State)
}

func TestSendAudioGetsMockReply(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.connect("conn-1")
	created := conn.createSession(persona.CheerfulGuide)

	// Greeting first so it does not interleave with the reply
	h.clock.Advance(time.Second)
	conn.expect(protocol.EventRealtimeMessage, nil)
	conn.expect(protocol.EventRealtimeMessage, nil)

	conn.emit(protocol.EventSendAudio, protocol.SendAudioRequest{
		SessionID: created.SessionID,
		Audio:     []any{1.0, 2.0, 3.0},
	})
	conn.sync()

	s, ok := h.hub.Registry().Get(created.SessionID)
	require.True(t, ok)
	assert.Equal(t, session.StateActive, s.State)

	// The forwarder schedules the mock reply on its own goroutine
	require.Eventually(t, func() bool { return h.clock.Pending() >= 2 }, time.Second, time.Millisecond)
	h.clock.Advance(time.Second)

	var first, second protocol.RealtimeMessage
	conn.expect(protocol.EventRealtimeMessage, &first)
	conn.expect(protocol.EventRealtimeMessage, &second)
	assert.Equal(t, protocol.RealtimeAudio, first.Data.Type)
	assert.Equal(t, protocol.RealtimeTranscript, second.Data.Type)
	assert.Equal(t, persona.MustLookup(persona.CheerfulGuide).Replies[0], second.Data.Data)
	assert.Equal(t, "assistant", second.Data.Role)
}

func TestSendAudioBadPayload(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.connect("conn-1")
	created := conn.createSession(persona.CheerfulGuide)

	conn.emit(protocol.EventSendAudio, protocol.SendAudioRequest{SessionID: created.SessionID, Audio: "!!!not base64"})
	conn.expectError(apperrors.CodeAudioProcessingFailed)
}

func TestSessionsAreScopedToOwner(t *testing.T) {
	h := newHarness(t, nil)
	owner := h.connect("conn-1")
	other := h.connect("conn-2")
	created := owner.createSession(persona.CheerfulGuide)

	other.emit(protocol.EventEndSession, protocol.EndSessionRequest{SessionID: created.SessionID})
	other.expectError(apperrors.CodeInvalidSession)
	assert.Equal(t, 1, h.hub.Registry().Count())
}

func TestCreateThenEndSession(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.connect("conn-1")
	created := conn.createSession(persona.CheerfulGuide)

	_, ok := h.hub.Registry().Get(created.SessionID)
	require.True(t, ok)

	conn.emit(protocol.EventEndSession, protocol.EndSessionRequest{SessionID: created.SessionID})
	var closed protocol.SessionClosed
	conn.expect(protocol.EventSessionClosed, &closed)
	assert.Equal(t, created.SessionID, closed.SessionID)

	_, ok = h.hub.Registry().Get(created.SessionID)
	assert.False(t, ok)

	// Greeting timer was cancelled with the session
	h.clock.Advance(time.Minute)
	conn.sync()

	conn.emit(protocol.EventEndSession, protocol.EndSessionRequest{SessionID: created.SessionID})
	conn.expectError(apperrors.CodeInvalidSession)

	conn.emit(protocol.EventEndSession, protocol.EndSessionRequest{})
	conn.expectError(apperrors.CodeSessionEndFailed)
}

func TestRelayResultsKeepSpeakerAndFragments(t *testing.T) {
	h := newHarness(t, realtimeStub{})
	conn := h.connect("conn-1")
	created := conn.createSession(persona.CheerfulGuide)

	h.hub.relaySink(relay.Event{SessionID: created.SessionID, Type: protocol.RealtimeTranscript, Role: "user", Data: "hi there"})
	h.hub.relaySink(relay.Event{SessionID: created.SessionID, Type: protocol.RealtimeTranscript, Role: "assistant", Data: "Hel", Partial: true})

	var user, fragment protocol.RealtimeMessage
	conn.expect(protocol.EventRealtimeMessage, &user)
	conn.expect(protocol.EventRealtimeMessage, &fragment)
	assert.Equal(t, protocol.RealtimeData{Type: protocol.RealtimeTranscript, Role: "user", Data: "hi there"}, user.Data)
	assert.Equal(t, protocol.RealtimeData{Type: protocol.RealtimeTranscript, Role: "assistant", Data: "Hel", Partial: true}, fragment.Data)
}

func TestLateRelayResultIsDropped(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.connect("conn-1")
	created := conn.createSession(persona.CheerfulGuide)

	conn.emit(protocol.EventEndSession, protocol.EndSessionRequest{SessionID: created.SessionID})
	conn.expect(protocol.EventSessionClosed, nil)

	h.hub.relaySink(relay.Event{SessionID: created.SessionID, Type: protocol.RealtimeTranscript, Data: "too late"})
	conn.sync()
}

func TestRelayStreamFailureFallsBackToMock(t *testing.T) {
	h := newHarness(t, realtimeStub{})
	conn := h.connect("conn-1")
	created := conn.createSession(persona.CheerfulGuide)
	require.False(t, created.IsMockSession)

	h.hub.relaySink(relay.Event{SessionID: created.SessionID, Err: errors.New("socket reset")})

	var mode protocol.SessionMode
	conn.expect(protocol.EventSessionMode, &mode)
	assert.Equal(t, protocol.ModeMock, mode.Mode)
	assert.Equal(t, relay.ReasonStreamFailed, mode.Reason)

	s, ok := h.hub.Registry().Get(created.SessionID)
	require.True(t, ok)
	assert.Equal(t, protocol.ModeMock, s.Mode)
}

func TestSendTranscript(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.connect("conn-1")
	created := conn.createSession(persona.CheerfulGuide)

	conn.emit(protocol.EventSendTranscript, protocol.SendTranscriptRequest{SessionID: created.SessionID})
	conn.expectError(apperrors.CodeInvalidEmail)

	conn.emit(protocol.EventSendTranscript, protocol.SendTranscriptRequest{SessionID: "missing", Email: "a@b.c"})
	conn.expectError(apperrors.CodeInvalidSession)

	transcript := []protocol.ChatMessage{{Role: "assistant", Content: "Hey there!", Timestamp: epoch}}
	conn.emit(protocol.EventSendTranscript, protocol.SendTranscriptRequest{
		SessionID:  created.SessionID,
		Email:      "visitor@example.com",
		Transcript: transcript,
	})

	var sent protocol.TranscriptSent
	conn.expect(protocol.EventTranscriptSent, &sent)
	assert.Equal(t, protocol.TranscriptSent{SessionID: created.SessionID, Email: "visitor@example.com"}, sent)

	jobs := h.outbox.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "visitor@example.com", jobs[0].Email)
	assert.Equal(t, transcript, jobs[0].Transcript)
}

func TestSendTranscriptKeepsNewestEntries(t *testing.T) {
	h := newHarness(t, nil, func(o *Options) { o.TranscriptCap = 2 })
	conn := h.connect("conn-1")
	created := conn.createSession(persona.CheerfulGuide)

	entries := []protocol.ChatMessage{
		{Role: "assistant", Content: "one", Timestamp: epoch},
		{Role: "user", Content: "two", Timestamp: epoch},
		{Role: "assistant", Content: "three", Timestamp: epoch},
	}
	conn.emit(protocol.EventSendTranscript, protocol.SendTranscriptRequest{
		SessionID:  created.SessionID,
		Email:      "visitor@example.com",
		Transcript: entries,
	})
	conn.expect(protocol.EventTranscriptSent, nil)

	jobs := h.outbox.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, entries[1:], jobs[0].Transcript)
}

func TestBlockedClientIsDroppedWithoutStoppingHub(t *testing.T) {
	h := newHarness(t, nil)
	stalled := h.connect("conn-1")
	other := h.connect("conn-2")
	stalled.createSession(persona.CheerfulGuide)

	for len(stalled.c.send) < cap(stalled.c.send) {
		stalled.c.send <- []byte(`{"event":"filler"}`)
	}

	// The greeting sends two frames; the first overflows the queue
	h.clock.Advance(time.Second)
	other.sync()

	assert.Equal(t, 0, h.hub.Registry().Count())
	assert.Equal(t, 1, h.hub.Connections())

	drained := 0
	for range stalled.c.send {
		drained++
	}
	assert.Equal(t, cap(stalled.c.send), drained)
}

func TestDisconnectRemovesOwnedSessions(t *testing.T) {
	h := newHarness(t, nil)
	leaving := h.connect("conn-1")
	staying := h.connect("conn-2")
	leaving.createSession(persona.CheerfulGuide)
	leaving.createSession(persona.PlayfulCompanion)
	kept := staying.createSession(persona.CheerfulGuide)

	require.True(t, h.hub.enqueue(unregisterEvent{client: leaving.c}))
	staying.sync()

	assert.Equal(t, 1, h.hub.Registry().Count())
	_, ok := h.hub.Registry().Get(kept.SessionID)
	assert.True(t, ok)
	assert.Equal(t, 1, h.hub.Connections())
}

func TestSweepClosesIdleSessions(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.connect("conn-1")
	// Pings from a second connection order the hub without touching conn-1's session
	observer := h.connect("conn-2")
	created := conn.createSession(persona.CheerfulGuide)

	// Greeting plus first sweep at 5m: session is 5m idle, kept
	h.clock.Advance(5 * time.Minute)
	conn.expect(protocol.EventRealtimeMessage, nil)
	conn.expect(protocol.EventRealtimeMessage, nil)
	observer.sync()
	assert.Equal(t, 1, h.hub.Registry().Count())

	// Second sweep at 10m: exactly at the timeout, kept
	h.clock.Advance(5 * time.Minute)
	observer.sync()
	assert.Equal(t, 1, h.hub.Registry().Count())

	// Third sweep at 15m: removed
	h.clock.Advance(5 * time.Minute)
	var closed protocol.SessionClosed
	conn.expect(protocol.EventSessionClosed, &closed)
	assert.Equal(t, created.SessionID, closed.SessionID)
	assert.Equal(t, session.ReasonTimeout, closed.Reason)
	assert.Equal(t, 0, h.hub.Registry().Count())
}

func TestPingKeepsSessionAlive(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.connect("conn-1")
	conn.createSession(persona.CheerfulGuide)

	h.clock.Advance(5 * time.Minute)
	conn.expect(protocol.EventRealtimeMessage, nil)
	conn.expect(protocol.EventRealtimeMessage, nil)
	conn.sync() // touches the session at 5m

	h.clock.Advance(10 * time.Minute)
	conn.sync()
	assert.Equal(t, 1, h.hub.Registry().Count())
}

func TestUnknownAndMalformedMessages(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.connect("conn-1")

	conn.emit("dance", nil)
	conn.expectError(apperrors.CodeInvalidMessage)

	require.True(t, h.hub.receive(conn.c, []byte("{not json")))
	conn.expectError(apperrors.CodeInvalidMessage)

	require.True(t, h.hub.receive(conn.c, []byte(`{"data":{}}`)))
	conn.expectError(apperrors.CodeInvalidMessage)
}

func TestInboundRateLimit(t *testing.T) {
	h := newHarness(t, nil, func(o *Options) {
		o.MessageRate = 0.001
		o.MessageBurst = 1
	})
	conn := h.connect("conn-1")

	conn.emit(protocol.EventPing, nil)
	conn.expect(protocol.EventPong, nil)

	conn.emit(protocol.EventPing, nil)
	conn.expectError(apperrors.CodeRateLimited)
}

func TestShutdownClosesSessionsAndClients(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.connect("conn-1")
	created := conn.createSession(persona.CheerfulGuide)

	h.cancel()
	<-h.hub.Done()

	var closed protocol.SessionClosed
	conn.expect(protocol.EventSessionClosed, &closed)
	assert.Equal(t, created.SessionID, closed.SessionID)
	assert.Equal(t, session.ReasonShutdown, closed.Reason)

	_, ok := <-conn.c.send
	assert.False(t, ok)
	assert.Equal(t, 0, h.hub.Registry().Count())
}
