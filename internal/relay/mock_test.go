package relay

import (
	"context"
	"testing"
	"time"

	"chatty-portal/backend/pkg/persona"
	"chatty-portal/backend/pkg/scheduler"
	"chatty-portal/backend/pkg/transcript"
	"chatty-portal/backend/pkg/ws"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockRepliesAfterDelay(t *testing.T) {
	clock := scheduler.NewManual(time.Unix(0, 0))
	m := NewMock(time.Second, clock)
	m.Pick = func(int) int { return 1 }

	var got []Event
	h, err := m.Open(context.Background(), Request{
		SessionID: "s1",
		Persona:   persona.MustLookup(persona.CheerfulGuide),
		Sink:      func(ev Event) { got = append(got, ev) },
	})
	require.NoError(t, err)
	require.NoError(t, h.SendAudio(context.Background(), []byte{1, 2, 3}))

	clock.Advance(999 * time.Millisecond)
	assert.Empty(t, got)

	clock.Advance(time.Millisecond)
	require.Len(t, got, 2)
	assert.Equal(t, Event{SessionID: "s1", Type: ws.RealtimeAudio, Data: MockAudio}, got[0])
	assert.Equal(t, ws.RealtimeTranscript, got[1].Type)
	assert.Equal(t, transcript.RoleAssistant, got[1].Role)
	assert.False(t, got[1].Partial)
	assert.Equal(t, persona.MustLookup(persona.CheerfulGuide).Replies[1], got[1].Data)
}

func TestMockForgetsDeliveredReplies(t *testing.T) {
	clock := scheduler.NewManual(time.Unix(0, 0))
	m := NewMock(time.Second, clock)

	h, err := m.Open(context.Background(), Request{
		SessionID: "s1",
		Persona:   persona.MustLookup(persona.CheerfulGuide),
		Sink:      func(Event) {},
	})
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		require.NoError(t, h.SendAudio(context.Background(), []byte{1}))
	}
	mh := h.(*mockHandle)
	assert.Equal(t, 50, mh.tasks.Len())

	clock.Advance(time.Second)
	assert.Equal(t, 0, mh.tasks.Len())
	assert.Equal(t, 0, clock.Pending())
}

func TestMockCloseCancelsPendingReplies(t *testing.T) {
	clock := scheduler.NewManual(time.Unix(0, 0))
	m := NewMock(time.Second, clock)

	var got []Event
	h, err := m.Open(context.Background(), Request{
		SessionID: "s1",
		Persona:   persona.MustLookup(persona.CheerfulGuide),
		Sink:      func(ev Event) { got = append(got, ev) },
	})
	require.NoError(t, err)
	require.NoError(t, h.SendAudio(context.Background(), []byte{1}))
	require.NoError(t, h.Close())

	clock.Advance(time.Minute)
	assert.Empty(t, got)
	assert.Equal(t, 0, clock.Pending())
	assert.ErrorIs(t, h.SendAudio(context.Background(), []byte{1}), ErrClosed)
}

func TestMockAudioIsDataURL(t *testing.T) {
	assert.Equal(t, "data:audio/mp3;base64,bW9jayBhdWRpbyBkYXRh", MockAudio)
}
