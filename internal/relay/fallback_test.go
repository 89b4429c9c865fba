package relay

import (
	"context"
	"errors"
	"testing"
	"time"

	"chatty-portal/backend/pkg/resilience"
	"chatty-portal/backend/pkg/scheduler"
	"chatty-portal/backend/pkg/ws"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubService struct {
	calls int
	err   error
}

type stubHandle struct{}

func (stubHandle) SendAudio(context.Context, []byte) error { return nil }
func (stubHandle) Close() error                            { return nil }

func (s *stubService) Open(context.Context, Request) (Handle, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return stubHandle{}, nil
}

func newFallback(primary Service) *Fallback {
	return &Fallback{
		Primary: primary,
		Mock:    NewMock(time.Second, scheduler.NewManual(time.Unix(0, 0))),
		Timeout: time.Second,
	}
}

func TestFallbackUsesPrimary(t *testing.T) {
	primary := &stubService{}
	opened, err := newFallback(primary).Open(context.Background(), Request{SessionID: "s1"})

	require.NoError(t, err)
	assert.Equal(t, ws.ModeRealtime, opened.Mode)
	assert.Empty(t, opened.Reason)
	assert.Equal(t, stubHandle{}, opened.Handle)
}

func TestFallbackDegradesOnFailure(t *testing.T) {
	f := newFallback(&stubService{err: errors.New("dial timeout")})
	opened, err := f.Open(context.Background(), Request{SessionID: "s1"})

	require.NoError(t, err)
	assert.Equal(t, ws.ModeMock, opened.Mode)
	assert.Equal(t, ReasonUnavailable, opened.Reason)
	assert.IsType(t, &mockHandle{}, opened.Handle)
}

func TestFallbackNotConfigured(t *testing.T) {
	opened, err := newFallback(&stubService{err: ErrNotConfigured}).Open(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, ReasonNotConfigured, opened.Reason)

	opened, err = newFallback(nil).Open(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, ReasonNotConfigured, opened.Reason)
}

func TestFallbackForceMockSkipsPrimary(t *testing.T) {
	primary := &stubService{}
	f := newFallback(primary)
	f.ForceMock = true

	opened, err := f.Open(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, ws.ModeMock, opened.Mode)
	assert.Equal(t, ReasonForced, opened.Reason)
	assert.Equal(t, 0, primary.calls)
}

func TestFallbackBreakerShortCircuits(t *testing.T) {
	primary := &stubService{err: errors.New("503")}
	f := newFallback(primary)
	f.Breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:             "relay",
		FailureThreshold: 2,
		RetryTimeout:     time.Hour,
	}, nil)

	for i := 0; i < 2; i++ {
		opened, err := f.Open(context.Background(), Request{})
		require.NoError(t, err)
		assert.Equal(t, ReasonUnavailable, opened.Reason)
	}

	opened, err := f.Open(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, ReasonCircuitOpen, opened.Reason)
	assert.Equal(t, 2, primary.calls)
}
