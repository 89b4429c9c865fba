package relay

import (
	"context"
	"errors"
	"time"

	"chatty-portal/backend/pkg/logger"
	"chatty-portal/backend/pkg/observability"
	"chatty-portal/backend/pkg/resilience"
	"chatty-portal/backend/pkg/ws"
)

// Fallback reasons reported in session_mode
const (
	ReasonForced        = "mock mode forced by configuration"
	ReasonNotConfigured = "external service not configured"
	ReasonUnavailable   = "external service unavailable"
	ReasonCircuitOpen   = "external service temporarily disabled"
	ReasonStreamFailed  = "external service stream failed"
)

// Opened is the outcome of Fallback.Open
type Opened struct {
	Handle Handle
	Mode   string
	// Reason is set when Mode is ws.ModeMock
	Reason string
}

// Fallback opens the primary service through a circuit breaker and falls
// back to the mock responder when it fails
type Fallback struct {
	Primary   Service
	Mock      Service
	Breaker   *resilience.CircuitBreaker
	ForceMock bool
	Timeout   time.Duration
	Metrics   *observability.Metrics
	Log       *logger.Logger
	Now       func() time.Time
}

// Open never fails unless the mock itself cannot be opened
func (f *Fallback) Open(ctx context.Context, req Request) (Opened, error) {
	now := f.Now
	if now == nil {
		now = time.Now
	}
	start := now()

	opened, err := f.open(ctx, req)
	if err == nil {
		f.Metrics.RelayOpened(now().Sub(start).Seconds(), opened.Mode)
	}
	return opened, err
}

func (f *Fallback) open(ctx context.Context, req Request) (Opened, error) {
	if f.ForceMock {
		return f.Degrade(ctx, req, ReasonForced)
	}
	if f.Primary == nil {
		return f.Degrade(ctx, req, ReasonNotConfigured)
	}

	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}

	var h Handle
	open := func() error {
		var err error
		h, err = f.Primary.Open(ctx, req)
		return err
	}

	var err error
	if f.Breaker != nil {
		err = f.Breaker.Execute(open)
	} else {
		err = open()
	}

	switch {
	case err == nil:
		return Opened{Handle: h, Mode: ws.ModeRealtime}, nil
	case errors.Is(err, ErrNotConfigured):
		return f.Degrade(ctx, req, ReasonNotConfigured)
	case errors.Is(err, resilience.ErrCircuitOpen):
		return f.Degrade(ctx, req, ReasonCircuitOpen)
	default:
		f.log().WithSessionID(req.SessionID).LogError(err, "Relay open failed, falling back to mock")
		return f.Degrade(ctx, req, ReasonUnavailable)
	}
}

// Degrade opens the mock responder for req
func (f *Fallback) Degrade(ctx context.Context, req Request, reason string) (Opened, error) {
	h, err := f.Mock.Open(ctx, req)
	if err != nil {
		return Opened{}, err
	}
	return Opened{Handle: h, Mode: ws.ModeMock, Reason: reason}, nil
}

func (f *Fallback) log() *logger.Logger {
	if f.Log == nil {
		return logger.Discard()
	}
	return f.Log
}
