package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"chatty-portal/backend/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestCheckerHealthy(t *testing.T) {
	c := NewChecker(logger.Discard(), time.Minute)
	c.RegisterCheck("sessions", func(context.Context) (Status, string, error) {
		return StatusUp, "3 active sessions", nil
	})
	c.RunChecks(context.Background())

	status := c.GetStatus()
	require.Contains(t, status, "sessions")
	assert.Equal(t, StatusUp, status["sessions"].Status)
	assert.Equal(t, "3 active sessions", status["sessions"].Description)
	assert.True(t, c.IsSystemHealthy())
	assert.Equal(t, []string{"self", "sessions"}, c.Names())
}

func TestCriticalFailureMakesSystemUnhealthy(t *testing.T) {
	c := NewChecker(logger.Discard(), time.Minute)
	c.RegisterPingCheck("redis", pingFunc(func(context.Context) error {
		return errors.New("connection refused")
	}))
	c.RegisterCheck("relay", func(context.Context) (Status, string, error) {
		return StatusDown, "circuit open", nil
	})
	c.RunChecks(context.Background())

	assert.False(t, c.IsSystemHealthy())
	assert.Equal(t, "connection refused", c.GetStatus()["redis"].Error)

	rec := httptest.NewRecorder()
	c.HTTPHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/detail", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "unavailable", body["status"])
}

func TestNonCriticalFailureKeepsSystemHealthy(t *testing.T) {
	c := NewChecker(logger.Discard(), time.Minute)
	c.RegisterCheck("relay", func(context.Context) (Status, string, error) {
		return StatusDown, "circuit open", nil
	})
	c.RunChecks(context.Background())

	assert.True(t, c.IsSystemHealthy())
}
