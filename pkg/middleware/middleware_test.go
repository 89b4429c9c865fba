package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"chatty-portal/backend/pkg/errors"
	"chatty-portal/backend/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(rl *RateLimiter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	log := logger.Discard()
	r := gin.New()
	r.Use(RequestIDMiddleware(), logger.Middleware(log), errors.ErrorHandler(), rl.Middleware())
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	r.GET("/ws", func(c *gin.Context) { c.String(http.StatusOK, "upgrade") })
	return r
}

func TestRateLimiterRejectsBurstOverflow(t *testing.T) {
	opts := DefaultRateLimiterOptions()
	opts.Limit = 0.001
	opts.Burst = 2
	rl := NewRateLimiter(logger.Discard(), opts)
	t.Cleanup(rl.Stop)
	r := newEngine(rl)

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
	assert.Contains(t, w.Body.String(), errors.CodeRateLimited)
	assert.Equal(t, 1, rl.Clients())
}

func TestRateLimiterSkip(t *testing.T) {
	opts := DefaultRateLimiterOptions()
	opts.Limit = 0.001
	opts.Burst = 1
	opts.Skip = func(c *gin.Context) bool { return c.Request.URL.Path == "/ws" }
	rl := NewRateLimiter(logger.Discard(), opts)
	t.Cleanup(rl.Stop)
	r := newEngine(rl)

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}
	assert.Equal(t, 0, rl.Clients())
}

func TestRateLimiterExpire(t *testing.T) {
	rl := NewRateLimiter(logger.Discard())
	rl.getLimiter("10.0.0.1")
	require.Equal(t, 1, rl.Clients())

	rl.expire(time.Now().Add(30 * time.Minute))
	assert.Equal(t, 1, rl.Clients())

	rl.expire(time.Now().Add(2 * time.Hour))
	assert.Equal(t, 0, rl.Clients())
}

func TestRequestIDPropagates(t *testing.T) {
	rl := NewRateLimiter(logger.Discard())
	t.Cleanup(rl.Stop)
	r := newEngine(rl)

	var seen string
	r.GET("/id", func(c *gin.Context) {
		seen = GetRequestID(c.Request.Context())
		c.Status(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/id", nil)
	req.Header.Set("X-Request-ID", "req-123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, "req-123", seen)
	assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/id", nil))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestCORS(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CORS([]string{"https://portal.example"}))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "https://portal.example")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "https://portal.example", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/x", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
}
