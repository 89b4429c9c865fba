package errors

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"chatty-portal/backend/pkg/logger"
	"chatty-portal/backend/pkg/ws"

	"github.com/gin-gonic/gin"
)

// Body is the JSON error document for HTTP responses. It carries the same
// fields as a session_error event, plus the request id.
type Body struct {
	ws.SessionError
	RequestID string `json:"requestId,omitempty"`
}

// NewBody builds the response document for appErr
func NewBody(c *gin.Context, appErr *AppError) Body {
	return Body{SessionError: appErr.Payload(), RequestID: c.GetString("requestID")}
}

func requestLogger(c *gin.Context) *logger.Logger {
	if l, ok := c.Get("logger"); ok {
		if log, ok := l.(*logger.Logger); ok {
			return log
		}
	}
	if log := logger.GetGlobal(); log != nil {
		return log
	}
	return logger.New(logger.DefaultConfig())
}

// ErrorHandler renders the first error attached to the request
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		appErr := FromError(c.Errors[0].Err)

		log := requestLogger(c)
		attrs := []any{
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
			"status_code", appErr.StatusCode,
			"error_code", appErr.Code,
		}
		if appErr.StatusCode >= http.StatusInternalServerError {
			log.LogError(appErr, "Request failed", attrs...)
		} else {
			log.Warn("Request rejected", append(attrs, "message", appErr.Message)...)
		}

		if c.Writer.Written() {
			return
		}
		c.AbortWithStatusJSON(appErr.StatusCode, NewBody(c, appErr))
	}
}

// RecoveryWithLogger turns a panic into an internal_error response and logs
// it with the stack trace
func RecoveryWithLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			stack := string(debug.Stack())
			requestLogger(c).Error("Panic recovered",
				"error", r,
				"stack", stack,
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
			)

			appErr := NewInternalServerError(CodeInternal, "The server encountered an unexpected error")
			if gin.Mode() == gin.DebugMode {
				appErr.Details = fmt.Sprintf("panic: %v", r)
			}
			if c.Writer.Written() {
				c.Abort()
				return
			}
			c.AbortWithStatusJSON(appErr.StatusCode, NewBody(c, appErr))
		}()

		c.Next()
	}
}
