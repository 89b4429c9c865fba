package errors

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"chatty-portal/backend/pkg/ws"
)

// Session error codes sent to clients in session_error payloads
const (
	CodeInvalidSession          = "invalid_session"
	CodeSessionCreationFailed   = "session_creation_failed"
	CodeSessionCreationTimeout  = "session_creation_timeout"
	CodeSessionEndFailed        = "session_end_failed"
	CodeAudioProcessingFailed   = "audio_processing_failed"
	CodeInvalidEmail            = "invalid_email"
	CodeTranscriptSendingFailed = "transcript_sending_failed"
	CodeInvalidMessage          = "invalid_message"
	CodeRateLimited             = "rate_limited"
	CodeTransportError          = "transport_error"
	CodeExternalServiceError    = "external_service_error"
)

// HTTP-only error codes
const (
	CodeNotFound = "not_found"
	CodeInternal = "internal_error"
)

// AppError represents an application error with HTTP status code and error code
type AppError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Details    any    `json:"details,omitempty"`
	Stack      string `json:"-"`
	cause      error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause, if any
func (e *AppError) Unwrap() error {
	return e.cause
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// Payload converts the error into the session_error event body
func (e *AppError) Payload() ws.SessionError {
	return ws.SessionError{
		Error:   e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// NewError creates a new application error
func NewError(statusCode int, code string, message string) *AppError {
	return &AppError{
		StatusCode: statusCode,
		Code:       code,
		Message:    message,
		Stack:      string(debug.Stack()),
	}
}

// NewSessionError creates a client-facing session error. No stack is captured
// since these are routine protocol outcomes.
func NewSessionError(code string, message string) *AppError {
	return &AppError{
		StatusCode: http.StatusBadRequest,
		Code:       code,
		Message:    message,
	}
}

// Wrap creates a session error that keeps err as its cause for logging
func Wrap(err error, code string, message string) *AppError {
	appErr := NewSessionError(code, message)
	appErr.cause = err
	return appErr
}

// NewBadRequestError creates a 400 Bad Request error
func NewBadRequestError(code string, message string) *AppError {
	return NewError(http.StatusBadRequest, code, message)
}

// NewNotFoundError creates a 404 Not Found error
func NewNotFoundError(code string, message string) *AppError {
	return NewError(http.StatusNotFound, code, message)
}

// NewTooManyRequestsError creates a 429 Too Many Requests error
func NewTooManyRequestsError(code string, message string) *AppError {
	return NewError(http.StatusTooManyRequests, code, message)
}

// NewInternalServerError creates a 500 Internal Server Error
func NewInternalServerError(code string, message string) *AppError {
	return NewError(http.StatusInternalServerError, code, message)
}

// NewServiceUnavailableError creates a 503 Service Unavailable error
func NewServiceUnavailableError(code string, message string) *AppError {
	return NewError(http.StatusServiceUnavailable, code, message)
}

// InvalidSession is returned when a message names an unknown or expired session
func InvalidSession() *AppError {
	return NewSessionError(CodeInvalidSession, "Invalid or expired session")
}

// InvalidEmail is returned when send_transcript carries no email address
func InvalidEmail() *AppError {
	return NewSessionError(CodeInvalidEmail, "Email is required")
}

// Is checks if the target error is of type AppError
func Is(err error, target *AppError) bool {
	appErr, ok := err.(*AppError)
	if !ok {
		return false
	}
	return appErr.Code == target.Code
}
