package client

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionCreationTimeout is returned when the server does not answer
	// create_session within Options.CreateTimeout
	ErrSessionCreationTimeout = errors.New("session creation timeout")

	// ErrConnectionFailed is reported once every reconnect attempt is spent
	ErrConnectionFailed = errors.New("connection failed")

	// ErrConnectionLost is reported when the socket drops unexpectedly
	ErrConnectionLost = errors.New("connection lost")

	ErrNotConnected     = errors.New("not connected")
	ErrNoSession        = errors.New("no active session")
	ErrSessionActive    = errors.New("session already active")
	ErrCreateInProgress = errors.New("session creation already in progress")
	ErrSendInProgress   = errors.New("transcript send already in progress")
	ErrEmailRequired    = errors.New("email is required")
	ErrClosed           = errors.New("client closed")
)

// SessionCreationFailedError carries the server's reason for rejecting
// create_session
type SessionCreationFailedError struct {
	Code    string
	Message string
}

func (e *SessionCreationFailedError) Error() string {
	if e.Message == "" {
		return "session creation failed"
	}
	return fmt.Sprintf("session creation failed: %s", e.Message)
}

// ServerError is a session_error that is not tied to a pending request
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
