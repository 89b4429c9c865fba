package ws

import (
	"errors"
	"fmt"

	"chatty-portal/backend/internal/relay"
	"chatty-portal/backend/internal/session"
	protocol "chatty-portal/backend/pkg/ws"
)

// event is anything the dispatch loop consumes
type event interface{}

type registerEvent struct {
	client *Client
}

type unregisterEvent struct {
	client *Client
}

// inboundEvent is one frame read from a client. err is set when the frame
// could not be decoded; limited when it exceeded the connection's rate.
type inboundEvent struct {
	client  *Client
	env     protocol.Envelope
	err     error
	limited bool
}

type relayOpenedEvent struct {
	sessionID string
	opened    relay.Opened
	err       error
}

type relayResultEvent struct {
	event relay.Event
}

// relayFailedEvent reports a send failure on a specific handle so failures
// from a handle that has since been replaced can be ignored
type relayFailedEvent struct {
	sessionID string
	handle    session.Handle
	err       error
}

type taskEvent struct {
	sessionID string
	run       func(*session.Session)
}

type sweepEvent struct{}

type outboxResultEvent struct {
	connID    string
	sessionID string
	email     string
	err       error
}

func typeName(ev event) string {
	return fmt.Sprintf("%T", ev)
}

var errMissingEvent = errors.New("message has no event name")
