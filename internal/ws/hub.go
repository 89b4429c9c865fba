// Package ws runs the socket side of the portal: one Hub goroutine owns the
// session registry and every connected client, and all inbound messages,
// relay results, and timers reach it as typed events.
package ws

import (
	"context"
	"sync/atomic"
	"time"

	"chatty-portal/backend/internal/outbox"
	"chatty-portal/backend/internal/relay"
	"chatty-portal/backend/internal/session"
	"chatty-portal/backend/pkg/logger"
	"chatty-portal/backend/pkg/observability"
	"chatty-portal/backend/pkg/persona"
	"chatty-portal/backend/pkg/scheduler"
	"chatty-portal/backend/pkg/transcript"
	protocol "chatty-portal/backend/pkg/ws"
)

// Opener opens relays with mock fallback
type Opener interface {
	Open(ctx context.Context, req relay.Request) (relay.Opened, error)
	Degrade(ctx context.Context, req relay.Request, reason string) (relay.Opened, error)
}

// Options tunes the Hub
type Options struct {
	GreetingDelay      time.Duration
	SweepInterval      time.Duration
	DefaultPersonality string
	// MessageRate and MessageBurst bound inbound messages per connection
	MessageRate    float64
	MessageBurst   int
	MaxMessageSize int64
	AllowedOrigins []string
	// OutboxTimeout bounds a single transcript hand-off
	OutboxTimeout time.Duration
	// AudioQueueDepth is the per-session forwarding buffer
	AudioQueueDepth int
	// TranscriptCap bounds the transcript handed to the outbox, newest kept
	TranscriptCap int
}

// DefaultOptions returns production defaults
func DefaultOptions() Options {
	return Options{
		GreetingDelay:      time.Second,
		SweepInterval:      5 * time.Minute,
		DefaultPersonality: persona.DefaultPersonality,
		MessageRate:        50,
		MessageBurst:       100,
		MaxMessageSize:     1 << 20,
		AllowedOrigins:     []string{"*"},
		OutboxTimeout:      5 * time.Second,
		AudioQueueDepth:    32,
		TranscriptCap:      transcript.DefaultCap,
	}
}

// Hub dispatches every socket event on a single goroutine
type Hub struct {
	registry *session.Registry
	relay    Opener
	outbox   outbox.Store
	sched    scheduler.Scheduler
	opts     Options
	log      *logger.Logger
	metrics  *observability.Metrics

	events  chan event
	done    chan struct{}
	clients map[string]*Client
	conns   atomic.Int64
}

// NewHub creates a hub. Run must be called before clients connect.
func NewHub(
	registry *session.Registry,
	opener Opener,
	store outbox.Store,
	sched scheduler.Scheduler,
	opts Options,
	log *logger.Logger,
	metrics *observability.Metrics,
) *Hub {
	if sched == nil {
		sched = scheduler.New()
	}
	if log == nil {
		log = logger.Discard()
	}
	if opts.DefaultPersonality == "" {
		opts.DefaultPersonality = persona.DefaultPersonality
	}
	return &Hub{
		registry: registry,
		relay:    opener,
		outbox:   store,
		sched:    sched,
		opts:     opts,
		log:      log.WithComponent("hub"),
		metrics:  metrics,
		events:   make(chan event, 256),
		done:     make(chan struct{}),
		clients:  make(map[string]*Client),
	}
}

// Registry exposes the session registry for read-only callers such as health checks
func (h *Hub) Registry() *session.Registry {
	return h.registry
}

// Connections returns the number of registered clients
func (h *Hub) Connections() int {
	return int(h.conns.Load())
}

// Run dispatches events until ctx is done, then ends every session and
// disconnects every client
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	sweep := h.sched.Every(h.opts.SweepInterval, func() {
		h.enqueue(sweepEvent{})
	})
	defer sweep.Stop()

	h.log.Info("Hub started",
		"sweep_interval", h.opts.SweepInterval.String(),
		"greeting_delay", h.opts.GreetingDelay.String(),
	)

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case ev := <-h.events:
			h.dispatch(ev)
		}
	}
}

// Done is closed once Run has returned
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// enqueue hands an event to the dispatch loop. It must not be called from
// the dispatch goroutine itself.
func (h *Hub) enqueue(ev event) bool {
	select {
	case h.events <- ev:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) dispatch(ev event) {
	switch e := ev.(type) {
	case registerEvent:
		h.onRegister(e.client)
	case unregisterEvent:
		h.onUnregister(e.client)
	case inboundEvent:
		h.onInbound(e)
	case relayOpenedEvent:
		h.onRelayOpened(e)
	case relayResultEvent:
		h.onRelayResult(e.event)
	case relayFailedEvent:
		h.onRelayFailed(e)
	case taskEvent:
		h.onTask(e)
	case sweepEvent:
		h.onSweep()
	case outboxResultEvent:
		h.onOutboxResult(e)
	default:
		h.log.Warn("Unhandled hub event", "type", typeName(ev))
	}
}

func (h *Hub) onRegister(c *Client) {
	h.clients[c.ID] = c
	h.conns.Store(int64(len(h.clients)))
	h.metrics.ConnectionOpened()
	c.log.Info("Client connected")
}

func (h *Hub) onUnregister(c *Client) {
	if h.clients[c.ID] != c {
		return
	}
	h.drop(c, session.ReasonDisconnect)
	c.log.Info("Client disconnected")
}

// drop forgets a client, closes its send queue, and ends the sessions it owns
func (h *Hub) drop(c *Client, reason string) {
	delete(h.clients, c.ID)
	h.conns.Store(int64(len(h.clients)))
	close(c.send)
	h.metrics.ConnectionClosed()

	for _, s := range h.registry.RemoveByConn(c.ID) {
		h.metrics.SessionClosed(reason)
		c.log.Info("Session ended with connection", "session_id", s.ID, "reason", reason)
	}
}

func (h *Hub) shutdown() {
	for _, s := range h.registry.RemoveAll() {
		if c, ok := h.clients[s.ConnID]; ok {
			h.send(c, protocol.EventSessionClosed, protocol.SessionClosed{SessionID: s.ID, Reason: session.ReasonShutdown})
		}
		h.metrics.SessionClosed(session.ReasonShutdown)
	}
	for _, c := range h.clients {
		delete(h.clients, c.ID)
		close(c.send)
		h.metrics.ConnectionClosed()
	}
	h.conns.Store(0)
	h.log.Info("Hub stopped")
}

func (h *Hub) onSweep() {
	removed := h.registry.Sweep(h.sched.Now())
	for _, s := range removed {
		h.metrics.SessionClosed(session.ReasonTimeout)
		if c, ok := h.clients[s.ConnID]; ok {
			h.send(c, protocol.EventSessionClosed, protocol.SessionClosed{SessionID: s.ID, Reason: session.ReasonTimeout})
		}
	}
	if len(removed) > 0 {
		h.log.Info("Swept inactive sessions", "count", len(removed), "remaining", h.registry.Count())
	}
}

func (h *Hub) onTask(e taskEvent) {
	s, ok := h.registry.Get(e.sessionID)
	if !ok || s.Ended() {
		return
	}
	e.run(s)
}

// schedule runs fn on the dispatch goroutine after d, unless the session is
// removed first
func (h *Hub) schedule(s *session.Session, d time.Duration, fn func(*session.Session)) {
	id := s.ID
	s.Schedule(h.sched.AfterFunc(d, func() {
		h.enqueue(taskEvent{sessionID: id, run: fn})
	}))
}

// send queues a frame for c. A client whose queue is full is disconnected,
// and later sends to it are dropped.
func (h *Hub) send(c *Client, eventName string, payload any) {
	if h.clients[c.ID] != c {
		return
	}
	frame, err := protocol.Encode(eventName, payload)
	if err != nil {
		c.log.LogError(err, "Failed to encode message", "event", eventName)
		return
	}

	select {
	case c.send <- frame:
	default:
		c.log.Warn("Client removed due to blocked channel", "event", eventName)
		h.drop(c, session.ReasonDisconnect)
	}
}
