package ws

import (
	"context"
	"errors"
	"fmt"

	"chatty-portal/backend/internal/outbox"
	"chatty-portal/backend/internal/relay"
	"chatty-portal/backend/internal/session"
	apperrors "chatty-portal/backend/pkg/errors"
	"chatty-portal/backend/pkg/persona"
	"chatty-portal/backend/pkg/transcript"
	protocol "chatty-portal/backend/pkg/ws"
)

func (h *Hub) onInbound(e inboundEvent) {
	c := e.client
	if h.clients[c.ID] != c {
		return
	}

	switch {
	case e.limited:
		h.sendError(c, apperrors.NewSessionError(apperrors.CodeRateLimited, "Too many messages, slow down"))
		return
	case e.err != nil:
		c.log.LogError(e.err, "Failed to decode client message")
		h.sendError(c, apperrors.NewSessionError(apperrors.CodeInvalidMessage, "Malformed message"))
		return
	}

	h.metrics.InboundMessage(e.env.Event)

	switch e.env.Event {
	case protocol.EventCreateSession:
		h.handleCreateSession(c, e.env)
	case protocol.EventSendAudio:
		h.handleSendAudio(c, e.env)
	case protocol.EventEndSession:
		h.handleEndSession(c, e.env)
	case protocol.EventSendTranscript:
		h.handleSendTranscript(c, e.env)
	case protocol.EventPing:
		h.handlePing(c)
	default:
		c.log.Warn("Unknown message type", "event", e.env.Event)
		h.sendError(c, apperrors.NewSessionError(apperrors.CodeInvalidMessage,
			fmt.Sprintf("Unknown event: %s", e.env.Event)))
	}
}

func (h *Hub) handleCreateSession(c *Client, env protocol.Envelope) {
	var req protocol.CreateSessionRequest
	if err := env.Bind(&req); err != nil {
		h.sendError(c, apperrors.Wrap(err, apperrors.CodeInvalidMessage, "Invalid create_session payload"))
		return
	}

	tag := req.Personality
	if tag == "" {
		tag = h.opts.DefaultPersonality
	}
	p, err := persona.Lookup(tag)
	if err != nil {
		h.sendError(c, apperrors.Wrap(err, apperrors.CodeSessionCreationFailed,
			fmt.Sprintf("Unknown personality: %s", tag)).WithDetails(map[string]any{"personalities": persona.Tags()}))
		return
	}

	s := h.registry.Create(p.Tag, c.ID)
	c.log.Info("Creating session", "session_id", s.ID, "personality", p.Tag)

	openReq := relay.Request{SessionID: s.ID, Persona: p, Sink: h.relaySink}
	go func() {
		opened, err := h.relay.Open(context.Background(), openReq)
		h.enqueue(relayOpenedEvent{sessionID: openReq.SessionID, opened: opened, err: err})
	}()
}

// relaySink runs on relay goroutines
func (h *Hub) relaySink(ev relay.Event) {
	h.enqueue(relayResultEvent{event: ev})
}

func (h *Hub) onRelayOpened(e relayOpenedEvent) {
	s, ok := h.registry.Get(e.sessionID)
	if !ok || s.Ended() {
		// Session ended while the relay was opening
		if e.err == nil && e.opened.Handle != nil {
			e.opened.Handle.Close()
		}
		h.metrics.RelayResultDropped()
		return
	}

	c, ok := h.clients[s.ConnID]
	if !ok {
		if e.err == nil && e.opened.Handle != nil {
			e.opened.Handle.Close()
		}
		h.registry.Remove(s.ID)
		return
	}

	if e.err != nil {
		h.registry.Remove(s.ID)
		h.sendError(c, apperrors.Wrap(e.err, apperrors.CodeSessionCreationFailed, "Failed to create session"))
		return
	}

	if err := h.attach(s, e.opened); err != nil {
		h.sendError(c, apperrors.Wrap(err, apperrors.CodeSessionCreationFailed, "Failed to create session"))
		return
	}

	h.metrics.SessionCreated(e.opened.Mode)
	h.schedule(s, h.opts.GreetingDelay, h.greet)

	h.send(c, protocol.EventSessionCreated, protocol.SessionCreated{
		SessionID:     s.ID,
		Personality:   s.Personality,
		IsMockSession: e.opened.Mode == protocol.ModeMock,
	})
	if e.opened.Mode == protocol.ModeMock {
		h.send(c, protocol.EventSessionMode, protocol.SessionMode{
			SessionID: s.ID,
			Mode:      protocol.ModeMock,
			Reason:    e.opened.Reason,
		})
	}
	c.log.Info("Session created", "session_id", s.ID, "mode", e.opened.Mode)
}

// attach wraps an opened relay in a forwarder and stores it on the session
func (h *Hub) attach(s *session.Session, opened relay.Opened) error {
	id := s.ID
	var fwd *relay.Forwarder
	fwd = relay.NewForwarder(opened.Handle, h.opts.AudioQueueDepth, func(err error) {
		h.enqueue(relayFailedEvent{sessionID: id, handle: fwd, err: err})
	})
	if err := h.registry.Attach(id, fwd, opened.Mode); err != nil {
		fwd.Close()
		return err
	}
	return nil
}

func (h *Hub) greet(s *session.Session) {
	c, ok := h.clients[s.ConnID]
	if !ok {
		return
	}
	p, err := persona.Lookup(s.Personality)
	if err != nil {
		return
	}
	h.send(c, protocol.EventRealtimeMessage, protocol.RealtimeMessage{
		SessionID: s.ID,
		Data:      protocol.RealtimeData{Type: protocol.RealtimeTranscript, Data: p.Greeting, Role: transcript.RoleAssistant},
	})
	h.send(c, protocol.EventRealtimeMessage, protocol.RealtimeMessage{
		SessionID: s.ID,
		Data:      protocol.RealtimeData{Type: protocol.RealtimeAudio, Data: relay.MockAudio},
	})
}

func (h *Hub) handleSendAudio(c *Client, env protocol.Envelope) {
	var req protocol.SendAudioRequest
	if err := env.Bind(&req); err != nil {
		h.sendError(c, apperrors.Wrap(err, apperrors.CodeInvalidMessage, "Invalid send_audio payload"))
		return
	}

	s, err := h.registry.Lookup(req.SessionID, c.ID)
	if err != nil {
		h.sendError(c, apperrors.InvalidSession())
		return
	}

	audio, err := protocol.DecodeAudio(req.Audio)
	if err != nil {
		h.sendError(c, apperrors.Wrap(err, apperrors.CodeAudioProcessingFailed, "Failed to process audio"))
		return
	}

	if _, err := h.registry.Activate(s.ID); err != nil {
		h.sendError(c, apperrors.InvalidSession())
		return
	}

	handle, ok := s.External.(relay.Handle)
	if !ok {
		h.sendError(c, apperrors.NewSessionError(apperrors.CodeAudioProcessingFailed, "Session is not ready"))
		return
	}
	if err := handle.SendAudio(context.Background(), audio); err != nil {
		h.sendError(c, apperrors.Wrap(err, apperrors.CodeAudioProcessingFailed, "Failed to process audio"))
	}
}

func (h *Hub) onRelayResult(ev relay.Event) {
	s, ok := h.registry.Get(ev.SessionID)
	if !ok || s.Ended() {
		h.metrics.RelayResultDropped()
		h.log.Debug("Dropping late relay result", "session_id", ev.SessionID)
		return
	}

	if ev.Err != nil {
		h.degrade(s, relay.ReasonStreamFailed, ev.Err)
		return
	}

	c, ok := h.clients[s.ConnID]
	if !ok {
		h.metrics.RelayResultDropped()
		return
	}
	h.send(c, protocol.EventRealtimeMessage, protocol.RealtimeMessage{
		SessionID: s.ID,
		Data:      protocol.RealtimeData{Type: ev.Type, Data: ev.Data, Role: ev.Role, Partial: ev.Partial},
	})
}

func (h *Hub) onRelayFailed(e relayFailedEvent) {
	s, ok := h.registry.Get(e.sessionID)
	if !ok || s.External != e.handle {
		return
	}
	h.degrade(s, relay.ReasonStreamFailed, e.err)
}

// degrade switches a realtime session to the mock responder
func (h *Hub) degrade(s *session.Session, reason string, cause error) {
	log := h.log.WithSessionID(s.ID)
	if s.Mode == protocol.ModeMock {
		log.LogError(cause, "Mock relay reported an error")
		return
	}
	log.LogError(cause, "External service failed, switching session to mock")

	p, err := persona.Lookup(s.Personality)
	if err != nil {
		p = persona.MustLookup(persona.DefaultPersonality)
	}
	opened, err := h.relay.Degrade(context.Background(), relay.Request{SessionID: s.ID, Persona: p, Sink: h.relaySink}, reason)
	if err != nil {
		log.LogError(err, "Failed to open mock relay")
		return
	}
	if err := h.attach(s, opened); err != nil {
		return
	}

	if c, ok := h.clients[s.ConnID]; ok {
		h.send(c, protocol.EventSessionMode, protocol.SessionMode{
			SessionID: s.ID,
			Mode:      protocol.ModeMock,
			Reason:    reason,
		})
	}
}

func (h *Hub) handleEndSession(c *Client, env protocol.Envelope) {
	var req protocol.EndSessionRequest
	if err := env.Bind(&req); err != nil {
		h.sendError(c, apperrors.Wrap(err, apperrors.CodeInvalidMessage, "Invalid end_session payload"))
		return
	}
	if req.SessionID == "" {
		h.sendError(c, apperrors.NewSessionError(apperrors.CodeSessionEndFailed, "Session ID is required"))
		return
	}

	if _, err := h.registry.Lookup(req.SessionID, c.ID); err != nil {
		h.sendError(c, apperrors.InvalidSession())
		return
	}

	h.registry.Remove(req.SessionID)
	h.metrics.SessionClosed(session.ReasonEnded)
	h.send(c, protocol.EventSessionClosed, protocol.SessionClosed{SessionID: req.SessionID, Reason: session.ReasonEnded})
	c.log.Info("Session ended", "session_id", req.SessionID)
}

func (h *Hub) handleSendTranscript(c *Client, env protocol.Envelope) {
	var req protocol.SendTranscriptRequest
	if err := env.Bind(&req); err != nil {
		h.sendError(c, apperrors.Wrap(err, apperrors.CodeInvalidMessage, "Invalid send_transcript payload"))
		return
	}

	if _, err := h.registry.Lookup(req.SessionID, c.ID); err != nil {
		h.sendError(c, apperrors.InvalidSession())
		return
	}
	if req.Email == "" {
		h.sendError(c, apperrors.InvalidEmail())
		return
	}
	h.registry.Touch(req.SessionID)

	if h.outbox == nil {
		h.sendError(c, apperrors.NewSessionError(apperrors.CodeTranscriptSendingFailed, "Transcript delivery is not configured"))
		return
	}

	entries := req.Transcript
	if limit := h.opts.TranscriptCap; limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	job := outbox.Job{
		SessionID:  req.SessionID,
		Email:      req.Email,
		Transcript: entries,
		QueuedAt:   h.sched.Now(),
	}
	connID := c.ID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.opts.OutboxTimeout)
		defer cancel()
		err := h.outbox.Enqueue(ctx, job)
		h.enqueue(outboxResultEvent{connID: connID, sessionID: job.SessionID, email: job.Email, err: err})
	}()
}

func (h *Hub) onOutboxResult(e outboxResultEvent) {
	c, ok := h.clients[e.connID]
	if !ok {
		return
	}
	if e.err != nil {
		h.sendError(c, apperrors.Wrap(e.err, apperrors.CodeTranscriptSendingFailed, "Failed to send transcript"))
		return
	}
	h.metrics.TranscriptQueued()
	h.send(c, protocol.EventTranscriptSent, protocol.TranscriptSent{SessionID: e.sessionID, Email: e.email})
	c.log.Info("Transcript queued", "session_id", e.sessionID)
}

func (h *Hub) handlePing(c *Client) {
	h.registry.TouchConn(c.ID)
	h.send(c, protocol.EventPong, nil)
}

func (h *Hub) sendError(c *Client, appErr *apperrors.AppError) {
	h.metrics.SessionError(appErr.Code)
	if cause := errors.Unwrap(appErr); cause != nil {
		c.log.Warn("Session error", "code", appErr.Code, "message", appErr.Message, "error", cause.Error())
	} else {
		c.log.Debug("Session error", "code", appErr.Code, "message", appErr.Message)
	}
	h.send(c, protocol.EventSessionError, appErr.Payload())
}
