package client

import (
	apperrors "chatty-portal/backend/pkg/errors"
	"chatty-portal/backend/pkg/transcript"
	"chatty-portal/backend/pkg/ws"
)

// handle applies one server frame. Frames from a superseded connection
// are ignored.
func (c *Controller) handle(gen uint64, env ws.Envelope) {
	c.mu.Lock()
	defer c.unlock()
	if c.closed || gen != c.gen {
		return
	}
	c.lastActivity = c.sched.Now()

	var err error
	switch env.Event {
	case ws.EventSessionCreated:
		err = c.onSessionCreated(env)
	case ws.EventSessionError:
		err = c.onSessionError(env)
	case ws.EventSessionClosed:
		err = c.onSessionClosed(env)
	case ws.EventSessionMode:
		err = c.onSessionMode(env)
	case ws.EventRealtimeMessage:
		err = c.onRealtimeMessage(env)
	case ws.EventTranscriptSent:
		err = c.onTranscriptSent(env)
	case ws.EventPong:
	default:
		c.log.Debug("Ignoring unknown event", "event", env.Event)
	}
	if err != nil {
		c.log.LogError(err, "Discarding malformed payload", "event", env.Event)
	}
}

func (c *Controller) onSessionCreated(env ws.Envelope) error {
	var msg ws.SessionCreated
	if err := env.Bind(&msg); err != nil {
		return err
	}
	pc := c.creating
	if pc == nil {
		c.log.Warn("Unsolicited session_created", "session_id", msg.SessionID)
		return nil
	}
	c.resolveCreate(pc, &msg, nil)
	return nil
}

func (c *Controller) onSessionError(env ws.Envelope) error {
	var msg ws.SessionError
	if err := env.Bind(&msg); err != nil {
		return err
	}

	if pc := c.creating; pc != nil {
		c.resolveCreate(pc, nil, &SessionCreationFailedError{Code: msg.Error, Message: msg.Message})
		return nil
	}

	serverErr := &ServerError{Code: msg.Error, Message: msg.Message}
	if ps := c.sending; ps != nil {
		switch msg.Error {
		case apperrors.CodeInvalidEmail, apperrors.CodeInvalidSession, apperrors.CodeTranscriptSendingFailed:
			c.resolveSend(ps, serverErr)
			return nil
		}
	}
	c.notifyError(serverErr)
	return nil
}

func (c *Controller) onSessionClosed(env ws.Envelope) error {
	var msg ws.SessionClosed
	if err := env.Bind(&msg); err != nil {
		return err
	}
	if s := c.session; s != nil && s.id == msg.SessionID {
		c.log.Info("Server closed session", "session_id", msg.SessionID, "reason", msg.Reason)
		c.endLocked(false)
	}
	return nil
}

func (c *Controller) onSessionMode(env ws.Envelope) error {
	var msg ws.SessionMode
	if err := env.Bind(&msg); err != nil {
		return err
	}
	s := c.session
	if s == nil || s.id != msg.SessionID || s.mode == msg.Mode {
		return nil
	}
	c.log.Info("Session mode changed", "session_id", s.id, "mode", msg.Mode, "reason", msg.Reason)
	s.mode = msg.Mode
	c.notifyMode(msg.Mode)
	return nil
}

func (c *Controller) onRealtimeMessage(env ws.Envelope) error {
	var msg ws.RealtimeMessage
	if err := env.Bind(&msg); err != nil {
		return err
	}
	s := c.session
	if s == nil || s.id != msg.SessionID {
		return nil
	}

	switch msg.Data.Type {
	case ws.RealtimeTranscript:
		switch {
		case msg.Data.Role == transcript.RoleUser:
			if msg.Data.Data != "" {
				c.notifyTranscript(c.transcript.Append(transcript.RoleUser, msg.Data.Data))
			}
		case msg.Data.Partial:
			s.reply.WriteString(msg.Data.Data)
		default:
			c.flushReply(s, msg.Data.Data)
		}
	case ws.RealtimeAudio:
		c.setStatus(StatusSpeaking, "Speaking...")
		if fn := c.opts.OnAudio; fn != nil {
			data := msg.Data.Data
			c.later(func() { fn(data) })
		}
	default:
		c.log.Debug("Ignoring realtime payload", "type", msg.Data.Type)
	}
	return nil
}

// flushReply closes the assistant reply in progress as one transcript entry.
// A non-empty final text replaces the collected fragments.
func (c *Controller) flushReply(s *activeSession, final string) {
	text := final
	if text == "" {
		text = s.reply.String()
	}
	s.reply.Reset()
	if text != "" {
		c.notifyTranscript(c.transcript.Append(transcript.RoleAssistant, text))
	}
}

func (c *Controller) onTranscriptSent(env ws.Envelope) error {
	var msg ws.TranscriptSent
	if err := env.Bind(&msg); err != nil {
		return err
	}
	if ps := c.sending; ps != nil && ps.sessionID == msg.SessionID {
		c.resolveSend(ps, nil)
	}
	return nil
}
