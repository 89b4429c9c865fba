package ws

import (
	"encoding/json"
	"time"
)

// Event names exchanged over the socket channel
const (
	// Client -> Server
	EventCreateSession  = "create_session"
	EventSendAudio      = "send_audio"
	EventEndSession     = "end_session"
	EventSendTranscript = "send_transcript"
	EventPing           = "ping"

	// Server -> Client
	EventSessionCreated  = "session_created"
	EventSessionError    = "session_error"
	EventSessionClosed   = "session_closed"
	EventSessionMode     = "session_mode"
	EventRealtimeMessage = "realtime_message"
	EventTranscriptSent  = "transcript_sent"
	EventPong            = "pong"
)

// Realtime payload kinds
const (
	RealtimeTranscript = "transcript"
	RealtimeAudio      = "audio"
)

// Session modes reported in session_mode
const (
	ModeRealtime = "realtime"
	ModeMock     = "mock"
)

// Envelope is the frame carried by every socket message
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// CreateSessionRequest is the create_session payload
type CreateSessionRequest struct {
	Personality string `json:"personality,omitempty"`
}

// SendAudioRequest is the send_audio payload. Audio may be a base64 string
// or an array of byte values.
type SendAudioRequest struct {
	SessionID string      `json:"sessionId"`
	Audio     interface{} `json:"audio"`
}

// EndSessionRequest is the end_session payload
type EndSessionRequest struct {
	SessionID string `json:"sessionId"`
}

// SendTranscriptRequest is the send_transcript payload
type SendTranscriptRequest struct {
	SessionID  string        `json:"sessionId"`
	Email      string        `json:"email"`
	Transcript []ChatMessage `json:"transcript"`
}

// SessionCreated is the session_created payload
type SessionCreated struct {
	SessionID     string `json:"sessionId"`
	Personality   string `json:"personality"`
	IsMockSession bool   `json:"isMockSession,omitempty"`
}

// SessionError is the session_error payload
type SessionError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// SessionClosed is the session_closed payload
type SessionClosed struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}

// SessionMode is the session_mode payload
type SessionMode struct {
	SessionID string `json:"sessionId"`
	Mode      string `json:"mode"`
	Reason    string `json:"reason,omitempty"`
}

// RealtimeData is the inner body of a realtime_message. Transcript bodies
// carry the speaker Role (assistant when empty). Partial marks a streamed
// fragment of an assistant reply; the complete reply follows without it.
type RealtimeData struct {
	Type    string `json:"type"`
	Data    string `json:"data"`
	Role    string `json:"role,omitempty"`
	Partial bool   `json:"partial,omitempty"`
}

// RealtimeMessage is the realtime_message payload
type RealtimeMessage struct {
	SessionID string       `json:"sessionId"`
	Data      RealtimeData `json:"data"`
}

// TranscriptSent is the transcript_sent payload
type TranscriptSent struct {
	SessionID string `json:"sessionId"`
	Email     string `json:"email"`
}

// ChatMessage represents a message in the chat history
type ChatMessage struct {
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Encode builds a wire frame for the given event and payload
func Encode(event string, payload any) ([]byte, error) {
	env := Envelope{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Data = data
	}
	return json.Marshal(env)
}

// Decode parses a wire frame
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(frame, &env)
	return env, err
}

// Bind unmarshals the envelope data into v. An empty body leaves v untouched.
func (e Envelope) Bind(v any) error {
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}
