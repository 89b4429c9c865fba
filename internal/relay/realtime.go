package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"chatty-portal/backend/pkg/logger"
	"chatty-portal/backend/pkg/transcript"
	"chatty-portal/backend/pkg/ws"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	writeWait          = 10 * time.Second
	transcriptionModel = "whisper-1"
)

var tracer = otel.Tracer("chatty-portal/relay")

// WebsocketDialer is the subset of *websocket.Dialer the realtime client uses
type WebsocketDialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// RealtimeConfig configures the realtime service
type RealtimeConfig struct {
	URL    string
	Model  string
	APIKey string
}

// Realtime streams audio to a realtime speech API over a websocket
type Realtime struct {
	cfg    RealtimeConfig
	dialer WebsocketDialer
	log    *logger.Logger
}

// NewRealtime creates a realtime service. A nil dialer uses websocket.DefaultDialer.
func NewRealtime(cfg RealtimeConfig, dialer WebsocketDialer, log *logger.Logger) *Realtime {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Realtime{cfg: cfg, dialer: dialer, log: log.WithComponent("relay")}
}

// clientEvent is an outbound realtime API message
type clientEvent struct {
	Type     string         `json:"type"`
	Audio    string         `json:"audio,omitempty"`
	Session  *sessionConfig `json:"session,omitempty"`
	Response *responseOpts  `json:"response,omitempty"`
}

type sessionConfig struct {
	Instructions            string               `json:"instructions,omitempty"`
	Voice                   string               `json:"voice,omitempty"`
	Modalities              []string             `json:"modalities"`
	InputAudioTranscription *transcriptionConfig `json:"input_audio_transcription,omitempty"`
}

type transcriptionConfig struct {
	Model string `json:"model"`
}

type responseOpts struct {
	Modalities []string `json:"modalities"`
}

// serverEvent is an inbound realtime API message
type serverEvent struct {
	Type       string `json:"type"`
	Delta      string `json:"delta"`
	Transcript string `json:"transcript"`
	Text       string `json:"text"`
	Error *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Open dials the service and configures the session with the persona
func (r *Realtime) Open(ctx context.Context, req Request) (Handle, error) {
	ctx, span := tracer.Start(ctx, "relay.open", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("session.id", req.SessionID))

	if r.cfg.APIKey == "" {
		span.SetStatus(codes.Error, ErrNotConfigured.Error())
		return nil, ErrNotConfigured
	}

	u, err := url.Parse(r.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse realtime URL: %w", err)
	}
	if r.cfg.Model != "" {
		q := u.Query()
		q.Set("model", r.cfg.Model)
		u.RawQuery = q.Encode()
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+r.cfg.APIKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	conn, _, err := r.dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dial failed")
		return nil, fmt.Errorf("failed to connect to realtime service: %w", err)
	}

	h := &realtimeHandle{
		conn: conn,
		req:  req,
		log:  r.log.WithSessionID(req.SessionID),
	}

	update := clientEvent{
		Type: "session.update",
		Session: &sessionConfig{
			Instructions: req.Persona.Instructions,
			Voice:        req.Persona.Voice,
			Modalities:   []string{"text", "audio"},
			// Transcribes the visitor's speech
			InputAudioTranscription: &transcriptionConfig{Model: transcriptionModel},
		},
	}
	if err := h.write(update); err != nil {
		conn.Close()
		span.RecordError(err)
		return nil, fmt.Errorf("failed to configure realtime session: %w", err)
	}

	go h.readLoop()

	r.log.Info("Connected to realtime service", "session_id", req.SessionID)
	return h, nil
}

type realtimeHandle struct {
	conn *websocket.Conn
	req  Request
	log  *logger.Logger

	writeMu sync.Mutex
	mu      sync.Mutex
	closed  bool
}

// SendAudio appends the chunk to the input buffer and asks for a response
func (h *realtimeHandle) SendAudio(ctx context.Context, audio []byte) error {
	_, span := tracer.Start(ctx, "relay.send_audio", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("session.id", h.req.SessionID),
		attribute.Int("audio.bytes", len(audio)),
	)

	if h.isClosed() {
		return ErrClosed
	}

	events := []clientEvent{
		{Type: "input_audio_buffer.append", Audio: ws.EncodeAudio(audio)},
		{Type: "input_audio_buffer.commit"},
		{Type: "response.create", Response: &responseOpts{Modalities: []string{"audio", "text"}}},
	}
	for _, ev := range events {
		if err := h.write(ev); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "write failed")
			return fmt.Errorf("failed to send %s: %w", ev.Type, err)
		}
	}
	return nil
}

func (h *realtimeHandle) write(ev clientEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	h.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return h.conn.WriteMessage(websocket.TextMessage, data)
}

func (h *realtimeHandle) readLoop() {
	for {
		_, message, err := h.conn.ReadMessage()
		if err != nil {
			if !h.isClosed() {
				h.log.LogError(err, "Realtime stream ended")
				h.emit(Event{Err: fmt.Errorf("realtime stream: %w", err)})
			}
			return
		}

		var ev serverEvent
		if err := json.Unmarshal(message, &ev); err != nil {
			h.log.LogError(err, "Failed to parse realtime message")
			continue
		}

		switch ev.Type {
		case "response.audio_transcript.delta", "response.text.delta":
			if ev.Delta != "" {
				h.emit(Event{Type: ws.RealtimeTranscript, Role: transcript.RoleAssistant, Data: ev.Delta, Partial: true})
			}
		case "response.audio_transcript.done":
			h.emit(Event{Type: ws.RealtimeTranscript, Role: transcript.RoleAssistant, Data: ev.Transcript})
		case "response.text.done":
			h.emit(Event{Type: ws.RealtimeTranscript, Role: transcript.RoleAssistant, Data: ev.Text})
		case "conversation.item.input_audio_transcription.completed":
			if text := strings.TrimSpace(ev.Transcript); text != "" {
				h.emit(Event{Type: ws.RealtimeTranscript, Role: transcript.RoleUser, Data: text})
			}
		case "response.audio.delta":
			if ev.Delta != "" {
				h.emit(Event{Type: ws.RealtimeAudio, Data: "data:audio/pcm;base64," + ev.Delta})
			}
		case "error":
			msg := "unknown realtime error"
			if ev.Error != nil {
				msg = ev.Error.Message
			}
			h.log.Warn("Realtime service reported an error", "message", msg)
			h.emit(Event{Err: fmt.Errorf("realtime service error: %s", msg)})
		default:
			h.log.Debug("Ignoring realtime message", "type", ev.Type)
		}
	}
}

func (h *realtimeHandle) emit(ev Event) {
	ev.SessionID = h.req.SessionID
	h.req.Sink(ev)
}

func (h *realtimeHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Close stops the reader and closes the socket. Results still in flight are discarded.
func (h *realtimeHandle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	h.writeMu.Lock()
	h.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = h.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	h.writeMu.Unlock()

	return h.conn.Close()
}
