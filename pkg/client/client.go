// Package client drives voice sessions against the portal server. A
// Controller creates and ends sessions, runs the CTA and auto-end timer,
// keeps the socket alive and reconnects with exponential backoff.
package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	apperrors "chatty-portal/backend/pkg/errors"
	"chatty-portal/backend/pkg/logger"
	"chatty-portal/backend/pkg/persona"
	"chatty-portal/backend/pkg/scheduler"
	"chatty-portal/backend/pkg/transcript"
	"chatty-portal/backend/pkg/ws"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
)

// Status is the coarse state reported through Options.OnStatus
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusReady      Status = "ready"
	StatusListening  Status = "listening"
	StatusSpeaking   Status = "speaking"
	StatusIdle       Status = "idle"
	StatusError      Status = "error"
	StatusFailed     Status = "failed"
)

const writeWait = 10 * time.Second

// MockAudio is played for replies generated by a local session
var MockAudio = ws.AudioDataURL("audio/mp3", []byte("mock audio data"))

// Dialer opens the socket. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// AudioSource produces captured audio. Start must not block; chunks are
// delivered until ctx is done or Stop is called.
type AudioSource interface {
	Start(ctx context.Context, chunk func([]byte)) error
	Stop()
}

// Options configures a Controller. Zero values take the defaults from
// DefaultOptions.
type Options struct {
	URL         string
	Personality string

	SessionDuration      time.Duration
	CTAThreshold         time.Duration
	CreateTimeout        time.Duration
	ConnectTimeout       time.Duration
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	KeepAliveInterval    time.Duration
	StaleAfter           time.Duration
	TickInterval         time.Duration
	MockDelay            time.Duration
	TranscriptCap        int

	// LocalFallback starts a local mock session when the server cannot
	// create one
	LocalFallback bool

	Scheduler scheduler.Scheduler
	Dialer    Dialer
	Audio     AudioSource
	Log       *logger.Logger
	Pick      func(n int) int

	OnStatus     func(status Status, detail string)
	OnCTA        func()
	OnSessionEnd func(transcript []ws.ChatMessage)
	OnTranscript func(msg ws.ChatMessage)
	OnAudio      func(dataURL string)
	OnError      func(err error)
	OnModeChange func(mode string)
}

// DefaultOptions returns the stock session timings
func DefaultOptions() Options {
	return Options{
		Personality:          persona.DefaultPersonality,
		SessionDuration:      60 * time.Second,
		CTAThreshold:         45 * time.Second,
		CreateTimeout:        15 * time.Second,
		ConnectTimeout:       10 * time.Second,
		MaxReconnectAttempts: 5,
		ReconnectBaseDelay:   time.Second,
		KeepAliveInterval:    10 * time.Second,
		StaleAfter:           15 * time.Second,
		TickInterval:         time.Second,
		MockDelay:            time.Second,
		TranscriptCap:        transcript.DefaultCap,
	}
}

func (o *Options) applyDefaults() {
	d := DefaultOptions()
	if o.Personality == "" {
		o.Personality = d.Personality
	}
	setDuration(&o.SessionDuration, d.SessionDuration)
	setDuration(&o.CTAThreshold, d.CTAThreshold)
	setDuration(&o.CreateTimeout, d.CreateTimeout)
	setDuration(&o.ConnectTimeout, d.ConnectTimeout)
	setDuration(&o.ReconnectBaseDelay, d.ReconnectBaseDelay)
	setDuration(&o.KeepAliveInterval, d.KeepAliveInterval)
	setDuration(&o.StaleAfter, d.StaleAfter)
	setDuration(&o.TickInterval, d.TickInterval)
	setDuration(&o.MockDelay, d.MockDelay)
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = d.MaxReconnectAttempts
	}
	if o.TranscriptCap <= 0 {
		o.TranscriptCap = d.TranscriptCap
	}
	if o.Scheduler == nil {
		o.Scheduler = scheduler.New()
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.Pick == nil {
		o.Pick = rand.Intn
	}
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}

// Controller is the client half of the session lifecycle. All state sits
// behind mu; callbacks run after mu is released and may call back in.
type Controller struct {
	opts  Options
	sched scheduler.Scheduler
	log   *logger.Logger

	writeMu sync.Mutex

	mu           sync.Mutex
	queued       []func()
	closed       bool
	status       Status
	conn         *websocket.Conn
	gen          uint64
	lastActivity time.Time
	keepAlive    scheduler.Task
	retry        backoff.BackOff
	retryTask    scheduler.Task
	creating     *pendingCreate
	sending      *pendingSend
	session      *activeSession
	transcript   *transcript.Transcript
}

type activeSession struct {
	id          string
	persona     persona.Persona
	local       bool
	mode        string
	started     time.Time
	ctaFired    bool
	timer       scheduler.Task
	stopCapture context.CancelFunc
	replies     scheduler.Group
	// reply collects streamed fragments of the assistant reply in progress
	reply strings.Builder
}

type createResult struct {
	id  string
	err error
}

type pendingCreate struct {
	persona persona.Persona
	timeout scheduler.Task
	done    chan createResult
}

type pendingSend struct {
	sessionID string
	done      chan error
}

// New creates a Controller. It does not connect.
func New(opts Options) (*Controller, error) {
	opts.applyDefaults()
	if opts.CTAThreshold >= opts.SessionDuration {
		return nil, fmt.Errorf("client: CTA threshold %s must be shorter than session duration %s", opts.CTAThreshold, opts.SessionDuration)
	}
	if _, err := persona.Lookup(opts.Personality); err != nil {
		return nil, fmt.Errorf("client: personality %q: %w", opts.Personality, err)
	}

	log := opts.Log
	if log == nil {
		log = logger.Discard()
	}

	return &Controller{
		opts:       opts,
		sched:      opts.Scheduler,
		log:        log.WithComponent("client"),
		status:     StatusIdle,
		transcript: transcript.New(opts.TranscriptCap),
	}, nil
}

// unlock releases mu and runs the callbacks queued while it was held
func (c *Controller) unlock() {
	fns := c.queued
	c.queued = nil
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (c *Controller) later(fn func()) {
	c.queued = append(c.queued, fn)
}

func (c *Controller) setStatus(s Status, detail string) {
	if c.status == s {
		return
	}
	c.status = s
	if fn := c.opts.OnStatus; fn != nil {
		c.later(func() { fn(s, detail) })
	}
}

func (c *Controller) notifyError(err error) {
	if fn := c.opts.OnError; fn != nil {
		c.later(func() { fn(err) })
	}
}

func (c *Controller) notifyTranscript(msg ws.ChatMessage) {
	if fn := c.opts.OnTranscript; fn != nil {
		c.later(func() { fn(msg) })
	}
}

func (c *Controller) notifyMode(mode string) {
	if fn := c.opts.OnModeChange; fn != nil {
		c.later(func() { fn(mode) })
	}
}

// Status returns the last reported status
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// SessionID returns the active session id, or "" when there is none
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.id
}

// Mode reports whether the active session is relayed to the realtime
// service or answered by a mock responder
func (c *Controller) Mode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.mode
}

// Transcript returns the conversation of the current or most recent session
func (c *Controller) Transcript() []ws.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transcript.Entries()
}

// Connect dials the server. A failed dial is retried in the background
// with the reconnect policy.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.unlock()
		return ErrClosed
	}
	if c.conn != nil {
		c.unlock()
		return nil
	}
	c.stopRetry()
	c.setStatus(StatusConnecting, "Connecting...")
	c.unlock()

	err := c.dial(ctx)
	if err != nil {
		c.log.LogError(err, "Connection error")
		c.mu.Lock()
		if !c.closed && c.conn == nil {
			c.setStatus(StatusError, "Connection error")
			c.scheduleReconnect()
		}
		c.unlock()
	}
	return err
}

func (c *Controller) dial(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	conn, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}

	c.mu.Lock()
	defer c.unlock()
	if c.closed {
		conn.Close()
		return ErrClosed
	}
	if c.conn != nil {
		conn.Close()
		return nil
	}
	c.attach(conn)
	return nil
}

func (c *Controller) attach(conn *websocket.Conn) {
	c.gen++
	c.conn = conn
	c.lastActivity = c.sched.Now()
	c.retry = nil
	c.keepAlive = c.sched.Every(c.opts.KeepAliveInterval, c.keepAliveTick)
	c.setStatus(StatusConnected, "Connected")
	c.log.Info("Connected", "url", c.opts.URL)

	go c.readLoop(conn, c.gen)
}

func (c *Controller) detach() {
	conn := c.conn
	c.conn = nil
	c.gen++
	if c.keepAlive != nil {
		c.keepAlive.Stop()
		c.keepAlive = nil
	}
	c.later(func() { conn.Close() })
}

func (c *Controller) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			c.connectionLost(gen, err)
			return
		}
		env, err := ws.Decode(frame)
		if err != nil {
			c.log.LogError(err, "Discarding malformed frame")
			continue
		}
		c.handle(gen, env)
	}
}

func (c *Controller) connectionLost(gen uint64, err error) {
	c.mu.Lock()
	defer c.unlock()
	if c.closed || gen != c.gen || c.conn == nil {
		return
	}

	c.log.LogError(err, "Connection lost")
	c.detach()
	if s := c.session; s != nil && !s.local {
		c.endLocked(false)
	}
	c.failPending(ErrConnectionLost)
	c.setStatus(StatusError, "Disconnected")
	c.notifyError(ErrConnectionLost)
	c.scheduleReconnect()
}

func newRetryPolicy(o Options) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.ReconnectBaseDelay
	b.Multiplier = 1.5
	b.RandomizationFactor = 0
	b.MaxInterval = o.ReconnectBaseDelay << uint(o.MaxReconnectAttempts)
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(o.MaxReconnectAttempts))
}

// scheduleReconnect arms the next attempt, or reports terminal failure
// once the attempts are spent
func (c *Controller) scheduleReconnect() {
	if c.retry == nil {
		c.retry = newRetryPolicy(c.opts)
	}
	delay := c.retry.NextBackOff()
	if delay == backoff.Stop {
		c.retry = nil
		c.log.Warn("Reconnect attempts exhausted", "attempts", c.opts.MaxReconnectAttempts)
		c.setStatus(StatusFailed, "Connection failed")
		c.notifyError(ErrConnectionFailed)
		return
	}

	c.log.Info("Scheduling reconnect", "delay", delay)
	c.retryTask = c.sched.AfterFunc(delay, func() { go c.reconnect() })
}

func (c *Controller) stopRetry() {
	if c.retryTask != nil {
		c.retryTask.Stop()
		c.retryTask = nil
	}
}

func (c *Controller) reconnect() {
	c.mu.Lock()
	if c.closed || c.conn != nil {
		c.unlock()
		return
	}
	c.retryTask = nil
	c.setStatus(StatusConnecting, "Reconnecting...")
	c.unlock()

	if err := c.dial(context.Background()); err != nil {
		c.log.LogError(err, "Reconnect failed")
		c.mu.Lock()
		if !c.closed && c.conn == nil {
			c.setStatus(StatusError, "Reconnect failed")
			c.scheduleReconnect()
		}
		c.unlock()
	}
}

func (c *Controller) keepAliveTick() {
	c.mu.Lock()
	conn := c.conn
	stale := conn != nil && c.sched.Now().Sub(c.lastActivity) > c.opts.StaleAfter
	c.unlock()

	if stale {
		if err := c.send(conn, ws.EventPing, nil); err != nil {
			c.log.LogError(err, "Failed to send ping")
		}
	}
}

func (c *Controller) send(conn *websocket.Conn, event string, payload any) error {
	frame, err := ws.Encode(event, payload)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("write %s: %w", event, err)
	}
	return nil
}

// CreateSession asks the server for a session and waits for the answer.
// An empty personality uses Options.Personality. With LocalFallback set, a
// failed or impossible server session becomes a local mock session.
func (c *Controller) CreateSession(ctx context.Context, personality string) (string, error) {
	if personality == "" {
		personality = c.opts.Personality
	}
	p, err := persona.Lookup(personality)
	if err != nil {
		return "", &SessionCreationFailedError{Code: apperrors.CodeSessionCreationFailed, Message: err.Error()}
	}

	c.mu.Lock()
	switch {
	case c.closed:
		c.unlock()
		return "", ErrClosed
	case c.session != nil:
		c.unlock()
		return "", ErrSessionActive
	case c.creating != nil:
		c.unlock()
		return "", ErrCreateInProgress
	case c.conn == nil:
		if !c.opts.LocalFallback {
			c.unlock()
			return "", ErrNotConnected
		}
		id := c.startSession(localSessionID(), p, true, ws.ModeMock)
		c.unlock()
		return id, nil
	}

	pc := &pendingCreate{persona: p, done: make(chan createResult, 1)}
	c.creating = pc
	pc.timeout = c.sched.AfterFunc(c.opts.CreateTimeout, func() {
		c.mu.Lock()
		defer c.unlock()
		c.resolveCreate(pc, nil, ErrSessionCreationTimeout)
	})
	conn := c.conn
	c.setStatus(StatusConnecting, "Creating session...")
	c.unlock()

	if err := c.send(conn, ws.EventCreateSession, ws.CreateSessionRequest{Personality: p.Tag}); err != nil {
		c.mu.Lock()
		c.resolveCreate(pc, nil, err)
		c.unlock()
	}

	select {
	case r := <-pc.done:
		return r.id, r.err
	case <-ctx.Done():
		c.mu.Lock()
		if c.creating == pc {
			c.creating = nil
			pc.timeout.Stop()
			if c.conn != nil {
				c.setStatus(StatusConnected, "Session creation cancelled")
			} else {
				c.setStatus(StatusError, "Disconnected")
			}
			c.unlock()
			return "", ctx.Err()
		}
		c.unlock()
		r := <-pc.done
		return r.id, r.err
	}
}

// resolveCreate settles a pending creation exactly once. created is nil
// on failure.
func (c *Controller) resolveCreate(pc *pendingCreate, created *ws.SessionCreated, err error) {
	if c.creating != pc {
		return
	}
	c.creating = nil
	pc.timeout.Stop()

	if err != nil {
		c.log.LogError(err, "Session creation failed")
		if c.opts.LocalFallback && !c.closed {
			c.notifyError(err)
			pc.done <- createResult{id: c.startSession(localSessionID(), pc.persona, true, ws.ModeMock)}
			return
		}
		c.setStatus(StatusError, "Failed to start session")
		pc.done <- createResult{err: err}
		return
	}

	p := pc.persona
	if echoed, err := persona.Lookup(created.Personality); err == nil {
		p = echoed
	}
	mode := ws.ModeRealtime
	if created.IsMockSession {
		mode = ws.ModeMock
	}
	pc.done <- createResult{id: c.startSession(created.SessionID, p, false, mode)}
}

func localSessionID() string {
	return "local-" + strings.ToLower(ulid.Make().String())
}

// startSession installs the session, starts its timer and audio capture
func (c *Controller) startSession(id string, p persona.Persona, local bool, mode string) string {
	s := &activeSession{
		id:      id,
		persona: p,
		local:   local,
		mode:    mode,
		started: c.sched.Now(),
	}
	c.session = s
	c.transcript.Reset()
	c.log.Info("Session started", "session_id", id, "personality", p.Tag, "mode", mode)

	if local {
		c.notifyMode(ws.ModeMock)
		c.notifyTranscript(c.transcript.Append(transcript.RoleAssistant, p.Greeting))
	}
	c.setStatus(StatusReady, "Session ready")

	s.timer = c.sched.Every(c.opts.TickInterval, func() { c.tick(s) })

	if src := c.opts.Audio; src != nil {
		ctx, cancel := context.WithCancel(context.Background())
		s.stopCapture = cancel
		c.setStatus(StatusListening, "Listening...")
		c.later(func() {
			if err := src.Start(ctx, func(chunk []byte) { c.capture(s, chunk) }); err != nil {
				c.log.LogError(err, "Audio capture failed")
				if fn := c.opts.OnError; fn != nil {
					fn(fmt.Errorf("start audio capture: %w", err))
				}
			}
		})
	}
	return id
}

func (c *Controller) tick(s *activeSession) {
	c.mu.Lock()
	defer c.unlock()
	if c.session != s {
		return
	}

	elapsed := c.sched.Now().Sub(s.started)
	if !s.ctaFired && elapsed >= c.opts.CTAThreshold {
		s.ctaFired = true
		c.log.Info("CTA triggered", "session_id", s.id)
		c.notifyTranscript(c.transcript.Append(transcript.RoleAssistant, s.persona.CTA))
		if fn := c.opts.OnCTA; fn != nil {
			c.later(fn)
		}
	}
	if elapsed >= c.opts.SessionDuration {
		c.endLocked(true)
	}
}

// EndSession stops the active session. It is a no-op without one.
func (c *Controller) EndSession() {
	c.mu.Lock()
	defer c.unlock()
	c.endLocked(true)
}

// endLocked tears down the active session. notify tells the server,
// except for local sessions it never knew about.
func (c *Controller) endLocked(notify bool) {
	s := c.session
	if s == nil {
		return
	}
	c.session = nil

	s.timer.Stop()
	s.replies.StopAll()
	if s.stopCapture != nil {
		s.stopCapture()
		c.later(c.opts.Audio.Stop)
	}

	if notify && !s.local && c.conn != nil {
		conn := c.conn
		c.later(func() {
			if err := c.send(conn, ws.EventEndSession, ws.EndSessionRequest{SessionID: s.id}); err != nil {
				c.log.LogError(err, "Failed to notify session end", "session_id", s.id)
			}
		})
	}

	c.flushReply(s, "")
	entries := c.transcript.Entries()
	if fn := c.opts.OnSessionEnd; fn != nil {
		c.later(func() { fn(entries) })
	}
	c.log.Info("Session ended", "session_id", s.id, "messages", len(entries))
	c.setStatus(StatusIdle, "Session ended")
}

// SendAudio streams one captured chunk for the active session
func (c *Controller) SendAudio(chunk []byte) error {
	c.mu.Lock()
	s := c.session
	if s == nil {
		c.unlock()
		return ErrNoSession
	}
	conn, err := c.routeAudio(s)
	c.unlock()
	if err != nil || conn == nil {
		return err
	}
	return c.send(conn, ws.EventSendAudio, ws.SendAudioRequest{SessionID: s.id, Audio: ws.EncodeAudio(chunk)})
}

func (c *Controller) capture(s *activeSession, chunk []byte) {
	c.mu.Lock()
	if c.session != s {
		c.unlock()
		return
	}
	conn, err := c.routeAudio(s)
	c.unlock()

	if err == nil && conn != nil {
		err = c.send(conn, ws.EventSendAudio, ws.SendAudioRequest{SessionID: s.id, Audio: ws.EncodeAudio(chunk)})
	}
	if err != nil && !errors.Is(err, ErrNotConnected) {
		c.log.LogError(err, "Failed to send audio", "session_id", s.id)
	}
}

// routeAudio answers local sessions in place and returns the socket for
// server sessions
func (c *Controller) routeAudio(s *activeSession) (*websocket.Conn, error) {
	if s.local {
		reply := s.persona.Reply(c.opts.Pick)
		s.replies.AfterFunc(c.sched, c.opts.MockDelay, func() { c.mockReply(s, reply) })
		return nil, nil
	}
	if c.conn == nil {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

func (c *Controller) mockReply(s *activeSession, reply string) {
	c.mu.Lock()
	defer c.unlock()
	if c.session != s {
		return
	}
	c.setStatus(StatusSpeaking, "Speaking...")
	if fn := c.opts.OnAudio; fn != nil {
		c.later(func() { fn(MockAudio) })
	}
	c.notifyTranscript(c.transcript.Append(transcript.RoleAssistant, reply))
}

// PlaybackFinished tells the controller the last audio clip has played
func (c *Controller) PlaybackFinished() {
	c.mu.Lock()
	defer c.unlock()
	s := c.session
	if s == nil || c.status != StatusSpeaking {
		return
	}
	if s.stopCapture != nil {
		c.setStatus(StatusListening, "Listening...")
	} else {
		c.setStatus(StatusReady, "Session ready")
	}
}

// SendTranscriptByEmail hands the current transcript to the server for
// delivery and waits for the acknowledgment
func (c *Controller) SendTranscriptByEmail(ctx context.Context, email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return ErrEmailRequired
	}

	c.mu.Lock()
	switch {
	case c.closed:
		c.unlock()
		return ErrClosed
	case c.session == nil:
		c.unlock()
		return ErrNoSession
	case c.session.local || c.conn == nil:
		c.unlock()
		return ErrNotConnected
	case c.sending != nil:
		c.unlock()
		return ErrSendInProgress
	}
	ps := &pendingSend{sessionID: c.session.id, done: make(chan error, 1)}
	c.sending = ps
	conn := c.conn
	req := ws.SendTranscriptRequest{SessionID: ps.sessionID, Email: email, Transcript: c.transcript.Entries()}
	c.unlock()

	if err := c.send(conn, ws.EventSendTranscript, req); err != nil {
		c.mu.Lock()
		c.resolveSend(ps, err)
		c.unlock()
	}

	select {
	case err := <-ps.done:
		return err
	case <-ctx.Done():
		c.mu.Lock()
		if c.sending == ps {
			c.sending = nil
			c.unlock()
			return ctx.Err()
		}
		c.unlock()
		return <-ps.done
	}
}

func (c *Controller) resolveSend(ps *pendingSend, err error) {
	if c.sending != ps {
		return
	}
	c.sending = nil
	ps.done <- err
}

func (c *Controller) failPending(err error) {
	if pc := c.creating; pc != nil {
		c.resolveCreate(pc, nil, err)
	}
	if ps := c.sending; ps != nil {
		c.resolveSend(ps, err)
	}
}

// Close releases the session, timers, keep-alive and the socket. The
// Controller cannot be reused.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.unlock()
	if c.closed {
		return nil
	}

	c.endLocked(true)
	c.closed = true
	c.failPending(ErrClosed)
	c.stopRetry()
	c.retry = nil
	if c.conn != nil {
		c.detach()
	}
	return nil
}
