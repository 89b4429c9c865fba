package relay

import (
	"context"
	"errors"
	"sync"
)

// ErrBackpressure is returned when a session's audio queue is full
var ErrBackpressure = errors.New("relay audio queue full")

// Forwarder moves SendAudio calls for one session onto a dedicated goroutine.
// Chunks are delivered to the wrapped handle in submission order.
type Forwarder struct {
	inner  Handle
	queue  chan []byte
	onErr  func(error)
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// NewForwarder starts a forwarder with room for depth queued chunks.
// onErr is called from the forwarding goroutine for every failed send.
func NewForwarder(inner Handle, depth int, onErr func(error)) *Forwarder {
	if depth <= 0 {
		depth = 32
	}
	ctx, cancel := context.WithCancel(context.Background())
	f := &Forwarder{
		inner:  inner,
		queue:  make(chan []byte, depth),
		onErr:  onErr,
		ctx:    ctx,
		cancel: cancel,
	}
	go f.run()
	return f
}

// SendAudio queues the chunk without blocking
func (f *Forwarder) SendAudio(_ context.Context, audio []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrClosed
	}
	select {
	case f.queue <- audio:
		return nil
	default:
		return ErrBackpressure
	}
}

func (f *Forwarder) run() {
	for {
		select {
		case <-f.ctx.Done():
			return
		case audio := <-f.queue:
			err := f.inner.SendAudio(f.ctx, audio)
			if err != nil && f.ctx.Err() == nil && f.onErr != nil {
				f.onErr(err)
			}
		}
	}
}

// Inner returns the wrapped handle
func (f *Forwarder) Inner() Handle {
	return f.inner
}

// Close drops queued chunks and closes the wrapped handle
func (f *Forwarder) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()

	f.cancel()
	return f.inner.Close()
}
