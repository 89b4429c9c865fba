// Package scheduler provides cancellable one-shot and periodic tasks behind
// an interface so timer-driven logic can run against a manual clock in tests.
package scheduler

import (
	"sync"
	"time"
)

// Task is a scheduled callback
type Task interface {
	// Stop cancels the task. It reports whether the call stopped a task
	// that had not yet finished (one-shot) or was still running (periodic).
	Stop() bool
}

// Scheduler creates tasks and reports the current time
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Task
	Every(d time.Duration, fn func()) Task
	Now() time.Time
}

// Real schedules on the wall clock
type Real struct{}

// New returns the wall-clock scheduler
func New() Real {
	return Real{}
}

// Now returns time.Now
func (Real) Now() time.Time {
	return time.Now()
}

// AfterFunc runs fn in its own goroutine after d
func (Real) AfterFunc(d time.Duration, fn func()) Task {
	return time.AfterFunc(d, fn)
}

// Every runs fn every d until stopped
func (Real) Every(d time.Duration, fn func()) Task {
	t := &ticker{
		ticker: time.NewTicker(d),
		done:   make(chan struct{}),
	}
	go t.run(fn)
	return t
}

type ticker struct {
	ticker *time.Ticker
	done   chan struct{}
	once   sync.Once
}

func (t *ticker) run(fn func()) {
	defer t.ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-t.ticker.C:
			// Stop may race with a tick already delivered
			select {
			case <-t.done:
				return
			default:
			}
			fn()
		}
	}
}

func (t *ticker) Stop() bool {
	stopped := false
	t.once.Do(func() {
		close(t.done)
		stopped = true
	})
	return stopped
}

// Group collects tasks so they can be cancelled together
type Group struct {
	mu    sync.Mutex
	seq   uint64
	tasks map[uint64]Task
}

// Add records a task and returns it. The task stays recorded until StopAll.
func (g *Group) Add(t Task) Task {
	g.mu.Lock()
	g.put(t)
	g.mu.Unlock()
	return t
}

// AfterFunc schedules fn once on s and records the task until it fires or
// StopAll runs
func (g *Group) AfterFunc(s Scheduler, d time.Duration, fn func()) Task {
	g.mu.Lock()
	defer g.mu.Unlock()

	var id uint64
	t := s.AfterFunc(d, func() {
		g.mu.Lock()
		delete(g.tasks, id)
		g.mu.Unlock()
		fn()
	})
	id = g.put(t)
	return t
}

// put stores t under a new id. Caller holds g.mu.
func (g *Group) put(t Task) uint64 {
	if g.tasks == nil {
		g.tasks = make(map[uint64]Task)
	}
	g.seq++
	g.tasks[g.seq] = t
	return g.seq
}

// StopAll cancels every recorded task and forgets them
func (g *Group) StopAll() {
	g.mu.Lock()
	tasks := g.tasks
	g.tasks = nil
	g.mu.Unlock()

	for _, t := range tasks {
		t.Stop()
	}
}

// Len returns the number of recorded tasks
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.tasks)
}
