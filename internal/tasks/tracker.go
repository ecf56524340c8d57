// Package tasks keeps track of fire-and-forget goroutines. Work is started
// without the caller waiting on it; handles are kept until a periodic
// Reconcile drops the completed ones. Nothing here cancels or retries work.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

// ErrClosed is the error of a handle spawned after Close.
var ErrClosed = errors.New("task tracker closed")

// Func is a unit of background work.
type Func func(ctx context.Context) error

// Handle refers to one spawned unit of work.
type Handle struct {
	ID        uint64
	Name      string
	StartedAt time.Time

	done chan struct{}
	err  error
}

// Done is closed once the work has returned.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err is the work's result. Only meaningful after Done is closed.
func (h *Handle) Err() error { return h.err }

func (h *Handle) finished() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Report summarises one Reconcile pass.
type Report struct {
	InFlight int `json:"in_flight"`
	Removed  int `json:"removed"`
	Failed   int `json:"failed"`
}

// Tracker is safe for concurrent use.
type Tracker struct {
	log   *zap.Logger
	clock clock.WithTicker

	mu      sync.Mutex
	closing bool
	nextID  uint64
	handles []*Handle
	wg      sync.WaitGroup
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the logger used for task failures and reconcile reports.
func WithLogger(l *zap.Logger) Option {
	return func(t *Tracker) { t.log = l }
}

// WithClock replaces the wall clock, mostly for tests.
func WithClock(c clock.WithTicker) Option {
	return func(t *Tracker) { t.clock = c }
}

// New creates an empty tracker.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		log:   zap.NewNop(),
		clock: clock.RealClock{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Spawn starts fn in its own goroutine and returns immediately. After
// Close the work is not started and the returned handle is already done
// with ErrClosed.
func (t *Tracker) Spawn(name string, fn Func) *Handle {
	t.mu.Lock()
	h := &Handle{
		ID:        t.nextID,
		Name:      name,
		StartedAt: t.clock.Now(),
		done:      make(chan struct{}),
	}
	t.nextID++
	if t.closing {
		t.mu.Unlock()
		h.err = ErrClosed
		close(h.done)
		t.log.Warn("background task refused", zap.String("task", name))
		return h
	}
	t.handles = append(t.handles, h)
	t.wg.Add(1)
	t.mu.Unlock()

	go t.run(h, fn)
	return h
}

func (t *Tracker) run(h *Handle, fn Func) {
	defer t.wg.Done()
	defer close(h.done)
	defer func() {
		if r := recover(); r != nil {
			h.err = fmt.Errorf("task %s panicked: %v", h.Name, r)
		}
		if h.err != nil {
			t.log.Error("background task failed",
				zap.Uint64("task_id", h.ID),
				zap.String("task", h.Name),
				zap.Error(h.err))
		}
	}()
	h.err = fn(context.Background())
}

// Reconcile drops handles whose work has completed.
func (t *Tracker) Reconcile() Report {
	t.mu.Lock()
	var r Report
	kept := t.handles[:0]
	for _, h := range t.handles {
		if !h.finished() {
			kept = append(kept, h)
			continue
		}
		r.Removed++
		if h.err != nil {
			r.Failed++
		}
	}
	for i := len(kept); i < len(t.handles); i++ {
		t.handles[i] = nil
	}
	t.handles = kept
	r.InFlight = len(kept)
	t.mu.Unlock()

	t.log.Debug("background tasks reconciled",
		zap.Int("in_flight", r.InFlight),
		zap.Int("removed", r.Removed),
		zap.Int("failed", r.Failed))
	return r
}

// Len is the number of handles currently retained.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.handles)
}

// Run calls Reconcile every interval until ctx is done, passing each
// report to hook when it is non-nil.
func (t *Tracker) Run(ctx context.Context, interval time.Duration, hook func(Report)) error {
	ticker := t.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			r := t.Reconcile()
			if hook != nil {
				hook(r)
			}
		}
	}
}

// Close stops accepting work and waits for in-flight work to return or
// for ctx to be done.
func (t *Tracker) Close(ctx context.Context) error {
	t.mu.Lock()
	t.closing = true
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("background task drain: %w", ctx.Err())
	}
}
