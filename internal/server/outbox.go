package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/devghori1264/aerophoenix/bookd/internal/events"
	"github.com/devghori1264/aerophoenix/bookd/internal/notify"
)

// outbox hands events to a single delivery goroutine in the order they
// were pushed. Pushing never blocks on delivery.
type outbox struct {
	deliver func(events.Event)

	mu     sync.Mutex
	queue  []events.Event
	closed bool
	wake   *notify.Channel
	done   chan struct{}
}

func newOutbox(deliver func(events.Event)) *outbox {
	o := &outbox{
		deliver: deliver,
		wake:    notify.New(),
		done:    make(chan struct{}),
	}
	go o.run()
	return o
}

// push queues ev and reports whether it was accepted.
func (o *outbox) push(ev events.Event) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	o.queue = append(o.queue, ev)
	o.wake.Signal()
	return true
}

func (o *outbox) run() {
	defer close(o.done)
	for {
		o.mu.Lock()
		batch, closed := o.queue, o.closed
		o.queue = nil
		var wake <-chan struct{}
		if len(batch) == 0 && !closed {
			wake = o.wake.Watch()
		}
		o.mu.Unlock()

		for _, ev := range batch {
			o.deliver(ev)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-wake
	}
}

// close stops accepting events and waits until the queued ones are
// delivered or ctx is done.
func (o *outbox) close(ctx context.Context) error {
	o.mu.Lock()
	if !o.closed {
		o.closed = true
		o.wake.Signal()
	}
	o.mu.Unlock()

	select {
	case <-o.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event delivery drain: %w", ctx.Err())
	}
}

// pending is the number of events queued but not yet handed to deliver.
func (o *outbox) pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}
