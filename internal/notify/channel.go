// Package notify provides a resettable broadcast signal. A Signal wakes
// every goroutine currently waiting and then re-arms; a Signal sent while
// nobody waits is lost, so callers must check their condition both before
// and after waiting.
package notify

import (
	"context"
	"sync"
)

// Channel is safe for concurrent use. The zero value is not usable; call New.
type Channel struct {
	mu sync.Mutex
	ch chan struct{}
}

// New returns an unsignaled channel.
func New() *Channel {
	return &Channel{ch: make(chan struct{})}
}

// Watch returns a channel that is closed by the next Signal. Taking the
// watch and checking the guarded condition under the same lock that
// Signal callers hold avoids losing a wake-up in between.
func (c *Channel) Watch() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch
}

// Wait blocks until the next Signal or until ctx is done.
func (c *Channel) Wait(ctx context.Context) error {
	select {
	case <-c.Watch():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Signal wakes all current waiters and resets the channel.
func (c *Channel) Signal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	close(c.ch)
	c.ch = make(chan struct{})
}
