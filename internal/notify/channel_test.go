package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalWakesAllWaiters(t *testing.T) {
	c := New()
	const waiters = 8

	var ready, done sync.WaitGroup
	ready.Add(waiters)
	done.Add(waiters)
	for i := 0; i < waiters; i++ {
		w := c.Watch()
		ready.Done()
		go func() {
			defer done.Done()
			<-w
		}()
	}
	ready.Wait()
	c.Signal()

	finished := make(chan struct{})
	go func() {
		done.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("not every waiter woke up")
	}
}

func TestSignalWithoutWaitersIsLost(t *testing.T) {
	c := New()
	c.Signal()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWatchTakenBeforeSignalFires(t *testing.T) {
	c := New()
	w := c.Watch()
	c.Signal()

	select {
	case <-w:
	default:
		t.Fatal("watch taken before signal must be closed")
	}

	select {
	case <-c.Watch():
		t.Fatal("channel must re-arm after signal")
	default:
	}
}

func TestWaitReturnsOnSignal(t *testing.T) {
	c := New()
	errc := make(chan error, 1)
	go func() {
		errc <- c.Wait(context.Background())
	}()

	// The waiter may not have started yet; keep signaling until it wakes.
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case err := <-errc:
			require.NoError(t, err)
			return
		case <-tick.C:
			c.Signal()
		case <-deadline:
			t.Fatal("waiter did not wake")
		}
	}
}

func TestWaitHonoursContext(t *testing.T) {
	c := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.Wait(ctx), context.Canceled)
}
