package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/devghori1264/aerophoenix/bookd/internal/models"
	"github.com/devghori1264/aerophoenix/bookd/internal/server"
)

// startInteractive runs bookctl with a pipe as stdin and returns the write
// end plus a channel carrying the command's result.
func startInteractive(t *testing.T, url string, out *bytes.Buffer, args ...string) (io.Writer, <-chan error) {
	t.Helper()
	inR, inW := io.Pipe()
	t.Cleanup(func() { _ = inW.Close() })

	cmd := newRootCmd(out)
	cmd.SetIn(inR)
	cmd.SetArgs(append([]string{"--server", url, "--timeout", "5s"}, args...))
	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(context.Background()) }()
	return inW, done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("interactive wait did not return")
		return nil
	}
}

func waiting(srv *server.Server) func() bool {
	return func() bool { return testutil.ToFloat64(srv.Metrics().Waiters) == 1 }
}

func TestInteractiveWaitRunsCommands(t *testing.T) {
	url, srv := newBackend(t)
	b, err := srv.CreateBooking(context.Background(), models.BookingRequest{Resource: models.RequestedResource{Type: "gpu"}})
	require.NoError(t, err)

	var out bytes.Buffer
	in, done := startInteractive(t, url, &out, "wait", "0", "--interactive")
	require.Eventually(t, waiting(srv), 2*time.Second, 5*time.Millisecond)

	_, err = io.WriteString(in, "frobnicate\ncancel 0\n")
	require.NoError(t, err)

	require.ErrorIs(t, waitDone(t, done), errNotAcquired)
	assert.Contains(t, out.String(), `unknown command "frobnicate"`)
	assert.Contains(t, out.String(), "booking 0 is CANCELLED")
	assert.Contains(t, out.String(), models.WaitCancelled)

	got, err := srv.GetBooking(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
}

func TestInteractiveBookGetsResourceAddedFromPrompt(t *testing.T) {
	url, srv := newBackend(t)

	var out bytes.Buffer
	in, done := startInteractive(t, url, &out, "book", "gpu", "--wait", "--interactive")
	require.Eventually(t, waiting(srv), 2*time.Second, 5*time.Millisecond)

	_, err := io.WriteString(in, "book gpu --wait\nresource add gpu gpu-3\n")
	require.NoError(t, err)

	require.NoError(t, waitDone(t, done))
	assert.Contains(t, out.String(), "cannot start another wait from here")
	assert.Contains(t, out.String(), models.WaitResourceIsYours)
	assert.Contains(t, out.String(), "resource: gpu-3")
	assert.Len(t, srv.ListBookings(context.Background()), 1)
}

func TestInteractiveExitLeavesBookingWaiting(t *testing.T) {
	url, srv := newBackend(t)
	_, err := srv.CreateBooking(context.Background(), models.BookingRequest{Resource: models.RequestedResource{Type: "gpu"}})
	require.NoError(t, err)

	var out bytes.Buffer
	in, done := startInteractive(t, url, &out, "wait", "0", "--interactive")
	_, err = io.WriteString(in, "exit\n")
	require.NoError(t, err)

	require.ErrorIs(t, waitDone(t, done), errWaitAbandoned)
	got, err := srv.GetBooking(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaiting, got.Status)
}

func TestInteractiveNeedsWait(t *testing.T) {
	url, _ := newBackend(t)
	_, err := run(t, url, "book", "gpu", "--interactive")
	assert.ErrorContains(t, err, "--interactive needs --wait")
}

func TestInterruptGuardNeedsPressesWithinWindow(t *testing.T) {
	clk := clocktesting.NewFakePassiveClock(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	g := newInterruptGuard(3, 3*time.Second, clk)

	assert.Equal(t, 2, g.press())
	clk.SetTime(clk.Now().Add(time.Second))
	assert.Equal(t, 1, g.press())
	clk.SetTime(clk.Now().Add(4 * time.Second))
	assert.Equal(t, 2, g.press(), "earlier presses fell out of the window")
	assert.Equal(t, 1, g.press())
	assert.Equal(t, 0, g.press())
	assert.Equal(t, 2, g.press(), "counting starts over after a stop")
}

func TestHandleSignals(t *testing.T) {
	run := func(a *app, sigs ...os.Signal) <-chan struct{} {
		ch := make(chan os.Signal)
		stopped := make(chan struct{})
		go a.handleSignals(ch, func() { close(stopped) })
		for _, s := range sigs {
			ch <- s
		}
		return stopped
	}
	expectStop := func(t *testing.T, stopped <-chan struct{}) {
		t.Helper()
		select {
		case <-stopped:
		case <-time.After(2 * time.Second):
			t.Fatal("stop was not called")
		}
	}

	t.Run("first interrupt stops a plain command", func(t *testing.T) {
		expectStop(t, run(newApp(io.Discard, io.Discard), syscall.SIGINT))
	})

	t.Run("terminate always stops", func(t *testing.T) {
		a := newApp(io.Discard, io.Discard)
		a.setGuard(newInterruptGuard(3, time.Hour, clocktesting.NewFakePassiveClock(time.Now())))
		expectStop(t, run(a, syscall.SIGTERM))
	})

	t.Run("interactive wait needs repeated interrupts", func(t *testing.T) {
		var notices bytes.Buffer
		a := newApp(io.Discard, &notices)
		a.setGuard(newInterruptGuard(3, time.Hour, clocktesting.NewFakePassiveClock(time.Now())))
		expectStop(t, run(a, syscall.SIGINT, syscall.SIGINT, syscall.SIGINT))
		assert.Contains(t, notices.String(), "press Ctrl-C 2 more time(s)")
		assert.Contains(t, notices.String(), "press Ctrl-C 1 more time(s)")
	})
}

func TestHealthCommand(t *testing.T) {
	url, _ := newBackend(t)
	out, err := run(t, url, "health")
	require.NoError(t, err)
	assert.Equal(t, "ok\n", out)

	_, err = run(t, "http://127.0.0.1:1", "--request-timeout", "1s", "health")
	assert.Error(t, err)
}
