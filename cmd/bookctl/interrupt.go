package main

import (
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"k8s.io/utils/clock"
)

const (
	interruptPresses = 3
	interruptWindow  = 3 * time.Second
)

// interruptGuard counts Ctrl-C presses during an interactive wait. The wait
// is only abandoned once enough presses land within the window.
type interruptGuard struct {
	presses int
	window  time.Duration
	clock   clock.PassiveClock

	mu sync.Mutex
	at []time.Time
}

func newInterruptGuard(presses int, window time.Duration, clk clock.PassiveClock) *interruptGuard {
	return &interruptGuard{presses: presses, window: window, clock: clk}
}

// press records one interrupt and returns how many more are needed; zero
// means stop.
func (g *interruptGuard) press() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clock.Now()
	kept := g.at[:0]
	for _, t := range g.at {
		if now.Sub(t) < g.window {
			kept = append(kept, t)
		}
	}
	g.at = append(kept, now)
	if left := g.presses - len(g.at); left > 0 {
		return left
	}
	g.at = nil
	return 0
}

func (a *app) setGuard(g *interruptGuard) {
	a.mu.Lock()
	a.guard = g
	a.mu.Unlock()
}

// handleSignals calls stop on SIGTERM, and on SIGINT unless an interactive
// wait is running and wants more presses first.
func (a *app) handleSignals(sigs <-chan os.Signal, stop func()) {
	for sig := range sigs {
		if sig == syscall.SIGINT && a.holdInterrupt() {
			continue
		}
		stop()
		return
	}
}

func (a *app) holdInterrupt() bool {
	a.mu.Lock()
	g := a.guard
	a.mu.Unlock()
	if g == nil {
		return false
	}
	left := g.press()
	if left == 0 {
		return false
	}
	fmt.Fprintf(a.notices, "\npress Ctrl-C %d more time(s) within %s to stop waiting\n", left, g.window)
	return true
}
