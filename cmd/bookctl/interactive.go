package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"golang.org/x/term"
	"k8s.io/utils/clock"

	"github.com/devghori1264/aerophoenix/bookd/internal/models"
)

// errWaitAbandoned is returned when the user leaves an interactive wait.
// The booking itself is left as it is.
var errWaitAbandoned = errors.New("stopped waiting")

// promptCommands are the commands accepted while waiting.
var promptCommands = []string{"book", "resource", "booking", "cancel", "finish", "health"}

type waitOutcome struct {
	res models.WaitResult
	err error
}

// interactiveAwait waits for booking id and meanwhile runs commands read
// line by line from in, until the wait ends or the user types exit.
func (a *app) interactiveAwait(ctx context.Context, in io.Reader, id int64) error {
	a.setGuard(newInterruptGuard(interruptPresses, interruptWindow, clock.RealClock{}))
	defer a.setGuard(nil)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan waitOutcome, 1)
	go func() {
		res, err := a.client.Wait(ctx, id)
		results <- waitOutcome{res: res, err: err}
	}()
	lines := make(chan string)
	go scanLines(ctx, in, lines)

	prompt := func() {}
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		prompt = func() { fmt.Fprint(a.out, "> ") }
	}
	fmt.Fprintf(a.out, "waiting for booking %d; commands: %s, exit\n", id, strings.Join(promptCommands, ", "))
	prompt()

	for {
		select {
		case out := <-results:
			return a.report(out.res, out.err)
		case line, ok := <-lines:
			if !ok {
				// stdin is gone; keep waiting without a prompt.
				lines = nil
				continue
			}
			if err := a.runLine(ctx, line); err != nil {
				return err
			}
			prompt()
		}
	}
}

func scanLines(ctx context.Context, in io.Reader, lines chan<- string) {
	defer close(lines)
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		select {
		case lines <- sc.Text():
		case <-ctx.Done():
			return
		}
	}
}

// runLine executes one prompt line with a fresh command tree pointed at the
// same server. Command failures are printed, not returned.
func (a *app) runLine(ctx context.Context, line string) error {
	args := strings.Fields(line)
	if len(args) == 0 {
		return nil
	}
	switch {
	case args[0] == "exit" || args[0] == "quit":
		return errWaitAbandoned
	case !slices.Contains(promptCommands, args[0]):
		fmt.Fprintf(a.out, "unknown command %q\n", args[0])
		return nil
	case slices.Contains(args, "--wait") || slices.Contains(args, "--interactive"):
		fmt.Fprintln(a.out, "cannot start another wait from here")
		return nil
	}

	sub := newApp(a.out, a.notices).rootCmd()
	sub.SetArgs(append([]string{
		"--server", a.server,
		"--log-level", a.logLevel,
		"--request-timeout", a.requestTimeout.String(),
	}, args...))
	sub.SetIn(strings.NewReader(""))
	if err := sub.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(a.out, "error:", err)
	}
	return nil
}
