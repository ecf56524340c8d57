package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/bookd/internal/client"
	"github.com/devghori1264/aerophoenix/bookd/internal/events"
	"github.com/devghori1264/aerophoenix/bookd/internal/logging"
	"github.com/devghori1264/aerophoenix/bookd/internal/models"
	natsclient "github.com/devghori1264/aerophoenix/bookd/internal/nats"
)

const defaultServer = "http://localhost:8080"

// errNotAcquired makes `book --wait` and `wait` exit non-zero when the
// booking ended without a resource.
var errNotAcquired = errors.New("resource not acquired")

type app struct {
	out      io.Writer
	notices  io.Writer
	server   string
	timeout  time.Duration
	logLevel string

	requestTimeout time.Duration

	client *client.Client
	log    *zap.Logger

	mu    sync.Mutex
	guard *interruptGuard // set during an interactive wait
}

func newApp(out, notices io.Writer) *app {
	return &app{out: out, notices: notices}
}

func newRootCmd(out io.Writer) *cobra.Command {
	return newApp(out, out).rootCmd()
}

func (a *app) rootCmd() *cobra.Command {
	server := os.Getenv("BOOKCTL_SERVER")
	if server == "" {
		server = defaultServer
	}

	root := &cobra.Command{
		Use:           "bookctl",
		Short:         "Book shared resources from a bookd server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			log, err := logging.New(a.logLevel, "console")
			if err != nil {
				return err
			}
			a.log = log
			a.client = client.New(a.server, client.WithHTTPClient(&http.Client{Timeout: a.requestTimeout}))
			return nil
		},
	}
	root.PersistentFlags().StringVar(&a.server, "server", server, "bookd base URL (env BOOKCTL_SERVER)")
	root.PersistentFlags().DurationVar(&a.timeout, "timeout", 0, "give up after this long (0 waits forever)")
	root.PersistentFlags().DurationVar(&a.requestTimeout, "request-timeout", 30*time.Second, "limit for a single API request (waits excluded)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "warn", "client log level")

	root.AddCommand(
		a.bookCmd(),
		a.resourceCmd(),
		a.bookingCmd(),
		a.actionCmd("cancel", "Withdraw a waiting booking", a.cancel),
		a.actionCmd("finish", "Release the resource held by a booking", a.finish),
		a.waitCmd(),
		a.healthCmd(),
		a.eventsCmd(),
	)
	root.SetOut(a.out)
	root.SetErr(a.out)
	return root
}

func (a *app) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	if a.timeout > 0 {
		return context.WithTimeout(cmd.Context(), a.timeout)
	}
	return context.WithCancel(cmd.Context())
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id < 0 {
		return 0, fmt.Errorf("invalid booking id %q", s)
	}
	return id, nil
}

// ---------- book ----------

func (a *app) bookCmd() *cobra.Command {
	var (
		wait        bool
		interactive bool
		name        string
		job         models.JobInfo
	)
	cmd := &cobra.Command{
		Use:   "book TYPE [IDENTIFIER]",
		Short: "Book a resource of TYPE, optionally a specific one",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if interactive && !wait {
				return errors.New("--interactive needs --wait")
			}
			ctx, cancel := a.context(cmd)
			defer cancel()

			req := models.BookingRequest{Name: name, Resource: models.RequestedResource{Type: args[0]}}
			if len(args) == 2 {
				req.Resource.Identifier = &args[1]
			}
			if cmd.Flags().Changed("job-id") {
				j := job
				req.GitHub = &j
			}
			b, err := a.client.CreateBooking(ctx, req)
			if err != nil {
				return err
			}
			a.log.Debug("booking created", zap.Int64("booking_id", b.ID), zap.String("status", string(b.Status)))
			if !wait {
				return a.printJSON(b)
			}
			fmt.Fprintf(a.out, "booking %d is %s\n", b.ID, b.Status)
			if interactive {
				return a.interactiveAwait(ctx, cmd.InOrStdin(), b.ID)
			}
			return a.await(ctx, b.ID)
		},
	}
	f := cmd.Flags()
	f.BoolVar(&wait, "wait", false, "block until the booking gets its resource")
	f.BoolVar(&interactive, "interactive", false, "with --wait, accept commands on stdin while waiting")
	f.StringVar(&name, "name", os.Getenv("USER"), "who the booking is for")
	f.Int64Var(&job.RunID, "run-id", 0, "GitHub Actions run id")
	f.Int64Var(&job.JobID, "job-id", 0, "GitHub Actions job id to re-run once matched")
	f.StringVar(&job.RepoOwner, "repo-owner", "", "GitHub repository owner")
	f.StringVar(&job.RepoName, "repo-name", "", "GitHub repository name")
	cmd.MarkFlagsRequiredTogether("run-id", "job-id", "repo-owner", "repo-name")
	return cmd
}

// ---------- resource ----------

func (a *app) resourceCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "resource", Short: "Manage resources"}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "add TYPE IDENTIFIER",
			Short: "Register a resource",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel := a.context(cmd)
				defer cancel()
				res, err := a.client.RegisterResource(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return a.printJSON(res)
			},
		},
		&cobra.Command{
			Use:   "get IDENTIFIER",
			Short: "Show one resource",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ctx, cancel := a.context(cmd)
				defer cancel()
				res, err := a.client.GetResource(ctx, args[0])
				if err != nil {
					return err
				}
				return a.printJSON(res)
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List resources in registration order",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				ctx, cancel := a.context(cmd)
				defer cancel()
				list, err := a.client.ListResources(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "IDENTIFIER\tTYPE\tUSED BY")
				for _, r := range list {
					usedBy := "-"
					if r.UsedBy != nil {
						usedBy = strconv.FormatInt(*r.UsedBy, 10)
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Identifier, r.Type, usedBy)
				}
				return tw.Flush()
			},
		},
	)
	return cmd
}

// ---------- booking ----------

func (a *app) bookingCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "booking", Short: "Inspect bookings"}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "get ID",
			Short: "Show one booking",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := parseID(args[0])
				if err != nil {
					return err
				}
				ctx, cancel := a.context(cmd)
				defer cancel()
				b, err := a.client.GetBooking(ctx, id)
				if err != nil {
					return err
				}
				return a.printJSON(b)
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List bookings in creation order",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				ctx, cancel := a.context(cmd)
				defer cancel()
				list, err := a.client.ListBookings(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tTYPE\tSTATUS\tRESOURCE")
				for _, b := range list {
					res := "-"
					if b.AssignedResource != nil {
						res = *b.AssignedResource
					}
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", b.ID, b.Name, b.Requested.Type, b.Status, res)
				}
				return tw.Flush()
			},
		},
	)
	return cmd
}

// ---------- cancel / finish / wait ----------

func (a *app) actionCmd(use, short string, fn func(context.Context, int64) (models.Booking, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := a.context(cmd)
			defer cancel()
			b, err := fn(ctx, id)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "booking %d is %s\n", b.ID, b.Status)
			return nil
		},
	}
}

func (a *app) cancel(ctx context.Context, id int64) (models.Booking, error) {
	return a.client.Cancel(ctx, id)
}

func (a *app) finish(ctx context.Context, id int64) (models.Booking, error) {
	return a.client.Finish(ctx, id)
}

func (a *app) waitCmd() *cobra.Command {
	var interactive bool
	cmd := &cobra.Command{
		Use:   "wait ID",
		Short: "Block until a booking gets its resource or ends",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := a.context(cmd)
			defer cancel()
			if interactive {
				return a.interactiveAwait(ctx, cmd.InOrStdin(), id)
			}
			return a.await(ctx, id)
		},
	}
	cmd.Flags().BoolVar(&interactive, "interactive", false, "accept commands on stdin while waiting")
	return cmd
}

func (a *app) await(ctx context.Context, id int64) error {
	res, err := a.client.Wait(ctx, id)
	return a.report(res, err)
}

// report prints the outcome of a wait.
func (a *app) report(res models.WaitResult, err error) error {
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, res.Message)
	if !res.Acquired() {
		return errNotAcquired
	}
	fmt.Fprintf(a.out, "resource: %s\n", *res.Booking.AssignedResource)
	return nil
}

func (a *app) healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the server is up",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := a.context(cmd)
			defer cancel()
			if err := a.client.Health(ctx); err != nil {
				return err
			}
			fmt.Fprintln(a.out, "ok")
			return nil
		},
	}
}

// ---------- events ----------

func (a *app) eventsCmd() *cobra.Command {
	var url, prefix string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print lifecycle events published to NATS",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := a.context(cmd)
			defer cancel()
			sub, err := natsclient.Subscribe(url, prefix, func(ev events.Event) {
				line := fmt.Sprintf("%s %s", ev.Time.Format(time.RFC3339), ev.Kind)
				if ev.Booking != nil {
					line += fmt.Sprintf(" booking=%d status=%s", ev.Booking.ID, ev.Booking.Status)
				}
				if ev.Resource != nil {
					line += " resource=" + ev.Resource.Identifier
				}
				fmt.Fprintln(a.out, line)
			}, func(err error) {
				a.log.Warn("skipping message", zap.Error(err))
			})
			if err != nil {
				return err
			}
			defer sub.Close()
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "nats-url", "nats://localhost:4222", "NATS server URL")
	cmd.Flags().StringVar(&prefix, "subject", "bookd", "subject prefix the server publishes under")
	return cmd
}
