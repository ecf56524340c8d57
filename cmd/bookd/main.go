package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/devghori1264/aerophoenix/bookd/internal/api"
	"github.com/devghori1264/aerophoenix/bookd/internal/broker"
	"github.com/devghori1264/aerophoenix/bookd/internal/config"
	"github.com/devghori1264/aerophoenix/bookd/internal/events"
	"github.com/devghori1264/aerophoenix/bookd/internal/github"
	"github.com/devghori1264/aerophoenix/bookd/internal/logging"
	natsclient "github.com/devghori1264/aerophoenix/bookd/internal/nats"
	"github.com/devghori1264/aerophoenix/bookd/internal/obs"
	"github.com/devghori1264/aerophoenix/bookd/internal/rabbitmq"
	"github.com/devghori1264/aerophoenix/bookd/internal/server"
	"github.com/devghori1264/aerophoenix/bookd/internal/storage"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	o := &options{}
	cmd := &cobra.Command{
		Use:          "bookd",
		Short:        "Resource booking broker",
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := o.load(cmd.Flags())
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	o.bind(cmd.Flags())
	return cmd
}

// options are the command-line overrides of config.App.
type options struct {
	envFile string
	flags   config.App
}

func (o *options) bind(f *pflag.FlagSet) {
	f.StringVar(&o.envFile, "env-file", ".env", "dotenv file read before the environment")
	f.StringVar(&o.flags.HTTPAddr, "http-addr", "", "HTTP API listen address")
	f.StringVar(&o.flags.GRPCAddr, "grpc-addr", "", "gRPC health listen address")
	f.StringVar(&o.flags.MetricsAddr, "metrics-addr", "", "Prometheus listen address")
	f.StringVar(&o.flags.SnapshotPath, "snapshot-path", "", "Badger directory for state snapshots (in-memory when empty)")
	f.StringVar(&o.flags.SeedFile, "seed", "", "YAML file of resources registered at start-up")
	f.BoolVar(&o.flags.SeedWatch, "watch-seed", false, "register resources added to the seed file while running")
	f.DurationVar(&o.flags.ReconcileInterval, "reconcile-interval", 0, "background task reconcile interval")
	f.StringVar(&o.flags.LogLevel, "log-level", "", "debug, info, warn or error")
	f.StringVar(&o.flags.LogFormat, "log-format", "", "json or console")
	f.BoolVar(&o.flags.Tracing, "tracing", false, "print OpenTelemetry spans to stderr")
}

// load reads the environment and copies over it the flags the user
// actually set.
func (o *options) load(f *pflag.FlagSet) (config.App, error) {
	cfg, err := config.Load(o.envFile)
	if err != nil {
		return config.App{}, err
	}
	set := f.Changed
	if set("http-addr") {
		cfg.HTTPAddr = o.flags.HTTPAddr
	}
	if set("grpc-addr") {
		cfg.GRPCAddr = o.flags.GRPCAddr
	}
	if set("metrics-addr") {
		cfg.MetricsAddr = o.flags.MetricsAddr
	}
	if set("snapshot-path") {
		cfg.SnapshotPath = o.flags.SnapshotPath
	}
	if set("seed") {
		cfg.SeedFile = o.flags.SeedFile
	}
	if set("watch-seed") {
		cfg.SeedWatch = o.flags.SeedWatch
	}
	if set("reconcile-interval") {
		cfg.ReconcileInterval = o.flags.ReconcileInterval
	}
	if set("log-level") {
		cfg.LogLevel = o.flags.LogLevel
	}
	if set("log-format") {
		cfg.LogFormat = o.flags.LogFormat
	}
	if set("tracing") {
		cfg.Tracing = o.flags.Tracing
	}
	return cfg, cfg.Validate()
}

func run(ctx context.Context, cfg config.App) error {
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if cfg.Tracing {
		shutdownTracer, err := obs.InitTracer("bookd", version, os.Stderr)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer func() { _ = shutdownTracer(context.Background()) }()
	}

	store, err := storage.NewBadgerStore(storage.Options{
		Path:      cfg.SnapshotPath,
		Retention: cfg.SnapshotRetention,
		Logger:    log,
	})
	if err != nil {
		return fmt.Errorf("open snapshot store: %w", err)
	}
	defer store.Close()

	notifier, closeSinks, err := buildNotifier(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeSinks()

	srv, err := server.New(server.Options{
		Logger:     log,
		Notifier:   notifier,
		Store:      store,
		Registerer: prometheus.DefaultRegisterer,
	})
	if err != nil {
		return err
	}

	if cfg.SeedFile != "" {
		seed, err := config.LoadSeed(cfg.SeedFile)
		if err != nil {
			return err
		}
		for _, r := range seed {
			if _, err := srv.RegisterResource(ctx, r.Type, r.Identifier); err != nil {
				return fmt.Errorf("seed resource %q: %w", r.Identifier, err)
			}
		}
		log.Info("seeded resources", zap.Int("count", len(seed)), zap.String("file", cfg.SeedFile))
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	// gRPC health
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.GRPCAddr, err)
	}
	grpcServer := grpc.NewServer()
	srv.RegisterGRPC(grpcServer)
	g.Go(func() error {
		log.Info("gRPC server listening", zap.String("addr", cfg.GRPCAddr))
		return grpcServer.Serve(lis)
	})

	gin.SetMode(gin.ReleaseMode)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewHTTPHandler(srv, log.Named("http")),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		log.Info("HTTP API listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	mux := http.NewServeMux()
	api.RegisterMetrics(mux, prometheus.DefaultGatherer)
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	g.Go(func() error {
		log.Info("Prometheus metrics listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return srv.RunMaintenance(gctx, cfg.ReconcileInterval)
	})

	if cfg.SeedFile != "" && cfg.SeedWatch {
		g.Go(func() error {
			return config.WatchSeed(gctx, cfg.SeedFile, log.Named("seed"), func(seed []config.SeedResource) {
				reseed(gctx, srv, seed, log)
			})
		})
	}

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown initiated")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		grpcServer.GracefulStop()
		var errs []error
		if err := httpServer.Shutdown(sctx); err != nil {
			errs = append(errs, fmt.Errorf("http server shutdown: %w", err))
		}
		if err := metricsServer.Shutdown(sctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server shutdown: %w", err))
		}
		if err := srv.Shutdown(sctx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})

	err = g.Wait()
	log.Info("shutdown complete")
	return err
}

// reseed registers the entries of seed that are not known yet. Entries
// already registered are left alone, whatever their type in the file.
func reseed(ctx context.Context, srv *server.Server, seed []config.SeedResource, log *zap.Logger) {
	added := 0
	for _, r := range seed {
		_, err := srv.RegisterResource(ctx, r.Type, r.Identifier)
		switch {
		case err == nil:
			added++
		case errors.Is(err, broker.ErrConflict):
		default:
			log.Warn("seed resource rejected", zap.String("identifier", r.Identifier), zap.Error(err))
		}
	}
	if added > 0 {
		log.Info("seed file reloaded", zap.Int("added", added))
	}
}

// buildNotifier connects every configured event sink. The returned func
// closes them.
func buildNotifier(ctx context.Context, cfg config.App, log *zap.Logger) (events.Notifier, func(), error) {
	var (
		sinks   events.Multi
		closers []func()
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.NATSURL != "" {
		p, err := natsclient.NewPublisher(cfg.NATSURL, cfg.NATSSubject, log.Named("nats"))
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("connect nats: %w", err)
		}
		sinks = append(sinks, p)
		closers = append(closers, p.Close)
		log.Info("publishing events to NATS", zap.String("url", cfg.NATSURL))
	}
	if cfg.AMQPURL != "" {
		p, err := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("connect rabbitmq: %w", err)
		}
		sinks = append(sinks, p)
		closers = append(closers, func() { _ = p.Close() })
		log.Info("publishing events to RabbitMQ", zap.String("exchange", cfg.AMQPExchange))
	}
	if cfg.GitHubToken != "" {
		sinks = append(sinks, github.NewRerunner(ctx, github.Config{
			Token:             cfg.GitHubToken,
			BaseURL:           cfg.GitHubAPIURL,
			RequestsPerSecond: cfg.GitHubRateLimit,
			Logger:            log.Named("github"),
		}))
		log.Info("re-running GitHub jobs on match", zap.String("api", cfg.GitHubAPIURL))
	}

	if len(sinks) == 0 {
		return nil, closeAll, nil
	}
	return sinks, closeAll, nil
}
