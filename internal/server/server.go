package server

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"k8s.io/utils/clock"

	"github.com/devghori1264/aerophoenix/bookd/internal/broker"
	"github.com/devghori1264/aerophoenix/bookd/internal/events"
	"github.com/devghori1264/aerophoenix/bookd/internal/fsm"
	"github.com/devghori1264/aerophoenix/bookd/internal/models"
	"github.com/devghori1264/aerophoenix/bookd/internal/storage"
	"github.com/devghori1264/aerophoenix/bookd/internal/tasks"
)

// notifyTimeout bounds a single delivery to the external notifiers.
const notifyTimeout = 10 * time.Second

// Options configure a Server. Every field is optional.
type Options struct {
	Logger *zap.Logger
	Clock  clock.WithTicker
	// Notifier receives every lifecycle event off the request path, one at
	// a time and in the order the broker emitted them.
	Notifier events.Notifier
	// Store receives the periodic state snapshot.
	Store storage.Store
	// Registerer gets the server's metrics. Nil leaves them unregistered.
	Registerer prometheus.Registerer
}

// Server is the booking core as seen by transports: it owns the broker,
// the background task tracker and everything hung off broker events.
type Server struct {
	broker   *broker.Broker
	tracker  *tasks.Tracker
	notifier events.Notifier
	outbox   *outbox
	store    storage.Store
	metrics  *Metrics
	health   *health.Server
	log      *zap.Logger
	tracer   trace.Tracer
}

// New creates a new server instance.
func New(opts Options) (*Server, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}

	s := &Server{
		notifier: opts.Notifier,
		store:    opts.Store,
		health:   health.NewServer(),
		log:      log,
		tracer:   otel.Tracer("github.com/devghori1264/aerophoenix/bookd/internal/server"),
	}
	s.tracker = tasks.New(tasks.WithLogger(log.Named("tasks")), tasks.WithClock(clk))
	s.broker = broker.New(
		broker.WithClock(clk),
		broker.WithLogger(log.Named("broker")),
		broker.WithSpawner(s.tracker),
		broker.WithEventHook(s.onEvent),
	)
	if s.notifier != nil {
		s.outbox = newOutbox(s.deliver)
	}
	s.metrics = newMetrics(s.broker, s.tracker, s.outbox)
	if opts.Registerer != nil {
		if err := s.metrics.Register(opts.Registerer); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// RegisterGRPC registers the gRPC health service.
func (s *Server) RegisterGRPC(gs *grpc.Server) {
	healthpb.RegisterHealthServer(gs, s.health)
}

// Metrics exposes the collectors, mainly for tests.
func (s *Server) Metrics() *Metrics { return s.metrics }

// Tracker exposes the background task tracker.
func (s *Server) Tracker() *tasks.Tracker { return s.tracker }

// onEvent runs after the broker lock is released, in emit order. External
// delivery is queued so no request waits on the network.
func (s *Server) onEvent(ev events.Event) {
	s.metrics.Events.WithLabelValues(string(ev.Kind)).Inc()
	if ev.Kind == events.BookingMatched {
		s.metrics.Matches.Inc()
	}
	if s.outbox == nil {
		return
	}
	if !s.outbox.push(ev) {
		s.metrics.NotifyFailures.Inc()
		s.log.Warn("event dropped after shutdown", zap.String("kind", string(ev.Kind)), zap.String("event_id", ev.ID))
	}
}

func (s *Server) deliver(ev events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := s.notifier.Notify(ctx, ev); err != nil {
		s.metrics.NotifyFailures.Inc()
		s.log.Warn("event not delivered",
			zap.String("kind", string(ev.Kind)),
			zap.String("event_id", ev.ID),
			zap.Error(err))
	}
}

func (s *Server) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// ---------- resources ----------

func (s *Server) RegisterResource(ctx context.Context, typ, identifier string) (res models.Resource, err error) {
	_, span := s.start(ctx, "RegisterResource",
		attribute.String("resource.type", typ),
		attribute.String("resource.identifier", identifier))
	defer func() { finish(span, err) }()

	res, err = s.broker.RegisterResource(typ, identifier)
	if err != nil {
		return res, err
	}
	s.log.Info("resource registered", zap.String("type", typ), zap.String("identifier", identifier))
	return res, nil
}

func (s *Server) GetResource(ctx context.Context, identifier string) (models.Resource, error) {
	return s.broker.GetResource(identifier)
}

func (s *Server) ListResources(ctx context.Context) []models.Resource {
	return s.broker.ListResources()
}

// ---------- bookings ----------

// CreateBooking always opens the booking; it is matched right away when
// a free resource fits.
func (s *Server) CreateBooking(ctx context.Context, req models.BookingRequest) (b models.Booking, err error) {
	_, span := s.start(ctx, "CreateBooking", attribute.String("resource.type", req.Resource.Type))
	defer func() { finish(span, err) }()

	b, err = s.broker.CreateBooking(req)
	if err != nil {
		return b, err
	}
	span.SetAttributes(attribute.Int64("booking.id", b.ID), attribute.String("booking.status", string(b.Status)))
	s.log.Info("booking created",
		zap.Int64("booking_id", b.ID),
		zap.String("name", b.Name),
		zap.String("type", b.Requested.Type),
		zap.String("status", string(b.Status)))
	return b, nil
}

func (s *Server) GetBooking(ctx context.Context, id int64) (models.Booking, error) {
	return s.broker.GetBooking(id)
}

func (s *Server) ListBookings(ctx context.Context) []models.Booking {
	return s.broker.ListBookings()
}

func (s *Server) CancelBooking(ctx context.Context, id int64) (b models.Booking, err error) {
	_, span := s.start(ctx, "CancelBooking", attribute.Int64("booking.id", id))
	defer func() { finish(span, err) }()

	b, err = s.broker.Cancel(id)
	s.observe(fsm.ActionCancel, id, err)
	return b, err
}

// FinishBooking releases the booking's resource; the hand-over to the next
// waiting booking happens in the background.
func (s *Server) FinishBooking(ctx context.Context, id int64) (b models.Booking, err error) {
	_, span := s.start(ctx, "FinishBooking", attribute.Int64("booking.id", id))
	defer func() { finish(span, err) }()

	b, err = s.broker.Finish(id)
	s.observe(fsm.ActionFinish, id, err)
	return b, err
}

func (s *Server) observe(action fsm.Action, id int64, err error) {
	switch {
	case err == nil:
		s.log.Info("booking updated", zap.String("action", string(action)), zap.Int64("booking_id", id))
	case errors.Is(err, fsm.ErrInvalidTransition):
		s.metrics.observeTransitionError(action)
	case errors.Is(err, broker.ErrInvariantViolation):
		s.metrics.InvariantFailures.Inc()
		s.log.Error("invariant violated", zap.String("action", string(action)), zap.Int64("booking_id", id), zap.Error(err))
	}
}

// AwaitBooking blocks until the booking is ON or terminal. Returning early
// because ctx ended leaves the booking untouched.
func (s *Server) AwaitBooking(ctx context.Context, id int64) (b models.Booking, err error) {
	ctx, span := s.start(ctx, "AwaitBooking", attribute.Int64("booking.id", id))
	defer func() { finish(span, err) }()

	s.metrics.Waiters.Inc()
	defer s.metrics.Waiters.Dec()
	return s.broker.Await(ctx, id)
}

// ---------- maintenance ----------

// Snapshot is a read-only copy of the registries plus task counts.
func (s *Server) Snapshot(ctx context.Context) storage.Snapshot {
	return storage.Snapshot{
		Snapshot: s.broker.Snapshot(),
		Tasks:    tasks.Report{InFlight: s.tracker.Len()},
	}
}

// SnapshotHistory returns up to limit saved snapshots, newest first. It is
// empty when no store is configured.
func (s *Server) SnapshotHistory(ctx context.Context, limit int) ([]storage.Snapshot, error) {
	if s.store == nil {
		return nil, nil
	}
	return s.store.History(ctx, limit)
}

// Reconcile prunes finished background tasks, checks consistency and
// records a snapshot.
func (s *Server) Reconcile(ctx context.Context) storage.Snapshot {
	return s.afterReconcile(ctx, s.tracker.Reconcile())
}

func (s *Server) afterReconcile(ctx context.Context, r tasks.Report) storage.Snapshot {
	s.metrics.observeReport(r)
	if err := s.broker.CheckInvariants(); err != nil {
		s.metrics.InvariantFailures.Inc()
		s.log.Error("invariant check failed", zap.Error(err))
	}

	snap := storage.Snapshot{Snapshot: s.broker.Snapshot(), Tasks: r}
	counts := snap.CountByStatus()
	s.log.Info("maintenance",
		zap.Int("tasks_in_flight", r.InFlight),
		zap.Int("tasks_removed", r.Removed),
		zap.Int("tasks_failed", r.Failed),
		zap.Int("resources", len(snap.Resources)),
		zap.Int("waiting", counts[models.StatusWaiting]),
		zap.Int("on", counts[models.StatusOn]))

	if s.store != nil {
		if err := s.store.SaveSnapshot(ctx, snap); err != nil {
			s.log.Warn("snapshot not saved", zap.Error(err))
		}
	}
	return snap
}

// RunMaintenance reconciles every interval until ctx is done.
func (s *Server) RunMaintenance(ctx context.Context, interval time.Duration) error {
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	err := s.tracker.Run(ctx, interval, func(r tasks.Report) {
		s.afterReconcile(ctx, r)
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Shutdown marks the service as not serving, waits for background work
// to drain and then flushes the queued events.
func (s *Server) Shutdown(ctx context.Context) error {
	s.health.Shutdown()
	err := s.tracker.Close(ctx)
	if s.outbox != nil {
		err = errors.Join(err, s.outbox.close(ctx))
	}
	return err
}
