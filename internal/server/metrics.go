package server

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/devghori1264/aerophoenix/bookd/internal/broker"
	"github.com/devghori1264/aerophoenix/bookd/internal/fsm"
	"github.com/devghori1264/aerophoenix/bookd/internal/tasks"
)

const namespace = "bookd"

// Metrics are the Prometheus collectors for one Server.
type Metrics struct {
	Matches           prometheus.Counter
	Events            *prometheus.CounterVec
	TransitionErrors  *prometheus.CounterVec
	NotifyFailures    prometheus.Counter
	TasksReconciled   prometheus.Counter
	TasksFailed       prometheus.Counter
	InvariantFailures prometheus.Counter
	// Waiters counts callers blocked in AwaitBooking.
	Waiters           prometheus.Gauge
	tasksInFlight     prometheus.GaugeFunc
	eventsPending     prometheus.GaugeFunc
	registryCollector *registryCollector
}

func newMetrics(b *broker.Broker, t *tasks.Tracker, o *outbox) *Metrics {
	return &Metrics{
		Matches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "matches_total",
			Help:      "Bookings assigned a resource.",
		}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Lifecycle events emitted by the broker.",
		}, []string{"kind"}),
		TransitionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transition_errors_total",
			Help:      "Rejected cancel/finish requests.",
		}, []string{"action"}),
		NotifyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notify_failures_total",
			Help:      "Event deliveries to external notifiers that failed.",
		}),
		TasksReconciled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "background_tasks_reconciled_total",
			Help:      "Completed background task handles dropped by reconcile.",
		}),
		TasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "background_tasks_failed_total",
			Help:      "Reconciled background tasks that returned an error.",
		}),
		InvariantFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invariant_violations_total",
			Help:      "Times the booking/resource consistency check failed.",
		}),
		Waiters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "waiters",
			Help:      "Callers waiting for a booking to leave WAITING.",
		}),
		tasksInFlight: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "background_tasks_in_flight",
			Help:      "Background task handles not yet reconciled.",
		}, func() float64 { return float64(t.Len()) }),
		eventsPending: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "events_pending",
			Help:      "Events queued for the external notifiers.",
		}, func() float64 {
			if o == nil {
				return 0
			}
			return float64(o.pending())
		}),
		registryCollector: &registryCollector{
			broker: b,
			bookings: prometheus.NewDesc(
				prometheus.BuildFQName(namespace, "", "bookings"),
				"Bookings by status.", []string{"status"}, nil),
			resources: prometheus.NewDesc(
				prometheus.BuildFQName(namespace, "", "resources"),
				"Resources by state (free or used).", []string{"state"}, nil),
		},
	}
}

// Register adds every collector to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.Matches, m.Events, m.TransitionErrors, m.NotifyFailures,
		m.TasksReconciled, m.TasksFailed, m.InvariantFailures, m.Waiters,
		m.tasksInFlight, m.eventsPending, m.registryCollector,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) observeReport(r tasks.Report) {
	m.TasksReconciled.Add(float64(r.Removed))
	m.TasksFailed.Add(float64(r.Failed))
}

func (m *Metrics) observeTransitionError(action fsm.Action) {
	m.TransitionErrors.WithLabelValues(string(action)).Inc()
}

// registryCollector reads the registries at scrape time.
type registryCollector struct {
	broker    *broker.Broker
	bookings  *prometheus.Desc
	resources *prometheus.Desc
}

func (c *registryCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.bookings
	ch <- c.resources
}

func (c *registryCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.broker.Snapshot()
	for status, n := range snap.CountByStatus() {
		ch <- prometheus.MustNewConstMetric(c.bookings, prometheus.GaugeValue, float64(n), string(status))
	}
	var free, used int
	for _, r := range snap.Resources {
		if r.UsedBy == nil {
			free++
		} else {
			used++
		}
	}
	ch <- prometheus.MustNewConstMetric(c.resources, prometheus.GaugeValue, float64(free), "free")
	ch <- prometheus.MustNewConstMetric(c.resources, prometheus.GaugeValue, float64(used), "used")
}
