package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fleetpulse"

// Metrics groups every collector the service records into.
type Metrics struct {
	RunsTotal        *prometheus.CounterVec
	RunDuration      *prometheus.HistogramVec
	TicksDropped     *prometheus.CounterVec
	InstanceOutcomes *prometheus.CounterVec
	CompositeScore   *prometheus.GaugeVec
	RecomputeErrors  prometheus.Counter
	EventsDropped    prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collector_runs_total",
			Help:      "Finished collector runs by final status.",
		}, []string{"collector", "status"}),
		RunDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "collector_run_duration_seconds",
			Help:      "Wall-clock duration of collector runs.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"collector"}),
		TicksDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collector_ticks_dropped_total",
			Help:      "Scheduled ticks dropped because the previous run was still in flight.",
		}, []string{"collector"}),
		InstanceOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instance_outcomes_total",
			Help:      "Per-instance outcomes by status and error kind.",
		}, []string{"collector", "status", "kind"}),
		CompositeScore: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "composite_health_score",
			Help:      "Latest composite health score per instance (0-100).",
		}, []string{"instance"}),
		RecomputeErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recompute_errors_total",
			Help:      "Composite score recomputations that failed.",
		}),
		EventsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Notification events dropped because a subscriber was full.",
		}),
	}
}

func (m *Metrics) ObserveRun(collector, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(collector, status).Inc()
	m.RunDuration.WithLabelValues(collector).Observe(d.Seconds())
}

func (m *Metrics) TickDropped(collector string) {
	if m == nil {
		return
	}
	m.TicksDropped.WithLabelValues(collector).Inc()
}

func (m *Metrics) ObserveOutcome(collector, status, kind string) {
	if m == nil {
		return
	}
	m.InstanceOutcomes.WithLabelValues(collector, status, kind).Inc()
}

func (m *Metrics) SetComposite(instance string, score int) {
	if m == nil {
		return
	}
	m.CompositeScore.WithLabelValues(instance).Set(float64(score))
}

func (m *Metrics) RecomputeFailed() {
	if m == nil {
		return
	}
	m.RecomputeErrors.Inc()
}

func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}

// Handler serves the metrics gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
