package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds all Prometheus metrics for the sync core.
type Metrics struct {
	// Registry is the Prometheus registry that owns these metrics.
	// Exposed so the /metrics endpoint can use it.
	Registry *prometheus.Registry

	syncCycleDuration *prometheus.HistogramVec
	pulledTotal       *prometheus.CounterVec
	pushedTotal       *prometheus.CounterVec
	conflictsTotal    *prometheus.CounterVec
	syncErrorsTotal   *prometheus.CounterVec
}

// NewMetrics creates a dedicated Prometheus registry and registers all
// application metrics in it. Using a private registry avoids "duplicate
// collector" panics when NewMetrics is called more than once (e.g. in tests).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		syncCycleDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "synccore_cycle_duration_seconds",
				Help:    "Duration of pull+push cycles by collection.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"collection"},
		),
		pulledTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "synccore_pulled_total",
				Help: "Total remote changes applied locally.",
			},
			[]string{"collection"},
		),
		pushedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "synccore_pushed_total",
				Help: "Total local documents pushed to the remote store.",
			},
			[]string{"collection"},
		),
		conflictsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "synccore_conflicts_total",
				Help: "Total pushes the remote rejected on terminal-state or validation grounds.",
			},
			[]string{"collection"},
		),
		syncErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "synccore_sync_errors_total",
				Help: "Total failed sync cycles and dropped remote changes.",
			},
			[]string{"collection"},
		),
	}
}

// ObserveSyncCycle records the duration of one pull+push cycle.
func (m *Metrics) ObserveSyncCycle(collection string, d time.Duration) {
	m.syncCycleDuration.WithLabelValues(collection).Observe(d.Seconds())
}

// IncrPulled increments the applied-remote-change counter.
func (m *Metrics) IncrPulled(collection string) {
	m.pulledTotal.WithLabelValues(collection).Inc()
}

// AddPushed adds a successfully pushed batch to the counter.
func (m *Metrics) AddPushed(collection string, n int) {
	m.pushedTotal.WithLabelValues(collection).Add(float64(n))
}

// IncrConflict increments the remote-rejection counter.
func (m *Metrics) IncrConflict(collection string) {
	m.conflictsTotal.WithLabelValues(collection).Inc()
}

// IncrSyncError increments the failed-cycle counter.
func (m *Metrics) IncrSyncError(collection string) {
	m.syncErrorsTotal.WithLabelValues(collection).Inc()
}

// CounterValue extracts the current value from a labelled counter. Used by
// the /status endpoint and tests; Prometheus counters expose cumulative
// values only.
func CounterValue(cv *prometheus.CounterVec, label string) float64 {
	counter := cv.WithLabelValues(label)
	m := &dto.Metric{}
	if err := counter.(prometheus.Metric).Write(m); err != nil {
		return 0
	}
	if m.Counter != nil && m.Counter.Value != nil {
		return *m.Counter.Value
	}
	return 0
}

// PulledCount reports how many remote changes a collection has applied.
func (m *Metrics) PulledCount(collection string) float64 {
	return CounterValue(m.pulledTotal, collection)
}

// PushedCount reports how many documents a collection has pushed.
func (m *Metrics) PushedCount(collection string) float64 {
	return CounterValue(m.pushedTotal, collection)
}

// ConflictCount reports how many pushes a collection had rejected.
func (m *Metrics) ConflictCount(collection string) float64 {
	return CounterValue(m.conflictsTotal, collection)
}
