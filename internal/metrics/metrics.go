package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the orchestration metrics. A nil *Metrics is valid and
// records nothing, so components can be built without one in tests.
type Metrics struct {
	Queries           *prometheus.CounterVec
	ResolutionLatency prometheus.Histogram
	CacheLookups      *prometheus.CounterVec
	Dispatches        *prometheus.CounterVec
	EngineLatency     *prometheus.HistogramVec
	FallbacksSpawned  *prometheus.CounterVec
	StoreConflicts    *prometheus.CounterVec
	Resumed           prometheus.Counter
}

// New registers the metrics with reg. Pass prometheus.NewRegistry() in tests
// to avoid clashing with the default registry.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Queries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "switchyard_queries_total",
			Help: "Resolved queries by final status",
		}, []string{"status"}),

		ResolutionLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "switchyard_resolution_duration_seconds",
			Help:    "End-to-end query resolution latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),

		// result: "hit", "miss" or "error"
		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "switchyard_cache_lookups_total",
			Help: "Response cache lookups by result",
		}, []string{"result"}),

		Dispatches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "switchyard_engine_dispatches_total",
			Help: "Engine calls by engine and terminal status",
		}, []string{"engine", "status"}),

		EngineLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "switchyard_engine_latency_seconds",
			Help:    "Engine call latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"engine"}),

		FallbacksSpawned: f.NewCounterVec(prometheus.CounterOpts{
			Name: "switchyard_fallbacks_spawned_total",
			Help: "Fallback tasks spawned by failing engine and error kind",
		}, []string{"engine", "error_kind"}),

		StoreConflicts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "switchyard_store_conflicts_total",
			Help: "Optimistic-concurrency conflicts by operation",
		}, []string{"op"}),

		Resumed: f.NewCounter(prometheus.CounterOpts{
			Name: "switchyard_resumed_resolutions_total",
			Help: "Stale resolutions picked up by the resume worker",
		}),
	}
}

func (m *Metrics) ObserveQuery(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.Queries.WithLabelValues(status).Inc()
	m.ResolutionLatency.Observe(d.Seconds())
}

func (m *Metrics) CacheLookup(result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveDispatch(engine, status string, latency time.Duration) {
	if m == nil {
		return
	}
	m.Dispatches.WithLabelValues(engine, status).Inc()
	m.EngineLatency.WithLabelValues(engine).Observe(latency.Seconds())
}

func (m *Metrics) FallbackSpawned(engine, errorKind string) {
	if m == nil {
		return
	}
	m.FallbacksSpawned.WithLabelValues(engine, errorKind).Inc()
}

func (m *Metrics) StoreConflict(op string) {
	if m == nil {
		return
	}
	m.StoreConflicts.WithLabelValues(op).Inc()
}

func (m *Metrics) ResumedResolution() {
	if m == nil {
		return
	}
	m.Resumed.Inc()
}
