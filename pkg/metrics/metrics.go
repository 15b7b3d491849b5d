package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pipeline holds the counters of one process. A nil *Pipeline is valid and
// records nothing.
type Pipeline struct {
	registry *prometheus.Registry

	fetchTotal     *prometheus.CounterVec
	fetchDuration  *prometheus.HistogramVec
	fetchInFlight  prometheus.Gauge
	augmentTotal   *prometheus.CounterVec
	featureTotal   *prometheus.CounterVec
	featureSeconds *prometheus.HistogramVec
}

func NewPipeline() *Pipeline {
	registry := prometheus.NewRegistry()

	fetchTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lepi",
			Subsystem: "fetch",
			Name:      "records_total",
			Help:      "Fetch units by outcome (fetched, cached, or an error type).",
		},
		[]string{"outcome"},
	)
	fetchDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "lepi",
			Subsystem: "fetch",
			Name:      "duration_seconds",
			Help:      "Duration of a fetch unit including normalization and persistence.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 40, 60},
		},
		[]string{"outcome"},
	)
	fetchInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "lepi",
			Subsystem: "fetch",
			Name:      "in_flight",
			Help:      "Number of fetch units currently executing.",
		},
	)
	augmentTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lepi",
			Subsystem: "augment",
			Name:      "files_total",
			Help:      "Augmented files by outcome (written, skipped, failed).",
		},
		[]string{"outcome"},
	)
	featureTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lepi",
			Subsystem: "feature",
			Name:      "records_total",
			Help:      "Feature extraction results by feature and outcome.",
		},
		[]string{"feature", "outcome"},
	)
	featureSeconds := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "lepi",
			Subsystem: "feature",
			Name:      "compute_seconds",
			Help:      "Time spent computing one feature artifact.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"feature"},
	)

	registry.MustRegister(fetchTotal, fetchDuration, fetchInFlight, augmentTotal, featureTotal, featureSeconds)

	return &Pipeline{
		registry:       registry,
		fetchTotal:     fetchTotal,
		fetchDuration:  fetchDuration,
		fetchInFlight:  fetchInFlight,
		augmentTotal:   augmentTotal,
		featureTotal:   featureTotal,
		featureSeconds: featureSeconds,
	}
}

func (m *Pipeline) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Pipeline) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Pipeline) StartFetch() {
	if m == nil {
		return
	}
	m.fetchInFlight.Inc()
}

func (m *Pipeline) FinishFetch(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.fetchInFlight.Dec()
	m.fetchTotal.WithLabelValues(outcome).Inc()
	m.fetchDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// CachedFetch counts a record satisfied from disk without a unit of work.
func (m *Pipeline) CachedFetch() {
	if m == nil {
		return
	}
	m.fetchTotal.WithLabelValues("cached").Inc()
}

func (m *Pipeline) AugmentFile(outcome string) {
	if m == nil {
		return
	}
	m.augmentTotal.WithLabelValues(outcome).Inc()
}

func (m *Pipeline) FeatureRecord(feature, outcome string) {
	if m == nil {
		return
	}
	m.featureTotal.WithLabelValues(feature, outcome).Inc()
}

func (m *Pipeline) ObserveFeature(feature string, duration time.Duration) {
	if m == nil {
		return
	}
	m.featureSeconds.WithLabelValues(feature).Observe(duration.Seconds())
}
