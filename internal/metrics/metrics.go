// Package metrics exposes Prometheus instrumentation for enrichment runs.
package metrics

import (
	"time"

	"github.com/cronquiles/cronquiles/pkg/pipeline/core"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "cronquiles"

// Metrics holds every collector the application records to.
type Metrics struct {
	EnrichmentOutcomes *prometheus.CounterVec
	EnrichmentAttempts *prometheus.CounterVec
	EnrichmentInFlight prometheus.Gauge
	RateLimitWait      *prometheus.HistogramVec

	FeedEvents    *prometheus.CounterVec
	Published     *prometheus.CounterVec
	Runs          *prometheus.CounterVec
	RunDuration   prometheus.Histogram
	LastRunUnixTs prometheus.Gauge
}

// New creates and registers all metrics on reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		EnrichmentOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enrichment_outcomes_total",
			Help:      "Enrichment outcomes by source and kind.",
		}, []string{"source", "kind"}),
		EnrichmentAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enrichment_attempts_total",
			Help:      "Calls made to enrichment sources, retries included.",
		}, []string{"source"}),
		EnrichmentInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "enrichment_in_flight",
			Help:      "Enrichment attempts currently running.",
		}),
		RateLimitWait: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ratelimit_wait_seconds",
			Help:      "Time spent blocked on the per-target rate limiter.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"key"}),
		FeedEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_events_total",
			Help:      "Events read from feeds after de-duplication.",
		}, []string{"feed"}),
		Published: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "published_events_total",
			Help:      "Publish results per record.",
		}, []string{"result"}),
		Runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Completed sync runs by status.",
		}, []string{"status"}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of a sync run.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		LastRunUnixTs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last sync run finished.",
		}),
	}
}

// ObserveOutcome counts one completed item.
func (m *Metrics) ObserveOutcome(source string, kind core.Kind) {
	m.EnrichmentOutcomes.WithLabelValues(source, kind.String()).Inc()
}

// ObserveWait is shaped to plug into ratelimit.Options.OnWait.
func (m *Metrics) ObserveWait(key string, waited time.Duration) {
	m.RateLimitWait.WithLabelValues(key).Observe(waited.Seconds())
}

// StartAttempt marks an attempt as running and returns the func that ends it.
func (m *Metrics) StartAttempt(source string) func() {
	m.EnrichmentAttempts.WithLabelValues(source).Inc()
	m.EnrichmentInFlight.Inc()
	return m.EnrichmentInFlight.Dec
}

// ObserveRun records the end of a sync run.
func (m *Metrics) ObserveRun(status string, elapsed time.Duration, finished time.Time) {
	m.Runs.WithLabelValues(status).Inc()
	m.RunDuration.Observe(elapsed.Seconds())
	m.LastRunUnixTs.Set(float64(finished.Unix()))
}

// ObservePublished adds publish stats.
func (m *Metrics) ObservePublished(success, failed, skipped int) {
	m.Published.WithLabelValues("success").Add(float64(success))
	m.Published.WithLabelValues("failed").Add(float64(failed))
	m.Published.WithLabelValues("skipped").Add(float64(skipped))
}
