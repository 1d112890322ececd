package metrics_test

import (
	"testing"
	"time"

	"github.com/cronquiles/cronquiles/internal/metrics"
	"github.com/cronquiles/cronquiles/pkg/pipeline/core"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sample returns the value of the series in family name whose labels match.
func sample(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue next
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	t.Fatalf("series %s%v not found", name, labels)
	return 0
}

func TestMetrics_RecordsEnrichment(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	m.ObserveOutcome("meetup", core.KindSuccess)
	m.ObserveOutcome("meetup", core.KindSuccess)
	m.ObserveOutcome("meetup", core.KindPermanent)

	done := m.StartAttempt("meetup")
	assert.Equal(t, 1.0, sample(t, reg, "cronquiles_enrichment_in_flight", nil))
	done()

	m.ObserveWait("www.meetup.com", 250*time.Millisecond)
	m.ObservePublished(4, 1, 0)
	m.ObserveRun("ok", 3*time.Second, time.Unix(1700000000, 0))

	assert.Equal(t, 2.0, sample(t, reg, "cronquiles_enrichment_outcomes_total", map[string]string{"source": "meetup", "kind": "success"}))
	assert.Equal(t, 1.0, sample(t, reg, "cronquiles_enrichment_outcomes_total", map[string]string{"source": "meetup", "kind": "permanent"}))
	assert.Equal(t, 1.0, sample(t, reg, "cronquiles_enrichment_attempts_total", map[string]string{"source": "meetup"}))
	assert.Equal(t, 0.0, sample(t, reg, "cronquiles_enrichment_in_flight", nil))
	assert.Equal(t, 1.0, sample(t, reg, "cronquiles_ratelimit_wait_seconds", map[string]string{"key": "www.meetup.com"}))
	assert.Equal(t, 4.0, sample(t, reg, "cronquiles_published_events_total", map[string]string{"result": "success"}))
	assert.Equal(t, 1.0, sample(t, reg, "cronquiles_runs_total", map[string]string{"status": "ok"}))
	assert.Equal(t, 1700000000.0, sample(t, reg, "cronquiles_last_run_timestamp_seconds", nil))
}

func TestNew_PrivateRegistriesDoNotCollide(t *testing.T) {
	assert.NotPanics(t, func() {
		metrics.New(prometheus.NewRegistry())
		metrics.New(prometheus.NewRegistry())
	})
}
