// Package metrics exposes prometheus instrumentation for the ingestion
// pipeline. All collectors live on a dedicated registry so tests never
// collide on the global default.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics bundles the pipeline collectors.
type Metrics struct {
	registry *prometheus.Registry

	// Items counts reconciled items by source and classification.
	Items *prometheus.CounterVec
	// Invalid counts raw items dropped by the normalizer.
	Invalid *prometheus.CounterVec
	// Quarantined counts items excluded after persistent conflicts.
	Quarantined *prometheus.CounterVec
	// Pages counts fetched pages per source.
	Pages *prometheus.CounterVec
	// Runs counts completed runs by source and outcome.
	Runs *prometheus.CounterVec
	// RunDuration observes wall time per run.
	RunDuration *prometheus.HistogramVec
	// CheckpointAge reports seconds since each source's checkpoint advanced.
	CheckpointAge *prometheus.GaugeVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,
		Items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "feedspine",
			Name:      "items_total",
			Help:      "Reconciled items by classification.",
		}, []string{"source_id", "classification"}),
		Invalid: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "feedspine",
			Name:      "items_invalid_total",
			Help:      "Raw items dropped during normalization.",
		}, []string{"source_id"}),
		Quarantined: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "feedspine",
			Name:      "items_quarantined_total",
			Help:      "Items quarantined after repeated reconcile conflicts.",
		}, []string{"source_id"}),
		Pages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "feedspine",
			Name:      "pages_fetched_total",
			Help:      "Pages fetched from sources.",
		}, []string{"source_id"}),
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "feedspine",
			Name:      "runs_total",
			Help:      "Completed pipeline runs by outcome.",
		}, []string{"source_id", "outcome"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "feedspine",
			Name:      "run_duration_seconds",
			Help:      "Wall time of one pipeline run.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"source_id"}),
		CheckpointAge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "feedspine",
			Name:      "checkpoint_age_seconds",
			Help:      "Seconds since the source checkpoint last advanced.",
		}, []string{"source_id"}),
	}
	reg.MustRegister(m.Items, m.Invalid, m.Quarantined, m.Pages, m.Runs, m.RunDuration, m.CheckpointAge)
	return m
}

// Registry returns the registry all collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
