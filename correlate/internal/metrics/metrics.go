// Package metrics holds the Prometheus collectors of the correlate service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Event processing metrics
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainhawk_correlate_events_total",
			Help: "Total number of events processed by the correlation engine",
		},
		[]string{"source", "status"}, // status: processed, duplicate, failed
	)

	ProcessDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chainhawk_correlate_process_duration_seconds",
			Help:    "Duration of single event correlation in seconds",
			Buckets: []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01, .05, .1},
		},
	)

	PhaseMatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainhawk_correlate_phase_matches_total",
			Help: "Total number of phase matches",
		},
		[]string{"pattern_id", "phase"},
	)

	// Incident metrics
	IncidentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainhawk_correlate_incidents_total",
			Help: "Total number of incidents synthesized",
		},
		[]string{"pattern_id", "disposition"}, // persisted, queued, suppressed, failed
	)

	IncidentsPersisted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainhawk_correlate_incidents_persisted_total",
			Help: "Total number of incidents written by the persistence path",
		},
		[]string{"path"}, // outbox, direct, dlq_replay
	)

	// State metrics
	ActiveStates = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chainhawk_correlate_active_states",
			Help: "Current number of entity-pattern window states",
		},
	)

	StatesEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chainhawk_correlate_states_evicted_total",
			Help: "Total number of idle entity-pattern states evicted",
		},
	)

	// Catalog metrics
	PatternsLoaded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chainhawk_correlate_patterns_loaded",
			Help: "Number of attack patterns in the current catalog",
		},
	)

	CatalogReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainhawk_correlate_catalog_reloads_total",
			Help: "Total number of catalog reload attempts",
		},
		[]string{"status"},
	)

	// Dead-letter metrics
	DLQDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chainhawk_correlate_dlq_depth",
			Help: "Number of incidents waiting in the dead-letter queue",
		},
	)

	// Playbook metrics
	PlaybookDispatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chainhawk_correlate_playbook_dispatches_total",
			Help: "Total number of playbook dispatch requests",
		},
		[]string{"pattern_id"},
	)
)
