package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the prometheus collectors for the ticket pipeline. A nil
// *Metrics is valid and records nothing, so tests can skip registration.
type Metrics struct {
	retrievalLatency  prometheus.Histogram
	retrievalAttempts prometheus.Counter
	cacheHits         prometheus.Counter
	cacheMisses       prometheus.Counter
	ticketOutcomes    *prometheus.CounterVec
	stageTransitions  *prometheus.CounterVec
}

// NewMetrics registers pipeline collectors with the given registerer.
// Passing nil uses the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		retrievalLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "deskhand",
			Name:      "retrieval_latency_seconds",
			Help:      "Latency of retrieval calls including embedding lookup.",
			Buckets:   prometheus.DefBuckets,
		}),
		retrievalAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "deskhand",
			Name:      "retrieval_attempts_total",
			Help:      "Total retrieval attempts across all tickets.",
		}),
		cacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "deskhand",
			Name:      "embedding_cache_hits_total",
			Help:      "Query embedding cache hits.",
		}),
		cacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "deskhand",
			Name:      "embedding_cache_misses_total",
			Help:      "Query embedding cache misses.",
		}),
		ticketOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deskhand",
			Name:      "ticket_outcomes_total",
			Help:      "Terminal ticket outcomes by kind.",
		}, []string{"outcome"}),
		stageTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deskhand",
			Name:      "ticket_stage_transitions_total",
			Help:      "Pipeline stage transitions.",
		}, []string{"stage"}),
	}
}

// ObserveRetrieval records one retrieval call.
func (m *Metrics) ObserveRetrieval(latency time.Duration, cacheHit bool) {
	if m == nil {
		return
	}
	m.retrievalLatency.Observe(latency.Seconds())
	m.retrievalAttempts.Inc()
	if cacheHit {
		m.cacheHits.Inc()
	} else {
		m.cacheMisses.Inc()
	}
}

// ObserveOutcome records a terminal ticket outcome.
func (m *Metrics) ObserveOutcome(outcome string) {
	if m == nil {
		return
	}
	m.ticketOutcomes.WithLabelValues(outcome).Inc()
}

// ObserveStage records a stage transition.
func (m *Metrics) ObserveStage(stage string) {
	if m == nil {
		return
	}
	m.stageTransitions.WithLabelValues(stage).Inc()
}
