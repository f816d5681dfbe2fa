// Package metrics exposes Prometheus counters for the enrichment engine.
// Counters are package-level: callers record outcomes through helper
// functions and paddockd serves them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	fetchOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paddock",
		Name:      "source_fetch_outcomes_total",
		Help:      "Source fetch attempts by source and outcome (success, transient, blocked, not_found, circuit_open).",
	}, []string{"source", "outcome"})

	circuitTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paddock",
		Name:      "circuit_transitions_total",
		Help:      "Circuit breaker state transitions by source and new state.",
	}, []string{"source", "state"})

	eventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paddock",
		Name:      "events_ingested_total",
		Help:      "Raw events accepted by the aggregator, by kind.",
	}, []string{"kind"})

	eventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "paddock",
		Name:      "events_dropped_total",
		Help:      "Raw events dropped by the aggregator (malformed or bucket cap reached).",
	})

	aggregateFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "paddock",
		Name:      "aggregate_flushes_total",
		Help:      "Aggregated-event emissions by trigger (scheduled, critical).",
	}, []string{"trigger"})
)

// FetchOutcome records one source fetch attempt result.
func FetchOutcome(sourceName, outcome string) {
	fetchOutcomes.WithLabelValues(sourceName, outcome).Inc()
}

// CircuitTransition records a breaker state change.
func CircuitTransition(sourceName, state string) {
	circuitTransitions.WithLabelValues(sourceName, state).Inc()
}

// EventIngested records one accepted raw event.
func EventIngested(kind string) {
	eventsIngested.WithLabelValues(kind).Inc()
}

// EventDropped records one dropped raw event.
func EventDropped() {
	eventsDropped.Inc()
}

// AggregateFlush records one aggregated-event emission.
func AggregateFlush(trigger string) {
	aggregateFlushes.WithLabelValues(trigger).Inc()
}
