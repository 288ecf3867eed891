// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "presence"

var (
	// WindowTransitions counts window state changes by transition
	// (opened, reopened, closed, expired).
	WindowTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "window_transitions_total",
		Help:      "Attendance window state transitions.",
	}, []string{"transition"})

	// MarkOutcomes counts attendance submissions by outcome: created,
	// updated, or the error kind that rejected them.
	MarkOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "mark_outcomes_total",
		Help:      "Attendance mark attempts by outcome.",
	}, []string{"outcome"})

	MatchDistance = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "identity_match_distance",
		Help:      "Distance of the nearest stored embedding for each resolution.",
		Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 0.95, 1.0, 1.2, 1.5},
	})

	ExtractorDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "extractor_duration_seconds",
		Help:      "Latency of face embedding extraction calls.",
		Buckets:   prometheus.DefBuckets,
	})

	// EventsConsumed counts queue messages handled by the worker.
	EventsConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_consumed_total",
		Help:      "Attendance events consumed by the worker.",
	}, []string{"type"})
)
