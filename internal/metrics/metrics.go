// Package metrics exposes Prometheus collectors for the ingestion
// pipeline.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ingestEventsTotal                *prometheus.CounterVec
	ingestBroadcastsTotal            *prometheus.CounterVec
	ingestConsumeErrorsTotal         *prometheus.CounterVec
	ingestNormalizationEnqueuesTotal prometheus.Counter
	ingestMaterializeStepFailures    *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus collectors. Safe to call more than
// once; every Observe helper calls it, so callers never race a missing
// collector.
func Init() {
	once.Do(func() {
		ingestEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_events_total",
				Help: "Total crawl events consumed, labeled by category and outcome.",
			},
			[]string{"category", "outcome"},
		)

		ingestBroadcastsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_broadcasts_total",
				Help: "Total realtime broadcasts, labeled by event name and status.",
			},
			[]string{"event", "status"},
		)

		ingestConsumeErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_consume_errors_total",
				Help: "Total consume-side errors, labeled by kind.",
			},
			[]string{"kind"},
		)

		ingestNormalizationEnqueuesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ingest_normalization_enqueues_total",
				Help: "Total detached normalization tasks enqueued.",
			},
		)

		ingestMaterializeStepFailures = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_materialize_step_failures_total",
				Help: "Total materializer step failures, labeled by step.",
			},
			[]string{"step"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveEvent counts one consumed event by category and outcome.
func ObserveEvent(category, outcome string) {
	Init()
	ingestEventsTotal.WithLabelValues(category, outcome).Inc()
}

// ObserveBroadcast counts one realtime broadcast attempt.
func ObserveBroadcast(event, status string) {
	Init()
	ingestBroadcastsTotal.WithLabelValues(event, status).Inc()
}

// ObserveConsumeError counts one consume-side error.
func ObserveConsumeError(kind string) {
	Init()
	ingestConsumeErrorsTotal.WithLabelValues(kind).Inc()
}

// ObserveNormalizationEnqueue counts one detached normalization task.
func ObserveNormalizationEnqueue() {
	Init()
	ingestNormalizationEnqueuesTotal.Inc()
}

// ObserveMaterializeStepFailure counts one failed materializer step.
func ObserveMaterializeStepFailure(step string) {
	Init()
	ingestMaterializeStepFailures.WithLabelValues(step).Inc()
}
