// Trendwire - Multi-Source Channel Intelligence and Trend Correlation
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/trendwire

// Package metrics defines the Prometheus instrumentation for the engine:
// ingestion, pipeline admission, LLM budget consumption, correlation, and
// emission. Exposed on the control surface at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion
	IngestedMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trendwire_ingested_messages_total",
			Help: "Raw messages received from source channels",
		},
		[]string{"class"},
	)

	DroppedIngress = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trendwire_dropped_ingress_total",
			Help: "Messages dropped from a full pending queue (oldest first)",
		},
	)

	DedupSkips = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trendwire_dedup_skips_total",
			Help: "Messages rejected as duplicates by the store",
		},
	)

	EmptyDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trendwire_empty_drops_total",
			Help: "Messages whose normalized text was empty",
		},
	)

	// Extractor / budget
	LLMCalls = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trendwire_llm_calls_total",
			Help: "LLM calls admitted by the budget ledger",
		},
	)

	LLMFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trendwire_llm_failures_total",
			Help: "LLM calls that failed (provider or timeout)",
		},
	)

	LLMDeferred = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trendwire_llm_deferred_total",
			Help: "Batches deferred because a budget window was full",
		},
	)

	LLMSchemaRepairs = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trendwire_llm_schema_repairs_total",
			Help: "Repair retries after schema-invalid LLM output",
		},
	)

	LLMCallDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "trendwire_llm_call_duration_seconds",
			Help:    "Duration of LLM calls",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 45},
		},
	)

	ExtractedEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trendwire_extracted_events_total",
			Help: "Structured events produced by the extractor",
		},
	)

	ExtractFailedBatches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trendwire_extract_failed_batches_total",
			Help: "Batches marked extract_failed and released with backoff",
		},
	)

	UrgentDispatches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trendwire_urgent_dispatches_total",
			Help: "Batches dispatched early because a message carried an urgent marker",
		},
	)

	// Correlation
	ClustersOpened = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trendwire_clusters_opened_total",
			Help: "New trend clusters opened",
		},
	)

	ClustersEmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trendwire_clusters_emitted_total",
			Help: "Clusters that reached emission",
		},
	)

	ClustersSuperseded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trendwire_clusters_superseded_total",
			Help: "Clusters cancelled by a contradicting report",
		},
	)

	ClustersDiscarded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trendwire_clusters_discarded_total",
			Help: "Idle clusters closed without emission",
		},
	)

	// Sender
	EmissionsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trendwire_emissions_sent_total",
			Help: "Summaries delivered to the output channel",
		},
	)

	RetractionsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trendwire_retractions_sent_total",
			Help: "Retraction messages delivered (bypass the rate gate)",
		},
	)

	SendFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trendwire_send_failures_total",
			Help: "Output deliveries that failed after bounded retries",
		},
	)
)
