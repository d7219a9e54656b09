package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConversationsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voicetrace_conversations_active",
		Help: "Conversation scopes currently open",
	})

	ScopeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voicetrace_scope_duration_seconds",
		Help:    "Duration of closed scopes by kind and pipeline stage",
		Buckets: []float64{0.05, 0.1, 0.2, 0.3, 0.5, 0.8, 1.0, 2.0, 5.0, 15.0, 60.0},
	}, []string{"kind", "stage"})

	SpansExported = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicetrace_spans_exported_total",
		Help: "Spans handed to an exporter without error",
	}, []string{"exporter", "kind"})

	SpanExportErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicetrace_span_export_errors_total",
		Help: "Span exports that failed or panicked",
	}, []string{"exporter"})

	AsyncQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voicetrace_async_queue_depth",
		Help: "Spans waiting in an async exporter queue",
	}, []string{"exporter"})

	SpansIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicetrace_spans_ingested_total",
		Help: "Spans accepted by the ingestion endpoints",
	}, []string{"transport"})

	IngestRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicetrace_ingest_rejected_total",
		Help: "Ingestion requests rejected by reason",
	}, []string{"transport", "reason"})

	StreamsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voicetrace_ingest_streams_active",
		Help: "Currently open WebSocket ingestion streams",
	})

	// Set from the latest classification of every stored span.
	FailuresDetected = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voicetrace_failures_detected",
		Help: "Failures in the stored spans as of the last full classification",
	}, []string{"type", "severity"})

	SpansSkipped = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voicetrace_spans_skipped",
		Help: "Malformed stored spans as of the last full analysis or classification",
	}, []string{"component"})
)
