// Package metrics declares the Prometheus collectors shared by the
// API server, the outbox dispatcher and the broker consumer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector the service exports. One instance
// is created per process and handed to the components that record.
type Metrics struct {
	// HTTPRequests counts requests by method, route pattern and status.
	HTTPRequests *prometheus.CounterVec

	// HTTPDuration measures request latency by method and route pattern.
	HTTPDuration *prometheus.HistogramVec

	// AnalyzeRequests counts analyze-feed calls by mode (inline|bulk)
	// and outcome (ok|rejected|error).
	AnalyzeRequests *prometheus.CounterVec

	// FastPathDuration measures the bulk persistence pipeline, one
	// series per stage plus the total.
	FastPathDuration *prometheus.HistogramVec

	// IngestProcessed counts queue events fully processed.
	IngestProcessed prometheus.Counter

	// IngestFailed counts queue events that failed, by stage
	// (parse|consumer|broker).
	IngestFailed *prometheus.CounterVec

	// OutboxPublished counts outbox events delivered downstream.
	OutboxPublished prometheus.Counter

	// OutboxFailed counts outbox delivery attempts that failed.
	OutboxFailed prometheus.Counter

	// BrokerPublishFailures counts direct publish attempts that fell
	// back to the outbox.
	BrokerPublishFailures prometheus.Counter

	// SearchBulkFailures counts failed bulk calls to the search cluster.
	SearchBulkFailures prometheus.Counter

	// AuditDropped counts audit records discarded because the buffer
	// was full.
	AuditDropped prometheus.Counter
}

// New registers all collectors with reg and returns them. Call once
// per process; registering twice on the same registry panics.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by method, path and status code",
		}, []string{"method", "path", "status"}),

		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by method and path",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"method", "path"}),

		AnalyzeRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "analyze_requests_total",
			Help: "Analyze-feed requests by mode and outcome",
		}, []string{"mode", "outcome"}),

		FastPathDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "db_fast_path_duration_seconds",
			Help:    "Bulk persistence duration per pipeline stage",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"stage"}),

		IngestProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingest_processed_total",
			Help: "Queue events processed to completion",
		}),

		IngestFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_failed_total",
			Help: "Queue events that failed, by pipeline stage",
		}, []string{"stage"}),

		OutboxPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "outbox_events_published_total",
			Help: "Outbox events delivered to the broker or search index",
		}),

		OutboxFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "outbox_events_failed_total",
			Help: "Outbox delivery attempts that failed",
		}),

		BrokerPublishFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "broker_publish_failures_total",
			Help: "Broker publishes that failed and stayed in the outbox",
		}),

		SearchBulkFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "elastic_bulk_failures_total",
			Help: "Failed bulk calls to the search cluster",
		}),

		AuditDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "audit_dropped_total",
			Help: "Audit records dropped because the buffer was full",
		}),
	}
}

// RecordHTTP records one served request.
func (m *Metrics) RecordHTTP(method, path, status string, seconds float64) {
	m.HTTPRequests.WithLabelValues(method, path, status).Inc()
	m.HTTPDuration.WithLabelValues(method, path).Observe(seconds)
}

// RecordFastPath publishes one bulk run's stage timings, given in
// milliseconds as produced by the ingestion pipeline.
func (m *Metrics) RecordFastPath(timingsMS map[string]float64) {
	for stage, ms := range timingsMS {
		m.FastPathDuration.WithLabelValues(stage).Observe(ms / 1000.0)
	}
}
