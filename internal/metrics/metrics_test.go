package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersAllCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordHTTP("POST", "/analyze-feed", "200", 0.05)
	m.AnalyzeRequests.WithLabelValues("inline", "ok").Inc()
	m.IngestProcessed.Inc()
	m.IngestFailed.WithLabelValues("parse").Inc()
	m.OutboxPublished.Inc()
	m.OutboxFailed.Inc()
	m.BrokerPublishFailures.Inc()
	m.SearchBulkFailures.Inc()
	m.AuditDropped.Inc()
	m.FastPathDuration.WithLabelValues("total").Observe(0.2)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, families, 11)
}

func TestRecordHTTPCountsByLabels(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordHTTP("POST", "/analyze-feed", "200", 0.01)
	m.RecordHTTP("POST", "/analyze-feed", "200", 0.02)
	m.RecordHTTP("GET", "/messages", "422", 0.01)

	expected := `
		# HELP http_requests_total HTTP requests by method, path and status code
		# TYPE http_requests_total counter
		http_requests_total{method="GET",path="/messages",status="422"} 1
		http_requests_total{method="POST",path="/analyze-feed",status="200"} 2
	`
	err := testutil.CollectAndCompare(m.HTTPRequests, strings.NewReader(expected))
	require.NoError(t, err)
}

func TestIngestFailedStages(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.IngestFailed.WithLabelValues("parse").Inc()
	m.IngestFailed.WithLabelValues("consumer").Inc()
	m.IngestFailed.WithLabelValues("consumer").Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.IngestFailed.WithLabelValues("consumer")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IngestFailed.WithLabelValues("parse")))
}

func TestRecordFastPathObservesEachStage(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordFastPath(map[string]float64{
		"insert_messages": 12.5,
		"total":           40.0,
	})

	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != "db_fast_path_duration_seconds" {
			continue
		}
		require.Len(t, f.GetMetric(), 2)
		return
	}
	t.Fatal("db_fast_path_duration_seconds not gathered")
}
