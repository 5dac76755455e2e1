package api

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mbras/feed-analyzer/internal/config"
	"github.com/mbras/feed-analyzer/internal/domain"
	"github.com/mbras/feed-analyzer/internal/metrics"
	"github.com/mbras/feed-analyzer/internal/repository/postgres"
)

var anchorTime = time.Date(2026, 2, 20, 13, 0, 0, 0, time.UTC)

func setupAudit(t *testing.T, cfg config.AuditConfig) (sqlmock.Sqlmock, *AuditTrail, *metrics.Metrics) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	met := metrics.New(prometheus.NewRegistry())
	trail := NewAuditTrail(db, postgres.NewRepository(db), cfg, zap.NewNop(), met)
	return mock, trail, met
}

func expectAnchorLookup(mock sqlmock.Sqlmock, anchorID string) {
	mock.ExpectQuery("SELECT id, user_id, created_at_utc, correlation_id").
		WithArgs(domain.AuditAnchorCorrelationID).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "created_at_utc", "correlation_id", "request_raw",
			"engagement_score", "ranking", "influence_ranking_score",
		}).AddRow(anchorID, domain.AuditUserID, anchorTime, domain.AuditAnchorCorrelationID, nil, nil, nil, nil))
}

func TestAuditRecordDropsWhenBufferFull(t *testing.T) {
	_, trail, met := setupAudit(t, config.AuditConfig{QueueSize: 1})

	trail.Record(AuditRecord{CorrelationID: "cid-1"})
	trail.Record(AuditRecord{CorrelationID: "cid-2"})

	require.Len(t, trail.records, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(met.AuditDropped))
}

func TestAuditMiddlewareSkipsProbes(t *testing.T) {
	_, trail, _ := setupAudit(t, config.AuditConfig{})
	handler := Correlation(trail.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})))

	for _, path := range []string{"/health", "/ready", "/metrics"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Len(t, trail.records, 0, "probe %s must not be audited", path)
	}

	req := httptest.NewRequest(http.MethodPost, "/analyze-feed", nil)
	req.Header.Set(CorrelationHeader, "req-5")
	req.Header.Set("User-Agent", "feed-cli/1.0")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Len(t, trail.records, 1)
	got := <-trail.records
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "/analyze-feed", got.Path)
	assert.Equal(t, http.StatusAccepted, got.Status)
	assert.Equal(t, "req-5", got.CorrelationID)
	assert.Equal(t, "feed-cli/1.0", got.UserAgent)
	assert.NotEmpty(t, got.ClientIP)
	assert.GreaterOrEqual(t, got.DurationMS, 0.0)
	_, err := time.Parse(time.RFC3339, got.TimestampUTC)
	assert.NoError(t, err)
}

func TestAuditStopFlushesBufferedRecords(t *testing.T) {
	mock, trail, _ := setupAudit(t, config.AuditConfig{FlushIntervalMS: 60_000})

	expectAnchorLookup(mock, "anchor-1")
	mock.ExpectBegin()
	copyStmt := mock.ExpectPrepare(regexp.QuoteMeta(pq.CopyIn(
		"outbox_events", "id", "message_id", "correlation_id", "event_type",
		"payload", "status", "attempts", "last_error", "available_at_utc",
		"locked_at_utc", "locked_by", "created_at_utc", "updated_at_utc",
	)))
	copyStmt.ExpectExec().
		WithArgs(sqlmock.AnyArg(), "anchor-1", "cid-1", "http_audit_log",
			sqlmock.AnyArg(), "pending", 0, nil, sqlmock.AnyArg(), nil, nil,
			sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	copyStmt.ExpectExec().
		WithArgs(sqlmock.AnyArg(), "anchor-1", "cid-2", "http_audit_log",
			sqlmock.AnyArg(), "pending", 0, nil, sqlmock.AnyArg(), nil, nil,
			sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	copyStmt.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	require.NoError(t, trail.Start(context.Background()))
	trail.Record(AuditRecord{Method: "POST", Path: "/analyze-feed", Status: 200, CorrelationID: "cid-1"})
	trail.Record(AuditRecord{Method: "GET", Path: "/messages", Status: 200, CorrelationID: "cid-2"})
	trail.Stop()

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditStartCreatesAnchorOnFirstBoot(t *testing.T) {
	mock, trail, _ := setupAudit(t, config.AuditConfig{FlushIntervalMS: 60_000})

	mock.ExpectQuery("SELECT id, user_id, created_at_utc, correlation_id").
		WithArgs(domain.AuditAnchorCorrelationID).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO users").
		WithArgs(domain.AuditUserID, nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO messages").
		WithArgs(sqlmock.AnyArg(), domain.AuditUserID, sqlmock.AnyArg(),
			domain.AuditAnchorCorrelationID, nil, nil, nil, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, trail.Start(context.Background()))
	trail.Stop()

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditStartIsIdempotent(t *testing.T) {
	mock, trail, _ := setupAudit(t, config.AuditConfig{FlushIntervalMS: 60_000})

	expectAnchorLookup(mock, "anchor-1")

	require.NoError(t, trail.Start(context.Background()))
	require.NoError(t, trail.Start(context.Background()))
	trail.Stop()

	require.NoError(t, mock.ExpectationsWereMet())
}
