package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mbras/feed-analyzer/internal/metrics"
)

func TestCorrelationEchoesCallerID(t *testing.T) {
	var seen string
	handler := Correlation(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/messages", nil)
	req.Header.Set(CorrelationHeader, "  req-77  ")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "req-77", seen)
	assert.Equal(t, "req-77", rec.Header().Get(CorrelationHeader))
}

func TestCorrelationMintsWhenMissing(t *testing.T) {
	var seen string
	handler := Correlation(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationID(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/messages", nil))

	_, err := uuid.Parse(seen)
	assert.NoError(t, err)
	assert.Equal(t, seen, rec.Header().Get(CorrelationHeader))
}

func TestCorrelationReplacesOversizeID(t *testing.T) {
	oversize := strings.Repeat("a", 65)
	handler := Correlation(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/messages", nil)
	req.Header.Set(CorrelationHeader, oversize)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	echoed := rec.Header().Get(CorrelationHeader)
	assert.NotEqual(t, oversize, echoed)
	_, err := uuid.Parse(echoed)
	assert.NoError(t, err)
}

func TestRequestLoggerRecordsMetrics(t *testing.T) {
	met := metrics.New(prometheus.NewRegistry())
	handler := RequestLogger(zap.NewNop(), met)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))

	got := testutil.ToFloat64(met.HTTPRequests.WithLabelValues("GET", "/ping", "204"))
	assert.Equal(t, 1.0, got)
}

func TestRequestLoggerDefaultsImplicitStatus(t *testing.T) {
	met := metrics.New(prometheus.NewRegistry())
	handler := RequestLogger(zap.NewNop(), met)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))

	got := testutil.ToFloat64(met.HTTPRequests.WithLabelValues("GET", "/ping", "200"))
	assert.Equal(t, 1.0, got)
}

func TestRecoverTurnsPanicIntoEnvelope(t *testing.T) {
	handler := Correlation(Recover(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("estouro")
	})))

	req := httptest.NewRequest(http.MethodGet, "/analyze-feed", nil)
	req.Header.Set(CorrelationHeader, "req-9")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "INTERNAL_ERROR", body.Code)
	assert.Equal(t, "Falha interna no processamento da requisicao.", body.Error)
	assert.Equal(t, "req-9", body.CorrelationID)
}

func TestRecoverPassesAbortThrough(t *testing.T) {
	handler := Recover(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	rec := httptest.NewRecorder()
	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/messages", nil))
	})
}
