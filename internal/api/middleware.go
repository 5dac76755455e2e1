package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mbras/feed-analyzer/internal/metrics"
)

// CorrelationHeader carries the client-supplied request correlation id.
const CorrelationHeader = "X-Correlation-Id"

// maxCorrelationRunes mirrors the correlation_id column width. An
// oversize header is replaced with a fresh id rather than truncated,
// so the stored value always matches the echoed one.
const maxCorrelationRunes = 64

type correlationKey struct{}

// CorrelationID returns the request correlation id placed by
// Correlation, or the empty string outside of it.
func CorrelationID(ctx context.Context) string {
	v, _ := ctx.Value(correlationKey{}).(string)
	return v
}

// Correlation accepts the caller's X-Correlation-Id or mints a UUID,
// stores it on the request context and echoes it on the response.
func Correlation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cid := strings.TrimSpace(r.Header.Get(CorrelationHeader))
		if cid == "" || utf8.RuneCountInString(cid) > maxCorrelationRunes {
			cid = uuid.NewString()
		}
		w.Header().Set(CorrelationHeader, cid)
		ctx := context.WithValue(r.Context(), correlationKey{}, cid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestLogger logs one line per served request and feeds the HTTP
// metrics. Metric paths use the chi route pattern so path parameters
// do not explode label cardinality.
func RequestLogger(log *zap.Logger, met *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			elapsed := time.Since(start)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			pattern := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if p := rctx.RoutePattern(); p != "" {
					pattern = p
				}
			}

			if met != nil {
				met.RecordHTTP(r.Method, pattern, strconv.Itoa(status), elapsed.Seconds())
			}
			log.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Duration("elapsed", elapsed),
				zap.String("correlation_id", CorrelationID(r.Context())),
			)
		})
	}
}

// Recover converts panics into the standard error envelope so no
// request ever dies with an empty body.
func Recover(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				log.Error("Falha interna no processamento da requisicao.",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path),
					zap.String("correlation_id", CorrelationID(r.Context())),
					zap.Stack("stack"),
				)
				respondJSON(w, http.StatusInternalServerError, errorBody{
					Error:         "Falha interna no processamento da requisicao.",
					Code:          "INTERNAL_ERROR",
					CorrelationID: CorrelationID(r.Context()),
				})
			}()
			next.ServeHTTP(w, r)
		})
	}
}
