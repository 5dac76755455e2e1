package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mbras/feed-analyzer/internal/metrics"
)

// SetupRoutes configures the router and the middleware chain. audit
// and gatherer may be nil; the audit middleware and the /metrics
// endpoint are simply not mounted then.
func SetupRoutes(h *Handlers, log *zap.Logger, met *metrics.Metrics, audit *AuditTrail, gatherer prometheus.Gatherer) *chi.Mux {
	r := chi.NewRouter()

	// Middleware. Correlation runs first so every later stage and every
	// response sees the request id.
	r.Use(middleware.RealIP)
	r.Use(Correlation)
	r.Use(RequestLogger(log, met))
	if audit != nil {
		r.Use(audit.Middleware)
	}
	r.Use(Recover(log))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", CorrelationHeader},
		ExposedHeaders: []string{CorrelationHeader},
		MaxAge:         300,
	}))

	// Probes and metrics (never audited)
	r.Get("/health", h.HealthCheck)
	r.Get("/ready", h.ReadyCheck)
	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	// Core API
	r.Post("/analyze-feed", h.AnalyzeFeed)
	r.Get("/messages", h.ListMessages)

	// Debug
	r.Get("/debug/force-500", h.ForceError)

	return r
}
