package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mbras/feed-analyzer/internal/config"
	"github.com/mbras/feed-analyzer/internal/consumer"
	"github.com/mbras/feed-analyzer/internal/ingest"
	"github.com/mbras/feed-analyzer/internal/messaging"
	"github.com/mbras/feed-analyzer/internal/metrics"
	"github.com/mbras/feed-analyzer/internal/pkg/logger"
	"github.com/mbras/feed-analyzer/internal/repository/postgres"
	"github.com/mbras/feed-analyzer/internal/search"
)

func main() {
	log.Println("Starting MBRAS Feed Consumer...")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if !cfg.Broker.Enabled {
		log.Fatal("Broker is disabled; the consumer has nothing to read. Set BROKER_ENABLED=true.")
	}

	zl, err := logger.New(os.Getenv("LOG_LEVEL"), cfg.App.IsDev())
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer zl.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := postgres.Connect(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Connected to database")

	repo := postgres.NewRepository(db)

	reg := prometheus.NewRegistry()
	met := metrics.New(reg)

	source, err := messaging.NewConsumer(cfg.Broker)
	if err != nil {
		log.Fatalf("Failed to join consumer group: %v", err)
	}
	defer source.Close()
	log.Printf("Consumer group joined (topic: %s, group: %s)", cfg.Broker.Topic, cfg.Broker.Group)

	svc := ingest.NewService(db, repo, zl)

	worker := consumer.New(source, repo, svc, zl, met)

	if cfg.Search.Enabled {
		sc := search.NewClient(cfg.Search, zl)
		worker.SetSearch(sc, cfg.Search.IndexPrefix, cfg.App.Location())
		log.Printf("Search indexing wired (prefix: %s)", cfg.Search.IndexPrefix)
	} else {
		log.Println("Search disabled, events will be persisted without indexing")
	}

	// Optional Prometheus endpoint for scraping worker metrics
	if addr := os.Getenv("METRICS_ADDR"); addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			log.Printf("Metrics listening on %s", addr)
			if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
				zl.Error("metrics listener failed", zap.Error(err))
			}
		}()
	}

	worker.Start()

	// Heartbeat with processing counters
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := worker.Stats()
				zl.Info("consumer heartbeat",
					zap.Int64("processed", stats["processed"]),
					zap.Int64("failed", stats["failed"]))
			}
		}
	}()

	log.Println("Consumer running...")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down consumer...")
	cancel()
	worker.Stop()

	log.Println("Consumer stopped")
}
