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
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mbras/feed-analyzer/internal/config"
	"github.com/mbras/feed-analyzer/internal/messaging"
	"github.com/mbras/feed-analyzer/internal/metrics"
	"github.com/mbras/feed-analyzer/internal/pkg/distlock"
	"github.com/mbras/feed-analyzer/internal/pkg/logger"
	"github.com/mbras/feed-analyzer/internal/repository/postgres"
	"github.com/mbras/feed-analyzer/internal/search"
	"github.com/mbras/feed-analyzer/internal/worker"
)

const dispatcherLockKey = "feed-analyzer:outbox-dispatcher"

func main() {
	log.Println("Starting MBRAS Outbox Dispatcher...")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
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

	dispatcher := worker.NewDispatcher(db, repo, cfg.Outbox, zl, met)

	if cfg.Broker.Enabled {
		producer, err := messaging.NewProducer(cfg.Broker)
		if err != nil {
			log.Fatalf("Failed to build broker producer: %v", err)
		}
		defer producer.Close()
		dispatcher.SetPublisher(producer, cfg.Broker.RoutingDescriptor())
		log.Printf("Broker producer wired (topic: %s)", cfg.Broker.Topic)
	} else {
		log.Println("Broker disabled, queue-bound events will wait in the outbox")
	}

	if cfg.Search.Enabled {
		sc := search.NewClient(cfg.Search, zl)
		dispatcher.SetIndexer(sc, cfg.Search.IndexPrefix, cfg.App.Location())
		log.Printf("Search indexer wired (prefix: %s)", cfg.Search.IndexPrefix)
	} else {
		log.Println("Search disabled, audit events will wait in the outbox")
	}

	// Redis gives a cross-host lock; without it, advisory locks keep
	// replicas on the same database from overlapping.
	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("Invalid REDIS_URL: %v", err)
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()
		log.Println("Redis lock backend configured")
	}
	dispatcher.SetLock(distlock.New(rdb, db, dispatcherLockKey, cfg.Outbox.LockTTL()))

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

	dispatcher.Start()

	// Heartbeat with dispatch counters
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := dispatcher.Stats()
				zl.Info("dispatcher heartbeat",
					zap.Int64("published", stats["published"]),
					zap.Int64("failed", stats["failed"]),
					zap.Int64("indexed", stats["indexed"]),
					zap.Int64("empty_ticks", stats["empty_ticks"]))
			}
		}
	}()

	log.Println("Dispatcher running...")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down dispatcher...")
	cancel()
	dispatcher.Stop()

	log.Println("Dispatcher stopped")
}
