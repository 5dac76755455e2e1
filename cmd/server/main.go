package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbras/feed-analyzer/internal/api"
	"github.com/mbras/feed-analyzer/internal/config"
	"github.com/mbras/feed-analyzer/internal/ingest"
	"github.com/mbras/feed-analyzer/internal/messaging"
	"github.com/mbras/feed-analyzer/internal/metrics"
	"github.com/mbras/feed-analyzer/internal/pkg/logger"
	"github.com/mbras/feed-analyzer/internal/repository/postgres"
)

// checkPortAvailable verifies that the target port is not already in use.
// This prevents confusion from stale processes occupying the port.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v\n"+
			"  Hint: Run 'lsof -i :%d' to find the blocking process", port, addr, err, port)
	}
	ln.Close()
	return nil
}

func extractHost(dsn string) string {
	at := strings.Index(dsn, "@")
	if at < 0 {
		return "(unknown)"
	}
	rest := dsn[at+1:]
	slash := strings.Index(rest, "/")
	if slash >= 0 {
		rest = rest[:slash]
	}
	return rest
}

func main() {
	log.Println("╔════════════════════════════════════════════════════════════╗")
	log.Println("║  MBRAS Feed Analyzer API (cmd/server)                      ║")
	log.Println("║  Inline + bulk social feed analysis over PostgreSQL        ║")
	log.Println("╚════════════════════════════════════════════════════════════╝")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if os.Getenv("DATABASE_URL") != "" {
		log.Println("[config] DATABASE_URL env override active")
	}

	// Pre-flight check: verify the target port is available
	host := cfg.Server.GetHost()
	port := cfg.Server.Port
	if port == 0 {
		port = 8000
	}
	if err := checkPortAvailable(host, port); err != nil {
		log.Fatalf("Pre-flight check FAILED: %v", err)
	}
	log.Printf("Pre-flight check passed: port %d is available", port)

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
	log.Printf("Connected to database at %s", extractHost(cfg.Database.URL))

	repo := postgres.NewRepository(db)

	reg := prometheus.NewRegistry()
	met := metrics.New(reg)

	fastPath := ingest.NewFastPath(db, repo, zl, met)
	svc := ingest.NewService(db, repo, zl)

	handlers := api.NewHandlers(repo, fastPath, svc, zl, met)
	handlers.SetDevMode(cfg.App.IsDev())

	// Broker is optional: without it the inline path still analyzes and
	// persists, and the outbox keeps the completion events for later.
	var producer *messaging.Producer
	if cfg.Broker.Enabled {
		producer, err = messaging.NewProducer(cfg.Broker)
		if err != nil {
			log.Fatalf("Failed to build broker producer: %v", err)
		}
		handlers.SetBroker(producer, cfg.Broker.RoutingDescriptor())
		log.Printf("Broker producer wired (topic: %s)", cfg.Broker.Topic)
	} else {
		log.Println("Broker disabled, inline responses only")
	}

	var trail *api.AuditTrail
	if cfg.Audit.Enabled {
		trail = api.NewAuditTrail(db, repo, cfg.Audit, zl, met)
		if err := trail.Start(ctx); err != nil {
			log.Fatalf("Failed to start audit trail: %v", err)
		}
		log.Printf("HTTP audit trail started (queue: %d, flush: %dms)",
			cfg.Audit.QueueSize, cfg.Audit.FlushIntervalMS)
	} else {
		log.Println("HTTP audit trail disabled")
	}

	router := api.SetupRoutes(handlers, zl, met, trail, reg)
	server := api.NewServer(cfg.Server, router, zl)

	// Setup graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	log.Println("All services initialized — server is ready")

	<-done
	log.Println("Shutting down...")

	// Cancel background tasks
	cancel()

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	if trail != nil {
		trail.Stop()
	}
	if producer != nil {
		producer.Close()
	}

	log.Println("Server stopped")
}
