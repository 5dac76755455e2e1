package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mbras/feed-analyzer/internal/config"
	"github.com/mbras/feed-analyzer/internal/domain"
	"github.com/mbras/feed-analyzer/internal/metrics"
	"github.com/mbras/feed-analyzer/internal/repository/postgres"
)

// AuditRecord is one served request captured for the HTTP audit log.
type AuditRecord struct {
	Method        string  `json:"method"`
	Path          string  `json:"path"`
	Status        int     `json:"status_code"`
	DurationMS    float64 `json:"duration_ms"`
	CorrelationID string  `json:"correlation_id"`
	ClientIP      string  `json:"client_ip,omitempty"`
	UserAgent     string  `json:"user_agent,omitempty"`
	TimestampUTC  string  `json:"timestamp_utc"`
}

// auditSkip lists endpoints that never enter the audit log.
var auditSkip = map[string]struct{}{
	"/health":  {},
	"/ready":   {},
	"/metrics": {},
}

// AuditTrail turns served requests into http_audit_log outbox events
// hanging off the audit anchor message. Records pass through a bounded
// buffer so a slow database never holds up a response; on overflow the
// record is dropped and counted.
type AuditTrail struct {
	db   *sql.DB
	repo *postgres.Repository
	log  *zap.Logger
	met  *metrics.Metrics

	records chan AuditRecord
	every   time.Duration
	batch   int

	anchorID string
	cancel   context.CancelFunc
	done     context.Context
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
}

func NewAuditTrail(db *sql.DB, repo *postgres.Repository, cfg config.AuditConfig, log *zap.Logger, met *metrics.Metrics) *AuditTrail {
	queue := cfg.QueueSize
	if queue <= 0 {
		queue = 1024
	}
	batch := cfg.FlushBatchSize
	if batch <= 0 {
		batch = 100
	}
	every := cfg.FlushInterval()
	if every <= 0 {
		every = 500 * time.Millisecond
	}
	return &AuditTrail{
		db:      db,
		repo:    repo,
		log:     log,
		met:     met,
		records: make(chan AuditRecord, queue),
		every:   every,
		batch:   batch,
	}
}

// Start resolves the anchor message and launches the flusher.
func (t *AuditTrail) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return nil
	}
	anchorID, err := t.repo.EnsureAuditAnchor(ctx)
	if err != nil {
		return fmt.Errorf("ensure audit anchor: %w", err)
	}
	t.anchorID = anchorID

	t.done, t.cancel = context.WithCancel(context.Background())
	t.running = true
	t.wg.Add(1)
	go t.run()
	t.log.Info("audit trail started",
		zap.Int("queue_size", cap(t.records)),
		zap.Int("flush_batch", t.batch),
		zap.Duration("flush_interval", t.every),
	)
	return nil
}

// Stop flushes buffered records and waits for the flusher to exit.
func (t *AuditTrail) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	t.mu.Unlock()
	t.cancel()
	t.wg.Wait()
}

// Record buffers one audit record. Never blocks.
func (t *AuditTrail) Record(rec AuditRecord) {
	select {
	case t.records <- rec:
	default:
		if t.met != nil {
			t.met.AuditDropped.Inc()
		}
	}
}

// Middleware captures every served request into the audit buffer.
// Probe and metrics endpoints pass through unrecorded.
func (t *AuditTrail) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, skip := auditSkip[r.URL.Path]; skip {
			next.ServeHTTP(w, r)
			return
		}
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		t.Record(AuditRecord{
			Method:        r.Method,
			Path:          r.URL.Path,
			Status:        status,
			DurationMS:    float64(time.Since(start).Microseconds()) / 1000.0,
			CorrelationID: CorrelationID(r.Context()),
			ClientIP:      clientIP(r),
			UserAgent:     truncateRunes(r.UserAgent(), 256),
			TimestampUTC:  time.Now().UTC().Format(time.RFC3339),
		})
	})
}

func (t *AuditTrail) run() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.every)
	defer ticker.Stop()

	pending := make([]AuditRecord, 0, t.batch)
	for {
		select {
		case <-t.done.Done():
			for {
				select {
				case rec := <-t.records:
					pending = append(pending, rec)
				default:
					t.flush(pending)
					return
				}
			}
		case rec := <-t.records:
			pending = append(pending, rec)
			if len(pending) >= t.batch {
				t.flush(pending)
				pending = pending[:0]
			}
		case <-ticker.C:
			if len(pending) > 0 {
				t.flush(pending)
				pending = pending[:0]
			}
		}
	}
}

// flush writes one outbox row per record in a single transaction. A
// failed flush drops the batch; the audit log is best-effort.
func (t *AuditTrail) flush(records []AuditRecord) {
	if len(records) == 0 {
		return
	}
	ctx, cancelFn := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelFn()

	now := time.Now().UTC()
	events := make([]domain.OutboxEvent, 0, len(records))
	for _, rec := range records {
		payload, _ := json.Marshal(rec)
		events = append(events, domain.OutboxEvent{
			ID:             uuid.NewString(),
			MessageID:      t.anchorID,
			CorrelationID:  rec.CorrelationID,
			EventType:      domain.EventHTTPAuditLog,
			Payload:        payload,
			Status:         domain.OutboxPending,
			AvailableAtUTC: now,
			CreatedAtUTC:   now,
			UpdatedAtUTC:   now,
		})
	}

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		t.log.Error("audit flush failed", zap.Error(err), zap.Int("records", len(records)))
		return
	}
	defer tx.Rollback()
	if err := t.repo.WithTx(tx).BulkInsertOutboxEvents(ctx, events); err != nil {
		t.log.Error("audit flush failed", zap.Error(err), zap.Int("records", len(records)))
		return
	}
	if err := tx.Commit(); err != nil {
		t.log.Error("audit flush failed", zap.Error(err), zap.Int("records", len(records)))
		return
	}
	t.log.Debug("audit records flushed", zap.Int("records", len(events)))
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return truncateRunes(host, 128)
	}
	return truncateRunes(r.RemoteAddr, 128)
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max])
}
