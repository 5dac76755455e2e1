package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mbras/feed-analyzer/internal/config"
	"github.com/mbras/feed-analyzer/internal/domain"
	"github.com/mbras/feed-analyzer/internal/messaging"
	"github.com/mbras/feed-analyzer/internal/metrics"
	"github.com/mbras/feed-analyzer/internal/pkg/distlock"
	"github.com/mbras/feed-analyzer/internal/repository/postgres"
	"github.com/mbras/feed-analyzer/internal/search"
)

// SearchIndexer is the slice of the search client the dispatcher
// needs. Failed documents come back keyed by id.
type SearchIndexer interface {
	BulkIndex(ctx context.Context, index string, docs []search.Document) (map[string]string, error)
}

// Dispatcher drains the outbox: broker-bound events are published to
// the queue, http_audit_log events are bulk-indexed into the search
// cluster. Claims use skip-locked row claiming so several dispatcher
// processes can run side by side.
type Dispatcher struct {
	db   *sql.DB
	repo *postgres.Repository
	log  *zap.Logger
	met  *metrics.Metrics

	workerID     string
	batchSize    int
	pollInterval time.Duration
	lockTTL      time.Duration
	retryLimit   int
	auditChunk   int

	producer messaging.Publisher
	routing  string

	indexer     SearchIndexer
	indexPrefix string
	indexLoc    *time.Location

	lock distlock.Lock

	// Stats
	totalPublished int64
	totalFailed    int64
	totalIndexed   int64
	emptyTicks     int64

	// Control
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

func NewDispatcher(db *sql.DB, repo *postgres.Repository, cfg config.OutboxConfig, log *zap.Logger, met *metrics.Metrics) *Dispatcher {
	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = fmt.Sprintf("outbox-%s", uuid.NewString()[:8])
	}
	return &Dispatcher{
		db:           db,
		repo:         repo,
		log:          log.With(zap.String("worker_id", workerID)),
		met:          met,
		workerID:     workerID,
		batchSize:    cfg.BatchSize,
		pollInterval: cfg.PollInterval(),
		lockTTL:      cfg.LockTTL(),
		retryLimit:   cfg.RetryLimit,
		auditChunk:   cfg.AuditChunkSize,
		ctx:          context.Background(),
		cancel:       func() {},
	}
}

// SetPublisher wires the broker producer and the routing descriptor
// written into message_processing.queue_messaging on publish.
func (d *Dispatcher) SetPublisher(p messaging.Publisher, routing string) {
	d.producer = p
	d.routing = routing
}

// SetIndexer wires the search client used for the audit path.
func (d *Dispatcher) SetIndexer(ix SearchIndexer, prefix string, loc *time.Location) {
	d.indexer = ix
	d.indexPrefix = prefix
	d.indexLoc = loc
}

// SetLock installs an optional distributed lock. When set, a tick
// only runs while the lock is held, so one dispatcher is active at a
// time even though claiming alone would already be safe.
func (d *Dispatcher) SetLock(l distlock.Lock) {
	d.lock = l
}

// Start launches the dispatch loop.
func (d *Dispatcher) Start() {
	if d.producer == nil && d.indexer == nil {
		d.log.Error("outbox dispatcher has no sinks wired, not starting")
		return
	}
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.mu.Unlock()

	d.log.Info("outbox dispatcher starting",
		zap.Int("batch_size", d.batchSize),
		zap.Duration("poll_interval", d.pollInterval))

	d.wg.Add(1)
	go d.run()
}

// Stop cancels the loop and waits for the in-flight batch.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.cancel()
	d.mu.Unlock()

	d.wg.Wait()
	d.log.Info("outbox dispatcher stopped",
		zap.Int64("published", atomic.LoadInt64(&d.totalPublished)),
		zap.Int64("failed", atomic.LoadInt64(&d.totalFailed)),
		zap.Int64("indexed", atomic.LoadInt64(&d.totalIndexed)))
}

// Stats returns current counters.
func (d *Dispatcher) Stats() map[string]int64 {
	return map[string]int64{
		"published":   atomic.LoadInt64(&d.totalPublished),
		"failed":      atomic.LoadInt64(&d.totalFailed),
		"indexed":     atomic.LoadInt64(&d.totalIndexed),
		"empty_ticks": atomic.LoadInt64(&d.emptyTicks),
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		default:
			d.tick()
		}
	}
}

func (d *Dispatcher) tick() {
	if d.lock != nil {
		ok, err := d.lock.TryAcquire(d.ctx)
		if err != nil {
			d.log.Warn("dispatcher lock error", zap.Error(err))
			d.sleep(d.pollInterval)
			return
		}
		if !ok {
			d.sleep(d.pollInterval)
			return
		}
		defer d.lock.Release(d.ctx)
	}

	claimed, err := d.claim()
	if err != nil {
		if d.ctx.Err() == nil {
			d.log.Error("claim outbox batch", zap.Error(err))
		}
		d.sleep(time.Second)
		return
	}
	if len(claimed) == 0 {
		atomic.AddInt64(&d.emptyTicks, 1)
		d.sleep(d.pollInterval)
		return
	}

	var audit, broker []domain.OutboxEvent
	for _, e := range claimed {
		if e.EventType == domain.EventHTTPAuditLog {
			audit = append(audit, e)
		} else {
			broker = append(broker, e)
		}
	}
	d.dispatchAudit(audit)
	for _, e := range broker {
		d.dispatchBroker(e)
	}
}

func (d *Dispatcher) claim() ([]domain.OutboxEvent, error) {
	ctx, cancel := context.WithTimeout(d.ctx, 5*time.Second)
	defer cancel()
	now := time.Now().UTC()
	return d.repo.ClaimOutboxEvents(ctx, postgres.ClaimParams{
		Now:        now,
		LockCutoff: now.Add(-d.lockTTL),
		WorkerID:   d.workerID,
		Limit:      d.batchSize,
		EventTypes: d.claimTypes(),
	})
}

// claimTypes restricts claiming to event types with a wired sink, so
// a dispatcher running without a broker (or without search) leaves
// the other rows for a process that can handle them.
func (d *Dispatcher) claimTypes() []string {
	switch {
	case d.producer == nil:
		return []string{string(domain.EventHTTPAuditLog)}
	case d.indexer == nil:
		return []string{
			string(domain.EventMessageReceived),
			string(domain.EventAnalyzeFeedCompleted),
		}
	default:
		return nil
	}
}

// dispatchBroker publishes one event to the queue and records the
// outcome. The envelope's messageId is the outbox row id, so replays
// after a failed mark stay identifiable downstream.
func (d *Dispatcher) dispatchBroker(e domain.OutboxEvent) {
	ctx, cancel := context.WithTimeout(d.ctx, 30*time.Second)
	defer cancel()

	env := messaging.EnvelopeFor(e)
	retry := e.Attempts - 1
	if retry < 0 {
		retry = 0
	}
	if err := d.producer.Publish(ctx, env, retry); err != nil {
		if d.met != nil {
			d.met.BrokerPublishFailures.Inc()
		}
		d.log.Warn("Falha ao publicar evento no broker.",
			zap.String("event_id", e.ID),
			zap.String("event_type", string(e.EventType)),
			zap.Error(err))
		d.markFailed(ctx, e, fmt.Sprintf("broker publish: %v", err))
		return
	}
	d.markPublished(ctx, e, true)
}

// dispatchAudit bulk-indexes audit events grouped by daily index in
// chunks. A transport error fails the whole chunk; per-document
// rejections fail only those events.
func (d *Dispatcher) dispatchAudit(events []domain.OutboxEvent) {
	for start := 0; start < len(events); start += d.auditChunk {
		end := start + d.auditChunk
		if end > len(events) {
			end = len(events)
		}
		d.indexAuditChunk(events[start:end])
	}
}

func (d *Dispatcher) indexAuditChunk(events []domain.OutboxEvent) {
	ctx, cancel := context.WithTimeout(d.ctx, 30*time.Second)
	defer cancel()

	byIndex := map[string][]domain.OutboxEvent{}
	for _, e := range events {
		idx := search.DailyIndex(d.indexPrefix, d.auditTimestamp(e), d.indexLoc)
		byIndex[idx] = append(byIndex[idx], e)
	}

	for idx, group := range byIndex {
		docs := make([]search.Document, 0, len(group))
		for _, e := range group {
			docs = append(docs, search.Document{ID: e.ID, Body: json.RawMessage(e.Payload)})
		}
		failed, err := d.indexer.BulkIndex(ctx, idx, docs)
		if err != nil {
			if d.met != nil {
				d.met.SearchBulkFailures.Inc()
			}
			for _, e := range group {
				d.markFailed(ctx, e, fmt.Sprintf("search bulk: %v", err))
			}
			continue
		}
		for _, e := range group {
			if reason, rejected := failed[e.ID]; rejected {
				d.markFailed(ctx, e, "search index rejected: "+reason)
				continue
			}
			atomic.AddInt64(&d.totalIndexed, 1)
			d.markPublished(ctx, e, false)
		}
	}
}

// auditTimestamp picks the day-stamp source for an audit event: the
// payload's timestamp when parseable, the row's created-at otherwise.
func (d *Dispatcher) auditTimestamp(e domain.OutboxEvent) time.Time {
	var payload struct {
		Timestamp string `json:"timestamp"`
	}
	if err := json.Unmarshal(e.Payload, &payload); err == nil && payload.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339, payload.Timestamp); err == nil {
			return ts
		}
	}
	return e.CreatedAtUTC
}

// markPublished finishes a delivered event. For broker events the
// message's processing row moves to queued with the routing
// descriptor, in the same transaction.
func (d *Dispatcher) markPublished(ctx context.Context, e domain.OutboxEvent, brokerEvent bool) {
	now := time.Now().UTC()
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		d.log.Error("begin mark tx", zap.Error(err), zap.String("event_id", e.ID))
		return
	}
	defer tx.Rollback()
	repo := d.repo.WithTx(tx)

	if err := repo.MarkOutboxPublished(ctx, e.ID, now); err != nil {
		d.log.Error("mark outbox published", zap.Error(err), zap.String("event_id", e.ID))
		return
	}
	if brokerEvent {
		status := domain.ProcessingQueued
		err := repo.UpdateProcessing(ctx, e.MessageID, postgres.ProcessingUpdate{
			Status:         &status,
			QueueMessaging: &d.routing,
		})
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			d.log.Error("mark processing queued", zap.Error(err), zap.String("message_id", e.MessageID))
			return
		}
	}
	if err := tx.Commit(); err != nil {
		d.log.Error("commit mark tx", zap.Error(err), zap.String("event_id", e.ID))
		return
	}
	atomic.AddInt64(&d.totalPublished, 1)
	if d.met != nil {
		d.met.OutboxPublished.Inc()
	}
}

// markFailed reschedules an event with the attempt-based backoff.
func (d *Dispatcher) markFailed(ctx context.Context, e domain.OutboxEvent, reason string) {
	now := time.Now().UTC()
	availableAt := now.Add(backoff(e.Attempts))
	if err := d.repo.MarkOutboxFailed(ctx, e.ID, now, availableAt, reason); err != nil {
		d.log.Error("mark outbox failed", zap.Error(err), zap.String("event_id", e.ID))
		return
	}
	atomic.AddInt64(&d.totalFailed, 1)
	if d.met != nil {
		d.met.OutboxFailed.Inc()
	}
	if e.Attempts >= d.retryLimit && d.retryLimit > 0 {
		d.log.Error("outbox event exceeded retry limit",
			zap.String("event_id", e.ID),
			zap.String("event_type", string(e.EventType)),
			zap.Int("attempts", e.Attempts),
			zap.String("last_error", reason))
	} else {
		d.log.Warn("outbox event rescheduled",
			zap.String("event_id", e.ID),
			zap.Int("attempts", e.Attempts),
			zap.Time("available_at", availableAt),
			zap.String("last_error", reason))
	}
}

// backoff returns the retry delay for the given attempt count:
// 1s, 5s, 15s, then 60s for every attempt after the third.
func backoff(attempts int) time.Duration {
	switch {
	case attempts <= 1:
		return time.Second
	case attempts == 2:
		return 5 * time.Second
	case attempts == 3:
		return 15 * time.Second
	default:
		return 60 * time.Second
	}
}

func (d *Dispatcher) sleep(dur time.Duration) {
	select {
	case <-d.ctx.Done():
	case <-time.After(dur):
	}
}
