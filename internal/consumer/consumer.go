// Package consumer drains the analysis topic: each record is an
// envelope whose outputs are persisted onto the originating message,
// indexed into the daily search index and acknowledged. Poison records
// are acknowledged too; their failure lands on the processing row, not
// back on the topic.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/mbras/feed-analyzer/internal/domain"
	"github.com/mbras/feed-analyzer/internal/engine"
	"github.com/mbras/feed-analyzer/internal/ingest"
	"github.com/mbras/feed-analyzer/internal/messaging"
	"github.com/mbras/feed-analyzer/internal/metrics"
	"github.com/mbras/feed-analyzer/internal/repository/postgres"
	"github.com/mbras/feed-analyzer/internal/search"
)

const (
	// maxReasonLen bounds failed_reason so oversized broker payloads
	// cannot blow past the column width.
	maxReasonLen = 900

	// maxCorrelationLen matches the correlation_id column width.
	maxCorrelationLen = 64

	defaultCorrelationID = "sem-correlation-id"
	defaultMessageID     = "sem-message-id"

	stageParse    = "parse"
	stageConsumer = "consumer"

	recordTimeout = 30 * time.Second
)

// RecordSource is the polling side of the broker, narrowed for tests.
type RecordSource interface {
	Poll(ctx context.Context) ([]*kgo.Record, error)
	Commit(ctx context.Context, record *kgo.Record) error
}

// SearchWriter is the slice of the search client the consumer uses.
type SearchWriter interface {
	EnsureIndex(ctx context.Context, index string) error
	EnsureAlias(ctx context.Context, index, alias string) error
	IndexDocument(ctx context.Context, index, id string, doc interface{}) error
}

// Persister stores normalized analysis outputs onto a message.
type Persister interface {
	PersistNormalizedOutputs(ctx context.Context, messageID string, n ingest.NormalizedOutputs) error
}

// ProcessingStore tracks per-message processing state.
type ProcessingStore interface {
	BeginProcessingByCorrelationID(ctx context.Context, correlationID string) (string, error)
	UpdateProcessing(ctx context.Context, messageID string, u postgres.ProcessingUpdate) error
	UpdateProcessingByCorrelationID(ctx context.Context, correlationID string, u postgres.ProcessingUpdate) error
}

// indexedEvent is the document written to the daily index for each
// processed queue event.
type indexedEvent struct {
	TimestampUTC  string          `json:"timestampUtc"`
	EventName     string          `json:"eventName"`
	CorrelationID string          `json:"correlationId"`
	MessageID     string          `json:"messageId"`
	Analysis      engine.Analysis `json:"analysis"`
	Flags         engine.Flags    `json:"flags"`
}

// Consumer runs the ingestion loop. Records are handled one at a time
// in partition order and committed individually, success or failure.
type Consumer struct {
	source RecordSource
	store  ProcessingStore
	sink   Persister
	log    *zap.Logger
	met    *metrics.Metrics

	writer      SearchWriter
	indexPrefix string
	indexLoc    *time.Location

	totalProcessed int64
	totalFailed    int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// New builds a consumer over the given source and stores. Search
// indexing is optional; wire it with SetSearch.
func New(source RecordSource, store ProcessingStore, sink Persister, log *zap.Logger, met *metrics.Metrics) *Consumer {
	return &Consumer{
		source: source,
		store:  store,
		sink:   sink,
		log:    log,
		met:    met,
		ctx:    context.Background(),
		cancel: func() {},
	}
}

// SetSearch wires the daily-index sink. Without it, events are
// persisted and marked processed but nothing is indexed.
func (c *Consumer) SetSearch(w SearchWriter, prefix string, loc *time.Location) {
	c.writer = w
	c.indexPrefix = prefix
	c.indexLoc = loc
}

// Start launches the consume loop.
func (c *Consumer) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.wg.Add(1)
	go c.run()
	c.log.Info("consumer started")
}

// Stop cancels the loop and waits for the in-flight record.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	c.log.Info("consumer stopped",
		zap.Int64("processed", atomic.LoadInt64(&c.totalProcessed)),
		zap.Int64("failed", atomic.LoadInt64(&c.totalFailed)))
}

// Stats reports loop counters.
func (c *Consumer) Stats() map[string]int64 {
	return map[string]int64{
		"processed": atomic.LoadInt64(&c.totalProcessed),
		"failed":    atomic.LoadInt64(&c.totalFailed),
	}
}

func (c *Consumer) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		records, err := c.source.Poll(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.log.Error("polling broker", zap.Error(err))
			c.sleep(time.Second)
			continue
		}
		for _, rec := range records {
			if c.ctx.Err() != nil {
				return
			}
			c.handleRecord(rec)
		}
	}
}

// handleRecord runs one record through parse, claim, persist, index
// and mark. Every exit path acknowledges the record: redelivery only
// happens when the process dies before the commit.
func (c *Consumer) handleRecord(rec *kgo.Record) {
	ctx, cancel := context.WithTimeout(c.ctx, recordTimeout)
	defer cancel()
	defer c.ack(rec)

	retryCount := retryHeader(rec)

	env, err := messaging.ParseEnvelope(rec.Value)
	if err != nil {
		c.dropUnparseable(ctx, correlationFromKey(rec), retryCount,
			fmt.Sprintf("Falha ao interpretar evento da fila: %v", err))
		return
	}
	if !supportedEvent(env.EventName) {
		cid := trimCorrelation(env.CorrelationID)
		if cid == "" {
			cid = correlationFromKey(rec)
		}
		c.dropUnparseable(ctx, cid, retryCount,
			fmt.Sprintf("Falha ao interpretar evento da fila: evento desconhecido %q", env.EventName))
		return
	}

	cid := trimCorrelation(env.CorrelationID)
	if cid == "" {
		c.countFailure(stageParse)
		c.log.Warn("queue event without correlation id, dropping",
			zap.String("event", env.EventName),
			zap.Int("retry_count", retryCount))
		return
	}

	messageID, err := c.store.BeginProcessingByCorrelationID(ctx, cid)
	if errors.Is(err, domain.ErrNotFound) {
		c.countFailure(stageConsumer)
		c.log.Warn("queue event for unknown correlation id, dropping",
			zap.String("correlation_id", cid),
			zap.String("event", env.EventName),
			zap.Int("retry_count", retryCount))
		return
	}
	if err != nil {
		c.countFailure(stageConsumer)
		c.failByCorrelation(ctx, cid, stageConsumer,
			fmt.Sprintf("Falha no processamento da mensagem: %v", err))
		c.log.Error("claiming processing row", zap.String("correlation_id", cid), zap.Error(err))
		return
	}

	if err := c.process(ctx, env, cid, messageID); err != nil {
		c.countFailure(stageConsumer)
		c.failProcessing(ctx, messageID,
			fmt.Sprintf("Falha no processamento da mensagem: %v", err))
		c.log.Error("processing queue event",
			zap.String("correlation_id", cid),
			zap.String("message_id", messageID),
			zap.String("event", env.EventName),
			zap.Int("retry_count", retryCount),
			zap.Error(err))
		return
	}

	atomic.AddInt64(&c.totalProcessed, 1)
	if c.met != nil {
		c.met.IngestProcessed.Inc()
	}
	c.log.Info("queue event processed",
		zap.String("event", env.EventName),
		zap.String("correlation_id", cid),
		zap.String("message_id", messageID),
		zap.Int("retry_count", retryCount))
}

// process persists the normalized outputs, indexes the event document
// and flips the processing row to processed.
func (c *Consumer) process(ctx context.Context, env messaging.Envelope, cid, messageID string) error {
	outputs, err := normalizePayload(env.EventName, env.Payload)
	if err != nil {
		return err
	}
	if err := c.sink.PersistNormalizedOutputs(ctx, messageID, outputs); err != nil {
		return err
	}

	if c.writer == nil {
		return c.markProcessed(ctx, messageID, nil, nil)
	}

	ts := envelopeTime(env.TimestampUTC)
	index := search.DailyIndex(c.indexPrefix, ts, c.indexLoc)
	if err := c.writer.EnsureIndex(ctx, index); err != nil {
		return err
	}
	if err := c.writer.EnsureAlias(ctx, index, c.indexPrefix); err != nil {
		return err
	}

	// The outbox mints one message id per event, so reusing it as the
	// document id makes a redelivered record overwrite its own
	// document instead of duplicating it.
	docID := strings.TrimSpace(env.MessageID)
	if docID == "" {
		docID = uuid.NewString()
	}
	doc := indexedEvent{
		TimestampUTC:  ts.UTC().Format(time.RFC3339),
		EventName:     env.EventName,
		CorrelationID: orDefault(cid, defaultCorrelationID),
		MessageID:     orDefault(env.MessageID, defaultMessageID),
		Analysis:      outputs.Analysis(),
		Flags:         outputs.Flags,
	}
	if err := c.writer.IndexDocument(ctx, index, docID, doc); err != nil {
		return err
	}

	return c.markProcessed(ctx, messageID, &docID, &index)
}

func (c *Consumer) markProcessed(ctx context.Context, messageID string, docID, index *string) error {
	status := domain.ProcessingProcessed
	success := true
	return c.store.UpdateProcessing(ctx, messageID, postgres.ProcessingUpdate{
		Status:            &status,
		ProcessingSuccess: &success,
		ElasticName:       docID,
		ElasticIndexName:  index,
	})
}

// dropUnparseable records a parse failure keyed by whatever
// correlation id survived the broken envelope, then lets the deferred
// ack drop the record.
func (c *Consumer) dropUnparseable(ctx context.Context, cid string, retryCount int, reason string) {
	c.countFailure(stageParse)
	c.log.Error("unparseable queue event",
		zap.String("correlation_id", cid),
		zap.Int("retry_count", retryCount),
		zap.String("reason", reason))
	if cid == "" {
		return
	}
	c.failByCorrelation(ctx, cid, stageParse, reason)
}

func (c *Consumer) failByCorrelation(ctx context.Context, cid, stage, reason string) {
	status := domain.ProcessingFailed
	success := false
	truncated := truncateReason(reason)
	err := c.store.UpdateProcessingByCorrelationID(ctx, cid, postgres.ProcessingUpdate{
		Status:            &status,
		ProcessingSuccess: &success,
		FailureStage:      &stage,
		FailedReason:      &truncated,
	})
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		c.log.Error("recording failure by correlation id",
			zap.String("correlation_id", cid), zap.Error(err))
	}
}

func (c *Consumer) failProcessing(ctx context.Context, messageID, reason string) {
	status := domain.ProcessingFailed
	success := false
	stage := stageConsumer
	truncated := truncateReason(reason)
	err := c.store.UpdateProcessing(ctx, messageID, postgres.ProcessingUpdate{
		Status:            &status,
		ProcessingSuccess: &success,
		FailureStage:      &stage,
		FailedReason:      &truncated,
	})
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		c.log.Error("recording processing failure",
			zap.String("message_id", messageID), zap.Error(err))
	}
}

func (c *Consumer) countFailure(stage string) {
	atomic.AddInt64(&c.totalFailed, 1)
	if c.met != nil {
		c.met.IngestFailed.WithLabelValues(stage).Inc()
	}
}

// ack commits the record offset. A fresh context keeps the commit
// alive through shutdown so the record is not redelivered after a
// clean stop.
func (c *Consumer) ack(rec *kgo.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.source.Commit(ctx, rec); err != nil {
		c.log.Error("committing record offset",
			zap.Int64("offset", rec.Offset), zap.Error(err))
	}
}

func (c *Consumer) sleep(d time.Duration) {
	select {
	case <-c.ctx.Done():
	case <-time.After(d):
	}
}

func supportedEvent(name string) bool {
	return name == domain.EventMessageReceived || name == domain.EventAnalyzeFeedCompleted
}

func trimCorrelation(raw string) string {
	s := strings.TrimSpace(raw)
	if runes := []rune(s); len(runes) > maxCorrelationLen {
		return string(runes[:maxCorrelationLen])
	}
	return s
}

func correlationFromKey(rec *kgo.Record) string {
	return trimCorrelation(string(rec.Key))
}

func orDefault(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}

func truncateReason(s string) string {
	runes := []rune(s)
	if len(runes) <= maxReasonLen {
		return s
	}
	return string(runes[:maxReasonLen])
}

// envelopeTime parses the envelope timestamp, falling back to now when
// it is missing or malformed.
func envelopeTime(raw string) time.Time {
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Now().UTC()
	}
	return ts
}

func retryHeader(rec *kgo.Record) int {
	for _, h := range rec.Headers {
		if h.Key != messaging.RetryCountHeader {
			continue
		}
		n, err := strconv.Atoi(string(h.Value))
		if err != nil {
			return 0
		}
		return n
	}
	return 0
}
