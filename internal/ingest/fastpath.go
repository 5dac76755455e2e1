package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mbras/feed-analyzer/internal/domain"
	"github.com/mbras/feed-analyzer/internal/metrics"
	"github.com/mbras/feed-analyzer/internal/repository/postgres"
)

// MaxBatchItems caps a single bulk request. Larger batches are
// rejected at the API layer before reaching the fast path.
const MaxBatchItems = 1000

// BatchResult is what a bulk ingestion returns. Accepted counts the
// items received, not the unique survivors after deduplication.
type BatchResult struct {
	BatchID  string             `json:"batch_id"`
	Accepted int                `json:"accepted"`
	Timings  map[string]float64 `json:"-"`
}

// FastPath persists a batch of pre-analyzed items in one transaction
// using COPY for the three row arrays.
type FastPath struct {
	db   *sql.DB
	repo *postgres.Repository
	log  *zap.Logger
	met  *metrics.Metrics
}

func NewFastPath(db *sql.DB, repo *postgres.Repository, log *zap.Logger, met *metrics.Metrics) *FastPath {
	return &FastPath{db: db, repo: repo, log: log, met: met}
}

type preparedItem struct {
	item          Item
	correlationID string
	rawUserID     string
}

// Execute runs the bulk pipeline: dedupe against the database and
// within the batch, resolve users, build the message, processing and
// outbox rows, and COPY them inside a single transaction. Any error
// rolls the whole batch back.
func (f *FastPath) Execute(ctx context.Context, items []Item) (BatchResult, error) {
	batchID := uuid.NewString()
	now := time.Now().UTC()
	timer := newStageTimer()

	prepared := make([]preparedItem, 0, len(items))
	cids := make([]string, 0, len(items))
	for _, it := range items {
		cid := it.stringField("correlation_id")
		if cid == "" {
			cid = uuid.NewString()
		}
		prepared = append(prepared, preparedItem{
			item:          it,
			correlationID: cid,
			rawUserID:     it.stringField("user_id"),
		})
		cids = append(cids, cid)
	}
	timer.mark("prepare_items")

	tx, err := f.db.BeginTx(ctx, nil)
	if err != nil {
		return BatchResult{}, fmt.Errorf("begin bulk tx: %w", err)
	}
	defer tx.Rollback()
	repo := f.repo.WithTx(tx)

	existing, err := repo.GetExistingCorrelationIDs(ctx, cids)
	if err != nil {
		return BatchResult{}, err
	}
	timer.mark("query_existing_messages")

	seen := make(map[string]bool, len(prepared))
	survivors := prepared[:0]
	for _, p := range prepared {
		if _, dup := existing[p.correlationID]; dup {
			continue
		}
		if seen[p.correlationID] {
			continue
		}
		seen[p.correlationID] = true
		survivors = append(survivors, p)
	}
	timer.mark("dedupe_batch")

	userIDs, err := f.resolveUsers(ctx, repo, survivors, now)
	if err != nil {
		return BatchResult{}, err
	}
	timer.mark("resolve_users")

	msgs := make([]domain.Message, 0, len(survivors))
	procs := make([]domain.MessageProcessing, 0, len(survivors))
	events := make([]domain.OutboxEvent, 0, len(survivors))
	for _, p := range survivors {
		msgID := uuid.NewString()
		msgs = append(msgs, domain.Message{
			ID:              msgID,
			UserID:          userIDs[p.rawUserID],
			CreatedAtUTC:    now,
			CorrelationID:   p.correlationID,
			EngagementScore: p.item.floatField("engagement_score"),
		})
		procs = append(procs, domain.MessageProcessing{
			MessageID:        msgID,
			ProcessingStatus: domain.ProcessingReceived,
			UpdatedAtUTC:     now,
		})
		payload, err := projectPayload(p.item, batchID)
		if err != nil {
			return BatchResult{}, err
		}
		events = append(events, domain.OutboxEvent{
			ID:             uuid.NewString(),
			MessageID:      msgID,
			CorrelationID:  p.correlationID,
			EventType:      domain.EventMessageReceived,
			Payload:        payload,
			Status:         domain.OutboxPending,
			AvailableAtUTC: now,
			CreatedAtUTC:   now,
			UpdatedAtUTC:   now,
		})
	}
	timer.mark("build_rows")

	if err := repo.BulkInsertMessages(ctx, msgs); err != nil {
		return BatchResult{}, err
	}
	timer.mark("insert_messages")
	if err := repo.BulkInsertProcessing(ctx, procs); err != nil {
		return BatchResult{}, err
	}
	timer.mark("insert_processing")
	if err := repo.BulkInsertOutboxEvents(ctx, events); err != nil {
		return BatchResult{}, err
	}
	timer.mark("insert_outbox")
	// The COPY statements flush on close; the stage stays for timing
	// continuity with the rest of the pipeline.
	timer.mark("flush")

	if err := tx.Commit(); err != nil {
		return BatchResult{}, fmt.Errorf("commit bulk tx: %w", err)
	}
	timer.mark("commit")

	timings := timer.finish()
	if f.met != nil {
		f.met.RecordFastPath(timings)
	}
	f.log.Info("bulk batch persisted",
		zap.String("batch_id", batchID),
		zap.Int("accepted", len(items)),
		zap.Int("inserted", len(survivors)),
		zap.Float64("total_ms", timings["total"]),
	)

	return BatchResult{BatchID: batchID, Accepted: len(items), Timings: timings}, nil
}

// resolveUsers maps each raw user id in the batch onto a users.id,
// creating missing rows in bulk. Raw values that parse as UUIDs are
// matched by primary key, everything else by external key. Items
// without a user id land on the fallback user.
func (f *FastPath) resolveUsers(ctx context.Context, repo *postgres.Repository, survivors []preparedItem, now time.Time) (map[string]string, error) {
	var uuidRaws, keyRaws []string
	seen := map[string]bool{}
	needFallback := false
	for _, p := range survivors {
		raw := p.rawUserID
		if raw == "" {
			needFallback = true
			continue
		}
		if seen[raw] {
			continue
		}
		seen[raw] = true
		if _, err := uuid.Parse(raw); err == nil {
			uuidRaws = append(uuidRaws, raw)
		} else {
			keyRaws = append(keyRaws, raw)
		}
	}
	sort.Strings(uuidRaws)
	sort.Strings(keyRaws)

	byID, err := repo.GetUsersByIDs(ctx, uuidRaws)
	if err != nil {
		return nil, err
	}
	byKey, err := repo.GetUsersByExternalKeys(ctx, keyRaws)
	if err != nil {
		return nil, err
	}

	var missing []domain.User
	for _, raw := range uuidRaws {
		if _, ok := byID[raw]; ok {
			continue
		}
		key := raw
		missing = append(missing, domain.User{ID: raw, ExternalUserKey: &key, CreatedAtUTC: now})
	}
	for _, raw := range keyRaws {
		if _, ok := byKey[raw]; ok {
			continue
		}
		key := raw
		missing = append(missing, domain.User{ID: uuid.NewString(), ExternalUserKey: &key, CreatedAtUTC: now})
	}
	if len(missing) > 0 {
		if err := repo.BulkInsertUsers(ctx, missing); err != nil {
			return nil, err
		}
		if byID, err = repo.GetUsersByIDs(ctx, uuidRaws); err != nil {
			return nil, err
		}
		if byKey, err = repo.GetUsersByExternalKeys(ctx, keyRaws); err != nil {
			return nil, err
		}
	}

	resolved := make(map[string]string, len(seen)+1)
	for _, raw := range uuidRaws {
		if u, ok := byID[raw]; ok {
			resolved[raw] = u.ID
		} else {
			needFallback = true
			resolved[raw] = domain.FallbackUserID
		}
	}
	for _, raw := range keyRaws {
		if u, ok := byKey[raw]; ok {
			resolved[raw] = u.ID
		} else {
			needFallback = true
			resolved[raw] = domain.FallbackUserID
		}
	}
	if needFallback {
		if err := repo.CreateUser(ctx, &domain.User{ID: domain.FallbackUserID, CreatedAtUTC: now}); err != nil {
			return nil, err
		}
		resolved[""] = domain.FallbackUserID
	}
	return resolved, nil
}

type stageTimer struct {
	start  time.Time
	last   time.Time
	stages map[string]float64
}

func newStageTimer() *stageTimer {
	now := time.Now()
	return &stageTimer{start: now, last: now, stages: make(map[string]float64, 11)}
}

// mark records the milliseconds since the previous mark under stage.
func (t *stageTimer) mark(stage string) {
	now := time.Now()
	t.stages[stage] = float64(now.Sub(t.last).Microseconds()) / 1000.0
	t.last = now
}

func (t *stageTimer) finish() map[string]float64 {
	t.stages["total"] = float64(time.Since(t.start).Microseconds()) / 1000.0
	return t.stages
}
