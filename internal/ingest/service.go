package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mbras/feed-analyzer/internal/domain"
	"github.com/mbras/feed-analyzer/internal/engine"
	"github.com/mbras/feed-analyzer/internal/repository/postgres"
)

// Service persists online analysis results and the normalized outputs
// coming back through the queue consumer.
type Service struct {
	db   *sql.DB
	repo *postgres.Repository
	log  *zap.Logger
}

func NewService(db *sql.DB, repo *postgres.Repository, log *zap.Logger) *Service {
	return &Service{db: db, repo: repo, log: log}
}

// PersistResult reports what PersistAnalysis did. Event is nil when
// the correlation id had already been persisted.
type PersistResult struct {
	MessageID string
	Duplicate bool
	Event     *domain.OutboxEvent
}

// completedPayload is the outbox payload for an online analysis.
type completedPayload struct {
	Analysis          engine.Analysis `json:"analysis"`
	Flags             engine.Flags    `json:"flags"`
	TimeWindowMinutes int             `json:"time_window_minutes"`
	TotalMessages     int             `json:"total_messages"`
}

// PersistAnalysis stores one analyzed feed: the message row, its
// analysis children, a processing marker and an outbox event, all in
// one transaction. It is idempotent on the correlation id.
func (s *Service) PersistAnalysis(ctx context.Context, correlationID string, rawRequest []byte, windowMinutes int, msgs []engine.Message, a engine.Analysis) (*PersistResult, error) {
	if existing, err := s.repo.GetMessageByCorrelationID(ctx, correlationID); err == nil {
		return &PersistResult{MessageID: existing.ID, Duplicate: true}, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin analysis tx: %w", err)
	}
	defer tx.Rollback()
	repo := s.repo.WithTx(tx)

	ownerID, err := s.resolveOwner(ctx, repo, msgs, now)
	if err != nil {
		return nil, err
	}

	msg := domain.Message{
		ID:            uuid.NewString(),
		UserID:        ownerID,
		CreatedAtUTC:  now,
		CorrelationID: correlationID,
	}
	if len(rawRequest) > 0 {
		raw := string(rawRequest)
		msg.RequestRaw = &raw
	}
	engagement := a.EngagementScore
	msg.EngagementScore = &engagement
	if len(a.InfluenceRanking) > 0 {
		top := a.InfluenceRanking[0].InfluenceScore
		msg.InfluenceRankingScore = &top
	}
	if err := repo.CreateMessage(ctx, &msg); err != nil {
		if errors.Is(err, domain.ErrDuplicateCorrelationID) {
			// Lost a race with a concurrent request for the same
			// correlation id. Surface the winner.
			tx.Rollback()
			existing, lerr := s.repo.GetMessageByCorrelationID(ctx, correlationID)
			if lerr != nil {
				return nil, lerr
			}
			return &PersistResult{MessageID: existing.ID, Duplicate: true}, nil
		}
		return nil, err
	}

	if err := s.writeAnalysis(ctx, repo, msg.ID, a); err != nil {
		return nil, err
	}

	if err := repo.CreateProcessing(ctx, domain.MessageProcessing{
		MessageID:        msg.ID,
		ProcessingStatus: domain.ProcessingReceived,
		UpdatedAtUTC:     now,
	}); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(completedPayload{
		Analysis:          a,
		Flags:             a.Flags,
		TimeWindowMinutes: windowMinutes,
		TotalMessages:     len(msgs),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal completed payload: %w", err)
	}
	event := domain.OutboxEvent{
		ID:             uuid.NewString(),
		MessageID:      msg.ID,
		CorrelationID:  correlationID,
		EventType:      domain.EventAnalyzeFeedCompleted,
		Payload:        payload,
		Status:         domain.OutboxPending,
		AvailableAtUTC: now,
		CreatedAtUTC:   now,
		UpdatedAtUTC:   now,
	}
	if err := repo.CreateOutboxEvent(ctx, &event); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit analysis tx: %w", err)
	}
	s.log.Info("analysis persisted",
		zap.String("message_id", msg.ID),
		zap.String("correlation_id", correlationID),
		zap.Int("messages", len(msgs)),
	)
	return &PersistResult{MessageID: msg.ID, Event: &event}, nil
}

// MarkEventPublished records a successful direct publish: the outbox
// row flips to published and the processing marker to queued, so the
// dispatcher never re-sends the event. Called outside the request
// transaction; a failure here only costs a redundant dispatch later.
func (s *Service) MarkEventPublished(ctx context.Context, event domain.OutboxEvent, routing string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin publish tx: %w", err)
	}
	defer tx.Rollback()
	repo := s.repo.WithTx(tx)

	if err := repo.MarkOutboxPublished(ctx, event.ID, time.Now().UTC()); err != nil {
		return err
	}
	queued := domain.ProcessingQueued
	err = repo.UpdateProcessing(ctx, event.MessageID, postgres.ProcessingUpdate{
		Status:         &queued,
		QueueMessaging: &routing,
	})
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit publish tx: %w", err)
	}
	return nil
}

// NormalizedOutputs are the analysis fields extracted from a queue
// event, ready to be upserted onto an existing message.
type NormalizedOutputs struct {
	Sentiment        engine.Distribution
	EngagementScore  *float64
	TrendingTopics   []string
	InfluenceRanking []engine.InfluenceEntry
	AnomalyDetected  bool
	AnomalyType      *string
	Flags            engine.Flags
}

// Analysis reassembles the outputs into an analysis document. A nil
// engagement score maps to zero.
func (n NormalizedOutputs) Analysis() engine.Analysis {
	a := engine.Analysis{
		SentimentDistribution: n.Sentiment,
		TrendingTopics:        n.TrendingTopics,
		InfluenceRanking:      n.InfluenceRanking,
		AnomalyDetected:       n.AnomalyDetected,
		AnomalyType:           n.AnomalyType,
		Flags:                 n.Flags,
	}
	if n.EngagementScore != nil {
		a.EngagementScore = *n.EngagementScore
	}
	return a
}

// PersistNormalizedOutputs upserts the analysis children of a message
// from normalized queue data, in one transaction. The message row
// itself must already exist.
func (s *Service) PersistNormalizedOutputs(ctx context.Context, messageID string, n NormalizedOutputs) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin normalized tx: %w", err)
	}
	defer tx.Rollback()
	repo := s.repo.WithTx(tx)

	var topInfluence *float64
	if len(n.InfluenceRanking) > 0 {
		top := n.InfluenceRanking[0].InfluenceScore
		topInfluence = &top
	}
	if err := repo.UpdateMessageScores(ctx, messageID, n.EngagementScore, nil, topInfluence); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}

	if err := s.writeAnalysis(ctx, repo, messageID, n.Analysis()); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit normalized tx: %w", err)
	}
	return nil
}

// writeAnalysis upserts the per-message analysis children shared by
// the online path and the consumer path.
func (s *Service) writeAnalysis(ctx context.Context, repo *postgres.Repository, messageID string, a engine.Analysis) error {
	if err := repo.UpsertSentiment(ctx, domain.MessageSentiment{
		MessageID: messageID,
		Positive:  a.SentimentDistribution.Positive,
		Negative:  a.SentimentDistribution.Negative,
		Neutral:   a.SentimentDistribution.Neutral,
	}); err != nil {
		return err
	}
	if err := repo.UpsertFlags(ctx, domain.MessageFlags{
		MessageID:          messageID,
		MbrasEmployee:      a.Flags.MbrasEmployee,
		SpecialPattern:     a.Flags.SpecialPattern,
		CandidateAwareness: a.Flags.CandidateAwareness,
	}); err != nil {
		return err
	}
	if err := repo.UpsertAnomaly(ctx, domain.MessageAnomaly{
		MessageID:       messageID,
		AnomalyDetected: a.AnomalyDetected,
		AnomalyType:     a.AnomalyType,
	}); err != nil {
		return err
	}
	if err := repo.ReplaceInfluenceItems(ctx, messageID, toInfluenceItems(messageID, a.InfluenceRanking)); err != nil {
		return err
	}
	if err := repo.ReplaceTopics(ctx, messageID, a.TrendingTopics); err != nil {
		return err
	}
	return nil
}

// resolveOwner finds or creates the user owning the message: the first
// feed message's user when present, the fallback user otherwise.
func (s *Service) resolveOwner(ctx context.Context, repo *postgres.Repository, msgs []engine.Message, now time.Time) (string, error) {
	if len(msgs) == 0 || msgs[0].UserID == "" {
		if err := repo.CreateUser(ctx, &domain.User{ID: domain.FallbackUserID, CreatedAtUTC: now}); err != nil {
			return "", err
		}
		return domain.FallbackUserID, nil
	}
	raw := msgs[0].UserID

	if _, err := uuid.Parse(raw); err == nil {
		if u, err := repo.GetUserByID(ctx, raw); err == nil {
			return u.ID, nil
		} else if !errors.Is(err, domain.ErrNotFound) {
			return "", err
		}
		if u, err := repo.GetUserByExternalKey(ctx, raw); err == nil {
			return u.ID, nil
		} else if !errors.Is(err, domain.ErrNotFound) {
			return "", err
		}
		key := raw
		if err := repo.CreateUser(ctx, &domain.User{ID: raw, ExternalUserKey: &key, CreatedAtUTC: now}); err != nil {
			return "", err
		}
		return raw, nil
	}

	if u, err := repo.GetUserByExternalKey(ctx, raw); err == nil {
		return u.ID, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return "", err
	}
	key := raw
	u := domain.User{ID: uuid.NewString(), ExternalUserKey: &key, CreatedAtUTC: now}
	if err := repo.CreateUser(ctx, &u); err != nil {
		return "", err
	}
	return u.ID, nil
}

func toInfluenceItems(messageID string, entries []engine.InfluenceEntry) []domain.InfluenceRankingItem {
	items := make([]domain.InfluenceRankingItem, 0, len(entries))
	for _, e := range entries {
		items = append(items, domain.InfluenceRankingItem{
			MessageID:       messageID,
			ExternalUserKey: e.UserID,
			Followers:       e.Followers,
			EngagementRate:  e.EngagementRate,
			InfluenceScore:  e.InfluenceScore,
		})
	}
	return items
}
