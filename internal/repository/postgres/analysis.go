package postgres

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/mbras/feed-analyzer/internal/domain"
)

func (r *Repository) UpsertSentiment(ctx context.Context, s domain.MessageSentiment) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO message_sentiments (message_id, positive, negative, neutral)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (message_id) DO UPDATE
		SET positive = EXCLUDED.positive,
		    negative = EXCLUDED.negative,
		    neutral = EXCLUDED.neutral
	`, s.MessageID, s.Positive, s.Negative, s.Neutral)
	if err != nil {
		return fmt.Errorf("upsert sentiment: %w", err)
	}
	return nil
}

func (r *Repository) UpsertFlags(ctx context.Context, f domain.MessageFlags) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO message_flags (message_id, mbras_employee, special_pattern, candidate_awareness)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (message_id) DO UPDATE
		SET mbras_employee = EXCLUDED.mbras_employee,
		    special_pattern = EXCLUDED.special_pattern,
		    candidate_awareness = EXCLUDED.candidate_awareness
	`, f.MessageID, f.MbrasEmployee, f.SpecialPattern, f.CandidateAwareness)
	if err != nil {
		return fmt.Errorf("upsert flags: %w", err)
	}
	return nil
}

func (r *Repository) UpsertAnomaly(ctx context.Context, a domain.MessageAnomaly) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO message_anomalies (message_id, anomaly_detected, anomaly_type)
		VALUES ($1, $2, $3)
		ON CONFLICT (message_id) DO UPDATE
		SET anomaly_detected = EXCLUDED.anomaly_detected,
		    anomaly_type = EXCLUDED.anomaly_type
	`, a.MessageID, a.AnomalyDetected, a.AnomalyType)
	if err != nil {
		return fmt.Errorf("upsert anomaly: %w", err)
	}
	return nil
}

// GetOrCreateTopic resolves a topic by name, creating it on first
// sight. The upsert always returns the surviving row's id, whichever
// worker created it.
func (r *Repository) GetOrCreateTopic(ctx context.Context, name string) (*domain.Topic, error) {
	t := &domain.Topic{Name: name}
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO topics (id, name)
		VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id
	`, uuid.NewString(), name).Scan(&t.ID)
	if err != nil {
		return nil, fmt.Errorf("get or create topic: %w", err)
	}
	return t, nil
}

// AddMessageTopic links a message to a topic, tolerating replays.
func (r *Repository) AddMessageTopic(ctx context.Context, messageID, topicID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO message_topics (message_id, topic_id)
		VALUES ($1, $2)
		ON CONFLICT (message_id, topic_id) DO NOTHING
	`, messageID, topicID)
	if err != nil {
		return fmt.Errorf("add message topic: %w", err)
	}
	return nil
}

// ReplaceTopics rewrites a message's topic links to exactly names
// (deduplicated, linked in sorted order).
func (r *Repository) ReplaceTopics(ctx context.Context, messageID string, names []string) error {
	if _, err := r.db.ExecContext(ctx, `
		DELETE FROM message_topics WHERE message_id = $1
	`, messageID); err != nil {
		return fmt.Errorf("clear message topics: %w", err)
	}

	seen := map[string]bool{}
	unique := make([]string, 0, len(names))
	for _, name := range names {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		unique = append(unique, name)
	}
	sort.Strings(unique)

	for _, name := range unique {
		topic, err := r.GetOrCreateTopic(ctx, name)
		if err != nil {
			return err
		}
		if err := r.AddMessageTopic(ctx, messageID, topic.ID); err != nil {
			return err
		}
	}
	return nil
}

// AddInfluenceItem persists one influence ranking row.
func (r *Repository) AddInfluenceItem(ctx context.Context, item domain.InfluenceRankingItem) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO influence_ranking_items
			(id, message_id, external_user_key, followers, engagement_rate, influence_score)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, item.ID, item.MessageID, item.ExternalUserKey, item.Followers,
		item.EngagementRate, item.InfluenceScore)
	if err != nil {
		return fmt.Errorf("add influence item: %w", err)
	}
	return nil
}

// ReplaceInfluenceItems rewrites a message's influence snapshot.
func (r *Repository) ReplaceInfluenceItems(ctx context.Context, messageID string, items []domain.InfluenceRankingItem) error {
	if _, err := r.db.ExecContext(ctx, `
		DELETE FROM influence_ranking_items WHERE message_id = $1
	`, messageID); err != nil {
		return fmt.Errorf("clear influence items: %w", err)
	}
	for _, item := range items {
		item.MessageID = messageID
		if err := r.AddInfluenceItem(ctx, item); err != nil {
			return err
		}
	}
	return nil
}

// LoadRelated fetches every child record for one message.
func (r *Repository) LoadRelated(ctx context.Context, messageID string) (*domain.MessageRelated, error) {
	related, err := r.LoadRelatedBatch(ctx, []string{messageID})
	if err != nil {
		return nil, err
	}
	if rel, ok := related[messageID]; ok {
		return rel, nil
	}
	return &domain.MessageRelated{}, nil
}

// LoadRelatedBatch fetches child records for a page of messages in
// six queries instead of six per message.
func (r *Repository) LoadRelatedBatch(ctx context.Context, messageIDs []string) (map[string]*domain.MessageRelated, error) {
	out := map[string]*domain.MessageRelated{}
	if len(messageIDs) == 0 {
		return out, nil
	}
	get := func(id string) *domain.MessageRelated {
		if out[id] == nil {
			out[id] = &domain.MessageRelated{}
		}
		return out[id]
	}
	ids := pq.Array(messageIDs)

	rows, err := r.db.QueryContext(ctx, `
		SELECT message_id, positive, negative, neutral
		FROM message_sentiments
		WHERE message_id = ANY($1)
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("load sentiments: %w", err)
	}
	for rows.Next() {
		var s domain.MessageSentiment
		if err := rows.Scan(&s.MessageID, &s.Positive, &s.Negative, &s.Neutral); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan sentiment: %w", err)
		}
		get(s.MessageID).Sentiment = &s
	}
	rows.Close()

	rows, err = r.db.QueryContext(ctx, `
		SELECT message_id, mbras_employee, special_pattern, candidate_awareness
		FROM message_flags
		WHERE message_id = ANY($1)
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("load flags: %w", err)
	}
	for rows.Next() {
		var f domain.MessageFlags
		if err := rows.Scan(&f.MessageID, &f.MbrasEmployee, &f.SpecialPattern, &f.CandidateAwareness); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan flags: %w", err)
		}
		get(f.MessageID).Flags = &f
	}
	rows.Close()

	rows, err = r.db.QueryContext(ctx, `
		SELECT message_id, anomaly_detected, anomaly_type
		FROM message_anomalies
		WHERE message_id = ANY($1)
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("load anomalies: %w", err)
	}
	for rows.Next() {
		var a domain.MessageAnomaly
		if err := rows.Scan(&a.MessageID, &a.AnomalyDetected, &a.AnomalyType); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan anomaly: %w", err)
		}
		get(a.MessageID).Anomaly = &a
	}
	rows.Close()

	rows, err = r.db.QueryContext(ctx, `
		SELECT message_id, queue_messaging, processing_success, processing_status,
		       failure_stage, failed_reason, elastic_name, elastic_index_name, updated_at_utc
		FROM message_processing
		WHERE message_id = ANY($1)
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("load processing: %w", err)
	}
	for rows.Next() {
		var p domain.MessageProcessing
		if err := rows.Scan(
			&p.MessageID, &p.QueueMessaging, &p.ProcessingSuccess, &p.ProcessingStatus,
			&p.FailureStage, &p.FailedReason, &p.ElasticName, &p.ElasticIndexName, &p.UpdatedAtUTC,
		); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan processing: %w", err)
		}
		get(p.MessageID).Processing = &p
	}
	rows.Close()

	rows, err = r.db.QueryContext(ctx, `
		SELECT id, message_id, external_user_key, followers, engagement_rate, influence_score
		FROM influence_ranking_items
		WHERE message_id = ANY($1)
		ORDER BY influence_score DESC, external_user_key
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("load influence items: %w", err)
	}
	for rows.Next() {
		var item domain.InfluenceRankingItem
		if err := rows.Scan(
			&item.ID, &item.MessageID, &item.ExternalUserKey, &item.Followers,
			&item.EngagementRate, &item.InfluenceScore,
		); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan influence item: %w", err)
		}
		rel := get(item.MessageID)
		rel.InfluenceItems = append(rel.InfluenceItems, item)
	}
	rows.Close()

	rows, err = r.db.QueryContext(ctx, `
		SELECT mt.message_id, t.id, t.name
		FROM message_topics mt
		JOIN topics t ON t.id = mt.topic_id
		WHERE mt.message_id = ANY($1)
		ORDER BY t.name
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("load topics: %w", err)
	}
	for rows.Next() {
		var messageID string
		var t domain.Topic
		if err := rows.Scan(&messageID, &t.ID, &t.Name); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan topic: %w", err)
		}
		rel := get(messageID)
		rel.Topics = append(rel.Topics, t)
	}
	rows.Close()

	return out, nil
}
