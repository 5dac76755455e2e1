package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/mbras/feed-analyzer/internal/domain"
)

func (r *Repository) CreateProcessing(ctx context.Context, p domain.MessageProcessing) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO message_processing
			(message_id, queue_messaging, processing_success, processing_status,
			 failure_stage, failed_reason, elastic_name, elastic_index_name, updated_at_utc)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, p.MessageID, p.QueueMessaging, p.ProcessingSuccess, p.ProcessingStatus,
		p.FailureStage, p.FailedReason, p.ElasticName, p.ElasticIndexName, p.UpdatedAtUTC)
	if err != nil {
		return fmt.Errorf("create processing: %w", err)
	}
	return nil
}

// BulkInsertProcessing streams processing rows in with COPY inside
// the caller's transaction.
func (r *Repository) BulkInsertProcessing(ctx context.Context, rows []domain.MessageProcessing) error {
	if len(rows) == 0 {
		return nil
	}
	stmt, err := r.db.PrepareContext(ctx, pq.CopyIn(
		"message_processing", "message_id", "queue_messaging", "processing_success",
		"processing_status", "failure_stage", "failed_reason", "elastic_name",
		"elastic_index_name", "updated_at_utc",
	))
	if err != nil {
		return fmt.Errorf("prepare processing copy: %w", err)
	}
	for _, p := range rows {
		if _, err := stmt.ExecContext(ctx,
			p.MessageID, p.QueueMessaging, p.ProcessingSuccess, string(p.ProcessingStatus),
			p.FailureStage, p.FailedReason, p.ElasticName, p.ElasticIndexName, p.UpdatedAtUTC,
		); err != nil {
			stmt.Close()
			return fmt.Errorf("copy processing %s: %w", p.MessageID, err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return fmt.Errorf("flush processing copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return fmt.Errorf("close processing copy: %w", err)
	}
	return nil
}

// ProcessingUpdate selects which processing fields to touch; nil
// fields are left as they are. updated_at_utc always refreshes.
type ProcessingUpdate struct {
	QueueMessaging    *string
	ProcessingSuccess *bool
	Status            *domain.ProcessingStatus
	FailureStage      *string
	FailedReason      *string
	ElasticName       *string
	ElasticIndexName  *string
}

func (r *Repository) UpdateProcessing(ctx context.Context, messageID string, u ProcessingUpdate) error {
	sets := []string{"updated_at_utc = NOW()"}
	args := []interface{}{}
	idx := 1
	add := func(col string, val interface{}) {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, idx))
		args = append(args, val)
		idx++
	}
	if u.QueueMessaging != nil {
		add("queue_messaging", *u.QueueMessaging)
	}
	if u.ProcessingSuccess != nil {
		add("processing_success", *u.ProcessingSuccess)
	}
	if u.Status != nil {
		add("processing_status", string(*u.Status))
	}
	if u.FailureStage != nil {
		add("failure_stage", *u.FailureStage)
	}
	if u.FailedReason != nil {
		add("failed_reason", *u.FailedReason)
	}
	if u.ElasticName != nil {
		add("elastic_name", *u.ElasticName)
	}
	if u.ElasticIndexName != nil {
		add("elastic_index_name", *u.ElasticIndexName)
	}

	q := fmt.Sprintf("UPDATE message_processing SET %s WHERE message_id = $%d", joinComma(sets), idx)
	args = append(args, messageID)

	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update processing: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// BeginProcessingByCorrelationID flips a message's processing row to
// "processing" and returns the message id, in one statement, so the
// consumer can claim work without a read-then-write race.
func (r *Repository) BeginProcessingByCorrelationID(ctx context.Context, correlationID string) (string, error) {
	var messageID string
	err := r.db.QueryRowContext(ctx, `
		UPDATE message_processing mp
		SET processing_status = 'processing', updated_at_utc = NOW()
		FROM messages m
		WHERE m.id = mp.message_id AND m.correlation_id = $1
		RETURNING mp.message_id
	`, correlationID).Scan(&messageID)
	if err == sql.ErrNoRows {
		return "", domain.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("begin processing: %w", err)
	}
	return messageID, nil
}

// UpdateProcessingByCorrelationID applies a partial processing update
// addressed by correlation id, for callers that never resolved the
// message id (poison queue events, for instance).
func (r *Repository) UpdateProcessingByCorrelationID(ctx context.Context, correlationID string, u ProcessingUpdate) error {
	sets := []string{"updated_at_utc = NOW()"}
	args := []interface{}{}
	idx := 1
	add := func(col string, val interface{}) {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, idx))
		args = append(args, val)
		idx++
	}
	if u.QueueMessaging != nil {
		add("queue_messaging", *u.QueueMessaging)
	}
	if u.ProcessingSuccess != nil {
		add("processing_success", *u.ProcessingSuccess)
	}
	if u.Status != nil {
		add("processing_status", string(*u.Status))
	}
	if u.FailureStage != nil {
		add("failure_stage", *u.FailureStage)
	}
	if u.FailedReason != nil {
		add("failed_reason", *u.FailedReason)
	}
	if u.ElasticName != nil {
		add("elastic_name", *u.ElasticName)
	}
	if u.ElasticIndexName != nil {
		add("elastic_index_name", *u.ElasticIndexName)
	}

	q := fmt.Sprintf(`UPDATE message_processing mp SET %s FROM messages m
		WHERE m.id = mp.message_id AND m.correlation_id = $%d`, joinComma(sets), idx)
	args = append(args, correlationID)

	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update processing by correlation: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}
