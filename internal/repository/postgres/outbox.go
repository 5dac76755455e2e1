package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbras/feed-analyzer/internal/domain"
)

// maxLastErrorLen caps last_error so a giant upstream stack trace
// cannot bloat the outbox table.
const maxLastErrorLen = 1000

func (r *Repository) CreateOutboxEvent(ctx context.Context, e *domain.OutboxEvent) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO outbox_events
			(id, message_id, correlation_id, event_type, payload, status, attempts,
			 last_error, available_at_utc, locked_at_utc, locked_by,
			 created_at_utc, updated_at_utc)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, e.ID, e.MessageID, e.CorrelationID, e.EventType, []byte(e.Payload),
		e.Status, e.Attempts, e.LastError, e.AvailableAtUTC, e.LockedAtUTC,
		e.LockedBy, e.CreatedAtUTC, e.UpdatedAtUTC)
	if err != nil {
		return fmt.Errorf("create outbox event: %w", err)
	}
	return nil
}

// BulkInsertOutboxEvents streams outbox rows in with COPY inside the
// caller's transaction.
func (r *Repository) BulkInsertOutboxEvents(ctx context.Context, events []domain.OutboxEvent) error {
	if len(events) == 0 {
		return nil
	}
	stmt, err := r.db.PrepareContext(ctx, pq.CopyIn(
		"outbox_events", "id", "message_id", "correlation_id", "event_type",
		"payload", "status", "attempts", "last_error", "available_at_utc",
		"locked_at_utc", "locked_by", "created_at_utc", "updated_at_utc",
	))
	if err != nil {
		return fmt.Errorf("prepare outbox copy: %w", err)
	}
	for _, e := range events {
		if _, err := stmt.ExecContext(ctx,
			e.ID, e.MessageID, e.CorrelationID, e.EventType, string(e.Payload),
			string(e.Status), e.Attempts, e.LastError, e.AvailableAtUTC,
			e.LockedAtUTC, e.LockedBy, e.CreatedAtUTC, e.UpdatedAtUTC,
		); err != nil {
			stmt.Close()
			return fmt.Errorf("copy outbox event %s: %w", e.ID, err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return fmt.Errorf("flush outbox copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return fmt.Errorf("close outbox copy: %w", err)
	}
	return nil
}

// ClaimParams selects and bounds one dispatcher claim.
type ClaimParams struct {
	Now        time.Time
	LockCutoff time.Time
	WorkerID   string
	Limit      int
	EventTypes []string
}

// ClaimOutboxEvents atomically locks up to Limit due events for
// WorkerID and bumps their attempt counter. Rows whose lock is older
// than LockCutoff count as abandoned by a crashed worker and are
// reclaimed. Concurrent dispatchers skip each other's rows instead of
// blocking.
func (r *Repository) ClaimOutboxEvents(ctx context.Context, p ClaimParams) ([]domain.OutboxEvent, error) {
	q := `
		UPDATE outbox_events
		SET locked_at_utc = $1, locked_by = $2, attempts = attempts + 1, updated_at_utc = $1
		WHERE id IN (
			SELECT id FROM outbox_events
			WHERE status IN ('pending', 'failed')
			  AND available_at_utc <= $1
			  AND (locked_at_utc IS NULL OR locked_at_utc < $3)`
	args := []interface{}{p.Now, p.WorkerID, p.LockCutoff}
	idx := 4
	if len(p.EventTypes) > 0 {
		q += fmt.Sprintf("\n			  AND event_type = ANY($%d)", idx)
		args = append(args, pq.Array(p.EventTypes))
		idx++
	}
	q += fmt.Sprintf(`
			ORDER BY created_at_utc ASC
			LIMIT $%d
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, message_id, correlation_id, event_type, payload, status,
		          attempts, last_error, available_at_utc, locked_at_utc, locked_by,
		          created_at_utc, updated_at_utc`, idx)
	args = append(args, p.Limit)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("claim outbox events: %w", err)
	}
	defer rows.Close()

	var out []domain.OutboxEvent
	for rows.Next() {
		var e domain.OutboxEvent
		var payload []byte
		if err := rows.Scan(
			&e.ID, &e.MessageID, &e.CorrelationID, &e.EventType, &payload, &e.Status,
			&e.Attempts, &e.LastError, &e.AvailableAtUTC, &e.LockedAtUTC, &e.LockedBy,
			&e.CreatedAtUTC, &e.UpdatedAtUTC,
		); err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		e.Payload = payload
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *Repository) MarkOutboxPublished(ctx context.Context, id string, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE outbox_events
		SET status = 'published', locked_at_utc = NULL, locked_by = NULL, updated_at_utc = $2
		WHERE id = $1
	`, id, now)
	if err != nil {
		return fmt.Errorf("mark outbox published: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *Repository) MarkOutboxFailed(ctx context.Context, id string, now, availableAt time.Time, lastError string) error {
	// Rune-aware cut; a byte slice could split a UTF-8 sequence and
	// the database would reject the value.
	if runes := []rune(lastError); len(runes) > maxLastErrorLen {
		lastError = string(runes[:maxLastErrorLen])
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE outbox_events
		SET status = 'failed', last_error = $2, available_at_utc = $3,
		    locked_at_utc = NULL, locked_by = NULL, updated_at_utc = $4
		WHERE id = $1
	`, id, lastError, availableAt, now)
	if err != nil {
		return fmt.Errorf("mark outbox failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// CountOutboxByStatus reports queue depth per status, for operational
// visibility.
func (r *Repository) CountOutboxByStatus(ctx context.Context) (map[domain.OutboxStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM outbox_events GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("count outbox: %w", err)
	}
	defer rows.Close()

	out := map[domain.OutboxStatus]int{}
	for rows.Next() {
		var status domain.OutboxStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan outbox count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}
