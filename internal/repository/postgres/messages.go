package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbras/feed-analyzer/internal/domain"
)

// uniqueViolation is the PostgreSQL error code for duplicate keys.
const uniqueViolation = "23505"

func (r *Repository) GetMessageByCorrelationID(ctx context.Context, correlationID string) (*domain.Message, error) {
	m := &domain.Message{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, created_at_utc, correlation_id, request_raw,
		       engagement_score, ranking, influence_ranking_score
		FROM messages
		WHERE correlation_id = $1
	`, correlationID).Scan(
		&m.ID, &m.UserID, &m.CreatedAtUTC, &m.CorrelationID, &m.RequestRaw,
		&m.EngagementScore, &m.Ranking, &m.InfluenceRankingScore,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

// GetExistingCorrelationIDs maps each correlation id that already has
// a message to that message id. Used to pre-filter bulk batches.
func (r *Repository) GetExistingCorrelationIDs(ctx context.Context, correlationIDs []string) (map[string]string, error) {
	if len(correlationIDs) == 0 {
		return map[string]string{}, nil
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT correlation_id, id
		FROM messages
		WHERE correlation_id = ANY($1)
	`, pq.Array(correlationIDs))
	if err != nil {
		return nil, fmt.Errorf("query existing correlation ids: %w", err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var cid, id string
		if err := rows.Scan(&cid, &id); err != nil {
			return nil, fmt.Errorf("scan correlation id: %w", err)
		}
		out[cid] = id
	}
	return out, rows.Err()
}

func (r *Repository) CreateMessage(ctx context.Context, m *domain.Message) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO messages
			(id, user_id, created_at_utc, correlation_id, request_raw,
			 engagement_score, ranking, influence_ranking_score)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, m.ID, m.UserID, m.CreatedAtUTC, m.CorrelationID, m.RequestRaw,
		m.EngagementScore, m.Ranking, m.InfluenceRankingScore)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == uniqueViolation {
			return domain.ErrDuplicateCorrelationID
		}
		return fmt.Errorf("create message: %w", err)
	}
	return nil
}

// BulkInsertMessages streams messages in with COPY inside the
// caller's transaction.
func (r *Repository) BulkInsertMessages(ctx context.Context, msgs []domain.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	stmt, err := r.db.PrepareContext(ctx, pq.CopyIn(
		"messages", "id", "user_id", "created_at_utc", "correlation_id",
		"request_raw", "engagement_score", "ranking", "influence_ranking_score",
	))
	if err != nil {
		return fmt.Errorf("prepare messages copy: %w", err)
	}
	for _, m := range msgs {
		if _, err := stmt.ExecContext(ctx,
			m.ID, m.UserID, m.CreatedAtUTC, m.CorrelationID,
			m.RequestRaw, m.EngagementScore, m.Ranking, m.InfluenceRankingScore,
		); err != nil {
			stmt.Close()
			return fmt.Errorf("copy message %s: %w", m.ID, err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return fmt.Errorf("flush messages copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return fmt.Errorf("close messages copy: %w", err)
	}
	return nil
}

// UpdateMessageScores writes the engine outputs onto a message. Nil
// fields are left untouched.
func (r *Repository) UpdateMessageScores(ctx context.Context, messageID string, engagement, ranking, influence *float64) error {
	sets := []string{}
	args := []interface{}{}
	idx := 1
	add := func(col string, val interface{}) {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, idx))
		args = append(args, val)
		idx++
	}
	if engagement != nil {
		add("engagement_score", *engagement)
	}
	if ranking != nil {
		add("ranking", *ranking)
	}
	if influence != nil {
		add("influence_ranking_score", *influence)
	}
	if len(sets) == 0 {
		return nil
	}

	q := fmt.Sprintf("UPDATE messages SET %s WHERE id = $%d", joinComma(sets), idx)
	args = append(args, messageID)

	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update message scores: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListFilter narrows and pages the message listing.
type ListFilter struct {
	UserKey  string
	FromUTC  *time.Time
	ToUTC    *time.Time
	Page     int
	PageSize int
}

// MessageListRow is one listing row: the message plus its owner's
// external key.
type MessageListRow struct {
	domain.Message
	UserExternalKey *string
}

// ListMessages returns one page of messages, newest first, plus the
// total matching count. UserKey matches the owner's external key as a
// case-insensitive substring.
func (r *Repository) ListMessages(ctx context.Context, f ListFilter) ([]MessageListRow, int, error) {
	pageSize := f.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	page := f.Page
	if page <= 0 {
		page = 1
	}

	where := " WHERE 1=1"
	args := []interface{}{}
	idx := 1
	if f.UserKey != "" {
		where += fmt.Sprintf(" AND u.external_user_key ILIKE $%d", idx)
		args = append(args, "%"+f.UserKey+"%")
		idx++
	}
	if f.FromUTC != nil {
		where += fmt.Sprintf(" AND m.created_at_utc >= $%d", idx)
		args = append(args, *f.FromUTC)
		idx++
	}
	if f.ToUTC != nil {
		where += fmt.Sprintf(" AND m.created_at_utc <= $%d", idx)
		args = append(args, *f.ToUTC)
		idx++
	}

	countQ := "SELECT COUNT(*) FROM messages m JOIN users u ON u.id = m.user_id" + where
	var total int
	if err := r.db.QueryRowContext(ctx, countQ, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count messages: %w", err)
	}

	q := `
		SELECT m.id, m.user_id, m.created_at_utc, m.correlation_id, m.request_raw,
		       m.engagement_score, m.ranking, m.influence_ranking_score,
		       u.external_user_key
		FROM messages m
		JOIN users u ON u.id = m.user_id` + where
	q += fmt.Sprintf(" ORDER BY m.created_at_utc DESC, m.id LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, pageSize, (page-1)*pageSize)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []MessageListRow
	for rows.Next() {
		var row MessageListRow
		if err := rows.Scan(
			&row.ID, &row.UserID, &row.CreatedAtUTC, &row.CorrelationID, &row.RequestRaw,
			&row.EngagementScore, &row.Ranking, &row.InfluenceRankingScore,
			&row.UserExternalKey,
		); err != nil {
			return nil, 0, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, row)
	}
	return out, total, rows.Err()
}

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}
