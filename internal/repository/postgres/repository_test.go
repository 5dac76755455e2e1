package postgres

import (
	"context"
	"database/sql"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbras/feed-analyzer/internal/domain"
)

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *Repository) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock, NewRepository(db)
}

func TestGetMessageByCorrelationID(t *testing.T) {
	_, mock, repo := setupTestDB(t)
	now := time.Date(2026, 2, 20, 13, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT id, user_id, created_at_utc, correlation_id").
		WithArgs("req-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "created_at_utc", "correlation_id", "request_raw",
			"engagement_score", "ranking", "influence_ranking_score",
		}).AddRow("msg-1", "user-1", now, "req-1", nil, 42.5, nil, nil))

	m, err := repo.GetMessageByCorrelationID(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, "msg-1", m.ID)
	assert.Equal(t, "req-1", m.CorrelationID)
	require.NotNil(t, m.EngagementScore)
	assert.Equal(t, 42.5, *m.EngagementScore)
	assert.Nil(t, m.Ranking)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMessageByCorrelationIDNotFound(t *testing.T) {
	_, mock, repo := setupTestDB(t)

	mock.ExpectQuery("SELECT id, user_id, created_at_utc, correlation_id").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetMessageByCorrelationID(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCreateMessageDuplicateCorrelation(t *testing.T) {
	_, mock, repo := setupTestDB(t)

	mock.ExpectExec("INSERT INTO messages").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "messages_correlation_id_key"})

	err := repo.CreateMessage(context.Background(), &domain.Message{
		ID:            "msg-1",
		UserID:        "user-1",
		CreatedAtUTC:  time.Now().UTC(),
		CorrelationID: "req-1",
	})
	assert.ErrorIs(t, err, domain.ErrDuplicateCorrelationID)
}

func TestUpdateProcessingBuildsPartialSet(t *testing.T) {
	_, mock, repo := setupTestDB(t)

	status := domain.ProcessingQueued
	queue := "topic=mbras.analyze;group=mbras.analyze.queue"
	mock.ExpectExec(regexp.QuoteMeta(
		"UPDATE message_processing SET updated_at_utc = NOW(), queue_messaging = $1, processing_status = $2 WHERE message_id = $3",
	)).
		WithArgs(queue, "queued", "msg-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.UpdateProcessing(context.Background(), "msg-1", ProcessingUpdate{
		QueueMessaging: &queue,
		Status:         &status,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateProcessingNotFound(t *testing.T) {
	_, mock, repo := setupTestDB(t)

	status := domain.ProcessingProcessed
	mock.ExpectExec("UPDATE message_processing SET").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateProcessing(context.Background(), "missing", ProcessingUpdate{Status: &status})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestBeginProcessingByCorrelationID(t *testing.T) {
	_, mock, repo := setupTestDB(t)

	mock.ExpectQuery("UPDATE message_processing mp").
		WithArgs("req-1").
		WillReturnRows(sqlmock.NewRows([]string{"message_id"}).AddRow("msg-1"))

	id, err := repo.BeginProcessingByCorrelationID(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, "msg-1", id)

	mock.ExpectQuery("UPDATE message_processing mp").
		WithArgs("unknown").
		WillReturnError(sql.ErrNoRows)
	_, err = repo.BeginProcessingByCorrelationID(context.Background(), "unknown")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestClaimOutboxEvents(t *testing.T) {
	_, mock, repo := setupTestDB(t)
	now := time.Date(2026, 2, 20, 13, 0, 0, 0, time.UTC)
	cutoff := now.Add(-30 * time.Second)

	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WithArgs(now, "outbox-abc12345", cutoff, 200).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "message_id", "correlation_id", "event_type", "payload", "status",
			"attempts", "last_error", "available_at_utc", "locked_at_utc", "locked_by",
			"created_at_utc", "updated_at_utc",
		}).AddRow(
			"evt-1", "msg-1", "req-1", domain.EventMessageReceived, []byte(`{"k":1}`), "pending",
			1, nil, now, now, "outbox-abc12345", now, now,
		))

	events, err := repo.ClaimOutboxEvents(context.Background(), ClaimParams{
		Now:        now,
		LockCutoff: cutoff,
		WorkerID:   "outbox-abc12345",
		Limit:      200,
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "evt-1", events[0].ID)
	assert.Equal(t, 1, events[0].Attempts)
	assert.JSONEq(t, `{"k":1}`, string(events[0].Payload))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimOutboxEventsFiltersEventTypes(t *testing.T) {
	_, mock, repo := setupTestDB(t)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("event_type = ANY($4)")).
		WithArgs(now, "w", now.Add(-time.Minute), pq.Array([]string{domain.EventHTTPAuditLog}), 50).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "message_id", "correlation_id", "event_type", "payload", "status",
			"attempts", "last_error", "available_at_utc", "locked_at_utc", "locked_by",
			"created_at_utc", "updated_at_utc",
		}))

	_, err := repo.ClaimOutboxEvents(context.Background(), ClaimParams{
		Now:        now,
		LockCutoff: now.Add(-time.Minute),
		WorkerID:   "w",
		Limit:      50,
		EventTypes: []string{domain.EventHTTPAuditLog},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkOutboxFailedTruncatesError(t *testing.T) {
	_, mock, repo := setupTestDB(t)
	now := time.Now().UTC()
	longErr := strings.Repeat("é", 1200)

	mock.ExpectExec("UPDATE outbox_events").
		WithArgs("evt-1", strings.Repeat("é", 1000), now.Add(5*time.Second), now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.MarkOutboxFailed(context.Background(), "evt-1", now, now.Add(5*time.Second), longErr)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListMessagesAppliesFilters(t *testing.T) {
	_, mock, repo := setupTestDB(t)
	from := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT COUNT").
		WithArgs("%user_ana%", from).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))
	mock.ExpectQuery("ORDER BY m.created_at_utc DESC").
		WithArgs("%user_ana%", from, 5, 5).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "created_at_utc", "correlation_id", "request_raw",
			"engagement_score", "ranking", "influence_ranking_score", "external_user_key",
		}).AddRow("msg-6", "user-1", from.Add(time.Hour), "req-6", nil, nil, nil, nil, "user_ana_001"))

	rows, total, err := repo.ListMessages(context.Background(), ListFilter{
		UserKey:  "user_ana",
		FromUTC:  &from,
		Page:     2,
		PageSize: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, 7, total)
	require.Len(t, rows, 1)
	assert.Equal(t, "msg-6", rows[0].ID)
	require.NotNil(t, rows[0].UserExternalKey)
	assert.Equal(t, "user_ana_001", *rows[0].UserExternalKey)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetOrCreateTopic(t *testing.T) {
	_, mock, repo := setupTestDB(t)

	mock.ExpectQuery("INSERT INTO topics").
		WithArgs(sqlmock.AnyArg(), "produto").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("topic-1"))

	topic, err := repo.GetOrCreateTopic(context.Background(), "produto")
	require.NoError(t, err)
	assert.Equal(t, "topic-1", topic.ID)
	assert.Equal(t, "produto", topic.Name)
}

func TestBulkInsertOutboxEventsUsesCopy(t *testing.T) {
	db, mock, repo := setupTestDB(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(regexp.QuoteMeta(pq.CopyIn(
		"outbox_events", "id", "message_id", "correlation_id", "event_type",
		"payload", "status", "attempts", "last_error", "available_at_utc",
		"locked_at_utc", "locked_by", "created_at_utc", "updated_at_utc",
	)))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	tx, err := db.Begin()
	require.NoError(t, err)

	events := []domain.OutboxEvent{
		{ID: "evt-1", MessageID: "msg-1", CorrelationID: "req-1",
			EventType: domain.EventMessageReceived, Payload: []byte(`{}`),
			Status: domain.OutboxPending, AvailableAtUTC: now, CreatedAtUTC: now, UpdatedAtUTC: now},
		{ID: "evt-2", MessageID: "msg-2", CorrelationID: "req-2",
			EventType: domain.EventMessageReceived, Payload: []byte(`{}`),
			Status: domain.OutboxPending, AvailableAtUTC: now, CreatedAtUTC: now, UpdatedAtUTC: now},
	}
	require.NoError(t, repo.WithTx(tx).BulkInsertOutboxEvents(context.Background(), events))
	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureAuditAnchorCreatesOnFirstUse(t *testing.T) {
	_, mock, repo := setupTestDB(t)

	mock.ExpectQuery("SELECT id, user_id, created_at_utc, correlation_id").
		WithArgs(domain.AuditAnchorCorrelationID).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO users").
		WithArgs(domain.AuditUserID, nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO messages").
		WillReturnResult(sqlmock.NewResult(0, 1))

	id, err := repo.EnsureAuditAnchor(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	require.NoError(t, mock.ExpectationsWereMet())
}
