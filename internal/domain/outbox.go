package domain

import (
	"encoding/json"
	"time"
)

// OutboxStatus enumerates the delivery states of an outbox event.
type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "pending"
	OutboxFailed    OutboxStatus = "failed"
	OutboxPublished OutboxStatus = "published"
)

// Event types flowing through the outbox and the broker.
const (
	EventMessageReceived      = "message_received"
	EventAnalyzeFeedCompleted = "analyze_feed.completed"
	EventHTTPAuditLog         = "http_audit_log"
)

// OutboxEvent is one durable fan-out record. Rows in pending or failed with
// available_at in the past and no live lock are eligible for claim by a
// dispatcher; published is terminal.
type OutboxEvent struct {
	ID             string          `json:"id" db:"id"`
	MessageID      string          `json:"message_id" db:"message_id"`
	CorrelationID  string          `json:"correlation_id" db:"correlation_id"`
	EventType      string          `json:"event_type" db:"event_type"`
	Payload        json.RawMessage `json:"payload" db:"payload"`
	Status         OutboxStatus    `json:"status" db:"status"`
	Attempts       int             `json:"attempts" db:"attempts"`
	LastError      *string         `json:"last_error" db:"last_error"`
	AvailableAtUTC time.Time       `json:"available_at_utc" db:"available_at_utc"`
	LockedAtUTC    *time.Time      `json:"locked_at_utc" db:"locked_at_utc"`
	LockedBy       *string         `json:"locked_by" db:"locked_by"`
	CreatedAtUTC   time.Time       `json:"created_at_utc" db:"created_at_utc"`
	UpdatedAtUTC   time.Time       `json:"updated_at_utc" db:"updated_at_utc"`
}
