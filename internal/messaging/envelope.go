// Package messaging carries events between the API, the outbox
// dispatcher and the ingestion consumer over Kafka. Every record
// value is an Envelope; the record key is the correlation id so all
// events of one request land in the same partition, in order.
package messaging

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mbras/feed-analyzer/internal/domain"
)

// Envelope is the wire format shared by all queue events.
type Envelope struct {
	EventName     string          `json:"eventName"`
	TimestampUTC  string          `json:"timestampUtc"`
	CorrelationID string          `json:"correlationId"`
	MessageID     string          `json:"messageId"`
	Payload       json.RawMessage `json:"payload"`
}

// NewEnvelope wraps payload for the wire. The message id is minted
// here and stays stable across redeliveries because the envelope is
// serialized once, at enqueue time.
func NewEnvelope(eventName, correlationID string, payload interface{}) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encoding %s payload: %w", eventName, err)
	}
	return Envelope{
		EventName:     eventName,
		TimestampUTC:  time.Now().UTC().Format(time.RFC3339),
		CorrelationID: correlationID,
		MessageID:     uuid.NewString(),
		Payload:       raw,
	}, nil
}

// EnvelopeFor wraps a stored outbox event for the wire. The message id
// is the outbox row id, so replays of the same event stay identifiable
// downstream.
func EnvelopeFor(e domain.OutboxEvent) Envelope {
	return Envelope{
		EventName:     e.EventType,
		TimestampUTC:  time.Now().UTC().Format(time.RFC3339),
		CorrelationID: e.CorrelationID,
		MessageID:     e.ID,
		Payload:       e.Payload,
	}
}

// ParseEnvelope decodes a record value.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decoding envelope: %w", err)
	}
	return env, nil
}
