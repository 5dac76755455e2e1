package domain

import "time"

// ProcessingStatus enumerates the lifecycle states of message processing.
// The status moves monotonically received → (queued|processing) →
// (processed|failed); retries re-enter processing from failed.
type ProcessingStatus string

const (
	ProcessingReceived   ProcessingStatus = "received"
	ProcessingQueued     ProcessingStatus = "queued"
	ProcessingProcessing ProcessingStatus = "processing"
	ProcessingProcessed  ProcessingStatus = "processed"
	ProcessingFailed     ProcessingStatus = "failed"
)

// Anomaly type names persisted alongside a message.
const (
	AnomalyBurst        = "burst"
	AnomalyAlternation  = "alternation"
	AnomalySynchronized = "synchronized_posting"
)

// Fixed identities used by the ingestion paths.
const (
	// FallbackUserID owns bulk items whose user could not be resolved.
	FallbackUserID = "user_sem_identificador"

	// AuditUserID owns the anchor message that HTTP audit events hang off.
	AuditUserID = "audit_log_system_user"

	// AuditAnchorCorrelationID identifies the audit anchor message.
	AuditAnchorCorrelationID = "audit-log-anchor-correlation-id"
)

// User is a feed author. Identified either by a UUID id or by an opaque
// external key; created on first reference and never deleted.
type User struct {
	ID              string    `json:"id" db:"id"`
	ExternalUserKey *string   `json:"external_user_key" db:"external_user_key"`
	CreatedAtUTC    time.Time `json:"created_at_utc" db:"created_at_utc"`
}

// Message is one ingested feed message. CorrelationID is the global
// idempotency key for every inbound operation touching this message.
type Message struct {
	ID                    string     `json:"id" db:"id"`
	UserID                string     `json:"user_id" db:"user_id"`
	CreatedAtUTC          time.Time  `json:"created_at_utc" db:"created_at_utc"`
	CorrelationID         string     `json:"correlation_id" db:"correlation_id"`
	RequestRaw            *string    `json:"request_raw" db:"request_raw"`
	EngagementScore       *float64   `json:"engagement_score" db:"engagement_score"`
	Ranking               *float64   `json:"ranking" db:"ranking"`
	InfluenceRankingScore *float64   `json:"influence_ranking_score" db:"influence_ranking_score"`
}

// MessageSentiment holds the persisted sentiment percentages (0..100).
type MessageSentiment struct {
	MessageID string  `json:"message_id" db:"message_id"`
	Positive  float64 `json:"positive" db:"positive"`
	Negative  float64 `json:"negative" db:"negative"`
	Neutral   float64 `json:"neutral" db:"neutral"`
}

// MessageFlags holds the boolean markers detected for a message.
type MessageFlags struct {
	MessageID          string `json:"message_id" db:"message_id"`
	MbrasEmployee      bool   `json:"mbras_employee" db:"mbras_employee"`
	SpecialPattern     bool   `json:"special_pattern" db:"special_pattern"`
	CandidateAwareness bool   `json:"candidate_awareness" db:"candidate_awareness"`
}

// MessageAnomaly records whether an anomaly was detected and which kind.
type MessageAnomaly struct {
	MessageID       string  `json:"message_id" db:"message_id"`
	AnomalyDetected bool    `json:"anomaly_detected" db:"anomaly_detected"`
	AnomalyType     *string `json:"anomaly_type" db:"anomaly_type"`
}

// MessageProcessing tracks the downstream pipeline state of a message.
type MessageProcessing struct {
	MessageID         string           `json:"message_id" db:"message_id"`
	QueueMessaging    *string          `json:"queue_messaging" db:"queue_messaging"`
	ProcessingSuccess *bool            `json:"processing_success" db:"processing_success"`
	ProcessingStatus  ProcessingStatus `json:"processing_status" db:"processing_status"`
	FailureStage      *string          `json:"failure_stage" db:"failure_stage"`
	FailedReason      *string          `json:"failed_reason" db:"failed_reason"`
	ElasticName       *string          `json:"elastic_name" db:"elastic_name"`
	ElasticIndexName  *string          `json:"elastic_index_name" db:"elastic_index_name"`
	UpdatedAtUTC      time.Time        `json:"updated_at_utc" db:"updated_at_utc"`
}

// Topic is a hashtag known to the system.
type Topic struct {
	ID   string `json:"id" db:"id"`
	Name string `json:"name" db:"name"`
}

// InfluenceRankingItem is one persisted row of a message's influence
// ranking snapshot.
type InfluenceRankingItem struct {
	ID              string  `json:"id" db:"id"`
	MessageID       string  `json:"message_id" db:"message_id"`
	ExternalUserKey string  `json:"external_user_key" db:"external_user_key"`
	Followers       int     `json:"followers" db:"followers"`
	EngagementRate  float64 `json:"engagement_rate" db:"engagement_rate"`
	InfluenceScore  float64 `json:"influence_score" db:"influence_score"`
}

// MessageRelated bundles every child record of a message for read paths.
type MessageRelated struct {
	Sentiment      *MessageSentiment
	Flags          *MessageFlags
	Anomaly        *MessageAnomaly
	Processing     *MessageProcessing
	InfluenceItems []InfluenceRankingItem
	Topics         []Topic
}
