package ingest

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Item is one pre-analyzed entry of a bulk ingestion request. Keys are
// kept raw so the outbox payload preserves exactly what the caller
// sent, without re-encoding artefacts.
type Item map[string]json.RawMessage

// payloadKeys are the item fields copied onto the outbox payload.
// Anything else in the item is dropped.
var payloadKeys = [...]string{
	"user_id",
	"sentiment_distribution",
	"engagement_score",
	"trending_topics",
	"influence_ranking",
	"anomaly_detected",
	"anomaly_type",
	"flags",
}

func (it Item) stringField(key string) string {
	raw, ok := it[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

func (it Item) floatField(key string) *float64 {
	raw, ok := it[key]
	if !ok {
		return nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil
	}
	return &f
}

// projectPayload builds the outbox payload for a bulk item: the
// allowed keys that are present, plus the batch id.
func projectPayload(item Item, batchID string) (json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(payloadKeys)+1)
	for _, k := range payloadKeys {
		if v, ok := item[k]; ok {
			out[k] = v
		}
	}
	id, err := json.Marshal(batchID)
	if err != nil {
		return nil, fmt.Errorf("marshal batch id: %w", err)
	}
	out["batch_id"] = id

	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return b, nil
}
