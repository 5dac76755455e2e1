package consumer

import (
	"encoding/json"
	"fmt"

	"github.com/mbras/feed-analyzer/internal/domain"
	"github.com/mbras/feed-analyzer/internal/engine"
	"github.com/mbras/feed-analyzer/internal/ingest"
)

// analysisFields is the shared shape of analysis data on the wire.
// message_received events carry it flat in the payload; completed
// events nest it under "analysis". Pointers keep absent fields
// distinguishable from zero values.
type analysisFields struct {
	SentimentDistribution engine.Distribution     `json:"sentiment_distribution"`
	EngagementScore       *float64                `json:"engagement_score"`
	TrendingTopics        []string                `json:"trending_topics"`
	InfluenceRanking      []engine.InfluenceEntry `json:"influence_ranking"`
	AnomalyDetected       bool                    `json:"anomaly_detected"`
	AnomalyType           *string                 `json:"anomaly_type"`
	Flags                 *engine.Flags           `json:"flags"`
}

// normalizePayload maps an event payload onto the outputs the ingest
// service knows how to persist.
func normalizePayload(eventName string, payload json.RawMessage) (ingest.NormalizedOutputs, error) {
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	switch eventName {
	case domain.EventMessageReceived:
		var fields analysisFields
		if err := json.Unmarshal(payload, &fields); err != nil {
			return ingest.NormalizedOutputs{}, fmt.Errorf("decoding message_received payload: %w", err)
		}
		return toOutputs(fields, fields.Flags), nil

	case domain.EventAnalyzeFeedCompleted:
		var body struct {
			Analysis *analysisFields `json:"analysis"`
			Flags    *engine.Flags   `json:"flags"`
		}
		if err := json.Unmarshal(payload, &body); err != nil {
			return ingest.NormalizedOutputs{}, fmt.Errorf("decoding analyze_feed.completed payload: %w", err)
		}
		if body.Analysis == nil {
			return ingest.NormalizedOutputs{}, fmt.Errorf("analyze_feed.completed payload missing analysis")
		}
		// Top-level flags win; older payloads only carried them inside
		// the analysis document.
		flags := body.Analysis.Flags
		if body.Flags != nil {
			flags = body.Flags
		}
		return toOutputs(*body.Analysis, flags), nil

	default:
		return ingest.NormalizedOutputs{}, fmt.Errorf("unsupported event %q", eventName)
	}
}

func toOutputs(fields analysisFields, flags *engine.Flags) ingest.NormalizedOutputs {
	out := ingest.NormalizedOutputs{
		Sentiment:        fields.SentimentDistribution,
		EngagementScore:  fields.EngagementScore,
		TrendingTopics:   fields.TrendingTopics,
		InfluenceRanking: fields.InfluenceRanking,
		AnomalyDetected:  fields.AnomalyDetected,
		AnomalyType:      fields.AnomalyType,
	}
	if flags != nil {
		out.Flags = *flags
	}
	return out
}
