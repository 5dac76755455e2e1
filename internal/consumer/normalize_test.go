package consumer

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbras/feed-analyzer/internal/domain"
)

func TestNormalizeMessageReceivedFlatPayload(t *testing.T) {
	payload := json.RawMessage(`{
		"user_id": "user_alpha",
		"batch_id": "b-1",
		"sentiment_distribution": {"positive": 70, "negative": 10, "neutral": 20},
		"engagement_score": 42.5,
		"trending_topics": ["mercado", "imoveis"],
		"influence_ranking": [{"user_id": "user_alpha", "followers": 10, "engagement_rate": 0.5, "influence_score": 12}],
		"anomaly_detected": true,
		"anomaly_type": "bot_activity",
		"flags": {"special_pattern": true}
	}`)

	out, err := normalizePayload(domain.EventMessageReceived, payload)
	require.NoError(t, err)

	assert.Equal(t, 70.0, out.Sentiment.Positive)
	require.NotNil(t, out.EngagementScore)
	assert.Equal(t, 42.5, *out.EngagementScore)
	assert.Equal(t, []string{"mercado", "imoveis"}, out.TrendingTopics)
	require.Len(t, out.InfluenceRanking, 1)
	assert.Equal(t, 12.0, out.InfluenceRanking[0].InfluenceScore)
	assert.True(t, out.AnomalyDetected)
	require.NotNil(t, out.AnomalyType)
	assert.Equal(t, "bot_activity", *out.AnomalyType)
	assert.True(t, out.Flags.SpecialPattern)
	assert.False(t, out.Flags.MbrasEmployee)
}

func TestNormalizeMessageReceivedMissingFieldsDefault(t *testing.T) {
	out, err := normalizePayload(domain.EventMessageReceived, json.RawMessage(`{"user_id": "user_alpha"}`))
	require.NoError(t, err)

	assert.Zero(t, out.Sentiment)
	assert.Nil(t, out.EngagementScore)
	assert.Nil(t, out.TrendingTopics)
	assert.False(t, out.AnomalyDetected)
	assert.Nil(t, out.AnomalyType)
	assert.Zero(t, out.Flags)
}

func TestNormalizeMessageReceivedEmptyPayload(t *testing.T) {
	out, err := normalizePayload(domain.EventMessageReceived, nil)
	require.NoError(t, err)
	assert.Nil(t, out.EngagementScore)
}

func TestNormalizeCompletedTopLevelFlagsWin(t *testing.T) {
	payload := json.RawMessage(`{
		"analysis": {
			"sentiment_distribution": {"positive": 50, "negative": 25, "neutral": 25},
			"engagement_score": 33.3,
			"flags": {"mbras_employee": false, "candidate_awareness": false}
		},
		"flags": {"mbras_employee": true, "candidate_awareness": true},
		"time_window_minutes": 60,
		"total_messages": 5
	}`)

	out, err := normalizePayload(domain.EventAnalyzeFeedCompleted, payload)
	require.NoError(t, err)

	assert.Equal(t, 50.0, out.Sentiment.Positive)
	require.NotNil(t, out.EngagementScore)
	assert.Equal(t, 33.3, *out.EngagementScore)
	assert.True(t, out.Flags.MbrasEmployee)
	assert.True(t, out.Flags.CandidateAwareness)
}

func TestNormalizeCompletedFallsBackToNestedFlags(t *testing.T) {
	payload := json.RawMessage(`{
		"analysis": {
			"sentiment_distribution": {"positive": 100, "negative": 0, "neutral": 0},
			"flags": {"special_pattern": true}
		}
	}`)

	out, err := normalizePayload(domain.EventAnalyzeFeedCompleted, payload)
	require.NoError(t, err)
	assert.True(t, out.Flags.SpecialPattern)
}

func TestNormalizeCompletedRequiresAnalysis(t *testing.T) {
	_, err := normalizePayload(domain.EventAnalyzeFeedCompleted, json.RawMessage(`{"flags": {}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing analysis")
}

func TestNormalizeRejectsMalformedPayload(t *testing.T) {
	_, err := normalizePayload(domain.EventMessageReceived, json.RawMessage(`[1, 2]`))
	assert.Error(t, err)

	_, err = normalizePayload(domain.EventAnalyzeFeedCompleted, json.RawMessage(`"nope"`))
	assert.Error(t, err)
}

func TestNormalizeRejectsUnknownEvent(t *testing.T) {
	_, err := normalizePayload("http_audit_log", json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported event")
}
