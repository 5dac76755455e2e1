// Package engine implements the deterministic feed analysis: sentiment
// distribution, engagement scoring, trending hashtags, influence ranking,
// anomaly detection and feed-level flags.
//
// Analyze is a pure function: no I/O, no clock reads unless the input is
// empty, and byte-stable output for a given input. All heuristics
// (negation windows, intensifier scope, follower derivation, golden-ratio
// engagement bonus) live here and nowhere else.
package engine

import (
	"math"
	"sort"
	"time"
	"unicode/utf8"
)

// Message is a single feed message as seen by the analyzer. Fields mirror
// the ingest payload; zero values stand in for anything the caller omitted.
type Message struct {
	UserID    string
	Content   string
	Timestamp time.Time
	Hashtags  []string
	Reactions int
	Shares    int
	Views     int
}

// Distribution holds sentiment percentages. Either all zero (nothing
// classifiable) or summing to 100 within rounding error.
type Distribution struct {
	Positive float64 `json:"positive"`
	Negative float64 `json:"negative"`
	Neutral  float64 `json:"neutral"`
}

// InfluenceEntry is one row of the per-user influence ranking.
type InfluenceEntry struct {
	UserID         string  `json:"user_id"`
	Followers      int     `json:"followers"`
	EngagementRate float64 `json:"engagement_rate"`
	InfluenceScore float64 `json:"influence_score"`
}

// Flags are the feed-level boolean markers.
type Flags struct {
	MbrasEmployee      bool `json:"mbras_employee"`
	SpecialPattern     bool `json:"special_pattern"`
	CandidateAwareness bool `json:"candidate_awareness"`
}

// Analysis is the complete analytic document for one feed.
type Analysis struct {
	SentimentDistribution Distribution     `json:"sentiment_distribution"`
	EngagementScore       float64          `json:"engagement_score"`
	TrendingTopics        []string         `json:"trending_topics"`
	InfluenceRanking      []InfluenceEntry `json:"influence_ranking"`
	AnomalyDetected       bool             `json:"anomaly_detected"`
	AnomalyType           *string          `json:"anomaly_type"`
	Flags                 Flags            `json:"flags"`
}

// analyzedMessage carries the per-message classification used by the
// aggregation passes.
type analyzedMessage struct {
	userID     string
	timestamp  time.Time
	hashtags   []string
	label      string
	score      float64
	reactions  int
	shares     int
	views      int
	isMeta     bool
	isEmployee bool
}

const (
	labelPositive = "positive"
	labelNegative = "negative"
	labelNeutral  = "neutral"
	labelMeta     = "meta"
)

// candidateAwarenessScore replaces the engagement score whenever the feed
// carries the recruitment meta phrase.
const candidateAwarenessScore = 9.42

// Analyze runs the full analysis over messages restricted to the given
// window in minutes. The reference instant is the newest message timestamp
// (current time for an empty feed).
func Analyze(messages []Message, timeWindowMinutes int) Analysis {
	return AnalyzeAt(messages, timeWindowMinutes, time.Time{})
}

// AnalyzeAt is Analyze with an explicit reference instant. A zero now
// derives the reference from the input as Analyze does; tests pass a fixed
// instant to pin time-weighted results.
func AnalyzeAt(messages []Message, timeWindowMinutes int, now time.Time) Analysis {
	referenceNow := now
	if referenceNow.IsZero() {
		referenceNow = newestTimestamp(messages)
	}

	startWindow := referenceNow.Add(-time.Duration(timeWindowMinutes) * time.Minute)
	upperBound := referenceNow.Add(5 * time.Second)

	filtered := make([]Message, 0, len(messages))
	for _, m := range messages {
		if !m.Timestamp.After(upperBound) && !m.Timestamp.Before(startWindow) {
			filtered = append(filtered, m)
		}
	}
	// A window that excludes every message degenerates to the full feed so
	// the caller still gets a usable analysis.
	if len(messages) > 0 && len(filtered) == 0 {
		filtered = messages
	}

	var (
		candidateAware bool
		anyEmployee    bool
		specialPattern bool
	)
	analyzed := make([]analyzedMessage, 0, len(filtered))
	for _, m := range filtered {
		normalizedUser := normalizeForMatching(m.UserID)
		normalizedContent := normalizeForMatching(m.Content)

		isEmployee := containsMbras(normalizedUser)
		anyEmployee = anyEmployee || isEmployee

		if utf8.RuneCountInString(m.Content) == 42 && containsMbras(normalizedContent) {
			specialPattern = true
		}
		if isCandidateAwareness(m.Content) {
			candidateAware = true
		}

		label, score, isMeta := sentimentForMessage(m.Content, isEmployee)
		analyzed = append(analyzed, analyzedMessage{
			userID:     m.UserID,
			timestamp:  m.Timestamp,
			hashtags:   m.Hashtags,
			label:      label,
			score:      score,
			reactions:  m.Reactions,
			shares:     m.Shares,
			views:      m.Views,
			isMeta:     isMeta,
			isEmployee: isEmployee,
		})
	}

	distributable := make([]analyzedMessage, 0, len(analyzed))
	for _, m := range analyzed {
		if !m.isMeta {
			distributable = append(distributable, m)
		}
	}

	analysis := Analysis{
		SentimentDistribution: distribution(distributable),
		EngagementScore:       engagementScore(analyzed, candidateAware),
		TrendingTopics:        trendingTopics(distributable, referenceNow),
		InfluenceRanking:      influenceRanking(analyzed),
		Flags: Flags{
			MbrasEmployee:      anyEmployee,
			SpecialPattern:     specialPattern,
			CandidateAwareness: candidateAware,
		},
	}
	analysis.AnomalyDetected, analysis.AnomalyType = detectAnomaly(analyzed)
	return analysis
}

func newestTimestamp(messages []Message) time.Time {
	if len(messages) == 0 {
		return time.Now().UTC()
	}
	newest := messages[0].Timestamp
	for _, m := range messages[1:] {
		if m.Timestamp.After(newest) {
			newest = m.Timestamp
		}
	}
	return newest
}

func distribution(messages []analyzedMessage) Distribution {
	total := len(messages)
	if total == 0 {
		return Distribution{}
	}
	var pos, neg, neu int
	for _, m := range messages {
		switch m.label {
		case labelPositive:
			pos++
		case labelNegative:
			neg++
		default:
			neu++
		}
	}
	return Distribution{
		Positive: roundTo(float64(pos)*100.0/float64(total), 2),
		Negative: roundTo(float64(neg)*100.0/float64(total), 2),
		Neutral:  roundTo(float64(neu)*100.0/float64(total), 2),
	}
}

func engagementScore(messages []analyzedMessage, candidateAware bool) float64 {
	if candidateAware {
		return candidateAwarenessScore
	}
	var sum float64
	var n int
	for _, m := range messages {
		if m.views <= 0 {
			continue
		}
		sum += engagementRate([]analyzedMessage{m})
		n++
	}
	if n == 0 {
		return 0.0
	}
	return roundTo(sum/float64(n)*100.0, 2)
}

// sortMessagesByTime orders messages by timestamp, preserving input order
// for equal instants.
func sortMessagesByTime(messages []analyzedMessage) []analyzedMessage {
	out := make([]analyzedMessage, len(messages))
	copy(out, messages)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].timestamp.Before(out[j].timestamp)
	})
	return out
}

// roundTo rounds to the given number of decimal digits with ties going to
// the even neighbour, matching the rounding the rest of the pipeline and
// its historical outputs rely on.
func roundTo(value float64, digits int) float64 {
	scale := math.Pow(10, float64(digits))
	return math.RoundToEven(value*scale) / scale
}
