package engine

import (
	"math"
	"sort"
	"time"
	"unicode/utf8"
)

// trendingTopics scores every hashtag across the (non-meta) messages and
// returns the top five. Recency dominates: a message's contribution decays
// with its age relative to the reference instant. Positive context weighs
// 1.2, negative 0.8, and tags longer than eight runes are damped
// logarithmically.
func trendingTopics(messages []analyzedMessage, now time.Time) []string {
	weights := make(map[string]float64)
	counts := make(map[string]int)
	sentimentWeightSum := make(map[string]float64)

	for _, m := range messages {
		ageMin := now.Sub(m.timestamp).Seconds() / 60.0
		if ageMin < 0.01 {
			ageMin = 0.01
		}
		timeWeight := 1.0 + 1.0/ageMin

		sentimentWeight := 1.0
		switch m.label {
		case labelPositive:
			sentimentWeight = 1.2
		case labelNegative:
			sentimentWeight = 0.8
		}

		for _, tag := range m.hashtags {
			lengthFactor := 1.0
			if n := utf8.RuneCountInString(tag); n > 8 {
				lengthFactor = math.Log10(float64(n)) / math.Log10(8)
			}
			if lengthFactor < 0.0001 {
				lengthFactor = 0.0001
			}

			weights[tag] += timeWeight * sentimentWeight / lengthFactor
			counts[tag]++
			sentimentWeightSum[tag] += sentimentWeight
		}
	}

	tags := make([]string, 0, len(weights))
	for tag := range weights {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool {
		a, b := tags[i], tags[j]
		if weights[a] != weights[b] {
			return weights[a] > weights[b]
		}
		if counts[a] != counts[b] {
			return counts[a] > counts[b]
		}
		if sentimentWeightSum[a] != sentimentWeightSum[b] {
			return sentimentWeightSum[a] > sentimentWeightSum[b]
		}
		return a < b
	})

	if len(tags) > 5 {
		tags = tags[:5]
	}
	return tags
}
