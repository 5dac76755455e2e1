package engine

import (
	"crypto/sha256"
	"math"
	"sort"
	"strings"
	"unicode/utf8"
)

// followersFor derives a deterministic follower count from the user id.
// A handful of id shapes map to fixed counts; everything else hashes into
// the 100..10099 band.
func followersFor(userID string) int {
	lowered := normalizeForMatching(userID)
	if strings.Contains(lowered, "cafe") {
		return 4242
	}
	if utf8.RuneCountInString(userID) == 13 {
		return 233
	}
	if strings.HasSuffix(lowered, "_prime") {
		return 7919
	}

	digest := sha256.Sum256([]byte(userID))
	mod := 0
	for _, b := range digest {
		mod = (mod*256 + int(b)) % 10000
	}
	return mod + 100
}

// engagementRate computes (reactions+shares)/views over the given messages,
// 0 when there are no views. Totals divisible by 7 earn the golden-ratio
// bonus ×(1 + 1/φ).
func engagementRate(messages []analyzedMessage) float64 {
	var reactions, shares, views int
	for _, m := range messages {
		reactions += m.reactions
		shares += m.shares
		views += m.views
	}
	if views <= 0 {
		return 0.0
	}

	rate := float64(reactions+shares) / float64(views)
	if total := reactions + shares; total > 0 && total%7 == 0 {
		phi := (1 + math.Sqrt(5)) / 2
		rate *= 1 + 1/phi
	}
	return rate
}

// influenceRanking scores every distinct author and orders them by score
// descending, user id ascending on ties. Scores are rounded before the sort
// so presentation and ordering agree.
func influenceRanking(messages []analyzedMessage) []InfluenceEntry {
	order := make([]string, 0, len(messages))
	byUser := make(map[string][]analyzedMessage, len(messages))
	for _, m := range messages {
		if _, seen := byUser[m.userID]; !seen {
			order = append(order, m.userID)
		}
		byUser[m.userID] = append(byUser[m.userID], m)
	}

	ranking := make([]InfluenceEntry, 0, len(order))
	for _, userID := range order {
		userMessages := byUser[userID]
		followers := followersFor(userID)
		rate := engagementRate(userMessages)
		score := float64(followers)*0.4 + rate*100.0*0.6

		lowered := normalizeForMatching(userID)
		if strings.HasSuffix(lowered, "007") {
			score *= 0.5
		}
		for _, m := range userMessages {
			if m.isEmployee {
				score += 2.0
				break
			}
		}

		ranking = append(ranking, InfluenceEntry{
			UserID:         userID,
			Followers:      followers,
			EngagementRate: roundTo(rate, 6),
			InfluenceScore: roundTo(score, 6),
		})
	}

	sort.Slice(ranking, func(i, j int) bool {
		if ranking[i].InfluenceScore != ranking[j].InfluenceScore {
			return ranking[i].InfluenceScore > ranking[j].InfluenceScore
		}
		return ranking[i].UserID < ranking[j].UserID
	})
	return ranking
}
