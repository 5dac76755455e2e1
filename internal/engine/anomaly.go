package engine

import (
	"sort"
	"time"
)

// Anomaly type names persisted with the message.
const (
	AnomalyBurst        = "burst"
	AnomalyAlternation  = "alternation"
	AnomalySynchronized = "synchronized_posting"
)

// detectAnomaly checks the feed for the three anomaly shapes in priority
// order and returns the first hit: a burst (one author, more than ten
// messages inside a five-minute window), strict sentiment alternation
// (ten or more polar messages flip-flopping), or synchronized posting
// (three or more messages within two seconds across the whole feed).
func detectAnomaly(messages []analyzedMessage) (bool, *string) {
	order := make([]string, 0, len(messages))
	byUser := make(map[string][]analyzedMessage, len(messages))
	for _, m := range messages {
		if _, seen := byUser[m.userID]; !seen {
			order = append(order, m.userID)
		}
		byUser[m.userID] = append(byUser[m.userID], m)
	}

	for _, userID := range order {
		timestamps := make([]time.Time, 0, len(byUser[userID]))
		for _, m := range byUser[userID] {
			timestamps = append(timestamps, m.timestamp)
		}
		sort.Slice(timestamps, func(i, j int) bool { return timestamps[i].Before(timestamps[j]) })

		for idx := range timestamps {
			limit := timestamps[idx].Add(5 * time.Minute)
			burstSize := 1
			for inner := idx + 1; inner < len(timestamps) && !timestamps[inner].After(limit); inner++ {
				burstSize++
			}
			if burstSize > 10 {
				return true, anomalyType(AnomalyBurst)
			}
		}
	}

	for _, userID := range order {
		ordered := sortMessagesByTime(byUser[userID])
		labels := make([]string, 0, len(ordered))
		for _, m := range ordered {
			if m.label == labelPositive || m.label == labelNegative {
				labels = append(labels, m.label)
			}
		}
		if len(labels) < 10 {
			continue
		}
		alternating := true
		for idx := 1; idx < len(labels); idx++ {
			if labels[idx] == labels[idx-1] {
				alternating = false
				break
			}
		}
		if alternating {
			return true, anomalyType(AnomalyAlternation)
		}
	}

	if len(messages) >= 3 {
		times := make([]time.Time, 0, len(messages))
		for _, m := range messages {
			times = append(times, m.timestamp)
		}
		sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
		if times[len(times)-1].Sub(times[0]) <= 2*time.Second {
			return true, anomalyType(AnomalySynchronized)
		}
	}

	return false, nil
}

func anomalyType(name string) *string {
	return &name
}
