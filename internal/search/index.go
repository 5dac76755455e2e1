package search

import "time"

// DailyIndex names the index for documents stamped at ts: the prefix
// plus the day in the service timezone, Elasticsearch-style
// ("projetombras-api-events-2026.02.20").
func DailyIndex(prefix string, ts time.Time, loc *time.Location) string {
	return prefix + "-" + ts.In(loc).Format("2006.01.02")
}
