package service

import (
	"strconv"
	"strings"
	"time"
)

const defaultTimeframe = 7 * 24 * time.Hour

// ParseTimeframe turns phrases like "last 7 days", "last week", "this month",
// "today" or "last 12 hours" into a [from, to] range ending at now.
// Unrecognized phrases fall back to the last seven days.
func ParseTimeframe(raw string, now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	text := strings.Join(strings.Fields(strings.ToLower(raw)), " ")
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	switch text {
	case "today":
		return midnight, now
	case "yesterday":
		return midnight.AddDate(0, 0, -1), midnight
	case "this week":
		offset := (int(now.Weekday()) + 6) % 7
		return midnight.AddDate(0, 0, -offset), now
	case "this month":
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC), now
	case "this year":
		return time.Date(now.Year(), 1, 1, 0, 0, 0, 0, time.UTC), now
	case "last day", "last 24 hours":
		return now.Add(-24 * time.Hour), now
	case "last week":
		return now.AddDate(0, 0, -7), now
	case "last month":
		return now.AddDate(0, 0, -30), now
	}

	fields := strings.Fields(text)
	if len(fields) == 3 && (fields[0] == "last" || fields[0] == "past") {
		n, err := strconv.Atoi(fields[1])
		if err == nil && n > 0 {
			switch strings.TrimSuffix(fields[2], "s") {
			case "hour":
				return now.Add(-time.Duration(n) * time.Hour), now
			case "day":
				return now.AddDate(0, 0, -n), now
			case "week":
				return now.AddDate(0, 0, -7*n), now
			case "month":
				return now.AddDate(0, -n, 0), now
			}
		}
	}
	return now.Add(-defaultTimeframe), now
}
