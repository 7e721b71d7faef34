package d3

import (
	"fmt"
	"strings"
	"time"
)

// CurrentWeek returns the 1-based study week for a group that started on
// startDate ("YYYY-MM-DD") as of now, counted in the group's timezone. Days
// before the start date count as week 1. An empty or unknown timezone falls
// back to UTC.
func CurrentWeek(startDate, timezone string, now time.Time) (int, error) {
	loc := time.UTC
	if tz := strings.TrimSpace(timezone); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}
	start, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(startDate), loc)
	if err != nil {
		return 0, fmt.Errorf("parse start date %q: %w", startDate, err)
	}
	n := now.In(loc)

	// Count calendar days on UTC midnights so DST shifts do not move the boundary.
	from := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	to := time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, time.UTC)
	days := int(to.Sub(from).Hours() / 24)
	week := days/7 + 1
	if days < 0 {
		week = 1
	}
	return week, nil
}
