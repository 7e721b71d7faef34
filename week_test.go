package d3

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCurrentWeek(t *testing.T) {
	chicago, err := time.LoadLocation("America/Chicago")
	require.NoError(t, err)

	cases := []struct {
		name  string
		start string
		tz    string
		now   time.Time
		want  int
	}{
		{"start day", "2026-01-04", "UTC", time.Date(2026, 1, 4, 8, 0, 0, 0, time.UTC), 1},
		{"day six", "2026-01-04", "UTC", time.Date(2026, 1, 10, 23, 59, 0, 0, time.UTC), 1},
		{"day seven", "2026-01-04", "UTC", time.Date(2026, 1, 11, 0, 0, 0, 0, time.UTC), 2},
		{"week three", "2026-01-04", "", time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC), 3},
		{"before start", "2026-01-04", "UTC", time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC), 1},
		// 03:00 UTC on the 11th is still the 10th in Chicago.
		{"group timezone", "2026-01-04", "America/Chicago", time.Date(2026, 1, 11, 3, 0, 0, 0, time.UTC), 1},
		{"across dst", "2026-03-01", "America/Chicago", time.Date(2026, 3, 15, 0, 30, 0, 0, chicago), 3},
		{"unknown timezone", "2026-01-04", "Mars/Olympus", time.Date(2026, 1, 11, 0, 0, 0, 0, time.UTC), 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := CurrentWeek(tc.start, tc.tz, tc.now)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err = CurrentWeek("January 4", "UTC", time.Now())
	assert.Error(t, err)
}

func TestWeekResponsesComplete(t *testing.T) {
	w := WeekResponses{Cells: make(map[CellKey]string)}
	for p := 1; p <= 2; p++ {
		for r := 1; r <= ResponsesPerPassage; r++ {
			w.Cells[CellKey{PassageKey: PassageKey(p), ResponseKey: ResponseKey(r)}] = "ok"
		}
	}
	assert.True(t, w.Complete(2))
	assert.False(t, w.Complete(3))
	assert.False(t, w.Complete(0))

	w.Cells[CellKey{PassageKey: "p2", ResponseKey: "r4"}] = "   "
	assert.False(t, w.Complete(2))
}
