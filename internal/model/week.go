package model

import "time"

// WeekStart returns the Monday 00:00:00 UTC that starts the week
// containing t.
func WeekStart(t time.Time) time.Time {
	t = t.UTC()
	offset := (int(t.Weekday()) + 6) % 7
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return day.AddDate(0, 0, -offset)
}

// WeekRange returns the analysis window for the week containing t:
// Monday 00:00:00 through Sunday 23:59:59 UTC. Weekend activity stays
// inside its own week's bucket; business hours only govern response
// time metrics, never which conversations get analyzed. All week
// bucketing in the pipeline goes through here so stored rows and dedup
// keys agree.
func WeekRange(t time.Time) (start, end time.Time) {
	start = WeekStart(t)
	end = start.AddDate(0, 0, 6).Add(23*time.Hour + 59*time.Minute + 59*time.Second)
	return start, end
}

// WeekKey formats a week start for storage keys and CLI flags.
func WeekKey(start time.Time) string {
	return start.UTC().Format("2006-01-02")
}

// ParseWeek parses a --week flag value (YYYY-MM-DD, any day of the
// target week) into its canonical range.
func ParseWeek(s string) (start, end time.Time, err error) {
	t, err := time.ParseInLocation("2006-01-02", s, time.UTC)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	start, end = WeekRange(t)
	return start, end, nil
}
