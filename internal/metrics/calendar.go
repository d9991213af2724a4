// Package metrics computes operational metrics over conversations:
// first-response wait times, handle times, per-agent aggregates, and
// message volume distributions.
package metrics

import (
	"fmt"
	"time"
)

// DefaultTimezone is used when no timezone is configured.
const DefaultTimezone = "America/Sao_Paulo"

// Calendar decides whether a moment falls inside support business
// hours: Monday through Thursday 08:00-18:00, Friday 08:00-17:00,
// closed on weekends. Boundaries are half-open, so 08:00:00 counts and
// the closing hour does not.
type Calendar struct {
	loc *time.Location
}

// NewCalendar loads the given IANA timezone; empty means the default.
func NewCalendar(tz string) (*Calendar, error) {
	if tz == "" {
		tz = DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", tz, err)
	}
	return &Calendar{loc: loc}, nil
}

// InBusinessHours reports whether t falls inside business hours after
// conversion to the calendar's timezone.
func (c *Calendar) InBusinessHours(t time.Time) bool {
	local := t.In(c.loc)

	closeSecs := 18 * 3600
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	case time.Friday:
		closeSecs = 17 * 3600
	}

	secs := local.Hour()*3600 + local.Minute()*60 + local.Second()
	return secs >= 8*3600 && secs < closeSecs
}

// Location exposes the calendar's timezone for local-time bucketing.
func (c *Calendar) Location() *time.Location {
	return c.loc
}
