// Package window computes the next instant at which a campaign may send,
// given its weekday/hour calendar in the campaign's timezone.
//
// All calendar arithmetic is done on wall-clock components in the policy's
// location and converted back with time.Date, so the offset used is the one
// in force on the resulting local date. Durations are never added to move
// between days.
package window

import (
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"

	appErrors "github.com/unclebandit/outreach-scheduler/internal/errors"
)

const (
	secondsPerDay = 24 * 60 * 60

	// maxDayJitter keeps a jittered window inside its own calendar day.
	maxDayJitter = 180

	// maxScanDays bounds the forward search; a week always contains an
	// active day, the slack covers DST normalisation retries.
	maxScanDays = 16
)

// Policy is a sending calendar: active weekdays and a local [start, end)
// hour range, optionally shifted per date by DayJitter minutes.
type Policy struct {
	Location   *time.Location
	StartHour  int
	EndHour    int
	ActiveDays [7]bool
	DayJitter  int
}

// NewPolicy builds and validates a Policy from campaign settings.
func NewPolicy(timezone string, startHour, endHour int, days []time.Weekday, dayJitter int) (Policy, error) {
	if timezone == "" {
		return Policy{}, appErrors.NewConfigError("timezone", "must name an IANA zone")
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return Policy{}, appErrors.NewConfigError("timezone", err.Error())
	}
	p := Policy{
		Location:  loc,
		StartHour: startHour,
		EndHour:   endHour,
		DayJitter: dayJitter,
	}
	for _, d := range days {
		if d < time.Sunday || d > time.Saturday {
			return Policy{}, appErrors.NewConfigError("active_days", fmt.Sprintf("unknown weekday %d", d))
		}
		p.ActiveDays[d] = true
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (p Policy) Validate() error {
	if p.Location == nil {
		return appErrors.NewConfigError("timezone", "missing location")
	}
	if p.StartHour < 0 || p.StartHour > 23 || p.EndHour < 1 || p.EndHour > 24 {
		return appErrors.NewConfigError("sending_hours", "hours must be within 0-24")
	}
	if p.StartHour >= p.EndHour {
		return appErrors.NewConfigError("sending_hours",
			fmt.Sprintf("start hour %d must be before end hour %d", p.StartHour, p.EndHour))
	}
	if p.DayJitter < 0 || p.DayJitter > maxDayJitter {
		return appErrors.NewConfigError("day_jitter_minutes",
			fmt.Sprintf("must be within 0-%d", maxDayJitter))
	}
	for _, on := range p.ActiveDays {
		if on {
			return nil
		}
	}
	return appErrors.NewConfigError("active_days", "at least one weekday is required")
}

// Bounds returns the window of the given local date as seconds since local
// midnight, [start, end).
func (p Policy) Bounds(year int, month time.Month, day int) (start, end int) {
	start = p.StartHour * 3600
	end = p.EndHour * 3600
	if p.DayJitter > 0 {
		off := DayOffset(time.Date(year, month, day, 0, 0, 0, 0, time.UTC), p.DayJitter) * 60
		start = clamp(start+off, 0, secondsPerDay-1)
		end = clamp(end+off, 1, secondsPerDay)
	}
	return start, end
}

// DayOffset derives a signed offset in [-maxMinutes, maxMinutes] from the ISO
// date of d. The same date always yields the same offset.
func DayOffset(d time.Time, maxMinutes int) int {
	if maxMinutes <= 0 {
		return 0
	}
	span := uint64(2*maxMinutes + 1)
	h := xxhash.Sum64String(d.Format(time.DateOnly))
	return int(h%span) - maxMinutes
}

// Contains reports whether t satisfies the policy.
func (p Policy) Contains(t time.Time) bool {
	local := t.In(p.Location)
	if !p.ActiveDays[local.Weekday()] {
		return false
	}
	y, m, d := local.Date()
	start, end := p.Bounds(y, m, d)
	tod := secondOfDay(local)
	return tod >= start && tod < end
}

// Next returns the earliest instant at or after candidate that satisfies p.
// A candidate that already satisfies p is returned unchanged.
func Next(candidate time.Time, p Policy) (time.Time, error) {
	if err := p.Validate(); err != nil {
		return time.Time{}, err
	}
	loc := p.Location
	cur := candidate.In(loc)
	moved := false
	for i := 0; i < maxScanDays; i++ {
		y, m, d := cur.Date()
		if p.ActiveDays[cur.Weekday()] {
			start, end := p.Bounds(y, m, d)
			tod := secondOfDay(cur)
			if tod < start {
				snapped := wallClock(y, m, d, start, loc)
				if p.Contains(snapped) {
					return snapped, nil
				}
				cur, moved = snapped, true
				continue
			}
			if tod < end {
				if !moved {
					return candidate, nil
				}
				return cur, nil
			}
		}
		cur, moved = wallClock(y, m, d+1, 0, loc), true
	}
	return time.Time{}, fmt.Errorf("no sending window found within %d days of %s", maxScanDays, candidate.Format(time.RFC3339))
}

// wallClock converts a local date and second-of-day to an instant using the
// offset in force on that date. A wall time that does not exist because of a
// DST gap resolves to the first instant after the gap, whichever way
// time.Date normalised it.
func wallClock(y int, m time.Month, d, sec int, loc *time.Location) time.Time {
	t := time.Date(y, m, d, sec/3600, sec%3600/60, sec%60, 0, loc)
	want := time.Date(y, m, d, sec/3600, sec%3600/60, sec%60, 0, time.UTC)
	got := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.UTC)
	zoneStart, zoneEnd := t.ZoneBounds()
	switch {
	case got.Before(want) && !zoneEnd.IsZero():
		return zoneEnd.In(loc)
	case got.After(want) && !zoneStart.IsZero():
		return zoneStart.In(loc)
	}
	return t
}

func secondOfDay(t time.Time) int {
	return t.Hour()*3600 + t.Minute()*60 + t.Second()
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
