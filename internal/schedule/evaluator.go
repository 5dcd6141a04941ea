// Package schedule computes whether network access is currently allowed.
// Evaluation is a pure function of the clock, the schedule list and the
// usage counters, so it is fully deterministic under test.
package schedule

import (
	"time"
)

// Decision reason strings. The interception page and the daemon log match on
// these, so they are fixed.
const (
	ReasonAllowed    = "access allowed"
	ReasonOutside    = "outside allowed schedule"
	ReasonDailyLimit = "daily limit reached"
)

// Schedule is an allowed-access window owned by the external administrative
// store. End may be earlier than Start, denoting an overnight window.
type Schedule struct {
	Name    string         `json:"name"`
	Enabled bool           `json:"enabled"`
	Days    []time.Weekday `json:"days"`
	Start   string         `json:"start"` // HH:MM
	End     string         `json:"end"`   // HH:MM
}

// Usage carries the day's accumulated online seconds and the configured
// limit. Reset semantics belong to the external store.
type Usage struct {
	UsedSeconds       int  `json:"used_seconds"`
	DailyLimitMinutes int  `json:"daily_limit_minutes"`
	LimitEnabled      bool `json:"limit_enabled"`
}

// Decision is the evaluator's verdict. NextStart is the nearest future
// schedule start when access is denied by schedule, zero otherwise.
type Decision struct {
	Allowed   bool
	Reason    string
	NextStart time.Time
}

// Evaluate reports whether access is allowed at the given instant. An empty
// schedule list means no restrictions are configured and access is allowed
// (deliberate fail-open, not default-deny). A matched schedule can still be
// overridden by an exhausted daily usage limit.
func Evaluate(now time.Time, schedules []Schedule, usage Usage) Decision {
	if len(schedules) > 0 && !anyScheduleMatches(now, schedules) {
		return Decision{
			Allowed:   false,
			Reason:    ReasonOutside,
			NextStart: nextStart(now, schedules),
		}
	}

	if usage.LimitEnabled && usage.UsedSeconds >= usage.DailyLimitMinutes*60 {
		return Decision{Allowed: false, Reason: ReasonDailyLimit}
	}

	return Decision{Allowed: true, Reason: ReasonAllowed}
}

func anyScheduleMatches(now time.Time, schedules []Schedule) bool {
	for _, s := range schedules {
		if s.Enabled && matches(now, s) {
			return true
		}
	}
	return false
}

// matches checks a single schedule window. For a normal window the current
// weekday must be listed and start <= t < end. For an overnight window
// (start > end) the evening segment belongs to the listed weekday and the
// early-morning segment to the day after it, so before End we check
// yesterday's weekday.
func matches(now time.Time, s Schedule) bool {
	start, okStart := parseClock(s.Start)
	end, okEnd := parseClock(s.End)
	if !okStart || !okEnd {
		return false
	}

	t := now.Hour()*60 + now.Minute()

	if start <= end {
		return containsDay(s.Days, now.Weekday()) && t >= start && t < end
	}

	// Overnight window.
	if t >= start {
		return containsDay(s.Days, now.Weekday())
	}
	if t < end {
		yesterday := now.AddDate(0, 0, -1).Weekday()
		return containsDay(s.Days, yesterday)
	}
	return false
}

// NextAllowedStart computes the nearest future instant at which some enabled
// schedule opens, scanning up to a week ahead. Returns the zero time when no
// enabled schedule exists.
func NextAllowedStart(now time.Time, schedules []Schedule) time.Time {
	return nextStart(now, schedules)
}

func nextStart(now time.Time, schedules []Schedule) time.Time {
	var best time.Time
	for _, s := range schedules {
		if !s.Enabled {
			continue
		}
		start, ok := parseClock(s.Start)
		if !ok {
			continue
		}
		for dayOffset := 0; dayOffset < 8; dayOffset++ {
			day := now.AddDate(0, 0, dayOffset)
			if !containsDay(s.Days, day.Weekday()) {
				continue
			}
			candidate := time.Date(day.Year(), day.Month(), day.Day(),
				start/60, start%60, 0, 0, now.Location())
			if !candidate.After(now) {
				continue
			}
			if best.IsZero() || candidate.Before(best) {
				best = candidate
			}
			break
		}
	}
	return best
}

func containsDay(days []time.Weekday, day time.Weekday) bool {
	for _, d := range days {
		if d == day {
			return true
		}
	}
	return false
}

// parseClock converts "HH:MM" to minutes since midnight.
func parseClock(s string) (int, bool) {
	if len(s) != 5 || s[2] != ':' {
		return 0, false
	}
	h := int(s[0]-'0')*10 + int(s[1]-'0')
	m := int(s[3]-'0')*10 + int(s[4]-'0')
	if s[0] < '0' || s[0] > '9' || s[1] < '0' || s[1] > '9' ||
		s[3] < '0' || s[3] > '9' || s[4] < '0' || s[4] > '9' {
		return 0, false
	}
	if h > 23 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}
