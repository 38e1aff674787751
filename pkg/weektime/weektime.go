// Package weektime converts between wall-clock notation and the scheduler's
// single time unit: integer minutes from the start of an abstract week
// (Monday 00:00 = minute 0).
package weektime

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	MinutesPerDay  = 24 * 60
	DaysPerWeek    = 7
	MinutesPerWeek = DaysPerWeek * MinutesPerDay
)

// timestampLayout matches the wire format used by task payloads,
// e.g. "Mon Nov 11 2024 09:00:00". A trailing " GMT..." zone suffix
// is stripped before parsing.
const timestampLayout = "Mon Jan 2 2006 15:04:05"

var durationPattern = regexp.MustCompile(`^(?:(\d+)\s*hour[s]?)?\s*(?:(\d+)\s*minute[s]?)?$`)

// DayOfWeek returns the day index (Monday=0) for a minute-of-week.
func DayOfWeek(minute int) int { return minute / MinutesPerDay }

// MinuteOfDay returns minutes since midnight for a minute-of-week.
func MinuteOfDay(minute int) int { return minute % MinutesPerDay }

// ParseClock parses "HH:MM" into minutes since midnight.
func ParseClock(s string) (int, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h*60 + m, nil
}

// FormatClock renders minutes since midnight as "HH:MM".
func FormatClock(minute int) string {
	return fmt.Sprintf("%02d:%02d", minute/60, minute%60)
}

// ParseTimestamp parses a task payload timestamp like
// "Mon Nov 11 2024 09:00:00 GMT-0500 (Eastern Standard Time)" and returns its
// minute-of-week. Only weekday and time-of-day matter; the calendar date is
// discarded.
func ParseTimestamp(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty timestamp")
	}
	if i := strings.Index(s, " GMT"); i >= 0 {
		s = s[:i]
	}
	t, err := time.Parse(timestampLayout, s)
	if err != nil {
		return 0, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	day := (int(t.Weekday()) + 6) % 7 // Monday=0
	return day*MinutesPerDay + t.Hour()*60 + t.Minute(), nil
}

// ParseHumanDuration parses durations like "1 hour", "2 hours 30 minutes" or
// "90 minutes" into whole minutes.
func ParseHumanDuration(s string) (int, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	m := durationPattern.FindStringSubmatch(s)
	if m == nil || (m[1] == "" && m[2] == "") {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	var total int
	if m[1] != "" {
		h, _ := strconv.Atoi(m[1])
		total += h * 60
	}
	if m[2] != "" {
		mins, _ := strconv.Atoi(m[2])
		total += mins
	}
	return total, nil
}

// FormatHumanDuration renders whole minutes as "N minutes".
func FormatHumanDuration(minutes int) string {
	return fmt.Sprintf("%d minutes", minutes)
}

// WeekStart returns the most recent Monday 00:00 at or before now,
// in now's location.
func WeekStart(now time.Time) time.Time {
	day := (int(now.Weekday()) + 6) % 7
	monday := now.AddDate(0, 0, -day)
	return time.Date(monday.Year(), monday.Month(), monday.Day(), 0, 0, 0, 0, now.Location())
}

// ToTime anchors a minute-of-week to a concrete week start.
func ToTime(weekStart time.Time, minute int) time.Time {
	return weekStart.Add(time.Duration(minute) * time.Minute)
}

// FormatTimestamp renders a minute-of-week in the task payload wire format,
// anchored to weekStart.
func FormatTimestamp(weekStart time.Time, minute int) string {
	return ToTime(weekStart, minute).Format(timestampLayout)
}
