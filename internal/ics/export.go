// Package ics renders a placed weekly schedule as an iCalendar feed,
// anchored to a concrete week so calendar clients can subscribe to it.
package ics

import (
	"fmt"
	"os"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/google/uuid"

	"weekplan/internal/schedule"
	"weekplan/pkg/weektime"
)

// BuildCalendar creates one VEVENT per placed task, anchored to weekStart.
// Tasks without a placement are skipped; the report already accounts for
// them.
func BuildCalendar(weekStart time.Time, tasks []*schedule.Task) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId("-//weekplan//weekly schedule//EN")

	now := time.Now().UTC()
	for _, t := range tasks {
		if t.Start == nil || t.End == nil {
			continue
		}
		ev := cal.AddEvent(uuid.NewString())
		ev.SetCreatedTime(now)
		ev.SetDtStampTime(now)
		ev.SetStartAt(weektime.ToTime(weekStart, *t.Start))
		ev.SetEndAt(weektime.ToTime(weekStart, *t.End))
		ev.SetSummary(t.ID)
		if desc := describe(t); desc != "" {
			ev.SetDescription(desc)
		}
	}
	return cal
}

// describe mirrors the detail block shown under each event: dependencies,
// deadline and the original effort estimate.
func describe(t *schedule.Task) string {
	var lines []string
	if len(t.DependsOn) > 0 {
		lines = append(lines, "Dependencies: "+strings.Join(t.DependsOn, ", "))
	}
	if t.Deadline != nil {
		lines = append(lines, fmt.Sprintf("Deadline: day %d at %s",
			weektime.DayOfWeek(*t.Deadline)+1,
			weektime.FormatClock(weektime.MinuteOfDay(*t.Deadline))))
	}
	if need, ok := t.NeedMinutes(); ok {
		lines = append(lines, "Estimated time: "+weektime.FormatHumanDuration(need))
	}
	if t.Rescheduled {
		lines = append(lines, "Rescheduled from its requested window")
	}
	return strings.Join(lines, "\n")
}

// WriteFile serializes the calendar for weekStart into path, atomically.
func WriteFile(path string, weekStart time.Time, tasks []*schedule.Task) error {
	cal := BuildCalendar(weekStart, tasks)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(cal.Serialize()), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
