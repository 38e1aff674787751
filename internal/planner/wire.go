package planner

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"weekplan/internal/schedule"
	"weekplan/pkg/weektime"
)

// WireTask is the JSON task shape exchanged with clients. Times are
// human-readable timestamps ("Mon Nov 11 2024 09:00:00 GMT-0500 (...)");
// estimatedTime is a phrase like "2 hours 30 minutes". Only the weekday
// and time-of-day of a timestamp matter.
type WireTask struct {
	Title         string   `json:"title"`
	Details       string   `json:"details"`
	Priority      int      `json:"priority"`
	Dependencies  []string `json:"dependencies"`
	StartTime     *string  `json:"startTime"`
	EndTime       *string  `json:"endTime"`
	Location      string   `json:"location,omitempty"`
	Movable       bool     `json:"movable"`
	Deadline      *string  `json:"deadline"`
	EstimatedTime string   `json:"estimatedTime"`
	Type          string   `json:"type,omitempty"`
	Rescheduled   bool     `json:"rescheduled,omitempty"`
}

// TaskSet is a client task collection keyed by task ID.
type TaskSet map[string]WireTask

// DecodeTaskSet strictly parses a raw task set payload.
func DecodeTaskSet(raw json.RawMessage) (TaskSet, error) {
	var set TaskSet
	if err := json.Unmarshal(raw, &set); err != nil {
		return nil, fmt.Errorf("invalid task set: %w", err)
	}
	return set, nil
}

// ToSchedule lowers a wire task set into allocator records, in a
// deterministic (ID-sorted) order so equal-priority ties are stable
// across runs.
func (set TaskSet) ToSchedule() ([]*schedule.Task, error) {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]*schedule.Task, 0, len(ids))
	for _, id := range ids {
		w := set[id]
		t := &schedule.Task{
			ID:        id,
			Priority:  w.Priority,
			DependsOn: append([]string(nil), w.Dependencies...),
		}

		if w.EstimatedTime != "" {
			mins, err := weektime.ParseHumanDuration(w.EstimatedTime)
			if err != nil {
				return nil, fmt.Errorf("task %q: %w", id, err)
			}
			if mins > 0 {
				t.Duration = schedule.IntPtr(mins)
				t.Estimate = schedule.IntPtr(mins)
			}
		}

		start, err := parseOptionalTime(id, "startTime", w.StartTime)
		if err != nil {
			return nil, err
		}
		end, err := parseOptionalTime(id, "endTime", w.EndTime)
		if err != nil {
			return nil, err
		}
		// A task carrying both endpoints is pinned to that window.
		if start != nil && end != nil {
			if *end <= *start {
				return nil, fmt.Errorf("task %q: endTime not after startTime", id)
			}
			t.FixedStart = start
			t.FixedEnd = end
		}

		if t.Deadline, err = parseOptionalTime(id, "deadline", w.Deadline); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func parseOptionalTime(id, field string, raw *string) (*int, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}
	m, err := weektime.ParseTimestamp(*raw)
	if err != nil {
		return nil, fmt.Errorf("task %q: %s: %w", id, field, err)
	}
	return schedule.IntPtr(m), nil
}

// FromSchedule merges allocation results back into the wire shape: the
// original per-task fields are preserved, with placement times, the
// effective priority and the normalized estimate overwritten.
func FromSchedule(set TaskSet, weekStart time.Time, tasks []*schedule.Task) TaskSet {
	out := make(TaskSet, len(tasks))
	for _, t := range tasks {
		w := set[t.ID]
		w.Priority = t.Priority
		w.Rescheduled = t.Rescheduled
		if t.Start != nil && t.End != nil {
			s := weektime.FormatTimestamp(weekStart, *t.Start)
			e := weektime.FormatTimestamp(weekStart, *t.End)
			w.StartTime = &s
			w.EndTime = &e
		} else {
			w.StartTime = nil
			w.EndTime = nil
		}
		if need, ok := t.NeedMinutes(); ok {
			w.EstimatedTime = weektime.FormatHumanDuration(need)
		}
		out[t.ID] = w
	}
	return out
}
