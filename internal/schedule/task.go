// Package schedule implements the weekly allocation core: dependency
// priority propagation, priority ordering, the minute-granular slot grid,
// and the multi-strategy slot allocator.
package schedule

// Task is one schedulable unit of work. All time fields are integer
// minutes from the start of the week (Monday 00:00 = 0). Nullable fields
// are pointers; a nil Duration falls back to Estimate, and a task with
// neither is reported unschedulable rather than treated as an error.
//
// Priority and Start/End are mutated in place by PropagatePriorities and
// Allocate respectively; callers own the records before and after a run.
type Task struct {
	ID        string
	Priority  int
	DependsOn []string

	Duration *int // minutes
	Estimate *int // minutes, used when Duration is nil
	Deadline *int // minute-of-week

	// FixedStart/FixedEnd, when both set, pin the task to an explicit
	// window. The allocator may still move it (eviction), in which case
	// Rescheduled is set.
	FixedStart *int
	FixedEnd   *int

	Start *int
	End   *int

	Rescheduled bool
}

// IsFixed reports whether the task carries an explicit start/end window.
func (t *Task) IsFixed() bool { return t.FixedStart != nil && t.FixedEnd != nil }

// NeedMinutes returns the minutes the task occupies when placed:
// Duration, else Estimate, else the fixed window length. The second
// return is false when none of those are available.
func (t *Task) NeedMinutes() (int, bool) {
	if t.Duration != nil && *t.Duration > 0 {
		return *t.Duration, true
	}
	if t.Estimate != nil && *t.Estimate > 0 {
		return *t.Estimate, true
	}
	if t.IsFixed() && *t.FixedEnd > *t.FixedStart {
		return *t.FixedEnd - *t.FixedStart, true
	}
	return 0, false
}

// setPlacement records concrete start/end minutes on the task.
func (t *Task) setPlacement(start, end int) {
	s, e := start, end
	t.Start = &s
	t.End = &e
}

func (t *Task) clearPlacement() {
	t.Start = nil
	t.End = nil
}

// Report is the outcome of one allocation run: every input task is either
// in Placed (annotated with Start/End) or accounted for in Unplaced.
// There is no silent partial schedule.
type Report struct {
	Placed   []*Task
	Unplaced []Failure
}

// IntPtr is a convenience for building Task literals.
func IntPtr(v int) *int { return &v }
