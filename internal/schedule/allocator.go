package schedule

import (
	"fmt"
	"sort"

	"weekplan/pkg/logx"
)

// Options selects optional allocator strategies. The DP lateness
// refinement is never run unless explicitly requested.
type Options struct {
	Lateness bool // run the lateness-minimizing DP pass over deadline tasks
	Log      logx.Logger
}

// Allocate runs one full allocation pass: priority propagation, fixed-task
// insertion with conflict eviction, greedy placement, the optional DP
// lateness refinement, and backtracking over whatever is left.
//
// Input tasks are annotated in place (Priority, Start/End, Rescheduled) and
// referenced from the returned Report. Only structural failures (dependency
// cycle, invalid grid) return an error; per-task failures are collected in
// Report.Unplaced.
//
// The run owns its grid and completed-set exclusively; callers must
// serialize runs per schedule instance or allocate from fresh task records.
func Allocate(tasks []*Task, gridCfg GridConfig, opts Options) (*Report, error) {
	if err := PropagatePriorities(tasks); err != nil {
		return nil, err
	}
	grid, err := NewGrid(gridCfg)
	if err != nil {
		return nil, err
	}

	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}

	r := &run{
		grid:      grid,
		tasks:     tasks,
		byID:      make(map[string]int, len(tasks)),
		completed: make(map[int]bool, len(tasks)),
		failures:  make(map[int]Failure),
		log:       log,
	}
	for h, t := range tasks {
		r.byID[t.ID] = h
	}

	r.placeFixed()
	r.placeFlexible()
	if opts.Lateness {
		r.refineLateness()
	}
	r.backtrackRemaining()

	return r.report(), nil
}

// run is the allocator context for exactly one pass: the grid, the task
// arena (tasks addressed by integer handle), the completed-set gating
// dependency readiness, and collected per-task failures.
type run struct {
	grid  *Grid
	tasks []*Task
	byID  map[string]int

	completed map[int]bool
	order     []int // placement order, for the result list

	failures map[int]Failure
	log      logx.Logger
}

func (r *run) fail(h int, reason FailureReason, detail string) {
	r.failures[h] = Failure{TaskID: r.tasks[h].ID, Reason: reason, Detail: detail}
	r.log.Debug("task unplaced",
		logx.String("task", r.tasks[h].ID),
		logx.String("reason", string(reason)),
		logx.String("detail", detail))
}

func (r *run) report() *Report {
	rep := &Report{}
	for _, h := range r.order {
		rep.Placed = append(rep.Placed, r.tasks[h])
	}
	// A task placed by a later phase clears any earlier failure.
	handles := make([]int, 0, len(r.failures))
	for h := range r.failures {
		if !r.completed[h] {
			handles = append(handles, h)
		}
	}
	sort.Ints(handles)
	for _, h := range handles {
		rep.Unplaced = append(rep.Unplaced, r.failures[h])
	}
	return rep
}

// ---- shared placement primitives ----

// windowState classifies the slots a candidate placement would cover.
type windowState struct {
	free      bool
	hasBreak  bool
	conflicts []int // distinct task handles occupying slots in the window
}

// inspect examines [start, start+need) plus the trailing rest extension.
// The rest extension is truncated at the grid boundary.
func (r *run) inspect(start, need int) windowState {
	st := windowState{free: true}
	end := start + need + r.grid.BreakSlots()
	if end > r.grid.Len() {
		end = r.grid.Len()
	}
	if start+need > r.grid.Len() {
		st.free = false
		st.hasBreak = true // off-grid counts as unusable
		return st
	}
	seen := map[int]bool{}
	for i := start; i < end; i++ {
		s := r.grid.Slot(i)
		if s.BreakEligible {
			st.free = false
			st.hasBreak = true
			continue
		}
		if !s.Occupied {
			continue
		}
		st.free = false
		if s.Occupant == NoTask {
			st.hasBreak = true
			continue
		}
		if !seen[s.Occupant] {
			seen[s.Occupant] = true
			st.conflicts = append(st.conflicts, s.Occupant)
		}
	}
	return st
}

// occupy commits task h to slots [start, start+need) and reserves the
// mandatory rest after it (truncated at the grid boundary). The caller
// must have verified the window is free.
func (r *run) occupy(h, start, need int) {
	for i := start; i < start+need; i++ {
		s := r.grid.Slot(i)
		s.Occupied = true
		s.Occupant = h
	}
	restEnd := start + need + r.grid.BreakSlots()
	if restEnd > r.grid.Len() {
		restEnd = r.grid.Len()
	}
	for i := start + need; i < restEnd; i++ {
		s := r.grid.Slot(i)
		s.Occupied = true
		s.Occupant = NoTask
	}
	t := r.tasks[h]
	t.setPlacement(r.grid.Slot(start).StartMin, r.grid.Slot(start+need-1).EndMin)
	r.completed[h] = true
	r.order = append(r.order, h)
}

// release undoes a placement: frees the task's slots and its trailing rest,
// clears Start/End, and removes the task from the completed-set and the
// result list. Undo is index-addressed; nothing else moves.
func (r *run) release(h int) {
	lastIdx := -1
	for i := 0; i < r.grid.Len(); i++ {
		s := r.grid.Slot(i)
		if s.Occupant == h {
			s.Occupied = false
			s.Occupant = NoTask
			lastIdx = i
		}
	}
	if lastIdx >= 0 {
		for i := lastIdx + 1; i < r.grid.Len() && i <= lastIdx+r.grid.BreakSlots(); i++ {
			s := r.grid.Slot(i)
			if !s.Occupied || s.Occupant != NoTask || s.BreakEligible {
				break
			}
			s.Occupied = false
		}
	}
	r.tasks[h].clearPlacement()
	delete(r.completed, h)
	for i, ph := range r.order {
		if ph == h {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// ---- fixed-task insertion (runs first) ----

func (r *run) placeFixed() {
	fixed := make([]int, 0)
	for h, t := range r.tasks {
		if t.IsFixed() {
			fixed = append(fixed, h)
		}
	}
	// Fixed insertion evicts whatever conflicts, so the last task placed
	// into a contested window keeps it. Ascending priority order makes
	// that the highest-priority fixed task.
	sort.SliceStable(fixed, func(i, j int) bool {
		return r.tasks[fixed[i]].Priority < r.tasks[fixed[j]].Priority
	})

	for _, h := range fixed {
		r.placeFixedTask(h)
	}
}

func (r *run) placeFixedTask(h int) {
	t := r.tasks[h]
	// The explicit window is authoritative for the slot range; Duration
	// and Estimate only matter if the task gets rerouted to greedy.
	need := *t.FixedEnd - *t.FixedStart
	if need <= 0 {
		var ok bool
		if need, ok = t.NeedMinutes(); !ok {
			r.fail(h, ReasonNoDuration, "no duration or estimate")
			return
		}
	}

	start, okStart := r.grid.IndexOf(*t.FixedStart)
	if !okStart || !r.fixedWindowOnGrid(*t.FixedStart, need) {
		r.fail(h, ReasonOutsideHours,
			fmt.Sprintf("fixed window [%d,%d) outside working hours", *t.FixedStart, *t.FixedStart+need))
		return
	}

	st := r.inspect(start, need)
	switch {
	case st.free:
		r.occupy(h, start, need)
	case st.hasBreak:
		// Breaks cannot be evicted: the fixed placement is infeasible
		// outright and the task is handed to greedy placement instead.
		t.Rescheduled = true
		if !r.placeGreedy(h, true) {
			r.fail(h, ReasonNoWindow, "fixed window blocked by break, no alternative window")
		}
	default:
		evicted := st.conflicts
		for _, c := range evicted {
			r.log.Debug("evicting task",
				logx.String("task", r.tasks[c].ID),
				logx.String("for", t.ID))
			r.release(c)
		}
		r.occupy(h, start, need)
		// Re-place evicted tasks; re-placing may itself trigger further
		// evictions (recursively, against lower-priority occupants only).
		for _, c := range evicted {
			r.tasks[c].Rescheduled = true
			if !r.placeGreedy(c, true) {
				r.fail(c, ReasonEvictionDeadlock,
					fmt.Sprintf("evicted for %q and could not be re-placed", t.ID))
			}
		}
	}
}

// fixedWindowOnGrid verifies every minute of the fixed window is within
// working hours and maps to contiguous slots.
func (r *run) fixedWindowOnGrid(startMin, need int) bool {
	prev := -1
	for m := startMin; m < startMin+need; m++ {
		idx, ok := r.grid.IndexOf(m)
		if !ok {
			return false
		}
		if prev >= 0 && idx != prev+1 {
			return false
		}
		prev = idx
	}
	return true
}
