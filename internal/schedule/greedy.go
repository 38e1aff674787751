package schedule

import "fmt"

// placeFlexible runs the greedy phase: pop the highest-priority remaining
// flexible task, defer it to the back if its dependencies are not all in
// the completed-set, and otherwise place it in the first feasible window.
// A full pass with zero placements terminates the phase.
func (r *run) placeFlexible() {
	flexible := make([]int, 0, len(r.tasks))
	for h, t := range r.tasks {
		if t.IsFixed() || r.completed[h] {
			continue
		}
		if _, failed := r.failures[h]; failed {
			continue
		}
		if _, ok := t.NeedMinutes(); !ok {
			r.fail(h, ReasonNoDuration, "no duration or estimate")
			continue
		}
		flexible = append(flexible, h)
	}

	q := newTaskQueue(r.tasks, flexible)
	deferred := 0
	for q.len() > 0 {
		h, _ := q.popFront()
		ready, unknown := r.depsReady(h)
		if unknown != "" {
			r.fail(h, ReasonDepsUnmet, fmt.Sprintf("unknown dependency %q", unknown))
			deferred = 0
			continue
		}
		if !ready {
			q.pushBack(h)
			deferred++
			if deferred > q.len() {
				// No placement in a full pass: the rest can never become
				// ready in this phase.
				for {
					rest, ok := q.popFront()
					if !ok {
						break
					}
					r.fail(rest, ReasonDepsUnmet, "dependencies never placed")
				}
				return
			}
			continue
		}
		deferred = 0
		if !r.placeGreedy(h, true) {
			r.fail(h, ReasonNoWindow, "no free window within feasible range")
		}
	}
}

// depsReady reports whether all dependencies of h are in the completed-set.
// The second return names an unknown dependency ID, if any.
func (r *run) depsReady(h int) (bool, string) {
	for _, dep := range r.tasks[h].DependsOn {
		dh, ok := r.byID[dep]
		if !ok {
			return false, dep
		}
		if !r.completed[dh] {
			return false, ""
		}
	}
	return true, ""
}

// feasibleBounds computes the candidate start-index window for task h:
// bounded below by dependency completion and above by deadline minus
// duration minus the mandatory rest.
func (r *run) feasibleBounds(h int) (lo, hi int, ok bool) {
	t := r.tasks[h]
	need, okNeed := t.NeedMinutes()
	if !okNeed {
		return 0, 0, false
	}

	lo = 0
	for _, dep := range t.DependsOn {
		dh, known := r.byID[dep]
		if !known || !r.completed[dh] {
			return 0, 0, false
		}
		dt := r.tasks[dh]
		if dt.End == nil {
			return 0, 0, false
		}
		endIdx := r.grid.LastIndexEndingBy(*dt.End)
		if endIdx+1 > lo {
			lo = endIdx + 1
		}
	}

	hi = r.grid.Len() - need - r.grid.BreakSlots()
	if t.Deadline != nil {
		ceil := r.grid.LastIndexEndingBy(*t.Deadline)
		byDeadline := ceil + 1 - need - r.grid.BreakSlots()
		if byDeadline < hi {
			hi = byDeadline
		}
	}
	// A placed dependent bounds the window from above: this task must end
	// no later than the dependent starts. Matters when a later phase
	// re-seats a dependency whose dependents stayed placed.
	for dh, dt := range r.tasks {
		if !r.completed[dh] || dt.Start == nil {
			continue
		}
		for _, dep := range dt.DependsOn {
			if dep != t.ID {
				continue
			}
			if idx, known := r.grid.IndexOf(*dt.Start); known {
				if byDep := idx - need; byDep < hi {
					hi = byDep
				}
			}
			break
		}
	}
	if hi > r.grid.Len()-need {
		hi = r.grid.Len() - need
	}
	if hi < lo {
		return 0, 0, false
	}
	return lo, hi, true
}

// placeGreedy scans candidate start indices ascending and commits the
// first window that is fully free, or (when allowEvict is set) whose
// conflicts are all strictly lower priority and can be evicted. Evicted
// tasks are immediately re-placed greedily and marked rescheduled; one
// that cannot be re-placed is an eviction deadlock and its hole stays
// free. Windows containing breaks are never usable.
func (r *run) placeGreedy(h int, allowEvict bool) bool {
	t := r.tasks[h]
	need, okNeed := t.NeedMinutes()
	if !okNeed {
		return false
	}
	lo, hi, ok := r.feasibleBounds(h)
	if !ok {
		return false
	}

	for start := lo; start <= hi; start++ {
		st := r.inspect(start, need)
		if st.free {
			r.occupy(h, start, need)
			return true
		}
		if st.hasBreak || !allowEvict || len(st.conflicts) == 0 {
			continue
		}
		evictable := true
		for _, c := range st.conflicts {
			if r.tasks[c].Priority >= t.Priority {
				evictable = false
				break
			}
		}
		if !evictable {
			continue
		}
		for _, c := range st.conflicts {
			r.release(c)
		}
		// Re-check: eviction freed the conflicts, but their rest slots may
		// have been shared with a neighbor.
		if again := r.inspect(start, need); !again.free {
			for _, c := range st.conflicts {
				r.tasks[c].Rescheduled = true
				if !r.placeGreedy(c, true) {
					r.fail(c, ReasonEvictionDeadlock,
						fmt.Sprintf("evicted for %q and could not be re-placed", t.ID))
				}
			}
			continue
		}
		r.occupy(h, start, need)
		for _, c := range st.conflicts {
			r.tasks[c].Rescheduled = true
			if !r.placeGreedy(c, true) {
				r.fail(c, ReasonEvictionDeadlock,
					fmt.Sprintf("evicted for %q and could not be re-placed", t.ID))
			}
		}
		return true
	}
	return false
}
