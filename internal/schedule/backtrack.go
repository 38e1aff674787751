package schedule

import (
	"sort"
	"strconv"
	"strings"
)

// backtrackRemaining is the last-resort strategy: exhaustive depth-first
// assignment over everything still unscheduled after the earlier phases.
// Placement undo is index-addressed (release by handle); a memoization
// cache keyed by the value tuple of remaining (handle, start) states
// prevents revisiting failed subproblems.
func (r *run) backtrackRemaining() {
	var rem []int
	for h, t := range r.tasks {
		if r.completed[h] {
			continue
		}
		if f, failed := r.failures[h]; failed {
			// Terminal classifications stay terminal.
			if f.Reason == ReasonNoDuration || f.Reason == ReasonOutsideHours {
				continue
			}
		}
		if _, ok := t.NeedMinutes(); !ok {
			continue
		}
		rem = append(rem, h)
	}
	if len(rem) == 0 {
		return
	}

	// Search heuristic: priority desc, then deadline asc (none last), then
	// duration desc.
	sort.SliceStable(rem, func(i, j int) bool {
		a, b := r.tasks[rem[i]], r.tasks[rem[j]]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		switch {
		case a.Deadline != nil && b.Deadline != nil && *a.Deadline != *b.Deadline:
			return *a.Deadline < *b.Deadline
		case (a.Deadline != nil) != (b.Deadline != nil):
			return a.Deadline != nil
		}
		an, _ := a.NeedMinutes()
		bn, _ := b.NeedMinutes()
		return an > bn
	})

	memo := make(map[string]bool)
	if r.backtrack(rem, memo) {
		for _, h := range rem {
			delete(r.failures, h)
		}
		return
	}
	for _, h := range rem {
		if r.completed[h] {
			continue
		}
		if _, seen := r.failures[h]; !seen {
			r.fail(h, ReasonNoWindow, "backtracking search exhausted")
		}
	}
}

func (r *run) backtrack(rem []int, memo map[string]bool) bool {
	pending := rem[:0:0]
	for _, h := range rem {
		if !r.completed[h] {
			pending = append(pending, h)
		}
	}
	if len(pending) == 0 {
		return true
	}

	key := stateKey(r.tasks, rem)
	if v, ok := memo[key]; ok {
		return v
	}

	for _, h := range pending {
		if ready, _ := r.depsReady(h); !ready {
			continue
		}
		need, _ := r.tasks[h].NeedMinutes()
		lo, hi, ok := r.feasibleBounds(h)
		if !ok {
			continue
		}
		// A fixed task reaching this phase lost its window to a break;
		// it is searched like a flexible task.
		for start := lo; start <= hi; start++ {
			if st := r.inspect(start, need); !st.free {
				continue
			}
			r.occupy(h, start, need)
			r.tasks[h].Rescheduled = r.tasks[h].Rescheduled || r.tasks[h].IsFixed()
			if r.backtrack(rem, memo) {
				memo[key] = true
				return true
			}
			r.release(h)
		}
	}

	memo[key] = false
	return false
}

// stateKey builds a stable value key over the whole search set: every
// handle with its assigned start, or "-" while pending. Keying on pending
// handles alone would let a dead end cached under one placement prefix
// suppress a feasible ordering under another.
func stateKey(tasks []*Task, rem []int) string {
	var b strings.Builder
	for _, h := range rem {
		b.WriteString(strconv.Itoa(h))
		b.WriteByte(':')
		if tasks[h].Start != nil {
			b.WriteString(strconv.Itoa(*tasks[h].Start))
		} else {
			b.WriteString("-")
		}
		b.WriteByte(';')
	}
	return b.String()
}
