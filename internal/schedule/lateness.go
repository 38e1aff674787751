package schedule

import (
	"fmt"
	"sort"
)

// refineLateness is the optional lateness-minimizing refinement over the
// flexible deadline-bearing tasks: release their greedy placements, build
// the minimum-cumulative-lateness table over the slot budget, and
// re-commit in deadline order through the same placement primitive greedy
// uses. Fixed tasks and tasks without deadlines are never touched.
func (r *run) refineLateness() {
	type cand struct {
		h        int
		need     int
		deadline int // slot-count ceiling
	}
	var cands []cand
	for h, t := range r.tasks {
		if t.IsFixed() || t.Deadline == nil {
			continue
		}
		need, ok := t.NeedMinutes()
		if !ok {
			continue
		}
		cands = append(cands, cand{
			h:        h,
			need:     need,
			deadline: r.grid.LastIndexEndingBy(*t.Deadline) + 1,
		})
	}
	if len(cands) == 0 {
		return
	}
	// Greedy commits in priority order, which can hand an early-deadline
	// task's only window to a later-deadline peer. Start the refinement
	// from a clean slate for this subset.
	for _, c := range cands {
		if r.completed[c.h] {
			r.release(c.h)
		}
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].deadline < cands[j].deadline })

	budget := r.grid.Len()
	const inf = int(^uint(0) >> 2)
	n := len(cands)

	// dp[i][t]: minimum cumulative lateness scheduling the first i
	// candidates within a budget of t slots. Including candidate i with a
	// cumulative budget of t adds max(0, t - deadline_i); dp[i][t-1]
	// carries the option of finishing candidate i earlier than t.
	dp := make([][]int, n+1)
	for i := range dp {
		dp[i] = make([]int, budget+1)
	}
	for i := 1; i <= n; i++ {
		c := cands[i-1]
		for t := 0; t <= budget; t++ {
			best := inf
			if t > 0 && dp[i][t-1] < best {
				best = dp[i][t-1]
			}
			if c.need <= t && dp[i-1][t-c.need] < inf {
				late := t - c.deadline
				if late < 0 {
					late = 0
				}
				if with := dp[i-1][t-c.need] + late; with < best {
					best = with
				}
			}
			dp[i][t] = best
		}
	}

	// Reconstruct: rows infeasible at the full budget can never all fit;
	// everything reachable is committed earliest deadline first.
	chosen := make([]int, 0, n)
	i, t := n, budget
	for i >= 1 && dp[i][t] >= inf {
		i--
	}
	for i >= 1 && dp[i][t] < inf {
		for t > 0 && dp[i][t-1] == dp[i][t] {
			t--
		}
		chosen = append(chosen, cands[i-1].h)
		t -= cands[i-1].need
		i--
	}
	for k := len(chosen) - 1; k >= 0; k-- {
		h := chosen[k]
		if r.completed[h] {
			continue
		}
		if ready, _ := r.depsReady(h); !ready {
			continue
		}
		if r.placeGreedy(h, false) {
			delete(r.failures, h)
		}
	}

	// Anything released but not re-committed falls back to a plain greedy
	// attempt; what still fails is left for the backtracking phase.
	for _, c := range cands {
		if r.completed[c.h] {
			continue
		}
		if ready, _ := r.depsReady(c.h); !ready {
			continue
		}
		if r.placeGreedy(c.h, false) {
			delete(r.failures, c.h)
			continue
		}
		if _, seen := r.failures[c.h]; !seen {
			r.fail(c.h, ReasonNoWindow, "no free window after lateness refinement")
		}
	}

	// A candidate left unplaced must not leave placed dependents behind:
	// release the whole downstream chain so the backtracking phase either
	// re-seats it in order or reports every link unplaced.
	for _, c := range cands {
		if !r.completed[c.h] {
			r.releaseDependents(c.h)
		}
	}
}

// releaseDependents releases every placed task that depends, directly or
// transitively, on the unplaced task h.
func (r *run) releaseDependents(h int) {
	id := r.tasks[h].ID
	for dh, t := range r.tasks {
		if !r.completed[dh] {
			continue
		}
		for _, dep := range t.DependsOn {
			if dep != id {
				continue
			}
			r.release(dh)
			r.fail(dh, ReasonDepsUnmet, fmt.Sprintf("dependency %q unplaced", id))
			r.releaseDependents(dh)
			break
		}
	}
}
