package schedule

import (
	"strings"
	"testing"

	"weekplan/pkg/logx"
)

func newTestRun(t *testing.T, cfg GridConfig, tasks []*Task) *run {
	t.Helper()
	grid, err := NewGrid(cfg)
	if err != nil {
		t.Fatalf("NewGrid: %v", err)
	}
	r := &run{
		grid:      grid,
		tasks:     tasks,
		byID:      make(map[string]int, len(tasks)),
		completed: make(map[int]bool),
		failures:  make(map[int]Failure),
		log:       logx.Nop(),
	}
	for h, tk := range tasks {
		r.byID[tk.ID] = h
	}
	return r
}

func placedAt(t *testing.T, tk *Task, start, end int) {
	t.Helper()
	if tk.Start == nil || tk.End == nil {
		t.Fatalf("task %s not placed", tk.ID)
	}
	if *tk.Start != start || *tk.End != end {
		t.Fatalf("task %s placed at [%d,%d), want [%d,%d)", tk.ID, *tk.Start, *tk.End, start, end)
	}
}

func assertNoOverlap(t *testing.T, rep *Report) {
	t.Helper()
	for i, a := range rep.Placed {
		for _, b := range rep.Placed[i+1:] {
			if *a.Start < *b.End && *b.Start < *a.End {
				t.Fatalf("tasks %s [%d,%d) and %s [%d,%d) overlap",
					a.ID, *a.Start, *a.End, b.ID, *b.Start, *b.End)
			}
		}
	}
}

func unplacedReason(t *testing.T, rep *Report, id string) FailureReason {
	t.Helper()
	for _, f := range rep.Unplaced {
		if f.TaskID == id {
			return f.Reason
		}
	}
	t.Fatalf("task %s not in Unplaced (%v)", id, rep.Unplaced)
	return ""
}

func TestAllocatePriorityOrder(t *testing.T) {
	t.Parallel()
	a := flexTask("A", 5, nil, 60)
	b := flexTask("B", 3, nil, 30)
	rep, err := Allocate([]*Task{b, a}, GridConfig{WorkStart: 540, WorkEnd: 1020}, Options{})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if len(rep.Unplaced) != 0 {
		t.Fatalf("Unplaced = %v, want none", rep.Unplaced)
	}
	placedAt(t, a, 540, 600)
	placedAt(t, b, 600, 630)
	assertNoOverlap(t, rep)
}

func TestAllocateDependencyOrdering(t *testing.T) {
	t.Parallel()
	a := flexTask("A", 2, nil, 60)
	b := flexTask("B", 7, []string{"A"}, 60)
	rep, err := Allocate([]*Task{a, b}, GridConfig{WorkStart: 540, WorkEnd: 1020}, Options{})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if len(rep.Unplaced) != 0 {
		t.Fatalf("Unplaced = %v, want none", rep.Unplaced)
	}
	if a.Priority != 7 {
		t.Fatalf("A.Priority = %d, want 7 (raised to B's)", a.Priority)
	}
	if *a.End > *b.Start {
		t.Fatalf("dependency A ends at %d after B starts at %d", *a.End, *b.Start)
	}
}

func TestAllocateDeadlineRespected(t *testing.T) {
	t.Parallel()
	d := flexTask("D", 9, nil, 120)
	d.Deadline = IntPtr(660)
	h := flexTask("H", 5, nil, 60)
	rep, err := Allocate([]*Task{h, d}, GridConfig{WorkStart: 540, WorkEnd: 1020}, Options{})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if len(rep.Unplaced) != 0 {
		t.Fatalf("Unplaced = %v, want none", rep.Unplaced)
	}
	if *d.End > 660 {
		t.Fatalf("D ends at %d, past its deadline 660", *d.End)
	}
	assertNoOverlap(t, rep)
}

func TestAllocateCapacityExhausted(t *testing.T) {
	t.Parallel()
	// 240 working minutes per day; each task must finish by Monday's end,
	// so only two of the three fit.
	mk := func(id string) *Task {
		tk := flexTask(id, 5, nil, 120)
		tk.Deadline = IntPtr(780)
		return tk
	}
	t1, t2, t3 := mk("T1"), mk("T2"), mk("T3")
	rep, err := Allocate([]*Task{t1, t2, t3}, GridConfig{WorkStart: 540, WorkEnd: 780}, Options{})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if len(rep.Placed) != 2 {
		t.Fatalf("placed %d tasks, want 2", len(rep.Placed))
	}
	placedAt(t, t1, 540, 660)
	placedAt(t, t2, 660, 780)
	if got := unplacedReason(t, rep, "T3"); got != ReasonNoWindow {
		t.Fatalf("T3 reason = %s, want %s", got, ReasonNoWindow)
	}
}

func TestAllocateDeadlineBeforeWorkingHours(t *testing.T) {
	t.Parallel()
	d := flexTask("D", 5, nil, 60)
	d.Deadline = IntPtr(300)
	rep, err := Allocate([]*Task{d}, GridConfig{WorkStart: 540, WorkEnd: 1020}, Options{})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if got := unplacedReason(t, rep, "D"); got != ReasonNoWindow {
		t.Fatalf("reason = %s, want %s", got, ReasonNoWindow)
	}
}

func TestAllocateNoDuration(t *testing.T) {
	t.Parallel()
	d := &Task{ID: "D", Priority: 5}
	rep, err := Allocate([]*Task{d}, GridConfig{WorkStart: 540, WorkEnd: 1020}, Options{})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if got := unplacedReason(t, rep, "D"); got != ReasonNoDuration {
		t.Fatalf("reason = %s, want %s", got, ReasonNoDuration)
	}
}

func TestAllocateEstimateFallback(t *testing.T) {
	t.Parallel()
	d := &Task{ID: "D", Priority: 5, Estimate: IntPtr(45)}
	rep, err := Allocate([]*Task{d}, GridConfig{WorkStart: 540, WorkEnd: 1020}, Options{})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if len(rep.Unplaced) != 0 {
		t.Fatalf("Unplaced = %v, want none", rep.Unplaced)
	}
	placedAt(t, d, 540, 585)
}

func TestAllocateUnknownDependency(t *testing.T) {
	t.Parallel()
	b := flexTask("B", 5, []string{"ghost"}, 60)
	rep, err := Allocate([]*Task{b}, GridConfig{WorkStart: 540, WorkEnd: 1020}, Options{})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if got := unplacedReason(t, rep, "B"); got != ReasonDepsUnmet {
		t.Fatalf("reason = %s, want %s", got, ReasonDepsUnmet)
	}
	for _, f := range rep.Unplaced {
		if f.TaskID == "B" && !strings.Contains(f.Detail, "ghost") {
			t.Fatalf("detail %q does not name the missing dependency", f.Detail)
		}
	}
}

func TestAllocateBreakFollowsTasks(t *testing.T) {
	t.Parallel()
	a := flexTask("A", 5, nil, 60)
	b := flexTask("B", 3, nil, 30)
	cfg := GridConfig{WorkStart: 540, WorkEnd: 780, BreakInterval: 120, BreakDuration: 15}
	rep, err := Allocate([]*Task{a, b}, cfg, Options{})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if len(rep.Unplaced) != 0 {
		t.Fatalf("Unplaced = %v, want none", rep.Unplaced)
	}
	placedAt(t, a, 540, 600)
	// A's mandatory rest covers 600-615, and B plus its own rest cannot
	// straddle the 645-660 periodic break, so B lands after it.
	placedAt(t, b, 660, 690)
}

func TestAllocateFixedWindow(t *testing.T) {
	t.Parallel()
	f := &Task{ID: "F", Priority: 3, FixedStart: IntPtr(600), FixedEnd: IntPtr(660)}
	a := flexTask("A", 9, nil, 60)
	rep, err := Allocate([]*Task{f, a}, GridConfig{WorkStart: 540, WorkEnd: 1020}, Options{})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if len(rep.Unplaced) != 0 {
		t.Fatalf("Unplaced = %v, want none", rep.Unplaced)
	}
	placedAt(t, f, 600, 660)
	if f.Rescheduled {
		t.Fatalf("F was rescheduled, want exact fixed placement")
	}
	// A goes into the remaining window before F.
	placedAt(t, a, 540, 600)
}

func TestAllocateFixedEvictsAndRelocates(t *testing.T) {
	t.Parallel()
	low := &Task{ID: "low", Priority: 2, FixedStart: IntPtr(540), FixedEnd: IntPtr(600)}
	high := &Task{ID: "high", Priority: 5, FixedStart: IntPtr(570), FixedEnd: IntPtr(630)}
	rep, err := Allocate([]*Task{low, high}, GridConfig{WorkStart: 540, WorkEnd: 1020}, Options{})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if len(rep.Unplaced) != 0 {
		t.Fatalf("Unplaced = %v, want none", rep.Unplaced)
	}
	// The higher-priority fixed task keeps the contested window; the loser
	// is relocated to the next free one and flagged.
	placedAt(t, high, 570, 630)
	placedAt(t, low, 630, 690)
	if high.Rescheduled {
		t.Fatalf("high was flagged rescheduled, want original window kept")
	}
	if !low.Rescheduled {
		t.Fatalf("low relocated without the rescheduled flag")
	}
	assertNoOverlap(t, rep)
}

func TestAllocateFixedOutsideHours(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name       string
		start, end int
	}{
		{"before opening", 480, 540},
		{"past closing", 1000, 1080},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := &Task{ID: "F", Priority: 5, FixedStart: IntPtr(tc.start), FixedEnd: IntPtr(tc.end)}
			rep, err := Allocate([]*Task{f}, GridConfig{WorkStart: 540, WorkEnd: 1020}, Options{})
			if err != nil {
				t.Fatalf("Allocate: %v", err)
			}
			if got := unplacedReason(t, rep, "F"); got != ReasonOutsideHours {
				t.Fatalf("reason = %s, want %s", got, ReasonOutsideHours)
			}
		})
	}
}

func TestAllocateEvictionDeadlock(t *testing.T) {
	t.Parallel()
	// Both fixed tasks claim Monday's only 120-minute window; the loser's
	// deadline leaves it nowhere to go.
	loser := &Task{ID: "loser", Priority: 1, FixedStart: IntPtr(540), FixedEnd: IntPtr(660), Deadline: IntPtr(660)}
	winner := &Task{ID: "winner", Priority: 5, FixedStart: IntPtr(540), FixedEnd: IntPtr(660)}
	rep, err := Allocate([]*Task{loser, winner}, GridConfig{WorkStart: 540, WorkEnd: 780}, Options{})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	placedAt(t, winner, 540, 660)
	if got := unplacedReason(t, rep, "loser"); got != ReasonEvictionDeadlock {
		t.Fatalf("reason = %s, want %s", got, ReasonEvictionDeadlock)
	}
}

func TestAllocateFixedBlockedByBreakReroutes(t *testing.T) {
	t.Parallel()
	// 645-675 overlaps the 645-660 periodic break; the fixed window is
	// infeasible outright and the task is placed greedily instead.
	f := &Task{ID: "F", Priority: 5, FixedStart: IntPtr(645), FixedEnd: IntPtr(675)}
	cfg := GridConfig{WorkStart: 540, WorkEnd: 780, BreakInterval: 120, BreakDuration: 15}
	rep, err := Allocate([]*Task{f}, cfg, Options{})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if len(rep.Unplaced) != 0 {
		t.Fatalf("Unplaced = %v, want none", rep.Unplaced)
	}
	placedAt(t, f, 540, 570)
	if !f.Rescheduled {
		t.Fatalf("break-displaced fixed task not flagged rescheduled")
	}
}

func TestGreedyEvictsStrictlyLowerPriority(t *testing.T) {
	t.Parallel()
	low := flexTask("low", 2, nil, 240)
	high := flexTask("high", 9, nil, 120)
	high.Deadline = IntPtr(780)
	r := newTestRun(t, GridConfig{WorkStart: 540, WorkEnd: 780}, []*Task{low, high})

	if !r.placeGreedy(0, true) {
		t.Fatalf("low did not place into the empty grid")
	}
	placedAt(t, low, 540, 780)

	if !r.placeGreedy(1, true) {
		t.Fatalf("high could not claim its deadline window")
	}
	placedAt(t, high, 540, 660)
	if low.Start == nil {
		t.Fatalf("evicted task was not re-placed")
	}
	if *low.Start != 660 {
		t.Fatalf("low re-placed at %d, want 660", *low.Start)
	}
	if !low.Rescheduled {
		t.Fatalf("evicted task not flagged rescheduled")
	}
}

func TestGreedyNeverEvictsEqualPriority(t *testing.T) {
	t.Parallel()
	first := flexTask("first", 5, nil, 240)
	second := flexTask("second", 5, nil, 120)
	second.Deadline = IntPtr(780)
	r := newTestRun(t, GridConfig{WorkStart: 540, WorkEnd: 780}, []*Task{first, second})

	if !r.placeGreedy(0, true) {
		t.Fatalf("first did not place")
	}
	if r.placeGreedy(1, true) {
		t.Fatalf("equal-priority task evicted a peer; placement must fail")
	}
	placedAt(t, first, 540, 780)
}

func TestBacktrackPlacesDependencyChain(t *testing.T) {
	t.Parallel()
	a := flexTask("A", 9, []string{"B"}, 60)
	b := flexTask("B", 5, nil, 60)
	r := newTestRun(t, GridConfig{WorkStart: 540, WorkEnd: 780}, []*Task{a, b})

	r.backtrackRemaining()
	if len(r.failures) != 0 {
		t.Fatalf("failures = %v, want none", r.failures)
	}
	// A is tried first (higher priority) but is skipped until B lands.
	placedAt(t, b, 540, 600)
	placedAt(t, a, 600, 660)
}

func TestBacktrackExhaustsAndReports(t *testing.T) {
	t.Parallel()
	a := flexTask("A", 5, nil, 120)
	a.Deadline = IntPtr(660)
	b := flexTask("B", 5, nil, 120)
	b.Deadline = IntPtr(660)
	r := newTestRun(t, GridConfig{WorkStart: 540, WorkEnd: 780}, []*Task{a, b})

	if !r.placeGreedy(0, true) {
		t.Fatalf("A did not place into the empty grid")
	}
	r.backtrackRemaining()
	placedAt(t, a, 540, 660)
	if r.completed[1] {
		t.Fatalf("B placed, but A already holds the only window before its deadline")
	}
	f, ok := r.failures[1]
	if !ok || f.Reason != ReasonNoWindow {
		t.Fatalf("B failure = %v, want %s", f, ReasonNoWindow)
	}
}

func TestStateKeyReflectsPlacedStarts(t *testing.T) {
	t.Parallel()
	a := flexTask("A", 9, nil, 60)
	b := flexTask("B", 5, nil, 60)
	tasks := []*Task{a, b}
	rem := []int{0, 1}

	base := stateKey(tasks, rem)
	a.Start = IntPtr(540)
	at540 := stateKey(tasks, rem)
	a.Start = IntPtr(600)
	at600 := stateKey(tasks, rem)

	// The same pending set under different placements of a search-set
	// member must never share a cache entry.
	if base == at540 || at540 == at600 || base == at600 {
		t.Fatalf("keys collide: %q / %q / %q", base, at540, at600)
	}
	if again := stateKey(tasks, rem); again != at600 {
		t.Fatalf("key unstable for identical state: %q vs %q", again, at600)
	}
}

func TestRefineLatenessPlacesByDeadline(t *testing.T) {
	t.Parallel()
	x := flexTask("X", 5, nil, 120)
	x.Deadline = IntPtr(660)
	y := flexTask("Y", 5, nil, 120)
	y.Deadline = IntPtr(780)
	// Input order favors Y; the refinement must still put X first.
	r := newTestRun(t, GridConfig{WorkStart: 540, WorkEnd: 780}, []*Task{y, x})

	r.refineLateness()
	placedAt(t, x, 540, 660)
	placedAt(t, y, 660, 780)
}

func TestAllocateWithLatenessOption(t *testing.T) {
	t.Parallel()
	x := flexTask("X", 5, nil, 120)
	x.Deadline = IntPtr(660)
	y := flexTask("Y", 5, nil, 120)
	y.Deadline = IntPtr(780)
	rep, err := Allocate([]*Task{y, x}, GridConfig{WorkStart: 540, WorkEnd: 780}, Options{Lateness: true})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if len(rep.Unplaced) != 0 {
		t.Fatalf("Unplaced = %v, want none", rep.Unplaced)
	}
	if *x.End > 660 || *y.End > 780 {
		t.Fatalf("deadlines missed: X ends %d, Y ends %d", *x.End, *y.End)
	}
	assertNoOverlap(t, rep)
}

func TestAllocateLatenessKeepsDependencyOrder(t *testing.T) {
	t.Parallel()
	d := flexTask("D", 5, nil, 60)
	d.Deadline = IntPtr(780)
	dep := flexTask("T", 9, []string{"D"}, 60)
	e := flexTask("E", 5, nil, 60)
	e.Deadline = IntPtr(660)
	// Greedy seats D then T; the refinement releases D to make room for
	// E's earlier deadline and must not re-seat D behind T.
	rep, err := Allocate([]*Task{d, e, dep}, GridConfig{WorkStart: 540, WorkEnd: 780}, Options{Lateness: true})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if len(rep.Unplaced) != 0 {
		t.Fatalf("Unplaced = %v, want none", rep.Unplaced)
	}
	placedAt(t, e, 540, 600)
	placedAt(t, d, 600, 660)
	placedAt(t, dep, 660, 720)
	if *d.End > *dep.Start {
		t.Fatalf("D ends %d after its dependent T starts %d", *d.End, *dep.Start)
	}
	assertNoOverlap(t, rep)
}

func TestAllocateLatenessReportsDisplacedLoser(t *testing.T) {
	t.Parallel()
	d := flexTask("D", 5, nil, 60)
	d.Deadline = IntPtr(660)
	dep := flexTask("T", 9, []string{"D"}, 60)
	e := flexTask("E", 5, nil, 120)
	e.Deadline = IntPtr(660)
	// D and E compete for Monday's opening; D wins it back because T
	// pins D's only ordered window. E must surface as unplaced rather
	// than leave the chain out of order.
	rep, err := Allocate([]*Task{d, e, dep}, GridConfig{WorkStart: 540, WorkEnd: 720}, Options{Lateness: true})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	placedAt(t, d, 540, 600)
	placedAt(t, dep, 600, 660)
	if got := unplacedReason(t, rep, "E"); got != ReasonNoWindow {
		t.Fatalf("E reason = %s, want %s", got, ReasonNoWindow)
	}
	if *d.End > *dep.Start {
		t.Fatalf("D ends %d after its dependent T starts %d", *d.End, *dep.Start)
	}
	assertNoOverlap(t, rep)
}

func TestFeasibleBoundsCappedByPlacedDependent(t *testing.T) {
	t.Parallel()
	d := flexTask("D", 9, nil, 60)
	dep := flexTask("T", 9, []string{"D"}, 60)
	r := newTestRun(t, GridConfig{WorkStart: 540, WorkEnd: 780}, []*Task{d, dep})

	if !r.placeGreedy(0, true) || !r.placeGreedy(1, true) {
		t.Fatalf("setup placements failed")
	}
	placedAt(t, d, 540, 600)
	placedAt(t, dep, 600, 660)

	// Once T is pinned, any re-seat of D must finish by T's start.
	r.release(0)
	_, hi, ok := r.feasibleBounds(0)
	if !ok {
		t.Fatalf("feasibleBounds(D) infeasible")
	}
	if want := 0; hi != want {
		t.Fatalf("hi = %d, want %d", hi, want)
	}
}

func TestAllocateDependencyCycle(t *testing.T) {
	t.Parallel()
	a := flexTask("A", 1, []string{"B"}, 60)
	b := flexTask("B", 2, []string{"A"}, 60)
	_, err := Allocate([]*Task{a, b}, GridConfig{WorkStart: 540, WorkEnd: 1020}, Options{})
	if err == nil {
		t.Fatalf("Allocate succeeded on a cyclic graph")
	}
}
