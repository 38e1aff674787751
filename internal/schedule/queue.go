package schedule

import "sort"

// taskQueue yields task handles highest-priority first. Tasks whose
// dependencies are not ready yet are deferred to the back and retried
// after other tasks progress; the allocator detects a full pass with no
// placements and ends the phase.
//
// Ordering key: priority descending, then dependency count ascending.
// The secondary key is a heuristic tie-break only; actual dependency
// readiness is enforced by the allocator, not by this ordering.
type taskQueue struct {
	tasks []*Task
	items []int
}

func newTaskQueue(tasks []*Task, handles []int) *taskQueue {
	q := &taskQueue{tasks: tasks, items: append([]int(nil), handles...)}
	sort.SliceStable(q.items, func(i, j int) bool {
		a, b := tasks[q.items[i]], tasks[q.items[j]]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return len(a.DependsOn) < len(b.DependsOn)
	})
	return q
}

func (q *taskQueue) len() int { return len(q.items) }

func (q *taskQueue) popFront() (int, bool) {
	if len(q.items) == 0 {
		return 0, false
	}
	h := q.items[0]
	q.items = q.items[1:]
	return h, true
}

// pushBack defers a task to the lowest-priority end.
func (q *taskQueue) pushBack(h int) { q.items = append(q.items, h) }
