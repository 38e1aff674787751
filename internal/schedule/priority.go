package schedule

import "fmt"

// PropagatePriorities raises every dependency's priority to at least the
// priority of each task that depends on it, transitively. Priorities are
// mutated in place. The pass is idempotent.
//
// Cyclic dependency graphs are rejected up front with ErrDependencyCycle;
// unknown dependency IDs are skipped here and surface later as a
// per-task readiness failure.
func PropagatePriorities(tasks []*Task) error {
	byID := make(map[string]*Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	if cycleAt := findCycle(tasks, byID); cycleAt != "" {
		return fmt.Errorf("%w: involving task %q", ErrDependencyCycle, cycleAt)
	}

	type frame struct {
		id    string
		floor int
	}

	for _, t := range tasks {
		// One visited-set per propagation pass guarantees termination even
		// if the graph were to change shape between passes.
		visited := make(map[string]bool, len(t.DependsOn))
		work := make([]frame, 0, len(t.DependsOn))
		for _, dep := range t.DependsOn {
			work = append(work, frame{id: dep, floor: t.Priority})
		}
		for len(work) > 0 {
			f := work[len(work)-1]
			work = work[:len(work)-1]
			if visited[f.id] {
				continue
			}
			visited[f.id] = true

			dep, ok := byID[f.id]
			if !ok {
				continue
			}
			if dep.Priority < f.floor {
				dep.Priority = f.floor
			}
			for _, next := range dep.DependsOn {
				work = append(work, frame{id: next, floor: f.floor})
			}
		}
	}
	return nil
}

// findCycle runs an iterative three-color DFS over the dependency graph and
// returns the ID of a task on a cycle, or "" if the graph is acyclic.
func findCycle(tasks []*Task, byID map[string]*Task) string {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current DFS path
		black = 2 // fully explored
	)
	color := make(map[string]int, len(tasks))

	for _, root := range tasks {
		if color[root.ID] != white {
			continue
		}
		// Stack entries track how far into a node's dependency list we are,
		// so gray/black marking matches the recursive formulation.
		type node struct {
			id  string
			idx int
		}
		stack := []node{{id: root.ID}}
		color[root.ID] = gray

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			t := byID[top.id]
			deps := t.DependsOn
			if top.idx >= len(deps) {
				color[top.id] = black
				stack = stack[:len(stack)-1]
				continue
			}
			dep := deps[top.idx]
			top.idx++
			if _, known := byID[dep]; !known {
				continue
			}
			switch color[dep] {
			case white:
				color[dep] = gray
				stack = append(stack, node{id: dep})
			case gray:
				return dep
			}
		}
	}
	return ""
}
