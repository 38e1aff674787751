package schedule

import "errors"

// Structural failures abort a whole allocation run.
var (
	ErrDependencyCycle = errors.New("dependency cycle detected")
	ErrGridConfig      = errors.New("invalid grid configuration")
)

// FailureReason classifies why a single task could not be placed.
// Per-task failures never abort the run; they are collected in the Report.
type FailureReason string

const (
	// ReasonNoDuration: neither duration nor estimate, cannot size the task.
	ReasonNoDuration FailureReason = "no_duration"
	// ReasonOutsideHours: a fixed window that does not map onto the grid.
	ReasonOutsideHours FailureReason = "outside_working_hours"
	// ReasonNoWindow: no free window in the feasible range, even after eviction.
	ReasonNoWindow FailureReason = "no_free_window"
	// ReasonDepsUnmet: dependencies unknown or never placed.
	ReasonDepsUnmet FailureReason = "dependencies_unmet"
	// ReasonEvictionDeadlock: evicted to make room and could not be re-placed.
	ReasonEvictionDeadlock FailureReason = "eviction_deadlock"
)

// Failure reports one unplaced task.
type Failure struct {
	TaskID string        `json:"task_id"`
	Reason FailureReason `json:"reason"`
	Detail string        `json:"detail,omitempty"`
}
