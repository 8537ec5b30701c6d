package flow

import (
	"context"
	"time"
)

// TaskState is the runtime execution state of a task.
type TaskState string

// Task lifecycle states. Completed, Failed, Cancelled, and Skipped are
// terminal: a task in one of them accepts no further events.
const (
	TaskPending   TaskState = "PENDING"
	TaskReady     TaskState = "READY"
	TaskRunning   TaskState = "RUNNING"
	TaskCompleted TaskState = "COMPLETED"
	TaskFailed    TaskState = "FAILED"
	TaskCancelled TaskState = "CANCELLED"
	TaskSkipped   TaskState = "SKIPPED"
)

// IsTerminalState reports whether s is a terminal task state.
func IsTerminalState(s TaskState) bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled, TaskSkipped:
		return true
	default:
		return false
	}
}

// Task is a unit of work in a workflow definition.
type Task struct {
	// ID uniquely identifies the task within its workflow.
	ID string

	// Name is the human-readable task name. It is sanitized before
	// appearing in any log line or event.
	Name string

	// Action names the operation the ActionExecutor should perform.
	Action string

	// Config carries action-specific configuration, opaque to the
	// orchestrator.
	Config map[string]interface{}

	// DependsOn lists IDs of tasks that must complete before this one runs.
	DependsOn []string

	// Retry governs re-execution on action failure. Nil means a single
	// attempt.
	Retry *RetryPolicy

	// Timeout bounds one action attempt. Zero falls back to the
	// orchestrator's default; if that is also zero, no timeout applies.
	Timeout time.Duration

	// Resources lists exclusive resource tags. Two tasks sharing a tag
	// never run at the same time; conflicts within one parallel group are
	// also reported at plan time.
	Resources []string

	// Duration is the planning-time duration estimate used for critical
	// path analysis. Zero is a valid estimate.
	Duration time.Duration
}

// Definition is a named collection of tasks executed as one logical unit.
type Definition struct {
	// ID identifies the workflow definition.
	ID string

	// Name is the human-readable workflow name.
	Name string

	// Tasks in insertion order. Insertion order is the canonical tie-break
	// for planning (critical path, group membership ordering).
	Tasks []Task

	// ContinueOnError keeps the workflow running after a task fails.
	// Dependents of the failed task are still skipped. When false, the
	// first failure skips all remaining groups and fails the execution.
	ContinueOnError bool

	// CheckpointEvery controls checkpoint cadence: a checkpoint is written
	// after every Nth successfully settled task. Zero means after every
	// task.
	CheckpointEvery int
}

// ActionResult is the outcome of a successfully executed action.
type ActionResult struct {
	// Output is the action's result value, recorded in
	// Execution.StepResults on success.
	Output interface{}
}

// ActionExecutor performs the actual work of a task. Supplied by the
// hosting application; the orchestrator requires only success/failure
// semantics and honors context cancellation.
type ActionExecutor interface {
	Execute(ctx context.Context, task Task) (ActionResult, error)
}

// ActionFunc adapts a plain function to the ActionExecutor interface.
type ActionFunc func(ctx context.Context, task Task) (ActionResult, error)

// Execute implements ActionExecutor.
func (f ActionFunc) Execute(ctx context.Context, task Task) (ActionResult, error) {
	return f(ctx, task)
}

// TaskTrace is the per-task record on a finished execution: enough to
// identify the failing task and error kind without leaking signatures or
// raw metadata.
type TaskTrace struct {
	// TaskID identifies the task.
	TaskID string

	// State is the task's terminal state.
	State TaskState

	// ErrKind is the flow error code for failed tasks, empty otherwise.
	ErrKind string

	// Attempts is the number of action attempts made.
	Attempts int
}
