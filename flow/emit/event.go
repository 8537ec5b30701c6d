package emit

// Event represents an observability event emitted during workflow execution.
//
// Events provide detailed insight into orchestrator behavior:
//   - Task start/settle and state transitions
//   - Retry attempts and backoff waits
//   - Checkpoint creation and invalidation
//   - Cancellation requests (applied or rate-limited)
//   - Resource acquisition timeouts
//
// Events are delivered to an Emitter which can log to a writer, create
// OpenTelemetry spans, or buffer them in memory for inspection.
type Event struct {
	// ExecutionID identifies the workflow execution that emitted this event.
	ExecutionID string

	// TaskID identifies the task this event concerns.
	// Empty string for execution-level events (start, complete, cancel).
	TaskID string

	// Seq is the orchestrator's sequence number for this event within the
	// execution. Monotonically increasing; zero for pre-execution events.
	Seq int

	// Msg is the event name. Well-known values:
	//   - "task_start", "task_end", "task_skipped"
	//   - "transition"
	//   - "retry"
	//   - "checkpoint_saved", "checkpoint_invalidated"
	//   - "cancellation", "cancellation_limited"
	//   - "resource_timeout"
	//   - "execution_start", "execution_end"
	Msg string

	// Meta contains additional structured data specific to this event.
	// Common keys:
	//   - "from", "to", "event": transition details
	//   - "attempt", "delay_ms": retry details
	//   - "error": error text (sanitized by the orchestrator before emit)
	//   - "state": terminal task state
	Meta map[string]interface{}
}

// Emitter receives observability events from workflow execution.
//
// Implementations must be:
//   - Non-blocking: never slow down or stall the orchestrator
//   - Thread-safe: events are emitted concurrently from task workers
//   - Resilient: a failing backend must not crash the workflow
//
// Emit should not panic. Backend errors are handled internally.
type Emitter interface {
	Emit(event Event)
}
