package emit

import "sync"

// BufferedEmitter implements Emitter by storing events in memory.
//
// This emitter captures all events and provides query capabilities for
// execution history analysis. Events are organized by execution ID for
// efficient retrieval and filtering.
//
// Use cases:
//   - Testing and validation
//   - Development and debugging
//   - Post-execution analysis
//
// Warning: this emitter stores all events in memory. For long-running
// deployments use a persistent backend or clear completed executions.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // executionID -> events
}

// HistoryFilter specifies criteria for filtering execution history.
//
// All filter fields are optional. When multiple fields are set they are
// combined with AND logic.
type HistoryFilter struct {
	TaskID string // Filter by task ID (empty = no filter)
	Msg    string // Filter by event name (empty = no filter)
	MinSeq *int   // Minimum sequence number (nil = no filter)
	MaxSeq *int   // Maximum sequence number (nil = no filter)
}

// NewBufferedEmitter creates a new BufferedEmitter.
// Safe for concurrent use.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{
		events: make(map[string][]Event),
	}
}

// Emit stores an event in the buffer.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events[event.ExecutionID] = append(b.events[event.ExecutionID], event)
}

// History retrieves all events for a specific execution, in emission order.
// Returns an empty slice if no events exist for the given execution ID.
func (b *BufferedEmitter) History(executionID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.events[executionID]
	result := make([]Event, len(events))
	copy(result, events)
	return result
}

// HistoryWithFilter retrieves filtered events for a specific execution.
//
// Applies the provided filter criteria; all set conditions must match for
// an event to be included. Events are returned in emission order.
func (b *BufferedEmitter) HistoryWithFilter(executionID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := []Event{}
	for _, event := range b.events[executionID] {
		if matchesFilter(event, filter) {
			result = append(result, event)
		}
	}
	return result
}

// Clear removes all buffered events for an execution.
func (b *BufferedEmitter) Clear(executionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.events, executionID)
}

// ClearAll removes all buffered events for all executions.
func (b *BufferedEmitter) ClearAll() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events = make(map[string][]Event)
}

func matchesFilter(event Event, filter HistoryFilter) bool {
	if filter.TaskID != "" && event.TaskID != filter.TaskID {
		return false
	}
	if filter.Msg != "" && event.Msg != filter.Msg {
		return false
	}
	if filter.MinSeq != nil && event.Seq < *filter.MinSeq {
		return false
	}
	if filter.MaxSeq != nil && event.Seq > *filter.MaxSeq {
		return false
	}
	return true
}
