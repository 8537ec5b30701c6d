// Package machine provides a generic finite-state engine with guarded
// transitions and entry actions.
//
// A Def describes the state space: the transition table keyed by
// (state, event), guard predicates that must accept a transition before it
// is applied, entry actions invoked when a state is entered, and the set of
// terminal states. Instances created from a Def carry the mutable part:
// the current state and an append-only transition history.
//
// States are a name plus a typed payload. Type parameter P is the payload
// type shared across the machine's states, so the transition table is
// checked against one concrete type at compile time instead of an open
// class hierarchy.
package machine

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// State is a named machine state with its payload.
type State[P any] struct {
	Name    string `json:"name"`
	Payload P      `json:"payload"`
}

// Guard is a predicate that must hold for a transition to be permitted.
//
// It receives the source state, the event name, and the computed target
// state. Returning a non-nil error rejects the transition; the error text
// becomes the GuardRejected reason. Guards should be pure functions.
type Guard[P any] func(from State[P], event string, to State[P]) error

// Action is an entry action invoked when a state is entered.
//
// The action always receives the target state of the transition. Entry
// actions that fail abort the transition: the instance stays in the source
// state and no history record is appended.
type Action[P any] func(ctx context.Context, entered State[P]) error

// Transition is one row of the transition table.
type Transition[P any] struct {
	// From is the source state name.
	From string

	// Event triggers this transition when received in the From state.
	Event string

	// To is the target state name.
	To string

	// Guards are evaluated in order; the first rejection fails the
	// transition. May be empty.
	Guards []Guard[P]

	// Entry is invoked with the target state after all guards accept.
	// May be nil.
	Entry Action[P]
}

// Record is one entry of an instance's append-only transition history.
type Record struct {
	From  string    `json:"from"`
	Event string    `json:"event"`
	To    string    `json:"to"`
	At    time.Time `json:"at"`
}

// Def is an immutable machine definition: transition table plus the set of
// terminal states. Build it once, then mint instances with New.
type Def[P any] struct {
	mu          sync.RWMutex
	transitions map[transitionKey]Transition[P]
	terminal    map[string]bool
}

type transitionKey struct {
	from  string
	event string
}

// NewDef creates an empty machine definition.
func NewDef[P any]() *Def[P] {
	return &Def[P]{
		transitions: make(map[transitionKey]Transition[P]),
		terminal:    make(map[string]bool),
	}
}

// Add registers a transition. Fails if a transition for the same
// (from, event) pair already exists, or if any identifier is empty.
func (d *Def[P]) Add(t Transition[P]) error {
	if t.From == "" || t.Event == "" || t.To == "" {
		return &TransitionError{
			Code:    CodeInvalidTransition,
			Message: "transition requires non-empty from, event, and to",
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	key := transitionKey{from: t.From, event: t.Event}
	if _, exists := d.transitions[key]; exists {
		return &TransitionError{
			Code:    CodeInvalidTransition,
			Message: fmt.Sprintf("duplicate transition for (%s, %s)", t.From, t.Event),
		}
	}

	d.transitions[key] = t
	return nil
}

// MarkTerminal records states as terminal. A terminal state has no outgoing
// transitions: any Transition call on an instance currently in a terminal
// state fails with InvalidTransition, regardless of the event.
func (d *Def[P]) MarkTerminal(states ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, s := range states {
		d.terminal[s] = true
	}
}

// IsTerminal reports whether the named state is terminal.
func (d *Def[P]) IsTerminal(state string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.terminal[state]
}

func (d *Def[P]) lookup(from, event string) (Transition[P], bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	t, ok := d.transitions[transitionKey{from: from, event: event}]
	return t, ok
}

// New creates an instance of this machine in the given initial state.
func (d *Def[P]) New(id string, initial State[P]) *Instance[P] {
	return &Instance[P]{
		id:      id,
		def:     d,
		current: initial,
	}
}

// Restore reconstructs an instance from a snapshot, preserving its current
// state and history. Used by checkpoint resume.
func (d *Def[P]) Restore(snap Snapshot[P]) *Instance[P] {
	history := make([]Record, len(snap.History))
	copy(history, snap.History)

	return &Instance[P]{
		id:      snap.ID,
		def:     d,
		current: snap.State,
		history: history,
	}
}

// Instance is a live machine: current state plus append-only history.
//
// All methods are safe for concurrent use. The terminal-state check and the
// state write happen under one lock, so two racing events (for example a
// cancellation racing a natural completion) resolve to exactly one terminal
// transition; the loser observes InvalidTransition.
type Instance[P any] struct {
	mu      sync.Mutex
	id      string
	def     *Def[P]
	current State[P]
	history []Record
}

// ID returns the instance identifier.
func (m *Instance[P]) ID() string {
	return m.id
}

// Current returns the current state.
func (m *Instance[P]) Current() State[P] {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.current
}

// History returns a copy of the transition history, oldest first.
func (m *Instance[P]) History() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Record, len(m.history))
	copy(out, m.history)
	return out
}

// Snapshot captures the instance for serialization.
func (m *Instance[P]) Snapshot() Snapshot[P] {
	m.mu.Lock()
	defer m.mu.Unlock()

	history := make([]Record, len(m.history))
	copy(history, m.history)

	return Snapshot[P]{
		ID:      m.id,
		State:   m.current,
		History: history,
	}
}

// Snapshot is the serializable form of an Instance.
type Snapshot[P any] struct {
	ID      string   `json:"id"`
	State   State[P] `json:"state"`
	History []Record `json:"history"`
}

// Transition applies an event to the instance.
//
// The (current state, event) pair is looked up in the transition table; a
// missing row fails with InvalidTransition, as does any event received in a
// terminal state. Guards are then evaluated in order; a rejection fails
// with GuardRejected carrying the guard's reason.
//
// On acceptance the entry action is invoked with the target state's
// payload, never the source state's. If the entry action returns an error
// the transition is aborted: state and history are unchanged. Otherwise
// the instance moves to the target state and the transition is appended to
// history.
func (m *Instance[P]) Transition(ctx context.Context, event string, payload P) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.def.IsTerminal(m.current.Name) {
		return &TransitionError{
			Code:    CodeInvalidTransition,
			Message: fmt.Sprintf("state %q is terminal and accepts no events", m.current.Name),
			From:    m.current.Name,
			Event:   event,
		}
	}

	t, ok := m.def.lookup(m.current.Name, event)
	if !ok {
		return &TransitionError{
			Code:    CodeInvalidTransition,
			Message: fmt.Sprintf("no transition for event %q in state %q", event, m.current.Name),
			From:    m.current.Name,
			Event:   event,
		}
	}

	target := State[P]{Name: t.To, Payload: payload}

	for _, guard := range t.Guards {
		if err := guard(m.current, event, target); err != nil {
			return &TransitionError{
				Code:    CodeGuardRejected,
				Message: fmt.Sprintf("guard rejected %s -> %s: %v", m.current.Name, t.To, err),
				From:    m.current.Name,
				Event:   event,
				Cause:   err,
			}
		}
	}

	if t.Entry != nil {
		// Entry actions run against the target state. Executing them with
		// the source state's payload corrupts downstream consumers.
		if err := t.Entry(ctx, target); err != nil {
			return &TransitionError{
				Code:    CodeInvalidTransition,
				Message: fmt.Sprintf("entry action for state %q failed: %v", t.To, err),
				From:    m.current.Name,
				Event:   event,
				Cause:   err,
			}
		}
	}

	m.history = append(m.history, Record{
		From:  m.current.Name,
		Event: event,
		To:    t.To,
		At:    time.Now().UTC(),
	})
	m.current = target

	return nil
}
