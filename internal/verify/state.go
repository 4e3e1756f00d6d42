package verify

import (
	"fmt"
	"sync"

	"fluentbuilder/internal/core"
)

// State is a position in the verification state machine:
//
//	PENDING -> SOURCE_RESOLVED -> RECOMPILED -> HASH_COMPARED -> {MATCHED | MISMATCHED}
//
// FAILED is reachable from every non-terminal state.
type State string

const (
	StatePending        State = "PENDING"
	StateSourceResolved State = "SOURCE_RESOLVED"
	StateRecompiled     State = "RECOMPILED"
	StateHashCompared   State = "HASH_COMPARED"
	StateMatched        State = "MATCHED"
	StateMismatched     State = "MISMATCHED"
	StateFailed         State = "FAILED"
)

// IsTerminal reports whether no further transition is possible.
func IsTerminal(s State) bool {
	switch s {
	case StateMatched, StateMismatched, StateFailed:
		return true
	default:
		return false
	}
}

func isAllowedTransition(from, to State) bool {
	if to == StateFailed {
		return !IsTerminal(from)
	}
	switch from {
	case StatePending:
		return to == StateSourceResolved
	case StateSourceResolved:
		return to == StateRecompiled
	case StateRecompiled:
		return to == StateHashCompared
	case StateHashCompared:
		return to == StateMatched || to == StateMismatched
	default:
		return false
	}
}

// Machine tracks one verification run. It is safe for concurrent use; the
// pipeline reports stage completions from its own goroutine.
type Machine struct {
	mu      sync.Mutex
	state   State
	history []State

	failStage core.Stage
	failErr   error
}

// NewMachine returns a machine in PENDING.
func NewMachine() *Machine {
	return &Machine{state: StatePending, history: []State{StatePending}}
}

// Transition moves from -> to. The caller supplies the expected prior state
// so that out-of-order reports are detected rather than silently applied.
func (m *Machine) Transition(from, to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != from {
		return fmt.Errorf("invalid transition: expected %s, got %s", from, m.state)
	}
	if !isAllowedTransition(from, to) {
		return fmt.Errorf("disallowed transition: %s -> %s", from, to)
	}
	m.state = to
	m.history = append(m.history, to)
	return nil
}

// Fail moves the machine to FAILED, remembering the stage and cause.
func (m *Machine) Fail(stage core.Stage, err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if IsTerminal(m.state) {
		return fmt.Errorf("cannot fail from terminal state %s", m.state)
	}
	m.state = StateFailed
	m.history = append(m.history, StateFailed)
	m.failStage = stage
	m.failErr = err
	return nil
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// History returns every state visited, in order.
func (m *Machine) History() []State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]State(nil), m.history...)
}

// Failure returns the stage and cause recorded by Fail.
func (m *Machine) Failure() (core.Stage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failStage, m.failErr
}
