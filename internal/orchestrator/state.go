package orchestrator

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vietddude/queryflow/internal/core/clock"
)

// State is the lifecycle state of the orchestrator.
type State string

const (
	StateIdle      State = "idle"
	StateExecuting State = "executing"
	StateSuccess   State = "success"
	StateError     State = "error"
)

// ErrInvalidTransition is returned when an invalid state transition is attempted.
var ErrInvalidTransition = errors.New("invalid state transition")

// ValidTransitions defines allowed state transitions.
// Key is the current state, value is the list of valid next states.
var ValidTransitions = map[State][]State{
	StateIdle:      {StateExecuting},
	StateExecuting: {StateSuccess, StateError},
	StateSuccess:   {StateIdle},
	StateError:     {StateIdle},
}

// CanTransition checks if a transition from one state to another is valid.
func CanTransition(from, to State) bool {
	for _, target := range ValidTransitions[from] {
		if target == to {
			return true
		}
	}
	return false
}

// Transition represents a state change with metadata.
type Transition struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

const historyLimit = 10

// Machine tracks the current state and the most recent transitions.
type Machine struct {
	clock clock.Clock

	mu      sync.RWMutex
	state   State
	history []Transition
}

// NewMachine creates a machine in StateIdle.
func NewMachine(clk clock.Clock) *Machine {
	if clk == nil {
		clk = clock.New()
	}
	return &Machine{clock: clk, state: StateIdle}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Transition moves to the next state if the move is valid.
func (m *Machine) Transition(to State, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !CanTransition(m.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.state, to)
	}

	t := Transition{From: m.state, To: to, Reason: reason, Timestamp: m.clock.Now()}
	// Keep only the last transitions
	if len(m.history) >= historyLimit {
		copy(m.history, m.history[1:])
		m.history[len(m.history)-1] = t
	} else {
		m.history = append(m.history, t)
	}
	m.state = to
	return nil
}

// History returns the recent transitions, oldest first.
func (m *Machine) History() []Transition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Transition(nil), m.history...)
}

// StateDescription returns a human-readable description of a state.
func StateDescription(s State) string {
	switch s {
	case StateIdle:
		return "Idle - waiting for a query"
	case StateExecuting:
		return "Executing - tracing progress while the remote call runs"
	case StateSuccess:
		return "Success - answer received"
	case StateError:
		return "Error - query failed after retries"
	default:
		return "Unknown state"
	}
}
