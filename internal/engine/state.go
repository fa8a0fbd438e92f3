package engine

import (
	"errors"
	"fmt"
	"sync"
)

// State is a supervisor state.
type State string

const (
	StateIdle              State = "Idle"
	StateRunning           State = "Running"
	StateCompleted         State = "Completed"
	StateStalled           State = "Stalled"
	StateInterrupting      State = "Interrupting"
	StateTerminated        State = "Terminated"
	StateTerminationFailed State = "TerminationFailed"
)

var transitions = map[State][]State{
	StateIdle:         {StateRunning},
	StateRunning:      {StateCompleted, StateStalled},
	StateStalled:      {StateInterrupting},
	StateInterrupting: {StateTerminated, StateTerminationFailed},
}

// ErrInvalidTransition is returned for transitions outside the table.
var ErrInvalidTransition = errors.New("invalid state transition")

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	_, ok := transitions[s]
	return !ok
}

// ExitCode maps a final state to the process exit code.
func (s State) ExitCode() int {
	switch s {
	case StateCompleted, StateTerminated:
		return 0
	default:
		return 1
	}
}

func isAllowedTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type machine struct {
	mu    sync.Mutex
	state State
}

func newMachine() *machine {
	return &machine{state: StateIdle}
}

func (m *machine) current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *machine) transition(to State) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	from := m.state
	if !isAllowedTransition(from, to) {
		return from, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	m.state = to
	return from, nil
}
