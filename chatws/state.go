package chatws

import (
	"errors"
	"fmt"
	"sync"
)

// ErrInvalidTransition is returned for a state change the table does not allow.
var ErrInvalidTransition = errors.New("chatws: invalid state transition")

// State is a chat connection lifecycle state.
type State int

const (
	Connecting State = iota
	Authenticating
	Authorizing
	Joined
	Active
	Leaving
	Closed
	// Error is absorbing.
	Error
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Authorizing:
		return "authorizing"
	case Joined:
		return "joined"
	case Active:
		return "active"
	case Leaving:
		return "leaving"
	case Closed:
		return "closed"
	case Error:
		return "error"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool { return s == Closed || s == Error }

var transitions = map[State][]State{
	Connecting:     {Authenticating, Error},
	Authenticating: {Authorizing, Error},
	Authorizing:    {Joined, Error},
	Joined:         {Active, Error},
	Active:         {Leaving, Error},
	Leaving:        {Closed, Error},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionError records a rejected transition.
type TransitionError struct {
	From, To State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("chatws: invalid state transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// machine guards the current state of one connection.
type machine struct {
	mu    sync.Mutex
	state State
}

func (m *machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *machine) To(next State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !CanTransition(m.state, next) {
		return &TransitionError{From: m.state, To: next}
	}
	m.state = next
	return nil
}
