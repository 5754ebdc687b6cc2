package lifecycle

import "errors"

// ErrInvalidTransition is returned when a state change is not allowed.
var ErrInvalidTransition = errors.New("invalid state transition")

// =============================================================================
// Service State
// =============================================================================

// State is the lifecycle state of one service.
type State string

const (
	StateUndefined State = "undefined"
	StateBuilt     State = "built"
	StateRunning   State = "running"
	StateStopped   State = "stopped"
	StateRemoved   State = "removed"
)

// =============================================================================
// State Machine
// =============================================================================

// validTransitions defines the allowed state transitions.
// Built -> Built is a rebuild; Running -> Removed is the forced teardown shortcut.
var validTransitions = map[State][]State{
	StateUndefined: {StateBuilt},
	StateBuilt:     {StateBuilt, StateRunning, StateRemoved},
	StateRunning:   {StateStopped, StateRemoved},
	StateStopped:   {StateRunning, StateRemoved},
	StateRemoved:   {}, // Terminal state
}

// ValidateTransition checks if a state transition is valid.
func ValidateTransition(from, to State) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return ErrInvalidTransition
	}

	for _, s := range allowed {
		if s == to {
			return nil
		}
	}

	return ErrInvalidTransition
}

// =============================================================================
// Transition Planning
// =============================================================================

// UpPath represents the result of planning an "up" for one service.
type UpPath struct {
	// NeedsBuild is true when the service has no usable image yet.
	NeedsBuild bool

	// Transitions is the sequence of states to transition through.
	// Empty when the service is already running.
	Transitions []State

	// AlreadyRunning is true when "up" is a no-op for the service.
	AlreadyRunning bool
}

// DetermineUpPath determines the transitions needed to bring a service up
// from its current state.
//
// Valid up paths:
//   - undefined -> built -> running
//   - removed -> built -> running (a fresh instance)
//   - built -> running
//   - stopped -> running (resume)
//   - running: no-op
//
// Example:
//
//	path := DetermineUpPath(instance.State)
//	if path.AlreadyRunning {
//	    return OutcomeAlreadyRunning
//	}
func DetermineUpPath(current State) UpPath {
	switch current {
	case StateUndefined, StateRemoved, "":
		return UpPath{
			NeedsBuild:  true,
			Transitions: []State{StateBuilt, StateRunning},
		}
	case StateBuilt, StateStopped:
		return UpPath{
			Transitions: []State{StateRunning},
		}
	case StateRunning:
		return UpPath{AlreadyRunning: true}
	default:
		return UpPath{
			NeedsBuild:  true,
			Transitions: []State{StateBuilt, StateRunning},
		}
	}
}

// CanStop checks if a service can be stopped from its current state.
// Only running services can be stopped.
func CanStop(current State) (bool, string) {
	if current != StateRunning {
		return false, "service is not running"
	}
	return true, ""
}

// CanStart checks if a service can be resumed from its current state.
func CanStart(current State) (bool, string) {
	switch current {
	case StateStopped, StateBuilt:
		return true, ""
	case StateRunning:
		return false, "service is already running"
	default:
		return false, "service has no instance; run up first"
	}
}

// NeedsTeardown reports whether "down" has anything to do for the state.
func NeedsTeardown(current State) bool {
	switch current {
	case StateRunning, StateStopped, StateBuilt:
		return true
	default:
		return false
	}
}
