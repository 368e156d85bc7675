// SPDX-License-Identifier: MPL-2.0

package supervisor

import (
	"errors"
	"fmt"
)

const (
	// StateSpawning means the process was started and readiness is pending.
	StateSpawning State = iota
	// StateRunning means a readiness signal fired.
	StateRunning
	// StateStopping means Stop was called and termination is in progress.
	StateStopping
	// StateStopped is terminal: the process exited after a stop request.
	StateStopped
	// StateCrashed is terminal: the process exited without a stop request.
	StateCrashed
)

// ErrInvalidState is returned when a State value is not one of the defined lifecycle states.
var ErrInvalidState = errors.New("invalid state")

type (
	// State is the lifecycle state of a managed process.
	State int32

	// InvalidStateError is returned when a State value is not recognized.
	// It wraps ErrInvalidState for errors.Is() compatibility.
	InvalidStateError struct {
		Value State
	}
)

func (s State) String() string {
	switch s {
	case StateSpawning:
		return "spawning"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid state %d (valid: 0=spawning, 1=running, 2=stopping, 3=stopped, 4=crashed)", e.Value)
}

func (e *InvalidStateError) Unwrap() error {
	return ErrInvalidState
}

// Validate returns nil if the State is one of the defined lifecycle states.
func (s State) Validate() error {
	switch s {
	case StateSpawning, StateRunning, StateStopping, StateStopped, StateCrashed:
		return nil
	default:
		return &InvalidStateError{Value: s}
	}
}

// IsTerminal returns true for Stopped and Crashed.
func (s State) IsTerminal() bool {
	return s == StateStopped || s == StateCrashed
}
