// SPDX-License-Identifier: MPL-2.0

package supervisor

import (
	"errors"
	"testing"
)

func TestState_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state State
		want  string
	}{
		{StateSpawning, "spawning"},
		{StateRunning, "running"},
		{StateStopping, "stopping"},
		{StateStopped, "stopped"},
		{StateCrashed, "crashed"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestState_Validate(t *testing.T) {
	t.Parallel()

	for _, s := range []State{StateSpawning, StateRunning, StateStopping, StateStopped, StateCrashed} {
		if err := s.Validate(); err != nil {
			t.Errorf("%s.Validate() = %v", s, err)
		}
	}
	err := State(-1).Validate()
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("Validate() = %v, want ErrInvalidState", err)
	}
}

func TestState_IsTerminal(t *testing.T) {
	t.Parallel()

	terminal := map[State]bool{StateStopped: true, StateCrashed: true}
	for _, s := range []State{StateSpawning, StateRunning, StateStopping, StateStopped, StateCrashed} {
		if s.IsTerminal() != terminal[s] {
			t.Errorf("%s.IsTerminal() = %v", s, s.IsTerminal())
		}
	}
}
