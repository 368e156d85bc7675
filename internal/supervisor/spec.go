// SPDX-License-Identifier: MPL-2.0

package supervisor

import (
	"fmt"
	"maps"
	"os"
	"regexp"
	"slices"
	"strings"
	"time"

	"mvdan.cc/sh/v3/shell"
)

// DefaultReadyTimeout bounds the pattern wait when a Spec sets none.
const DefaultReadyTimeout = 30 * time.Second

// Spec describes one supervised process.
type Spec struct {
	Name string
	// Command is split with shell-word rules; $VARS expand against the
	// process environment (Env over the parent environment).
	Command string
	Dir     string
	Env     map[string]string
	// ReadyPattern is a regular expression matched against stdout lines.
	// Empty means readiness is decided by ReadyTimeout alone.
	ReadyPattern string
	// ReadyTimeout is the timeout fallback raced against the pattern.
	ReadyTimeout time.Duration
	// RequireMarker turns a timeout into ErrStartupTimeout instead of
	// assuming the process is ready.
	RequireMarker bool
}

// Environ returns the parent environment overlaid with s.Env, sorted.
func (s Spec) Environ() []string {
	env := map[string]string{}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	maps.Copy(env, s.Env)

	out := make([]string, 0, len(env))
	for _, k := range slices.Sorted(maps.Keys(env)) {
		out = append(out, k+"="+env[k])
	}
	return out
}

// Argv splits Command into the program and its arguments.
func (s Spec) Argv() ([]string, error) {
	lookup := func(name string) string {
		if v, ok := s.Env[name]; ok {
			return v
		}
		return os.Getenv(name)
	}
	fields, err := shell.Fields(s.Command, lookup)
	if err != nil {
		return nil, fmt.Errorf("parse command of %s: %w", s.Name, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("process %s: empty command", s.Name)
	}
	return fields, nil
}

func (s Spec) readyPattern() (*regexp.Regexp, error) {
	if s.ReadyPattern == "" {
		return nil, nil //nolint:nilnil // no pattern is valid
	}
	re, err := regexp.Compile(s.ReadyPattern)
	if err != nil {
		return nil, fmt.Errorf("process %s: ready_pattern: %w", s.Name, err)
	}
	return re, nil
}

func (s Spec) readyTimeout() time.Duration {
	switch {
	case s.ReadyTimeout > 0:
		return s.ReadyTimeout
	case s.ReadyPattern != "":
		return DefaultReadyTimeout
	default:
		return 0
	}
}
