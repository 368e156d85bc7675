// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"errors"
	"strings"
)

// DefaultTailLines is the number of trailing output lines kept for diagnostics.
const DefaultTailLines = 20

// Diagnostic is implemented by errors that originate from a child process
// (engine command, install script, supervised process). It exposes what is
// needed to diagnose the failure without reproducing it.
type Diagnostic interface {
	error
	// ExitCode returns the child's exit status, or -1 when it never exited normally.
	ExitCode() int
	// OutputTail returns the last lines of the child's captured stderr/stdout.
	OutputTail() string
}

// DiagnosticsOf walks the error chain and returns the first Diagnostic found.
func DiagnosticsOf(err error) (Diagnostic, bool) {
	var d Diagnostic
	if errors.As(err, &d) {
		return d, true
	}
	return nil, false
}

// Tail returns at most n trailing non-empty lines of out.
func Tail(out string, n int) string {
	out = strings.TrimRight(out, "\n")
	if out == "" || n <= 0 {
		return ""
	}
	lines := strings.Split(out, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
