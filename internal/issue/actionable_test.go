// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

type fakeDiagnostic struct {
	code int
	tail string
}

func (f *fakeDiagnostic) Error() string      { return fmt.Sprintf("exit status %d", f.code) }
func (f *fakeDiagnostic) ExitCode() int      { return f.code }
func (f *fakeDiagnostic) OutputTail() string { return f.tail }

func TestActionableError_Error(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  *ActionableError
		want string
	}{
		{
			name: "operation only",
			err:  &ActionableError{Operation: "resolve port"},
			want: "failed to resolve port",
		},
		{
			name: "with resource",
			err:  &ActionableError{Operation: "start service", Resource: "db"},
			want: "failed to start service: db",
		},
		{
			name: "with resource and cause",
			err: &ActionableError{
				Operation: "build image",
				Resource:  "devup/agent-runtime:latest",
				Cause:     errors.New("exit status 1"),
			},
			want: "failed to build image: devup/agent-runtime:latest: exit status 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestActionableError_Unwrap(t *testing.T) {
	t.Parallel()

	sentinel := errors.New("boom")
	err := NewErrorContext().WithOperation("stop process").Wrap(sentinel).BuildError()
	if !errors.Is(err, sentinel) {
		t.Error("errors.Is() should find the wrapped cause")
	}
}

func TestActionableError_Format(t *testing.T) {
	t.Parallel()

	inner := errors.New("connection refused")
	err := &ActionableError{
		Operation:   "probe health",
		Resource:    "http://localhost:8000/health",
		Suggestions: []string{"Check the backend logs", "Run 'devup status'"},
		Cause:       fmt.Errorf("GET failed: %w", inner),
	}

	short := err.Format(false)
	for _, want := range []string{"failed to probe health", "  • Check the backend logs", "  • Run 'devup status'"} {
		if !strings.Contains(short, want) {
			t.Errorf("Format(false) missing %q in:\n%s", want, short)
		}
	}
	if strings.Contains(short, "Error chain") {
		t.Error("Format(false) should not include the error chain")
	}

	verbose := err.Format(true)
	for _, want := range []string{"Error chain:", "1. GET failed: connection refused", "2. connection refused"} {
		if !strings.Contains(verbose, want) {
			t.Errorf("Format(true) missing %q in:\n%s", want, verbose)
		}
	}
}

func TestActionableError_FormatIncludesDiagnostics(t *testing.T) {
	t.Parallel()

	diag := &fakeDiagnostic{code: 2, tail: "step 3/7\nCOPY failed: dist not found"}
	err := NewErrorContext().
		WithOperation("build image").
		Wrap(fmt.Errorf("engine build: %w", diag)).
		Build()

	out := err.Format(false)
	if !strings.Contains(out, "exit code: 2") {
		t.Errorf("Format() should include the exit code, got:\n%s", out)
	}
	if !strings.Contains(out, "  | COPY failed: dist not found") {
		t.Errorf("Format() should include the output tail, got:\n%s", out)
	}
}

func TestErrorContext_Build(t *testing.T) {
	t.Parallel()

	if NewErrorContext().WithResource("db").Build() != nil {
		t.Error("Build() without operation should return nil")
	}
	if NewErrorContext().BuildError() != nil {
		t.Error("BuildError() without operation should return a nil interface")
	}

	ae := NewErrorContext().
		WithOperation("reclaim port").
		WithResource("5432").
		WithSuggestion("first").
		WithSuggestions("second", "third").
		WithIssue(PortConflictId).
		Build()
	if ae == nil {
		t.Fatal("Build() returned nil")
	}
	if len(ae.Suggestions) != 3 {
		t.Errorf("Suggestions = %v, want 3 entries", ae.Suggestions)
	}
	if ae.IssueID != PortConflictId {
		t.Errorf("IssueID = %d, want %d", ae.IssueID, PortConflictId)
	}
}

func TestIssueOf(t *testing.T) {
	t.Parallel()

	linked := NewErrorContext().WithOperation("detect engine").WithIssue(EngineNotFoundId).BuildError()
	outer := NewErrorContext().WithOperation("start environment").Wrap(linked).BuildError()

	if got := IssueOf(outer); got == nil || got.Id() != EngineNotFoundId {
		t.Errorf("IssueOf() = %v, want the engine-not-found issue", got)
	}
	if got := IssueOf(errors.New("plain")); got != nil {
		t.Errorf("IssueOf(plain) = %v, want nil", got)
	}
	if got := IssueOf(nil); got != nil {
		t.Errorf("IssueOf(nil) = %v, want nil", got)
	}
}

func TestTail(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"empty", "", 5, ""},
		{"fewer lines", "a\nb\n", 5, "a\nb"},
		{"truncated", "a\nb\nc\nd", 2, "c\nd"},
		{"zero", "a", 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Tail(tt.in, tt.n); got != tt.want {
				t.Errorf("Tail(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
			}
		})
	}
}
