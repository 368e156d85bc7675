// SPDX-License-Identifier: MPL-2.0

package hostengine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/invowk/devup/internal/issue"
	"github.com/invowk/devup/internal/platform"
)

type (
	// CommandRunner abstracts the host commands used by probes and install
	// strategies so tests can script them.
	CommandRunner interface {
		LookPath(file string) (string, error)
		// Output runs name and returns its stdout. stderr is captured for the error.
		Output(ctx context.Context, name string, args ...string) (string, error)
		// Run runs name with its output streamed to the user.
		Run(ctx context.Context, name string, args ...string) error
	}

	// ExecRunner runs commands on the host, through the sandbox spawn helper
	// when devup itself is sandboxed.
	ExecRunner struct {
		Host   platform.Host
		Stdout io.Writer
		Stderr io.Writer

		execCommand func(ctx context.Context, name string, arg ...string) *exec.Cmd
	}

	// ExecError reports a failed host command with its exit status and
	// trailing output.
	ExecError struct {
		Name   string
		Args   []string
		Code   int
		Output string
		Err    error
	}
)

// NewExecRunner returns a runner streaming to the process's stdout and stderr.
func NewExecRunner(h platform.Host) *ExecRunner {
	return &ExecRunner{Host: h, Stdout: os.Stdout, Stderr: os.Stderr, execCommand: exec.CommandContext}
}

// LookPath searches the local PATH, or the host's when devup is sandboxed
// and engine binaries live outside the sandbox.
func (r *ExecRunner) LookPath(file string) (string, error) {
	if r.Host.Sandbox == platform.SandboxNone {
		return exec.LookPath(file)
	}
	ctx, cancel := context.WithTimeout(context.Background(), lookPathTimeout)
	defer cancel()
	return commandV(ctx, r, file)
}

func (r *ExecRunner) command(ctx context.Context, name string, args ...string) *exec.Cmd {
	n, a := r.Host.HostCommand(name, args...)
	return r.execCommand(ctx, n, a...)
}

func (r *ExecRunner) Output(ctx context.Context, name string, args ...string) (string, error) {
	cmd := r.command(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), newExecError(name, args, stderr.String(), err)
	}
	return stdout.String(), nil
}

func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) error {
	cmd := r.command(ctx, name, args...)
	tail := issue.NewTailBuffer(issue.DefaultTailLines)
	cmd.Stdin = os.Stdin
	cmd.Stdout = io.MultiWriter(r.Stdout, tail)
	cmd.Stderr = io.MultiWriter(r.Stderr, tail)
	if err := cmd.Run(); err != nil {
		return newExecError(name, args, tail.String(), err)
	}
	return nil
}

func newExecError(name string, args []string, output string, err error) *ExecError {
	code := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	}
	return &ExecError{Name: name, Args: args, Code: code, Output: output, Err: err}
}

func (e *ExecError) Error() string {
	cmdline := strings.TrimSpace(e.Name + " " + strings.Join(e.Args, " "))
	if e.Code >= 0 {
		return fmt.Sprintf("%s: exit code %d", cmdline, e.Code)
	}
	return fmt.Sprintf("%s: %v", cmdline, e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }

// ExitCode implements issue.Diagnostic.
func (e *ExecError) ExitCode() int { return e.Code }

// OutputTail implements issue.Diagnostic.
func (e *ExecError) OutputTail() string { return issue.Tail(e.Output, issue.DefaultTailLines) }

// outputContains reports whether err is an ExecError whose output mentions s.
func outputContains(err error, s string) bool {
	var ee *ExecError
	return errors.As(err, &ee) && strings.Contains(strings.ToLower(ee.Output), s)
}
