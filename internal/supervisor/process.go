// SPDX-License-Identifier: MPL-2.0

package supervisor

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/invowk/devup/internal/issue"
)

const (
	// ReadyByPattern means the ready pattern matched a stdout line.
	ReadyByPattern ReadySignal = "pattern"
	// ReadyByTimeout means the timeout fallback fired first.
	ReadyByTimeout ReadySignal = "timeout"
	// ReadyImmediate means the process has neither pattern nor timeout.
	ReadyImmediate ReadySignal = "immediate"

	maxLineBytes = 64 * 1024
)

var (
	// ErrStartupTimeout is returned when a required readiness marker never appeared.
	ErrStartupTimeout = errors.New("process startup timed out")
	// ErrProcessCrashed marks a process that exited without a stop request.
	ErrProcessCrashed = errors.New("process crashed")
	// ErrAlreadyManaged is returned when starting a name that is still alive.
	ErrAlreadyManaged = errors.New("process already managed")
	// ErrUnknownProcess is returned for names the Supervisor never started.
	ErrUnknownProcess = errors.New("unknown process")
	// ErrOrphaned is returned when a process outlives the forceful kill.
	ErrOrphaned = errors.New("process survived kill")
)

type (
	// ReadySignal names what resolved the readiness wait.
	ReadySignal string

	// ProcessError reports a process failure with its exit status and the
	// last lines it printed. Kind is ErrStartupTimeout, ErrProcessCrashed or
	// ErrOrphaned.
	ProcessError struct {
		Name string
		Kind error
		Code int
		Tail string
		Err  error
	}

	// ManagedProcess is one supervised child. Only the Supervisor mutates it.
	ManagedProcess struct {
		spec    Spec
		pattern *regexp.Regexp
		state   atomic.Int32
		cmd     *exec.Cmd
		pid     int
		tail    *issue.TailBuffer
		stdout  *lineWriter
		stderr  *lineWriter

		startedAt time.Time

		readyOnce sync.Once
		readyCh   chan struct{}
		readyBy   ReadySignal

		stopRequested atomic.Bool
		stopOnce      sync.Once
		stopErr       error

		done     chan struct{}
		exitCode int
		exitErr  error
	}

	// lineWriter calls onLine for every complete line written to it.
	lineWriter struct {
		mu     sync.Mutex
		buf    []byte
		onLine func(string)
	}
)

func (e *ProcessError) Error() string {
	var msg string
	switch {
	case errors.Is(e.Kind, ErrStartupTimeout):
		msg = fmt.Sprintf("process %s: no readiness marker before timeout", e.Name)
	case errors.Is(e.Kind, ErrOrphaned):
		msg = fmt.Sprintf("process %s: still alive after kill", e.Name)
	default:
		msg = fmt.Sprintf("process %s exited with code %d", e.Name, e.Code)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProcessError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// ExitCode implements issue.Diagnostic.
func (e *ProcessError) ExitCode() int { return e.Code }

// OutputTail implements issue.Diagnostic.
func (e *ProcessError) OutputTail() string { return e.Tail }

func newManagedProcess(spec Spec) *ManagedProcess {
	p := &ManagedProcess{
		spec:     spec,
		tail:     issue.NewTailBuffer(issue.DefaultTailLines),
		readyCh:  make(chan struct{}),
		done:     make(chan struct{}),
		exitCode: -1,
	}
	p.state.Store(int32(StateSpawning))
	return p
}

// Name returns the process name.
func (p *ManagedProcess) Name() string { return p.spec.Name }

// Spec returns the spec the process was started with.
func (p *ManagedProcess) Spec() Spec { return p.spec }

// PID returns the child's process id, 0 before spawn.
func (p *ManagedProcess) PID() int { return p.pid }

// State returns the current lifecycle state.
func (p *ManagedProcess) State() State { return State(p.state.Load()) }

// Tail returns the last lines of combined stdout and stderr.
func (p *ManagedProcess) Tail() string { return p.tail.String() }

// Done is closed once the child has exited and its state is final.
func (p *ManagedProcess) Done() <-chan struct{} { return p.done }

// ExitCode returns the exit status; -1 while running or when killed by a signal.
func (p *ManagedProcess) ExitCode() int {
	select {
	case <-p.done:
		return p.exitCode
	default:
		return -1
	}
}

// ReadyBy returns the signal that resolved readiness, "" while pending.
func (p *ManagedProcess) ReadyBy() ReadySignal {
	select {
	case <-p.readyCh:
		return p.readyBy
	default:
		return ""
	}
}

// Uptime returns the time since spawn.
func (p *ManagedProcess) Uptime() time.Duration {
	if p.startedAt.IsZero() {
		return 0
	}
	return time.Since(p.startedAt)
}

// signalReady resolves readiness exactly once and reports whether by won.
func (p *ManagedProcess) signalReady(by ReadySignal) bool {
	won := false
	p.readyOnce.Do(func() {
		p.readyBy = by
		won = true
		close(p.readyCh)
	})
	return won
}

func (p *ManagedProcess) transition(from, to State) bool {
	return p.state.CompareAndSwap(int32(from), int32(to))
}

func (p *ManagedProcess) failure(kind, err error) *ProcessError {
	return &ProcessError{Name: p.spec.Name, Kind: kind, Code: p.ExitCode(), Tail: p.Tail(), Err: err}
}

func (w *lineWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, b...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(w.buf[:i]), "\r")
		w.buf = w.buf[i+1:]
		w.onLine(line)
	}
	if len(w.buf) > maxLineBytes {
		w.onLine(string(w.buf))
		w.buf = nil
	}
	return len(b), nil
}

// Flush emits a trailing partial line.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.onLine(strings.TrimRight(string(w.buf), "\r"))
		w.buf = nil
	}
}
