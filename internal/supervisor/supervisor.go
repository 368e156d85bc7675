// SPDX-License-Identifier: MPL-2.0

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"slices"
	"sync"
	"time"

	"github.com/invowk/devup/internal/issue"

	"github.com/charmbracelet/log"
	"github.com/sourcegraph/conc/pool"
)

const (
	// DefaultGracePeriod is how long a terminated process group gets before it is killed.
	DefaultGracePeriod = 5 * time.Second
	// DefaultKillTimeout bounds the wait for exit after the kill signal.
	DefaultKillTimeout = 3 * time.Second

	eventBuffer      = 16
	treePollInterval = 50 * time.Millisecond
)

type (
	// Event reports a process that exited without a stop request.
	Event struct {
		Name string
		Err  *ProcessError
		At   time.Time
	}

	// Info is a snapshot of one managed process.
	Info struct {
		Name    string
		PID     int
		State   State
		ReadyBy ReadySignal
		Uptime  time.Duration
	}

	// Option configures a Supervisor.
	Option func(*Supervisor)

	// Supervisor owns the registry of managed processes: at most one live
	// process per name.
	Supervisor struct {
		grace    time.Duration
		killWait time.Duration
		output   io.Writer
		logger   *log.Logger

		mu     sync.Mutex
		procs  map[string]*ManagedProcess
		events chan Event
	}
)

// WithGracePeriod sets the wait between terminate and kill.
func WithGracePeriod(d time.Duration) Option {
	return func(s *Supervisor) { s.grace = d }
}

// WithKillTimeout sets the wait for exit after kill.
func WithKillTimeout(d time.Duration) Option {
	return func(s *Supervisor) { s.killWait = d }
}

// WithOutput forwards process output line by line to w, prefixed with the process name.
func WithOutput(w io.Writer) Option {
	return func(s *Supervisor) { s.output = w }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// New creates an empty Supervisor.
func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		grace:    DefaultGracePeriod,
		killWait: DefaultKillTimeout,
		output:   io.Discard,
		logger:   log.New(io.Discard),
		procs:    make(map[string]*ManagedProcess),
		events:   make(chan Event, eventBuffer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Events delivers crashes of processes that had become ready. Events are
// dropped when nobody drains the channel.
func (s *Supervisor) Events() <-chan Event {
	return s.events
}

// Start spawns spec and blocks until it is ready. A process that exits
// first, or misses a required marker, is a startup failure.
func (s *Supervisor) Start(ctx context.Context, spec Spec) (*ManagedProcess, error) {
	p := newManagedProcess(spec)

	s.mu.Lock()
	if cur, ok := s.procs[spec.Name]; ok && !cur.State().IsTerminal() {
		s.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", spec.Name, ErrAlreadyManaged)
	}
	if err := s.spawn(p); err != nil {
		s.mu.Unlock()
		return nil, issue.NewErrorContext().
			WithOperation("start process").
			WithResource(spec.Name).
			WithSuggestion("Check the process command and dir in devup.cue").
			Wrap(err).
			BuildError()
	}
	s.procs[spec.Name] = p
	s.mu.Unlock()

	s.logger.Info("process spawned", "process", spec.Name, "pid", p.pid)

	go s.wait(p)

	if err := s.awaitReady(ctx, p); err != nil {
		return p, err
	}
	return p, nil
}

func (s *Supervisor) spawn(p *ManagedProcess) error {
	argv, err := p.spec.Argv()
	if err != nil {
		return err
	}
	if p.pattern, err = p.spec.readyPattern(); err != nil {
		return err
	}

	fwd := s.forwarder(p.spec.Name)
	p.stdout = &lineWriter{onLine: func(line string) {
		_, _ = p.tail.Write([]byte(line + "\n"))
		fwd(line)
		if p.pattern != nil && p.pattern.MatchString(line) {
			p.signalReady(ReadyByPattern)
		}
	}}
	p.stderr = &lineWriter{onLine: func(line string) {
		_, _ = p.tail.Write([]byte(line + "\n"))
		fwd(line)
	}}

	cmd := exec.Command(argv[0], argv[1:]...) //nolint:gosec // command comes from the project's own config
	cmd.Dir = p.spec.Dir
	cmd.Env = p.spec.Environ()
	cmd.Stdout = p.stdout
	cmd.Stderr = p.stderr
	// Wait returns even when an escaped grandchild keeps the pipes open.
	cmd.WaitDelay = s.killWait
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn %s: %w", p.spec.Name, err)
	}
	p.cmd = cmd
	p.pid = cmd.Process.Pid
	p.startedAt = time.Now()
	return nil
}

func (s *Supervisor) forwarder(name string) func(string) {
	if s.output == io.Discard {
		return func(string) {}
	}
	l := log.NewWithOptions(s.output, log.Options{Prefix: name})
	return func(line string) { l.Print(line) }
}

// wait records the exit and settles the final state before closing done.
func (s *Supervisor) wait(p *ManagedProcess) {
	err := p.cmd.Wait()
	p.stdout.Flush()
	p.stderr.Flush()

	if p.cmd.ProcessState != nil {
		p.exitCode = p.cmd.ProcessState.ExitCode()
	}
	p.exitErr = err

	switch {
	case p.stopRequested.Load():
		p.state.Store(int32(StateStopped))
		close(p.done)
		s.logger.Info("process stopped", "process", p.spec.Name, "exit_code", p.exitCode)
	case p.transition(StateRunning, StateCrashed):
		close(p.done)
		perr := p.failure(ErrProcessCrashed, err)
		s.logger.Error("process crashed", "process", p.spec.Name, "exit_code", perr.Code, "tail", perr.Tail)
		select {
		case s.events <- Event{Name: p.spec.Name, Err: perr, At: time.Now()}:
		default:
			s.logger.Warn("crash event dropped", "process", p.spec.Name)
		}
	default:
		// Exited before readiness; awaitReady reports it.
		p.state.Store(int32(StateCrashed))
		close(p.done)
	}
}

func (s *Supervisor) awaitReady(ctx context.Context, p *ManagedProcess) error {
	timeout := p.spec.readyTimeout()
	switch {
	case p.pattern == nil && timeout == 0:
		p.signalReady(ReadyImmediate)
	case timeout > 0:
		t := time.AfterFunc(timeout, func() { p.signalReady(ReadyByTimeout) })
		defer t.Stop()
	}

	select {
	case <-p.readyCh:
	case <-p.done:
		return s.startupFailure(p, p.failure(ErrProcessCrashed, p.exitErr))
	case <-ctx.Done():
		_ = s.stop(context.WithoutCancel(ctx), p)
		return fmt.Errorf("waiting for %s: %w", p.spec.Name, ctx.Err())
	}

	if p.readyBy == ReadyByTimeout {
		if p.spec.RequireMarker {
			_ = s.stop(context.WithoutCancel(ctx), p)
			return s.startupFailure(p, p.failure(ErrStartupTimeout, nil))
		}
		s.logger.Warn("no readiness marker before timeout, assuming ready",
			"process", p.spec.Name, "timeout", timeout, "pattern", p.spec.ReadyPattern)
	}

	if !p.transition(StateSpawning, StateRunning) {
		<-p.done
		return s.startupFailure(p, p.failure(ErrProcessCrashed, p.exitErr))
	}
	s.logger.Info("process ready", "process", p.spec.Name, "signal", p.readyBy)
	return nil
}

func (s *Supervisor) startupFailure(p *ManagedProcess, perr *ProcessError) error {
	ec := issue.NewErrorContext().
		WithOperation("start process").
		WithResource(p.spec.Name).
		Wrap(perr)
	if errors.Is(perr, ErrStartupTimeout) {
		ec = ec.WithIssue(issue.ProcessStartupTimeoutId).
			WithSuggestion(fmt.Sprintf("Raise ready_timeout or check that %s still prints %q", p.spec.Name, p.spec.ReadyPattern))
	} else {
		ec = ec.WithIssue(issue.ProcessCrashedId).
			WithSuggestion("Run the command by hand to reproduce the failure shown above")
	}
	return ec.BuildError()
}

// Get returns the process registered under name.
func (s *Supervisor) Get(name string) (*ManagedProcess, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[name]
	return p, ok
}

// List returns a snapshot of every managed process, sorted by name.
func (s *Supervisor) List() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.procs))
	for _, p := range s.procs {
		out = append(out, Info{Name: p.Name(), PID: p.PID(), State: p.State(), ReadyBy: p.ReadyBy(), Uptime: p.Uptime()})
	}
	slices.SortFunc(out, func(a, b Info) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		default:
			return 0
		}
	})
	return out
}

// Stop terminates name's process group and waits for it to exit.
// Stopping an exited process is a no-op.
func (s *Supervisor) Stop(ctx context.Context, name string) error {
	p, ok := s.Get(name)
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrUnknownProcess)
	}
	return s.stop(ctx, p)
}

// StopAll stops every process concurrently and waits for all of them.
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.mu.Lock()
	procs := make([]*ManagedProcess, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	s.mu.Unlock()

	pl := pool.New().WithErrors()
	for _, p := range procs {
		pl.Go(func() error { return s.stop(ctx, p) })
	}
	return pl.Wait()
}

// Restart stops name and starts it again from the same spec.
func (s *Supervisor) Restart(ctx context.Context, name string) (*ManagedProcess, error) {
	p, ok := s.Get(name)
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrUnknownProcess)
	}
	if err := s.stop(ctx, p); err != nil {
		return nil, err
	}
	s.logger.Info("restarting process", "process", name)
	return s.Start(ctx, p.spec)
}

func (s *Supervisor) stop(ctx context.Context, p *ManagedProcess) error {
	p.stopOnce.Do(func() { p.stopErr = s.terminate(ctx, p) })
	return p.stopErr
}

// terminate signals the group, waits the grace period, then kills the
// group and every descendant still found in the process table. It is done
// only when the process has exited and no member of its tree remains, so a
// process that already crashed still has its leftovers reaped.
func (s *Supervisor) terminate(ctx context.Context, p *ManagedProcess) error {
	if p.cmd == nil {
		return nil
	}
	p.stopRequested.Store(true)
	if !p.transition(StateRunning, StateStopping) {
		p.transition(StateSpawning, StateStopping)
	}

	tree := processTree{root: p.pid, rootExited: exited(p)}
	if !tree.rootExited {
		tree.refresh(ctx)
	} else if !treeAlive(ctx, tree) {
		return nil
	}

	s.logger.Debug("terminating process group", "process", p.spec.Name, "pid", p.pid)
	if err := terminateTree(ctx, tree); err != nil {
		s.logger.Debug("terminate signal failed", "process", p.spec.Name, "error", err)
	}
	if s.awaitTree(ctx, p, tree, s.grace) {
		return nil
	}
	if ctx.Err() != nil {
		s.logger.Warn("shutdown cancelled, killing", "process", p.spec.Name)
	} else {
		s.logger.Warn("process ignored terminate, killing", "process", p.spec.Name, "grace", s.grace)
	}

	kctx := context.WithoutCancel(ctx)
	if tree.rootExited = exited(p); !tree.rootExited {
		tree.refresh(kctx)
	}
	if err := killTree(kctx, tree); err != nil {
		s.logger.Debug("kill signal failed", "process", p.spec.Name, "error", err)
	}
	if s.awaitTree(kctx, p, tree, s.killWait) {
		return nil
	}
	return p.failure(ErrOrphaned, nil)
}

// awaitTree waits up to d for the process to exit and its tree to empty.
func (s *Supervisor) awaitTree(ctx context.Context, p *ManagedProcess, tree processTree, d time.Duration) bool {
	deadline := time.NewTimer(d)
	defer deadline.Stop()
	select {
	case <-p.done:
	case <-deadline.C:
		return false
	case <-ctx.Done():
		return false
	}

	tick := time.NewTicker(treePollInterval)
	defer tick.Stop()
	for treeAlive(ctx, tree) {
		select {
		case <-tick.C:
		case <-deadline.C:
			return !treeAlive(ctx, tree)
		case <-ctx.Done():
			return false
		}
	}
	return true
}

func exited(p *ManagedProcess) bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}
