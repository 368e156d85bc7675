// SPDX-License-Identifier: MPL-2.0

package ports

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
)

const (
	// DefaultWindow is how many ports above the requested one are scanned.
	DefaultWindow = 20
	// DefaultKillGrace is how long a terminated owner gets before SIGKILL.
	DefaultKillGrace = 3 * time.Second

	pollInterval = 100 * time.Millisecond
)

// ErrPortConflictUnresolved is the sentinel wrapped by PortConflictError.
var ErrPortConflictUnresolved = errors.New("port conflict unresolved")

type (
	// Assignment is the port a service was given. It never changes until
	// the service is released.
	Assignment struct {
		Service   string
		Requested uint16
		Resolved  uint16
		// Reclaimed is set when the port was freed by terminating its owner.
		Reclaimed bool
	}

	// PortConflictError reports a port that could not be made available.
	PortConflictError struct {
		Service string
		Port    uint16
		Reason  string
	}

	// Option configures an Arbiter.
	Option func(*Arbiter)

	// Arbiter owns the session's port assignments.
	Arbiter struct {
		sys          System
		window       int
		allowReclaim bool
		killGrace    time.Duration
		selfPID      int32
		logger       *log.Logger

		mu          sync.Mutex
		assignments map[string]Assignment
	}
)

// WithSystem replaces the OS socket and process tables.
func WithSystem(s System) Option {
	return func(a *Arbiter) { a.sys = s }
}

// WithWindow sets how many ports above the requested one are scanned.
func WithWindow(n int) Option {
	return func(a *Arbiter) { a.window = n }
}

// WithReclaim enables or disables terminating port owners.
func WithReclaim(allow bool) Option {
	return func(a *Arbiter) { a.allowReclaim = allow }
}

// WithKillGrace sets the wait between terminate and kill during Reclaim.
func WithKillGrace(d time.Duration) Option {
	return func(a *Arbiter) { a.killGrace = d }
}

// WithLogger sets the logger. Reclaims are logged at warn level.
func WithLogger(l *log.Logger) Option {
	return func(a *Arbiter) { a.logger = l }
}

// NewArbiter creates an Arbiter over the host's socket table.
func NewArbiter(opts ...Option) *Arbiter {
	a := &Arbiter{
		sys:          HostSystem(),
		window:       DefaultWindow,
		allowReclaim: true,
		killGrace:    DefaultKillGrace,
		selfPID:      int32(os.Getpid()),
		logger:       log.New(io.Discard),
		assignments:  make(map[string]Assignment),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (e *PortConflictError) Error() string {
	return fmt.Sprintf("port %d for %s: %s", e.Port, e.Service, e.Reason)
}

func (e *PortConflictError) Unwrap() error { return ErrPortConflictUnresolved }

// IsPortFree reports whether nothing listens on port.
func (a *Arbiter) IsPortFree(ctx context.Context, port uint16) (bool, error) {
	owners, err := a.owners(ctx, port)
	if err != nil {
		return false, err
	}
	return len(owners) == 0, nil
}

// owners returns the listeners on port; an owner may appear with PID 0.
func (a *Arbiter) owners(ctx context.Context, port uint16) ([]Listener, error) {
	ls, err := a.sys.Listeners(ctx)
	if err != nil {
		return nil, err
	}
	var out []Listener
	for _, l := range ls {
		if l.Port == port {
			out = append(out, l)
		}
	}
	return out, nil
}

// Resolve assigns a port to service. A repeated call returns the first
// assignment unchanged.
func (a *Arbiter) Resolve(ctx context.Context, service string, port uint16) (Assignment, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if as, ok := a.assignments[service]; ok {
		return as, nil
	}
	if port == 0 {
		return Assignment{}, &PortConflictError{Service: service, Port: port, Reason: "port must be greater than zero"}
	}

	claimed := a.claimedLocked()
	busy, err := a.busySet(ctx)
	if err != nil {
		return Assignment{}, err
	}

	candidate := func(p uint16) bool { return !busy[p] && !claimed[p] }

	if candidate(port) {
		return a.assignLocked(Assignment{Service: service, Requested: port, Resolved: port}), nil
	}
	for i := 1; i <= a.window && int(port)+i <= 65535; i++ {
		p := port + uint16(i)
		if candidate(p) {
			a.logger.Info("port busy, shifted", "service", service, "requested", port, "resolved", p)
			return a.assignLocked(Assignment{Service: service, Requested: port, Resolved: p}), nil
		}
	}

	if claimed[port] {
		return Assignment{}, &PortConflictError{Service: service, Port: port, Reason: fmt.Sprintf("claimed by another service and ports %d-%d are busy", port+1, int(port)+a.window)}
	}
	if !a.allowReclaim {
		return Assignment{}, &PortConflictError{Service: service, Port: port, Reason: fmt.Sprintf("busy, ports %d-%d are busy and reclaim is disabled", port+1, int(port)+a.window)}
	}

	if _, err := a.Reclaim(ctx, port); err != nil {
		return Assignment{}, &PortConflictError{Service: service, Port: port, Reason: "reclaim failed: " + err.Error()}
	}
	if err := a.waitFree(ctx, port); err != nil {
		return Assignment{}, &PortConflictError{Service: service, Port: port, Reason: "still in use after reclaim"}
	}
	return a.assignLocked(Assignment{Service: service, Requested: port, Resolved: port, Reclaimed: true}), nil
}

func (a *Arbiter) assignLocked(as Assignment) Assignment {
	a.assignments[as.Service] = as
	return as
}

func (a *Arbiter) claimedLocked() map[uint16]bool {
	claimed := make(map[uint16]bool, len(a.assignments))
	for _, as := range a.assignments {
		claimed[as.Resolved] = true
	}
	return claimed
}

func (a *Arbiter) busySet(ctx context.Context) (map[uint16]bool, error) {
	ls, err := a.sys.Listeners(ctx)
	if err != nil {
		return nil, err
	}
	busy := make(map[uint16]bool, len(ls))
	for _, l := range ls {
		busy[l.Port] = true
	}
	return busy, nil
}

// Reclaim terminates whatever listens on port, escalating to kill after the
// grace period. It reports whether any process was signalled. No owner is a
// no-op. devup never signals itself.
func (a *Arbiter) Reclaim(ctx context.Context, port uint16) (bool, error) {
	owners, err := a.owners(ctx, port)
	if err != nil {
		return false, err
	}

	var errs []error
	signalled := false
	seen := make(map[int32]bool)
	for _, o := range owners {
		switch {
		case seen[o.PID]:
			continue
		case o.PID == 0:
			errs = append(errs, fmt.Errorf("owner of port %d is not visible to this user", port))
			continue
		case o.PID == a.selfPID:
			errs = append(errs, fmt.Errorf("port %d is held by devup itself", port))
			continue
		}
		seen[o.PID] = true

		name := a.sys.ProcessName(ctx, o.PID)
		a.logger.Warn("reclaiming port", "port", port, "pid", o.PID, "process", name)
		signalled = true
		if err := a.terminate(ctx, o.PID); err != nil {
			errs = append(errs, fmt.Errorf("pid %d (%s): %w", o.PID, name, err))
		}
	}
	return signalled, errors.Join(errs...)
}

func (a *Arbiter) terminate(ctx context.Context, pid int32) error {
	if err := a.sys.Terminate(ctx, pid); err != nil && a.sys.Alive(ctx, pid) {
		a.logger.Debug("terminate failed, killing", "pid", pid, "err", err)
		return a.sys.Kill(ctx, pid)
	}
	if a.poll(ctx, a.killGrace, func() bool { return !a.sys.Alive(ctx, pid) }) == nil {
		return nil
	}
	a.logger.Warn("process ignored terminate, killing", "pid", pid)
	return a.sys.Kill(ctx, pid)
}

// waitFree re-verifies port after a reclaim; the kernel may release the
// socket shortly after the owner exits.
func (a *Arbiter) waitFree(ctx context.Context, port uint16) error {
	return a.poll(ctx, a.killGrace, func() bool {
		free, err := a.IsPortFree(ctx, port)
		return err == nil && free
	})
}

// poll evaluates cond every pollInterval until it holds or limit elapses.
func (a *Arbiter) poll(ctx context.Context, limit time.Duration, cond func() bool) error {
	tries := uint64(max(limit/pollInterval, 1))
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(pollInterval), tries), ctx)
	return backoff.Retry(func() error {
		if cond() {
			return nil
		}
		return errors.New("condition not met")
	}, b)
}

// Release frees service's assignment.
func (a *Arbiter) Release(service string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.assignments, service)
}

// Lookup returns service's assignment.
func (a *Arbiter) Lookup(service string) (Assignment, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	as, ok := a.assignments[service]
	return as, ok
}

// Assignments returns all active assignments ordered by service name.
func (a *Arbiter) Assignments() []Assignment {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.SortedFunc(maps.Values(a.assignments), func(x, y Assignment) int {
		return cmp.Compare(x.Service, y.Service)
	})
}
