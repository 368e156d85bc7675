// SPDX-License-Identifier: MPL-2.0

package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/invowk/devup/internal/container"
	"github.com/invowk/devup/internal/dag"
	"github.com/invowk/devup/internal/issue"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

const (
	// LabelProject carries the project name on every devup container and network.
	LabelProject = "devup.project"
	// LabelSession carries the id of the session that started the container.
	LabelSession = "devup.session"
	// LabelService carries the service name.
	LabelService = "devup.service"

	// DefaultStopTimeout is the engine-side grace period of Stop.
	DefaultStopTimeout = 10 * time.Second
)

var errNotStarted = errors.New("container not started yet")

type (
	// StatusSource inspects a container by name. container.Engine is one;
	// DockerAPI is another.
	StatusSource interface {
		Inspect(ctx context.Context, name string) (*container.ContainerState, error)
	}

	// Status is the coarse state of one service container.
	Status struct {
		Service   string
		Container string
		Running   bool
		Health    container.HealthState
		// State is the engine's status string (running, exited, ...), "" when missing.
		State    string
		ExitCode int
	}

	// Option configures an Orchestrator.
	Option func(*Orchestrator)

	// Orchestrator owns the service containers of one devup session.
	Orchestrator struct {
		engine     container.Engine
		status     StatusSource
		project    string
		session    string
		useCompose bool
		composeDir string
		logger     *log.Logger

		pollInitial time.Duration
		pollMax     time.Duration

		mu          sync.Mutex
		started     []string
		composeFile string
	}
)

// WithProject sets the project name used for container names and labels.
func WithProject(name string) Option {
	return func(o *Orchestrator) { o.project = name }
}

// WithSessionID overrides the generated session id.
func WithSessionID(id string) Option {
	return func(o *Orchestrator) { o.session = id }
}

// WithCompose prefers a generated compose file over per-service runs when
// the engine supports compose.
func WithCompose(enabled bool) Option {
	return func(o *Orchestrator) { o.useCompose = enabled }
}

// WithComposeDir sets where the generated compose file is written.
func WithComposeDir(dir string) Option {
	return func(o *Orchestrator) { o.composeDir = dir }
}

// WithStatusSource replaces engine inspection for Status and WaitStarted.
func WithStatusSource(src StatusSource) Option {
	return func(o *Orchestrator) { o.status = src }
}

// WithPollInterval sets the initial and maximum WaitStarted poll intervals.
func WithPollInterval(initial, maxInterval time.Duration) Option {
	return func(o *Orchestrator) {
		o.pollInitial = initial
		o.pollMax = maxInterval
	}
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// NewOrchestrator creates an Orchestrator for engine.
func NewOrchestrator(engine container.Engine, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		engine:      engine,
		status:      engine,
		project:     "devup",
		session:     uuid.NewString(),
		composeDir:  os.TempDir(),
		logger:      log.New(io.Discard),
		pollInitial: 250 * time.Millisecond,
		pollMax:     2 * time.Second,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SessionID returns the id stamped on this session's containers.
func (o *Orchestrator) SessionID() string { return o.session }

// ContainerName returns the container name of service.
func (o *Orchestrator) ContainerName(service string) string {
	return o.project + "-" + service
}

func (o *Orchestrator) labels(service string) map[string]string {
	l := map[string]string{LabelProject: o.project, LabelSession: o.session}
	if service != "" {
		l[LabelService] = service
	}
	return l
}

// EnsureNetwork creates the network unless it already exists.
func (o *Orchestrator) EnsureNetwork(ctx context.Context, name string) error {
	if name == "" {
		return nil
	}
	exists, err := o.engine.NetworkExists(ctx, name)
	if err != nil {
		return fmt.Errorf("inspect network %s: %w", name, err)
	}
	if exists {
		return nil
	}
	if err := o.engine.CreateNetwork(ctx, name, map[string]string{LabelProject: o.project}); err != nil {
		// Lost a race with a concurrent create.
		if exists, _ := o.engine.NetworkExists(ctx, name); exists {
			return nil
		}
		return fmt.Errorf("create network %s: %w", name, err)
	}
	o.logger.Debug("network created", "network", name)
	return nil
}

// Start replaces any same-named container with a fresh one for d.
func (o *Orchestrator) Start(ctx context.Context, d Descriptor) error {
	if err := d.Validate(); err != nil {
		return o.startError(d.Name, err)
	}
	name := o.ContainerName(d.Name)

	if err := o.engine.Remove(ctx, name, true); err != nil && !errors.Is(err, container.ErrNoSuchContainer) {
		return o.startError(d.Name, fmt.Errorf("remove stale container: %w", err))
	}
	if err := o.EnsureNetwork(ctx, d.Network); err != nil {
		return o.startError(d.Name, err)
	}

	id, err := o.engine.RunDetached(ctx, container.RunOptions{
		Name:    name,
		Image:   d.Image,
		Network: d.Network,
		Ports:   d.Ports,
		Volumes: d.Volumes,
		Env:     d.Env,
		Labels:  o.labels(d.Name),
		Command: d.Command,
	})
	if err != nil {
		return o.startError(d.Name, err)
	}

	o.mu.Lock()
	if !slices.Contains(o.started, d.Name) {
		o.started = append(o.started, d.Name)
	}
	o.mu.Unlock()

	o.logger.Info("service started", "service", d.Name, "container", name, "id", shortID(id))
	return nil
}

// StartAll starts ds wave by wave, waiting for each wave to be started
// before the next. With compose enabled and supported, one compose up
// replaces the per-service runs.
func (o *Orchestrator) StartAll(ctx context.Context, ds []Descriptor) error {
	waves, err := Waves(ds)
	if err != nil {
		return o.orderError(err)
	}

	if o.useCompose && o.engine.ComposeAvailable(ctx) {
		if err := o.composeUp(ctx, ds); err != nil {
			return err
		}
		for _, wave := range waves {
			for _, d := range wave {
				if err := o.WaitStarted(ctx, d.Name, d.startTimeout()); err != nil {
					return err
				}
			}
		}
		return nil
	}

	for _, wave := range waves {
		for _, d := range wave {
			if err := o.Start(ctx, d); err != nil {
				return err
			}
		}
		for _, d := range wave {
			if err := o.WaitStarted(ctx, d.Name, d.startTimeout()); err != nil {
				return err
			}
		}
	}
	return nil
}

// Stop stops and removes service's container. A missing container is not an error.
func (o *Orchestrator) Stop(ctx context.Context, service string, timeout time.Duration) error {
	name := o.ContainerName(service)
	if err := o.engine.Stop(ctx, name, timeout); err != nil && !errors.Is(err, container.ErrNoSuchContainer) {
		return fmt.Errorf("stop %s: %w", name, err)
	}
	if err := o.engine.Remove(ctx, name, true); err != nil && !errors.Is(err, container.ErrNoSuchContainer) {
		return fmt.Errorf("remove %s: %w", name, err)
	}

	o.mu.Lock()
	o.started = slices.DeleteFunc(o.started, func(s string) bool { return s == service })
	o.mu.Unlock()

	o.logger.Info("service stopped", "service", service)
	return nil
}

// StopAll stops everything this Orchestrator started, in reverse start order.
func (o *Orchestrator) StopAll(ctx context.Context, timeout time.Duration) error {
	o.mu.Lock()
	started := slices.Clone(o.started)
	composeFile := o.composeFile
	o.composeFile = ""
	o.mu.Unlock()

	var errs []error
	if composeFile != "" {
		if err := o.engine.ComposeDown(ctx, o.project, composeFile); err != nil {
			errs = append(errs, fmt.Errorf("compose down: %w", err))
		}
		_ = os.Remove(composeFile)
		o.mu.Lock()
		o.started = nil
		o.mu.Unlock()
		return errors.Join(errs...)
	}

	for _, service := range slices.Backward(started) {
		if err := o.Stop(ctx, service, timeout); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StopProject stops every container labelled with this project, including
// ones left by an earlier session. It returns the stopped container names.
func (o *Orchestrator) StopProject(ctx context.Context, timeout time.Duration) ([]string, error) {
	names, err := o.engine.ListContainers(ctx, map[string]string{LabelProject: o.project})
	if err != nil {
		return nil, fmt.Errorf("list project containers: %w", err)
	}
	var errs []error
	for _, name := range slices.Backward(names) {
		if err := o.engine.Stop(ctx, name, timeout); err != nil && !errors.Is(err, container.ErrNoSuchContainer) {
			errs = append(errs, fmt.Errorf("stop %s: %w", name, err))
			continue
		}
		if err := o.engine.Remove(ctx, name, true); err != nil && !errors.Is(err, container.ErrNoSuchContainer) {
			errs = append(errs, fmt.Errorf("remove %s: %w", name, err))
		}
	}
	return names, errors.Join(errs...)
}

// Started returns the services started by this Orchestrator, in start order.
func (o *Orchestrator) Started() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.started)
}

// Status inspects service's container.
func (o *Orchestrator) Status(ctx context.Context, service string) (Status, error) {
	name := o.ContainerName(service)
	st, err := o.status.Inspect(ctx, name)
	if errors.Is(err, container.ErrNoSuchContainer) {
		return Status{Service: service, Container: name, Health: container.HealthMissing}, nil
	}
	if err != nil {
		return Status{Service: service, Container: name}, fmt.Errorf("inspect %s: %w", name, err)
	}
	return Status{
		Service:   service,
		Container: name,
		Running:   st.Running,
		Health:    st.HealthState(),
		State:     st.Status,
		ExitCode:  st.ExitCode,
	}, nil
}

// WaitStarted polls Status with exponential backoff until the container
// runs and its healthcheck, if any, has passed. An exited container fails
// immediately.
func (o *Orchestrator) WaitStarted(ctx context.Context, service string, timeout time.Duration) error {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(o.pollInitial),
		backoff.WithMaxInterval(o.pollMax),
		backoff.WithMaxElapsedTime(timeout),
	)

	var last Status
	err := backoff.Retry(func() error {
		st, err := o.Status(ctx, service)
		if err != nil {
			return err
		}
		last = st
		switch {
		case st.Running && (st.Health == container.HealthHealthy || st.Health == container.HealthNone):
			return nil
		case st.State == "exited" || st.State == "dead":
			return backoff.Permanent(fmt.Errorf("container exited with code %d", st.ExitCode))
		case st.Health == container.HealthUnhealthy && st.Running:
			return fmt.Errorf("healthcheck failing: %w", errNotStarted)
		default:
			return errNotStarted
		}
	}, backoff.WithContext(b, ctx))
	if err == nil {
		o.logger.Debug("service ready", "service", service, "health", last.Health)
		return nil
	}

	return issue.NewErrorContext().
		WithOperation("start service").
		WithResource(o.ContainerName(service)).
		WithSuggestions(
			fmt.Sprintf("Inspect the container logs with '<engine> logs %s'", o.ContainerName(service)),
			"Raise start_timeout for this service in devup.cue if it needs longer to boot",
		).
		WithIssue(issue.ServiceStartFailedId).
		Wrap(fmt.Errorf("not started within %s (state %q, health %s): %w", timeout, last.State, last.Health, err)).
		BuildError()
}

func (o *Orchestrator) startError(service string, err error) error {
	return issue.NewErrorContext().
		WithOperation("start service").
		WithResource(o.ContainerName(service)).
		WithSuggestion("Check the service's image, ports and volumes in devup.cue").
		WithIssue(issue.ServiceStartFailedId).
		Wrap(err).
		BuildError()
}

func (o *Orchestrator) orderError(err error) error {
	ec := issue.NewErrorContext().
		WithOperation("order services").
		WithResource(o.project).
		Wrap(err)
	if errors.Is(err, dag.ErrCycle) {
		ec = ec.WithSuggestion("Remove one of the depends_on edges forming the cycle").WithIssue(issue.DependencyCycleId)
	}
	return ec.BuildError()
}

// Labels returns the labels stamped on service's container.
func (o *Orchestrator) Labels(service string) map[string]string {
	return o.labels(service)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
