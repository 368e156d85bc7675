// SPDX-License-Identifier: MPL-2.0

package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/invowk/devup/internal/config"
	"github.com/invowk/devup/internal/container"
	"github.com/invowk/devup/internal/health"
	"github.com/invowk/devup/internal/hostengine"
	"github.com/invowk/devup/internal/issue"
	"github.com/invowk/devup/internal/platform"
	"github.com/invowk/devup/internal/ports"
	"github.com/invowk/devup/internal/service"
	"github.com/invowk/devup/internal/supervisor"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

const (
	// StagePorts resolves every configured host port.
	StagePorts Stage = "ports"
	// StageEngine detects (or installs) the container engine.
	StageEngine Stage = "engine"
	// StageBuild builds stale images.
	StageBuild Stage = "build"
	// StageServices starts the service containers.
	StageServices Stage = "services"
	// StageBackend starts the backend processes.
	StageBackend Stage = "backend"
	// StageFrontend starts the frontend processes.
	StageFrontend Stage = "frontend"
	// StageHealth gates on and then polls the health endpoints.
	StageHealth Stage = "health"
	// StageWatch starts the source watchers that restart processes.
	StageWatch Stage = "watch"

	// DefaultBuildTimeout bounds one image build.
	DefaultBuildTimeout = 30 * time.Minute
	// DefaultInstallTimeout bounds engine detection plus installation.
	DefaultInstallTimeout = 15 * time.Minute
)

type (
	// Stage names one step of bringing the environment up.
	Stage string

	// Reporter receives user-facing progress. Implementations must be safe
	// to call from the goroutine running Up.
	Reporter interface {
		StageStarted(s Stage)
		StageDone(s Stage, detail string)
		StageFailed(s Stage, err error)
		// Ready is called once every stage has succeeded.
		Ready(snap Snapshot)
	}

	// EngineResolver yields the session's container engine.
	// *hostengine.Resolver is one.
	EngineResolver interface {
		Resolve(ctx context.Context) (*hostengine.EngineReady, error)
	}

	// EngineFactory builds the engine driver for a resolved engine.
	EngineFactory func(ready *hostengine.EngineReady) container.Engine

	// Snapshot is the state of a running environment.
	Snapshot struct {
		Session   string
		Engine    *hostengine.EngineReady
		Ports     []ports.Assignment
		Services  []service.Status
		Processes []supervisor.Info
		Health    []health.Status
	}

	// Option configures a Runner.
	Option func(*Runner)

	// Runner coordinates one environment session.
	Runner struct {
		cfg            *config.Config
		arbiter        *ports.Arbiter
		resolver       EngineResolver
		newEngine      EngineFactory
		supervisor     *supervisor.Supervisor
		monitor        *health.Monitor
		reporter       Reporter
		logger         *log.Logger
		session        string
		variant        config.BuildVariant
		rebuild        bool
		buildStdout    io.Writer
		buildStderr    io.Writer
		processOutput  io.Writer
		buildTimeout   time.Duration
		installTimeout time.Duration

		// Set by the stages; read after Up returns.
		ready    *hostengine.EngineReady
		engine   container.Engine
		orch     *service.Orchestrator
		portKeys []string
		targets  map[string]health.Target
		changes  chan sourceChange

		mu      sync.Mutex
		unwind  []unwindStep
		closing bool

		shutdownOnce sync.Once
		shutdownErr  error
		done         chan struct{}
	}

	unwindStep struct {
		stage Stage
		fn    func(ctx context.Context) error
	}

	sourceChange struct {
		process string
		files   []string
	}

	nopReporter struct{}
)

func (nopReporter) StageStarted(Stage)       {}
func (nopReporter) StageDone(Stage, string)  {}
func (nopReporter) StageFailed(Stage, error) {}
func (nopReporter) Ready(Snapshot)           {}

// Stages returns every stage in execution order.
func Stages() []Stage {
	return []Stage{StagePorts, StageEngine, StageBuild, StageServices, StageBackend, StageFrontend, StageHealth, StageWatch}
}

// WithArbiter replaces the port arbiter built from the ports config.
func WithArbiter(a *ports.Arbiter) Option {
	return func(r *Runner) { r.arbiter = a }
}

// WithResolver replaces engine detection.
func WithResolver(res EngineResolver) Option {
	return func(r *Runner) { r.resolver = res }
}

// WithEngineFactory replaces the CLI engine driver.
func WithEngineFactory(f EngineFactory) Option {
	return func(r *Runner) { r.newEngine = f }
}

// WithSupervisor replaces the process supervisor built from the shutdown config.
func WithSupervisor(s *supervisor.Supervisor) Option {
	return func(r *Runner) { r.supervisor = s }
}

// WithMonitor replaces the health monitor built from the health config.
func WithMonitor(m *health.Monitor) Option {
	return func(r *Runner) { r.monitor = m }
}

// WithReporter sets the progress reporter.
func WithReporter(rep Reporter) Option {
	return func(r *Runner) { r.reporter = rep }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithSessionID overrides the generated session id.
func WithSessionID(id string) Option {
	return func(r *Runner) { r.session = id }
}

// WithVariant overrides build.variant.
func WithVariant(v config.BuildVariant) Option {
	return func(r *Runner) { r.variant = v }
}

// WithRebuild builds every image even when it is up to date.
func WithRebuild(force bool) Option {
	return func(r *Runner) { r.rebuild = force }
}

// WithBuildOutput streams engine build output.
func WithBuildOutput(stdout, stderr io.Writer) Option {
	return func(r *Runner) {
		r.buildStdout = stdout
		r.buildStderr = stderr
	}
}

// WithProcessOutput forwards supervised process output to w. It only
// applies to the supervisor built by New.
func WithProcessOutput(w io.Writer) Option {
	return func(r *Runner) { r.processOutput = w }
}

// WithBuildTimeout bounds each image build.
func WithBuildTimeout(d time.Duration) Option {
	return func(r *Runner) { r.buildTimeout = d }
}

// WithInstallTimeout bounds engine detection and installation.
func WithInstallTimeout(d time.Duration) Option {
	return func(r *Runner) { r.installTimeout = d }
}

// New creates a Runner for cfg. Collaborators not supplied through
// options are built from cfg.
func New(cfg *config.Config, opts ...Option) *Runner {
	r := &Runner{
		cfg:            cfg,
		reporter:       nopReporter{},
		logger:         log.New(io.Discard),
		session:        uuid.NewString(),
		variant:        cfg.Build.Variant,
		buildStdout:    io.Discard,
		buildStderr:    io.Discard,
		processOutput:  io.Discard,
		buildTimeout:   DefaultBuildTimeout,
		installTimeout: DefaultInstallTimeout,
		newEngine:      func(ready *hostengine.EngineReady) container.Engine { return hostengine.NewEngine(ready) },
		targets:        make(map[string]health.Target),
		changes:        make(chan sourceChange, 8),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.arbiter == nil {
		r.arbiter = ports.NewArbiter(
			ports.WithWindow(cfg.Ports.SearchWindow),
			ports.WithReclaim(cfg.Ports.AllowReclaim),
			ports.WithLogger(r.logger.WithPrefix("ports")),
		)
	}
	if r.resolver == nil {
		r.resolver = DefaultResolver(cfg, r.logger)
	}
	if r.supervisor == nil {
		r.supervisor = supervisor.New(
			supervisor.WithGracePeriod(cfg.Shutdown.GracePeriod),
			supervisor.WithKillTimeout(cfg.Shutdown.KillTimeout),
			supervisor.WithOutput(r.processOutput),
			supervisor.WithLogger(r.logger.WithPrefix("supervisor")),
		)
	}
	if r.monitor == nil {
		r.monitor = health.NewMonitor(
			health.WithInterval(cfg.Health.Interval),
			health.WithTimeout(cfg.Health.Timeout),
			health.WithThreshold(cfg.Health.FailureThreshold),
			health.WithLogger(r.logger.WithPrefix("health")),
		)
	}
	return r
}

// DefaultResolver wires detection and, when engine.auto_install is set,
// installation for the current host.
func DefaultResolver(cfg *config.Config, logger *log.Logger) *hostengine.Resolver {
	host := platform.Detect()
	detOpts := []hostengine.DetectorOption{hostengine.WithLogger(logger.WithPrefix("engine"))}
	if cfg.Engine.BundledPath != "" {
		detOpts = append(detOpts, hostengine.WithBundledPath(cfg.Engine.BundledPath))
	}
	if cfg.Engine.Preferred != config.EngineAuto && cfg.Engine.Preferred != "" {
		detOpts = append(detOpts, hostengine.WithPreference(container.EngineType(cfg.Engine.Preferred)))
	}
	resOpts := []hostengine.ResolverOption{hostengine.WithResolverLogger(logger.WithPrefix("engine"))}
	if cfg.Engine.AutoInstall {
		env := hostengine.NewInstallEnv(host, hostengine.NewExecRunner(host), logger.WithPrefix("install"))
		resOpts = append(resOpts, hostengine.WithInstaller(hostengine.NewInstaller(env, hostengine.DefaultStrategies()...)))
	}
	return hostengine.NewResolver(hostengine.NewDetector(detOpts...), resOpts...)
}

// Session returns the id stamped on this session's containers.
func (r *Runner) Session() string { return r.session }

// Done is closed once Shutdown has finished.
func (r *Runner) Done() <-chan struct{} { return r.done }

// Up runs every stage in order. On failure it unwinds what was started
// and returns the stage's error.
func (r *Runner) Up(ctx context.Context) error {
	stages := []struct {
		stage Stage
		run   func(context.Context) (string, error)
	}{
		{StagePorts, r.resolvePorts},
		{StageEngine, r.resolveEngine},
		{StageBuild, r.buildImages},
		{StageServices, r.startServices},
		{StageBackend, func(ctx context.Context) (string, error) { return r.startProcesses(ctx, config.RoleBackend) }},
		{StageFrontend, func(ctx context.Context) (string, error) { return r.startProcesses(ctx, config.RoleFrontend) }},
		{StageHealth, r.startHealth},
		{StageWatch, r.startWatch},
	}

	for _, st := range stages {
		if err := ctx.Err(); err != nil {
			_ = r.Shutdown(context.WithoutCancel(ctx))
			return err
		}
		r.logger.Debug("stage started", "stage", st.stage)
		r.reporter.StageStarted(st.stage)
		detail, err := st.run(ctx)
		if err != nil {
			r.reporter.StageFailed(st.stage, err)
			r.logFailure(st.stage, err)
			_ = r.Shutdown(context.WithoutCancel(ctx))
			return err
		}
		r.reporter.StageDone(st.stage, detail)
	}
	r.logger.Info("environment up", "session", r.session)
	return nil
}

// Run brings the environment up and keeps it alive until ctx is cancelled
// or Shutdown is called. Health recommendations and source changes restart
// the named process only. Crashes are logged and left for the health monitor or the user.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.Up(ctx); err != nil {
		return err
	}
	r.reporter.Ready(r.Snapshot(ctx))

	for {
		select {
		case <-ctx.Done():
			return r.Shutdown(context.WithoutCancel(ctx))
		case <-r.done:
			return r.shutdownErr
		case rec := <-r.monitor.Recommendations():
			r.logger.Warn("restarting unhealthy process", "process", rec.Process, "failures", rec.Failures, "error", rec.LastErr)
			r.restart(ctx, rec.Process)
		case ch := <-r.changes:
			r.logger.Info("sources changed, restarting", "process", ch.process, "files", len(ch.files), "first", ch.files[0])
			r.restart(ctx, ch.process)
		case ev := <-r.supervisor.Events():
			r.logger.Warn("process crashed, not restarting automatically",
				"process", ev.Name, "exit_code", ev.Err.Code, "tail", ev.Err.Tail)
		}
	}
}

func (r *Runner) restart(ctx context.Context, name string) {
	if _, err := r.supervisor.Restart(ctx, name); err != nil {
		r.logger.Error("restart failed", "process", name, "error", err)
		r.logDiagnostics(err)
		return
	}
	r.monitor.Reset(name)
}

// Shutdown unwinds every started stage in reverse. Concurrent and repeated
// calls share a single unwind and its result.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.shutdownOnce.Do(func() {
		r.mu.Lock()
		r.closing = true
		steps := r.unwind
		r.unwind = nil
		r.mu.Unlock()

		var errs []error
		for i := len(steps) - 1; i >= 0; i-- {
			st := steps[i]
			r.logger.Debug("unwinding", "stage", st.stage)
			if err := st.fn(ctx); err != nil {
				r.logger.Error("unwind failed", "stage", st.stage, "error", err)
				errs = append(errs, fmt.Errorf("%s: %w", st.stage, err))
			}
		}
		r.shutdownErr = errors.Join(errs...)
		r.logger.Info("shutdown complete")
		close(r.done)
	})
	return r.shutdownErr
}

// onUnwind registers fn to run during Shutdown. After Shutdown has begun,
// fn runs immediately instead.
func (r *Runner) onUnwind(stage Stage, fn func(ctx context.Context) error) {
	r.mu.Lock()
	if !r.closing {
		r.unwind = append(r.unwind, unwindStep{stage: stage, fn: fn})
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	if err := fn(context.Background()); err != nil {
		r.logger.Error("late unwind failed", "stage", stage, "error", err)
	}
}

// Snapshot reports the current state of every component.
func (r *Runner) Snapshot(ctx context.Context) Snapshot {
	snap := Snapshot{
		Session:   r.session,
		Engine:    r.ready,
		Ports:     r.arbiter.Assignments(),
		Processes: r.supervisor.List(),
		Health:    r.monitor.Statuses(),
	}
	if r.orch != nil {
		for _, sc := range r.cfg.Services {
			st, err := r.orch.Status(ctx, sc.Name)
			if err != nil {
				r.logger.Debug("status failed", "service", sc.Name, "error", err)
				continue
			}
			snap.Services = append(snap.Services, st)
		}
	}
	return snap
}

func (r *Runner) logFailure(stage Stage, err error) {
	r.logger.Error("stage failed", "stage", stage, "error", err)
	r.logDiagnostics(err)
}

func (r *Runner) logDiagnostics(err error) {
	if d, ok := issue.DiagnosticsOf(err); ok {
		r.logger.Error("child process output", "exit_code", d.ExitCode(), "tail", d.OutputTail())
	}
}

// detached returns a context that ignores ctx's cancellation but is bounded
// by d. Builds and installs are never interrupted mid-command.
func detached(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), d)
}

// WatchSignals returns a context cancelled by the first value on sigs.
// Run reacts by shutting down; later signals only log, since Shutdown is
// already running and runs once.
func (r *Runner) WatchSignals(ctx context.Context, sigs <-chan os.Signal) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		defer cancel()
		received := 0
		for {
			select {
			case sig, ok := <-sigs:
				if !ok {
					return
				}
				received++
				if received == 1 {
					r.logger.Warn("signal received, shutting down", "signal", sig)
					cancel()
					continue
				}
				r.logger.Warn("shutdown already in progress", "signal", sig)
			case <-r.done:
				return
			}
		}
	}()
	return ctx
}
