// SPDX-License-Identifier: MPL-2.0

package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/invowk/devup/internal/config"
	"github.com/invowk/devup/internal/container"
	"github.com/invowk/devup/internal/imagebuild"
	"github.com/invowk/devup/internal/issue"
	"github.com/invowk/devup/internal/service"
	"github.com/invowk/devup/internal/supervisor"
	"github.com/invowk/devup/internal/watch"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"
)

func (r *Runner) resolvePorts(ctx context.Context) (string, error) {
	r.onUnwind(StagePorts, func(context.Context) error {
		for _, key := range r.portKeys {
			r.arbiter.Release(key)
		}
		return nil
	})

	var shifted, reclaimed int
	resolve := func(key string, port int) error {
		as, err := r.arbiter.Resolve(ctx, key, uint16(port)) //nolint:gosec // range checked by the config schema
		if err != nil {
			return issue.NewErrorContext().
				WithOperation("resolve port").
				WithResource(fmt.Sprintf("%s (%d)", key, port)).
				WithSuggestions(
					"Stop the program holding the port, or raise ports.search_window in devup.cue",
					"Run 'devup ports' to see which ports are taken",
				).
				WithIssue(issue.PortConflictId).
				Wrap(err).
				BuildError()
		}
		r.portKeys = append(r.portKeys, key)
		if as.Resolved != as.Requested {
			shifted++
		}
		if as.Reclaimed {
			reclaimed++
		}
		return nil
	}

	for _, req := range PortRequests(r.cfg) {
		if err := resolve(req.Key, req.Port); err != nil {
			return "", err
		}
	}

	detail := fmt.Sprintf("%d resolved", len(r.portKeys))
	if shifted > 0 {
		detail += fmt.Sprintf(", %d shifted", shifted)
	}
	if reclaimed > 0 {
		detail += fmt.Sprintf(", %d reclaimed", reclaimed)
	}
	return detail, nil
}

func (r *Runner) needsEngine() bool {
	return len(r.cfg.Services) > 0 || len(r.cfg.Build.Images) > 0
}

func (r *Runner) resolveEngine(ctx context.Context) (string, error) {
	if !r.needsEngine() {
		return "not needed", nil
	}

	ictx, cancel := detached(ctx, r.installTimeout)
	defer cancel()
	ready, err := r.resolver.Resolve(ictx)
	if err != nil {
		return "", err
	}
	r.ready = ready
	r.engine = r.newEngine(ready)

	orchOpts := []service.Option{
		service.WithProject(r.cfg.Project),
		service.WithSessionID(r.session),
		// Compose files carry host paths that would not resolve inside WSL.
		service.WithCompose(r.cfg.Engine.UseCompose && !ready.WSL),
		service.WithLogger(r.logger.WithPrefix("services")),
	}
	if r.cfg.Engine.APIStatus && ready.Name == container.EngineTypeDocker && !ready.WSL {
		if api, err := service.NewDockerAPI(ctx); err != nil {
			r.logger.Debug("docker api unavailable, inspecting through the CLI", "error", err)
		} else {
			orchOpts = append(orchOpts, service.WithStatusSource(api))
			r.onUnwind(StageEngine, func(context.Context) error { return api.Close() })
		}
	}
	r.orch = service.NewOrchestrator(r.engine, orchOpts...)

	detail := fmt.Sprintf("%s %s (%s", ready.Name, ready.Version, ready.Source)
	if ready.Rootless {
		detail += ", rootless"
	}
	if ready.WSL {
		detail += ", inside WSL"
	}
	return detail + ")", nil
}

func (r *Runner) buildImages(ctx context.Context) (string, error) {
	if len(r.cfg.Build.Images) == 0 {
		return "no images", nil
	}

	b := imagebuild.NewBuilder(r.engine,
		imagebuild.WithOutput(r.buildStdout, r.buildStderr),
		imagebuild.WithLogger(r.logger.WithPrefix("build")),
	)
	var built, fresh []string
	for _, img := range r.cfg.Build.Images {
		spec := imagebuild.SpecFor(img, r.variant)
		bctx, cancel := detached(ctx, r.buildTimeout)
		res, err := b.EnsureBuilt(bctx, spec, r.rebuild)
		cancel()
		if err != nil {
			return "", err
		}
		if res.Built {
			built = append(built, res.Tag)
		} else {
			fresh = append(fresh, res.Tag)
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
	}

	switch {
	case len(built) == 0:
		return fmt.Sprintf("%d up to date", len(fresh)), nil
	case len(fresh) == 0:
		return "built " + strings.Join(built, ", "), nil
	default:
		return fmt.Sprintf("built %s, %d up to date", strings.Join(built, ", "), len(fresh)), nil
	}
}

func (r *Runner) startServices(ctx context.Context) (string, error) {
	if len(r.cfg.Services) == 0 {
		return "no services", nil
	}

	hostPort := func(svc string) service.HostPortFunc {
		return func(p config.PortConfig) uint16 {
			if as, ok := r.arbiter.Lookup(servicePortKey(svc, p.ContainerPort())); ok {
				return as.Resolved
			}
			return uint16(p.Host) //nolint:gosec // range checked by the config schema
		}
	}
	ds := make([]service.Descriptor, 0, len(r.cfg.Services))
	for _, sc := range r.cfg.Services {
		ds = append(ds, service.DescriptorFor(sc, r.cfg.Network, hostPort(sc.Name)))
	}

	r.onUnwind(StageServices, func(ctx context.Context) error {
		return r.orch.StopAll(ctx, service.DefaultStopTimeout)
	})
	if err := r.orch.StartAll(ctx, ds); err != nil {
		return "", err
	}
	return fmt.Sprintf("%d started", len(ds)), nil
}

func (r *Runner) startProcesses(ctx context.Context, role config.ProcessRole) (string, error) {
	var procs []config.ProcessConfig
	for _, pc := range r.cfg.Processes {
		if pc.EffectiveRole() == role {
			procs = append(procs, pc)
		}
	}
	if len(procs) == 0 {
		return "none configured", nil
	}

	names := make([]string, 0, len(procs))
	for _, pc := range procs {
		names = append(names, pc.Name)
	}
	stage := StageBackend
	if role == config.RoleFrontend {
		stage = StageFrontend
	}
	r.onUnwind(stage, func(ctx context.Context) error { return r.stopProcesses(ctx, names) })

	env := r.portEnv()
	var ready []string
	for _, pc := range procs {
		spec := processSpec(pc, env)
		p, err := r.supervisor.Start(ctx, spec)
		if err != nil {
			return "", err
		}
		ready = append(ready, fmt.Sprintf("%s (%s)", p.Name(), p.ReadyBy()))

		if pc.Health.Endpoint != "" {
			t, err := healthTarget(pc, spec)
			if err != nil {
				return "", err
			}
			r.targets[pc.Name] = t
		}
	}
	return "ready: " + strings.Join(ready, ", "), nil
}

// stopProcesses stops names concurrently. Names the supervisor never
// registered, e.g. after a failed spawn, are skipped.
func (r *Runner) stopProcesses(ctx context.Context, names []string) error {
	p := pool.New().WithErrors()
	for _, name := range names {
		p.Go(func() error {
			if err := r.supervisor.Stop(ctx, name); err != nil && !errors.Is(err, supervisor.ErrUnknownProcess) {
				return err
			}
			return nil
		})
	}
	return p.Wait()
}

func (r *Runner) startHealth(ctx context.Context) (string, error) {
	if len(r.targets) == 0 {
		return "no endpoints", nil
	}

	if timeout := r.cfg.Health.StartupTimeout; timeout > 0 {
		for _, pc := range r.cfg.Processes {
			t, ok := r.targets[pc.Name]
			if !ok {
				continue
			}
			if err := r.monitor.WaitHealthy(ctx, t, timeout); err != nil {
				return "", issue.NewErrorContext().
					WithOperation("wait for health").
					WithResource(t.Endpoint).
					WithSuggestion(fmt.Sprintf("Check that %s serves %s and answers with %q", pc.Name, t.Endpoint, t.Marker)).
					Wrap(err).
					BuildError()
			}
		}
	}

	pctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	var wg conc.WaitGroup
	for _, t := range r.targets {
		wg.Go(func() { r.monitor.Poll(pctx, t) })
	}
	r.onUnwind(StageHealth, func(context.Context) error {
		cancel()
		wg.Wait()
		return nil
	})
	return fmt.Sprintf("polling %d endpoints", len(r.targets)), nil
}

// startWatch runs one watcher per process with watch globs. Change batches
// are handed to Run, which restarts the process.
func (r *Runner) startWatch(ctx context.Context) (string, error) {
	var watchers []*watch.Watcher
	var names []string
	for _, pc := range r.cfg.Processes {
		if len(pc.Watch) == 0 {
			continue
		}
		w, err := watch.New(pc.Dir, pc.Watch, watch.WithLogger(r.logger.WithPrefix("watch")))
		if err != nil {
			for _, started := range watchers {
				_ = started.Close()
			}
			return "", fmt.Errorf("watch %s: %w", pc.Name, err)
		}
		watchers = append(watchers, w)
		names = append(names, pc.Name)
	}
	if len(watchers) == 0 {
		return "none configured", nil
	}

	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	var wg conc.WaitGroup
	for i, w := range watchers {
		name := names[i]
		wg.Go(func() {
			err := w.Run(wctx, func(ctx context.Context, files []string) {
				select {
				case r.changes <- sourceChange{process: name, files: files}:
				case <-ctx.Done():
				}
			})
			if err != nil {
				r.logger.Error("watcher stopped", "process", name, "error", err)
			}
		})
	}
	r.onUnwind(StageWatch, func(context.Context) error {
		cancel()
		wg.Wait()
		return nil
	})
	return "watching " + strings.Join(names, ", "), nil
}
