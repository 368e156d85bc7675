// SPDX-License-Identifier: MPL-2.0

package hostengine

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/invowk/devup/internal/issue"

	"github.com/charmbracelet/log"
)

type (
	// ResolverOption configures a Resolver.
	ResolverOption func(*Resolver)

	// Resolver produces the session's EngineReady: detect, install when
	// allowed, detect again. Success is cached; failures are not, so a
	// later call can retry after the user fixes the host.
	Resolver struct {
		detector    *Detector
		installer   *Installer
		autoInstall bool
		logger      *log.Logger

		mu     sync.Mutex
		cached *EngineReady
	}
)

// WithInstaller enables auto-install through inst.
func WithInstaller(inst *Installer) ResolverOption {
	return func(r *Resolver) {
		r.installer = inst
		r.autoInstall = inst != nil
	}
}

// WithResolverLogger sets the logger.
func WithResolverLogger(l *log.Logger) ResolverOption {
	return func(r *Resolver) { r.logger = l }
}

// NewResolver creates a Resolver around d. Auto-install stays off unless
// WithInstaller is given.
func NewResolver(d *Detector, opts ...ResolverOption) *Resolver {
	r := &Resolver{detector: d, logger: log.New(io.Discard)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the cached engine or runs detection (and installation).
// Concurrent callers share one detection.
func (r *Resolver) Resolve(ctx context.Context) (*EngineReady, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cached != nil {
		return r.cached, nil
	}

	ready, err := r.detector.Detect(ctx)
	if err == nil {
		r.cached = ready
		return ready, nil
	}
	if !errors.Is(err, ErrEngineNotFound) {
		return nil, err
	}

	if !r.autoInstall {
		return nil, issue.NewErrorContext().
			WithOperation("detect container engine").
			WithResource(r.detector.host.String()).
			WithSuggestions(
				"Install Podman (https://podman.io) or Docker and make sure it is on PATH",
				"Or enable engine.auto_install in devup.cue and run 'devup doctor --install'",
			).
			WithIssue(issue.EngineNotFoundId).
			Wrap(err).
			BuildError()
	}

	r.logger.Warn("no container engine found, installing one", "host", r.detector.host.String())
	strategy, err := r.installer.Install(ctx)
	if err != nil {
		return nil, r.installFailure(err)
	}

	ready, err = r.detector.Detect(ctx)
	if err != nil {
		// An install that leaves nothing detectable is still an install failure.
		return nil, r.installFailure(&InstallError{Attempts: []StrategyAttempt{{Strategy: strategy, Err: err}}})
	}
	ready.Source = SourceInstalled
	r.logger.Info("container engine installed", "engine", ready.Name, "version", ready.Version, "strategy", strategy)
	r.cached = ready
	return ready, nil
}

func (r *Resolver) installFailure(err error) error {
	id := issue.EngineInstallFailedId
	if errors.Is(err, ErrManualInstallRequired) || errors.Is(err, ErrNoInstallStrategy) {
		id = issue.AutoInstallUnsupportedId
	}
	return issue.NewErrorContext().
		WithOperation("install container engine").
		WithResource(r.detector.host.String()).
		WithSuggestion("Install Podman or Docker manually, then re-run 'devup up'").
		WithIssue(id).
		Wrap(err).
		BuildError()
}

// Cached returns the resolved engine without probing, or nil.
func (r *Resolver) Cached() *EngineReady {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cached
}
