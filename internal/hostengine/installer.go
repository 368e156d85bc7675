// SPDX-License-Identifier: MPL-2.0

package hostengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/user"
	"strings"

	"github.com/invowk/devup/internal/platform"

	"github.com/charmbracelet/log"
)

var (
	// ErrInstallFailed is the sentinel wrapped by InstallError.
	ErrInstallFailed = errors.New("container engine installation failed")
	// ErrManualInstallRequired is returned on hosts devup cannot provision itself.
	ErrManualInstallRequired = errors.New("manual container engine installation required")
	// ErrNoInstallStrategy is returned when no strategy applies to the host.
	ErrNoInstallStrategy = errors.New("no install strategy applies to this host")
)

type (
	// Strategy is one interchangeable way of installing an engine.
	Strategy interface {
		Name() string
		// Applicable reports whether the strategy can run on env's host.
		Applicable(env *InstallEnv) bool
		Install(ctx context.Context, env *InstallEnv) error
	}

	// InstallEnv is what strategies need from the outside world.
	InstallEnv struct {
		Host   platform.Host
		Runner CommandRunner
		// User is the invoking (non-root) user that gets subuid ranges and group membership.
		User     string
		ReadFile func(string) ([]byte, error)
		Logger   *log.Logger
	}

	// StrategyAttempt records one failed strategy.
	StrategyAttempt struct {
		Strategy string
		Err      error
	}

	// InstallError lists every strategy that was tried and why it failed.
	InstallError struct {
		Attempts []StrategyAttempt
	}

	// Installer runs strategies in order until one succeeds.
	Installer struct {
		env        *InstallEnv
		strategies []Strategy
	}
)

// NewInstallEnv describes the current host with real commands.
func NewInstallEnv(h platform.Host, runner CommandRunner, logger *log.Logger) *InstallEnv {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &InstallEnv{Host: h, Runner: runner, User: invokingUser(), ReadFile: os.ReadFile, Logger: logger}
}

// invokingUser prefers SUDO_USER so `sudo devup` configures the real user.
func invokingUser() string {
	if u := os.Getenv("SUDO_USER"); u != "" {
		return u
	}
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return os.Getenv("USER")
}

// DefaultStrategies returns every built-in strategy in priority order.
func DefaultStrategies() []Strategy {
	return []Strategy{
		MacOSBrew{},
		LinuxPackageManager{},
		LinuxDockerScript{},
		WindowsWSL{},
		WindowsManual{},
	}
}

// NewInstaller creates an Installer. Without strategies it uses DefaultStrategies.
func NewInstaller(env *InstallEnv, strategies ...Strategy) *Installer {
	if len(strategies) == 0 {
		strategies = DefaultStrategies()
	}
	return &Installer{env: env, strategies: strategies}
}

// Install runs the applicable strategies in order and returns the name of
// the one that succeeded. A manual-install verdict stops the walk.
func (i *Installer) Install(ctx context.Context) (string, error) {
	var attempts []StrategyAttempt
	for _, s := range i.strategies {
		if !s.Applicable(i.env) {
			continue
		}
		i.env.Logger.Info("installing container engine", "strategy", s.Name())
		err := s.Install(ctx, i.env)
		if err == nil {
			return s.Name(), nil
		}
		i.env.Logger.Warn("install strategy failed", "strategy", s.Name(), "err", err)
		attempts = append(attempts, StrategyAttempt{Strategy: s.Name(), Err: err})
		if errors.Is(err, ErrManualInstallRequired) || ctx.Err() != nil {
			break
		}
	}
	if len(attempts) == 0 {
		return "", fmt.Errorf("%s: %w", i.env.Host, ErrNoInstallStrategy)
	}
	return "", &InstallError{Attempts: attempts}
}

func (e *InstallError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, a.Strategy+": "+a.Err.Error())
	}
	return ErrInstallFailed.Error() + " (" + strings.Join(parts, "; ") + ")"
}

func (e *InstallError) Unwrap() []error {
	errs := []error{ErrInstallFailed}
	for _, a := range e.Attempts {
		errs = append(errs, a.Err)
	}
	return errs
}

// privileged prefixes sudo when devup does not run as root.
func (env *InstallEnv) privileged(name string, args ...string) (string, []string) {
	if env.Host.Root {
		return name, args
	}
	return "sudo", append([]string{name}, args...)
}

func (env *InstallEnv) runPrivileged(ctx context.Context, name string, args ...string) error {
	n, a := env.privileged(name, args...)
	return env.Runner.Run(ctx, n, a...)
}

func (env *InstallEnv) has(bin string) bool {
	_, err := env.Runner.LookPath(bin)
	return err == nil
}
