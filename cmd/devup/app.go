// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"io"
	"os"

	"github.com/invowk/devup/internal/config"

	"github.com/charmbracelet/log"
)

type (
	// App wires CLI services and shared dependencies. It is the composition
	// root for the CLI layer; every Cobra handler receives an App.
	App struct {
		Config  config.Provider
		stdout  io.Writer
		stderr  io.Writer
		verbose bool
		cfgFile string
		workDir string
	}

	// Dependencies defines the injection points for building an App. Nil
	// fields are replaced with production defaults by NewApp.
	Dependencies struct {
		Config  config.Provider
		Stdout  io.Writer
		Stderr  io.Writer
		WorkDir string
	}
)

// NewApp creates an App, filling unset dependencies with defaults.
func NewApp(deps Dependencies) *App {
	app := &App{
		Config:  deps.Config,
		stdout:  deps.Stdout,
		stderr:  deps.Stderr,
		workDir: deps.WorkDir,
	}
	if app.Config == nil {
		app.Config = config.NewProvider()
	}
	if app.stdout == nil {
		app.stdout = os.Stdout
	}
	if app.stderr == nil {
		app.stderr = os.Stderr
	}
	return app
}

// loadConfig loads devup.cue (or the --config file) and folds ui.verbose
// into the --verbose flag.
func (a *App) loadConfig(ctx context.Context) (*config.Config, string, error) {
	cfg, path, err := a.Config.LoadWithPath(ctx, config.LoadOptions{
		ConfigFilePath: a.cfgFile,
		WorkDir:        a.workDir,
	})
	if err != nil {
		return nil, "", err
	}
	if cfg.UI.Verbose {
		a.verbose = true
	}
	return cfg, path, nil
}

// newLogger returns the session logger. --verbose forces debug; otherwise
// ui.log_level applies, falling back to info when it does not parse.
func (a *App) newLogger(cfg *config.Config) *log.Logger {
	level := log.InfoLevel
	if a.verbose {
		level = log.DebugLevel
	} else if cfg != nil && cfg.UI.LogLevel != "" {
		if l, err := log.ParseLevel(cfg.UI.LogLevel); err == nil {
			level = l
		}
	}
	return log.NewWithOptions(a.stderr, log.Options{
		Level:           level,
		Prefix:          config.AppName,
		ReportTimestamp: true,
	})
}

// fail renders err with its remediation and returns an ExitError that
// fang will not print a second time.
func (a *App) fail(err error) error {
	renderError(a.stderr, err, a.verbose)
	return &ExitError{Code: exitCodeFor(err)}
}
