// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"
)

var (
	// Version is the semantic version (set via -ldflags).
	Version = "dev"
	// Commit is the git commit hash (set via -ldflags).
	Commit = "unknown"
	// BuildDate is the build timestamp (set via -ldflags).
	BuildDate = "unknown"
)

// NewRootCommand builds the command tree around app.
func NewRootCommand(app *App) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "devup",
		Short: "Bring up a local development environment",
		Long: TitleStyle.Render("devup") + SubtitleStyle.Render(" - one command to a running dev environment") + `

devup resolves free ports, finds (or installs) Podman or Docker, builds
project images, starts backing services in dependency order, then runs
your backend and frontend processes and watches their health.

Everything is declared in a 'devup.cue' file next to your project.
Ctrl-C tears the environment down in reverse order.

` + SubtitleStyle.Render("Examples:") + `
  devup init                Create a sample devup.cue
  devup up                  Start the environment
  devup status              Show services and process health
  devup down                Remove leftover containers
  devup doctor --install    Check prerequisites, installing an engine if needed`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().BoolVarP(&app.verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().StringVar(&app.cfgFile, "config", "", "config file (default is ./devup.cue, then $HOME/.config/devup/config.cue)")

	rootCmd.AddCommand(
		newUpCommand(app),
		newDownCommand(app),
		newStatusCommand(app),
		newDoctorCommand(app),
		newPortsCommand(app),
		newInitCommand(app),
		newConfigCommand(app),
	)
	return rootCmd
}

// getVersionString returns a formatted version string for display.
func getVersionString() string {
	if Version == "dev" {
		return "dev (built from source)"
	}
	return fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildDate)
}

// handleError prints errors fang receives unless a command already
// rendered them.
func handleError(w io.Writer, styles fang.Styles, err error) {
	var exitErr *ExitError
	if errors.As(err, &exitErr) && exitErr.Err == nil {
		return
	}
	fang.DefaultErrorHandler(w, styles, err)
}

// Execute runs the CLI. It is called by main.main().
func Execute() {
	app := NewApp(Dependencies{})
	if err := fang.Execute(
		context.Background(),
		NewRootCommand(app),
		fang.WithVersion(getVersionString()),
		fang.WithCommit(Commit),
		fang.WithErrorHandler(handleError),
		fang.WithNotifySignal(os.Interrupt, syscall.SIGTERM),
	); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(exitFailure)
	}
}
