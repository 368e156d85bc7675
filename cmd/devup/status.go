// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/invowk/devup/internal/config"
	"github.com/invowk/devup/internal/health"
	"github.com/invowk/devup/internal/runner"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

func newStatusCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show service containers and process health",
		Long: `Inspect the project's service containers and probe each process's
health endpoint once.

Endpoints are probed on their configured ports; a session that shifted a
port to avoid a conflict reports it in its own 'up' output.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.status(cmd.Context())
		},
	}
}

func (a *App) status(ctx context.Context) error {
	cfg, path, err := a.loadConfig(ctx)
	if err != nil {
		return a.fail(err)
	}
	logger := a.newLogger(cfg)
	if path != "" {
		fmt.Fprintln(a.stdout, SubtitleStyle.Render("config: "+path))
	}

	if len(cfg.Services) > 0 {
		rows, err := serviceRows(ctx, cfg, logger)
		if err != nil {
			return a.fail(err)
		}
		fmt.Fprintln(a.stdout, newTable([]string{"SERVICE", "CONTAINER", "STATE", "HEALTH"}, rows))
	}

	targets, err := runner.ConfiguredTargets(cfg)
	if err != nil {
		return a.fail(err)
	}
	if len(targets) > 0 {
		fmt.Fprintln(a.stdout, newTable([]string{"PROCESS", "ENDPOINT", "HEALTH"}, probeRows(ctx, cfg, targets)))
	}
	return nil
}

func serviceRows(ctx context.Context, cfg *config.Config, logger *log.Logger) ([][]string, error) {
	orch, err := projectOrchestrator(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	rows := make([][]string, 0, len(cfg.Services))
	for _, sc := range cfg.Services {
		st, err := orch.Status(ctx, sc.Name)
		if err != nil {
			rows = append(rows, []string{sc.Name, "-", ErrorStyle.Render("error"), err.Error()})
			continue
		}
		state := st.State
		if state == "" {
			state = "missing"
		}
		if st.Running {
			state = SuccessStyle.Render(state)
		} else {
			state = WarningStyle.Render(state)
		}
		rows = append(rows, []string{sc.Name, st.Container, state, string(st.Health)})
	}
	return rows, nil
}

// probeRows runs one health check per target.
func probeRows(ctx context.Context, cfg *config.Config, targets []health.Target) [][]string {
	m := health.NewMonitor(health.WithTimeout(cfg.Health.Timeout))
	rows := make([][]string, 0, len(targets))
	for _, t := range targets {
		state := SuccessStyle.Render("healthy")
		if err := m.Check(ctx, t); err != nil {
			state = ErrorStyle.Render("unhealthy") + " " + VerboseStyle.Render(firstLine(err.Error()))
		}
		rows = append(rows, []string{t.Process, t.Endpoint, state})
	}
	return rows
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
