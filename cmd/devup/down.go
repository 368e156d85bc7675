// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"fmt"

	"github.com/invowk/devup/internal/service"

	"github.com/spf13/cobra"
)

func newDownCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Remove containers left behind by earlier sessions",
		Long: `Stop and remove every container labeled with this project.

A clean 'devup up' session removes its own containers on exit; 'down'
is for sessions that were killed before they could unwind.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.down(cmd.Context())
		},
	}
}

func (a *App) down(ctx context.Context) error {
	cfg, _, err := a.loadConfig(ctx)
	if err != nil {
		return a.fail(err)
	}
	orch, err := projectOrchestrator(ctx, cfg, a.newLogger(cfg))
	if err != nil {
		return a.fail(err)
	}
	removed, err := orch.StopProject(ctx, service.DefaultStopTimeout)
	for _, name := range removed {
		fmt.Fprintf(a.stdout, "%s removed %s\n", SuccessStyle.Render("✓"), name)
	}
	if err != nil {
		return a.fail(err)
	}
	if len(removed) == 0 {
		fmt.Fprintln(a.stdout, SubtitleStyle.Render("Nothing to remove for project "+cfg.Project+"."))
	}
	return nil
}
