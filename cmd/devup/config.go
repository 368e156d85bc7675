// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"fmt"

	"github.com/invowk/devup/internal/config"

	"github.com/spf13/cobra"
)

// newConfigCommand creates the `devup config` command tree.
func newConfigCommand(app *App) *cobra.Command {
	cfgCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect devup configuration",
		Long: `Inspect devup configuration.

Configuration is read from, in order:
  - the file given with --config
  - ./devup.cue
  - the user config directory (e.g. ~/.config/devup/config.cue)`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration as CUE",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.showConfig(cmd.Context())
		},
	})

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show which configuration file is used",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.showConfigPath(cmd.Context())
		},
	})

	return cfgCmd
}

func (a *App) showConfig(ctx context.Context) error {
	cfg, path, err := a.loadConfig(ctx)
	if err != nil {
		return a.fail(err)
	}
	fmt.Fprintln(a.stdout, TitleStyle.Render("Current Configuration"))
	fmt.Fprintf(a.stdout, "%s: %s\n\n", CmdStyle.Render("Config file"), describePath(path))
	fmt.Fprint(a.stdout, config.GenerateCUE(cfg))
	return nil
}

func (a *App) showConfigPath(ctx context.Context) error {
	_, path, err := a.loadConfig(ctx)
	if err != nil {
		return a.fail(err)
	}
	fmt.Fprintln(a.stdout, describePath(path))
	return nil
}

func describePath(path string) string {
	if path == "" {
		return SubtitleStyle.Render("(using defaults)")
	}
	return path
}
