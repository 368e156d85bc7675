// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"os"

	"github.com/invowk/devup/internal/config"

	"github.com/spf13/cobra"
)

func newInitCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a sample devup.cue in the current directory",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return app.initProject()
		},
	}
}

func (a *App) initProject() error {
	dir := a.workDir
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return a.fail(err)
		}
		dir = wd
	}
	path, err := config.CreateDefaultConfig(dir)
	if err != nil {
		return a.fail(err)
	}
	fmt.Fprintf(a.stdout, "%s created %s\n", SuccessStyle.Render("✓"), path)
	fmt.Fprintln(a.stdout, SubtitleStyle.Render("Edit it to describe your services and processes, then run 'devup up'."))
	return nil
}
