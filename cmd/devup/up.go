// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/invowk/devup/internal/config"
	"github.com/invowk/devup/internal/runner"

	"github.com/spf13/cobra"
)

type upOptions struct {
	rebuild bool
	variant string
}

func newUpCommand(app *App) *cobra.Command {
	var opts upOptions
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Start the development environment",
		Long: `Start the development environment declared in devup.cue.

Stages run in order: ports, engine, build, services, backend, frontend,
health. A failing stage tears down everything started before it. Once up,
devup stays in the foreground until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.up(cmd.Context(), opts)
		},
	}
	cmd.Flags().BoolVar(&opts.rebuild, "rebuild", false, "rebuild images even when they are up to date")
	cmd.Flags().StringVar(&opts.variant, "variant", "", "image variant to build (lite, full)")
	return cmd
}

func (a *App) up(ctx context.Context, opts upOptions) error {
	cfg, _, err := a.loadConfig(ctx)
	if err != nil {
		return a.fail(err)
	}
	variant := cfg.Build.Variant
	if opts.variant != "" {
		variant = config.BuildVariant(opts.variant)
		if err := variant.Validate(); err != nil {
			return a.fail(err)
		}
	}

	r := runner.New(cfg,
		runner.WithLogger(a.newLogger(cfg)),
		runner.WithReporter(newStageReporter(a.stdout)),
		runner.WithVariant(variant),
		runner.WithRebuild(opts.rebuild),
		runner.WithBuildOutput(a.stdout, a.stderr),
		runner.WithProcessOutput(a.stdout),
	)

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	if err := r.Run(r.WatchSignals(ctx, sigs)); err != nil {
		return a.fail(err)
	}
	return nil
}
