// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/invowk/devup/internal/config"
	"github.com/invowk/devup/internal/hostengine"
	"github.com/invowk/devup/internal/imagebuild"
	"github.com/invowk/devup/internal/platform"
	"github.com/invowk/devup/internal/runner"

	"github.com/spf13/cobra"
)

func newDoctorCommand(app *App) *cobra.Command {
	var install bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the host for everything 'devup up' needs",
		Long: `Report the host platform, the container engine devup would use, compose
support, and whether every image's build inputs exist.

With --install, a missing engine is installed the same way 'devup up'
does when engine.auto_install is set.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.doctor(cmd.Context(), install)
		},
	}
	cmd.Flags().BoolVar(&install, "install", false, "install Podman or Docker when none is found")
	return cmd
}

func (a *App) doctor(ctx context.Context, install bool) error {
	cfg, _, err := a.loadConfig(ctx)
	if err != nil {
		return a.fail(err)
	}
	logger := a.newLogger(cfg)

	fmt.Fprintln(a.stdout, TitleStyle.Render("devup doctor"))
	check(a.stdout, true, "host", platform.Detect().String())

	var ready *hostengine.EngineReady
	if install {
		withInstall := *cfg
		withInstall.Engine.AutoInstall = true
		ictx, cancel := context.WithTimeout(ctx, runner.DefaultInstallTimeout)
		ready, err = runner.DefaultResolver(&withInstall, logger).Resolve(ictx)
		cancel()
	} else {
		ready, err = detectEngine(ctx, cfg, logger)
	}
	if err != nil {
		check(a.stdout, false, "engine", firstLine(err.Error()))
		return a.fail(err)
	}
	detail := fmt.Sprintf("%s %s at %s (%s)", ready.Name, ready.Version, ready.Path, ready.Source)
	if ready.Rootless {
		detail += ", rootless"
	}
	if ready.WSL {
		detail += ", inside WSL"
	}
	check(a.stdout, true, "engine", detail)

	engine := hostengine.NewEngine(ready)
	if cfg.Engine.UseCompose {
		if engine.ComposeAvailable(ctx) {
			check(a.stdout, true, "compose", "available")
		} else {
			warn(a.stdout, "compose", "not available, services run as plain containers")
		}
	}

	failed := checkImages(a.stdout, cfg, imagebuild.NewBuilder(engine))
	if failed > 0 {
		return &ExitError{Code: exitFailure}
	}
	return nil
}

// checkImages reports the build inputs of every image and returns how many
// are incomplete.
func checkImages(w io.Writer, cfg *config.Config, b *imagebuild.Builder) int {
	failed := 0
	for _, img := range cfg.Build.Images {
		spec := imagebuild.SpecFor(img, cfg.Build.Variant)
		if err := b.CheckPrereqs(spec); err != nil {
			check(w, false, "image "+spec.Tag, err.Error())
			failed++
			continue
		}
		check(w, true, "image "+spec.Tag, "build inputs present")
	}
	return failed
}

func check(w io.Writer, ok bool, subject, detail string) {
	mark := SuccessStyle.Render("✓")
	if !ok {
		mark = ErrorStyle.Render("✗")
	}
	fmt.Fprintf(w, "%s %-20s %s\n", mark, subject, VerboseStyle.Render(detail))
}

func warn(w io.Writer, subject, detail string) {
	fmt.Fprintf(w, "%s %-20s %s\n", WarningStyle.Render("!"), subject, VerboseStyle.Render(detail))
}
