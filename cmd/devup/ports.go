// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/invowk/devup/internal/ports"
	"github.com/invowk/devup/internal/runner"

	"github.com/spf13/cobra"
)

func newPortsCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "Show which configured ports are free",
		Long: `Plan port assignment for devup.cue without starting anything.

Each configured host port is reported as free, shifted to the next free
port in the search window, or in conflict. Nothing is reclaimed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.ports(cmd.Context())
		},
	}
}

func (a *App) ports(ctx context.Context) error {
	cfg, _, err := a.loadConfig(ctx)
	if err != nil {
		return a.fail(err)
	}
	reqs := runner.PortRequests(cfg)
	if len(reqs) == 0 {
		fmt.Fprintln(a.stdout, SubtitleStyle.Render("No ports configured."))
		return nil
	}

	arb := ports.NewArbiter(
		ports.WithWindow(cfg.Ports.SearchWindow),
		ports.WithReclaim(false),
		ports.WithLogger(a.newLogger(cfg).WithPrefix("ports")),
	)
	rows, conflicts, err := planPorts(ctx, arb, reqs)
	if err != nil {
		return a.fail(err)
	}
	fmt.Fprintln(a.stdout, newTable([]string{"OWNER", "REQUESTED", "PLAN"}, rows))
	if conflicts > 0 {
		if cfg.Ports.AllowReclaim {
			fmt.Fprintln(a.stdout, WarningStyle.Render("'devup up' will try to reclaim conflicting ports from their owners."))
		}
		return &ExitError{Code: exitFailure}
	}
	return nil
}

// planPorts resolves every request on arb and returns one row per request
// plus the number that could not be placed.
func planPorts(ctx context.Context, arb *ports.Arbiter, reqs []runner.PortRequest) ([][]string, int, error) {
	rows := make([][]string, 0, len(reqs))
	conflicts := 0
	for _, req := range reqs {
		as, err := arb.Resolve(ctx, req.Key, uint16(req.Port)) //nolint:gosec // range checked by the config schema
		var plan string
		switch {
		case errors.Is(err, ports.ErrPortConflictUnresolved):
			plan = ErrorStyle.Render("conflict") + " " + VerboseStyle.Render(err.Error())
			conflicts++
		case err != nil:
			return nil, 0, err
		case as.Resolved != as.Requested:
			plan = WarningStyle.Render("shifted to " + strconv.Itoa(int(as.Resolved)))
		default:
			plan = SuccessStyle.Render("free")
		}
		rows = append(rows, []string{req.Key, strconv.Itoa(req.Port), plan})
	}
	return rows, conflicts, nil
}
