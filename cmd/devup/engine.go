// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"

	"github.com/invowk/devup/internal/config"
	"github.com/invowk/devup/internal/hostengine"
	"github.com/invowk/devup/internal/runner"
	"github.com/invowk/devup/internal/service"

	"github.com/charmbracelet/log"
)

// detectEngine finds an installed engine. Inspection commands never install.
func detectEngine(ctx context.Context, cfg *config.Config, logger *log.Logger) (*hostengine.EngineReady, error) {
	detectOnly := *cfg
	detectOnly.Engine.AutoInstall = false
	return runner.DefaultResolver(&detectOnly, logger).Resolve(ctx)
}

// projectOrchestrator returns an orchestrator scoped to cfg's project
// labels, for commands that act on containers outside a running session.
func projectOrchestrator(ctx context.Context, cfg *config.Config, logger *log.Logger) (*service.Orchestrator, error) {
	ready, err := detectEngine(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return service.NewOrchestrator(hostengine.NewEngine(ready),
		service.WithProject(cfg.Project),
		service.WithLogger(logger.WithPrefix("services")),
	), nil
}
