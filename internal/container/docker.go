// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"fmt"
	"strings"
)

// DockerEngine drives the Docker CLI.
type DockerEngine struct {
	*BaseCLIEngine
}

// NewDockerEngine creates a Docker engine for the binary at binaryPath.
func NewDockerEngine(binaryPath string, opts ...BaseCLIEngineOption) *DockerEngine {
	return &DockerEngine{
		BaseCLIEngine: NewBaseCLIEngine(EngineTypeDocker, binaryPath, opts...),
	}
}

// Available reports whether the Docker daemon answers, not just whether the CLI exists.
func (e *DockerEngine) Available(ctx context.Context) bool {
	if e.BinaryPath() == "" {
		return false
	}
	return e.RunCommandStatus(ctx, "version", "--format", "{{.Server.Version}}") == nil
}

// Version returns the Docker server version.
func (e *DockerEngine) Version(ctx context.Context) (string, error) {
	out, err := e.RunCommandWithOutput(ctx, "version", "--format", "{{.Server.Version}}")
	if err != nil {
		return "", fmt.Errorf("failed to get docker version: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// ImageExists checks for image with `image inspect`.
func (e *DockerEngine) ImageExists(ctx context.Context, image string) (bool, error) {
	return e.RunCommandStatus(ctx, "image", "inspect", image) == nil, nil
}

// ComposeAvailable reports whether the compose plugin is installed.
func (e *DockerEngine) ComposeAvailable(ctx context.Context) bool {
	return e.RunCommandStatus(ctx, "compose", "version") == nil
}
