// SPDX-License-Identifier: MPL-2.0

package service

import (
	"context"
	"fmt"
	"time"

	"github.com/invowk/devup/internal/container"

	cerrdefs "github.com/containerd/errdefs"
	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

const dockerPingTimeout = 2 * time.Second

// DockerAPI inspects containers through the Docker Engine API instead of
// spawning `docker inspect` for every poll.
type DockerAPI struct {
	cli *client.Client
}

var _ StatusSource = (*DockerAPI)(nil)

// NewDockerAPI connects using the DOCKER_HOST environment and fails when
// the daemon does not answer a ping.
func NewDockerAPI(ctx context.Context) (*DockerAPI, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, dockerPingTimeout)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("docker api ping: %w", err)
	}
	return &DockerAPI{cli: cli}, nil
}

// NewDockerAPIFromClient wraps an existing client.
func NewDockerAPIFromClient(cli *client.Client) *DockerAPI {
	return &DockerAPI{cli: cli}
}

// Inspect returns container.ErrNoSuchContainer for unknown names.
func (d *DockerAPI) Inspect(ctx context.Context, name string) (*container.ContainerState, error) {
	resp, err := d.cli.ContainerInspect(ctx, name)
	if cerrdefs.IsNotFound(err) {
		return nil, fmt.Errorf("%s: %w", name, container.ErrNoSuchContainer)
	}
	if err != nil {
		return nil, err
	}
	return stateFromInspect(name, resp), nil
}

// Close releases the client's connections.
func (d *DockerAPI) Close() error {
	return d.cli.Close()
}

func stateFromInspect(name string, resp dockercontainer.InspectResponse) *container.ContainerState {
	st := &container.ContainerState{Name: name}
	if resp.ContainerJSONBase == nil || resp.State == nil {
		return st
	}
	st.Status = string(resp.State.Status)
	st.Running = resp.State.Running
	st.ExitCode = resp.State.ExitCode
	if h := resp.State.Health; h != nil && h.Status != dockercontainer.NoHealthcheck {
		st.Health = h.Status
	}
	return st
}
