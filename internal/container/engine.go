// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/invowk/devup/internal/issue"
)

const (
	// EngineTypePodman identifies the Podman CLI.
	EngineTypePodman EngineType = "podman"
	// EngineTypeDocker identifies the Docker CLI.
	EngineTypeDocker EngineType = "docker"

	// HealthHealthy means the container's healthcheck passes.
	HealthHealthy HealthState = "healthy"
	// HealthUnhealthy means the healthcheck fails or the container exited.
	HealthUnhealthy HealthState = "unhealthy"
	// HealthStarting means the container runs but its healthcheck has not passed yet.
	HealthStarting HealthState = "starting"
	// HealthMissing means no such container exists.
	HealthMissing HealthState = "missing"
	// HealthNone means the container runs and declares no healthcheck.
	HealthNone HealthState = "none"
)

var (
	// ErrNoSuchContainer is returned by Inspect when the container does not exist.
	ErrNoSuchContainer = errors.New("no such container")
	// ErrEngineCommand is the sentinel wrapped by CommandError.
	ErrEngineCommand = errors.New("container engine command failed")
)

type (
	// EngineType names a supported container engine CLI.
	EngineType string

	// HealthState is the coarse health of a service container.
	HealthState string

	// Engine is the set of container operations devup drives through an engine CLI.
	Engine interface {
		// Name returns "podman" or "docker".
		Name() string
		BinaryPath() string
		Available(ctx context.Context) bool
		Version(ctx context.Context) (string, error)
		// Info runs `<engine> info --format <format>` and returns trimmed stdout.
		Info(ctx context.Context, format string) (string, error)

		Build(ctx context.Context, opts BuildOptions) error
		ImageExists(ctx context.Context, image string) (bool, error)
		// ImageLabel returns the value of label key on image, "" when unset.
		ImageLabel(ctx context.Context, image, key string) (string, error)

		// RunDetached starts a container in the background and returns its ID.
		RunDetached(ctx context.Context, opts RunOptions) (string, error)
		Stop(ctx context.Context, name string, timeout time.Duration) error
		Remove(ctx context.Context, name string, force bool) error
		// Inspect returns ErrNoSuchContainer when name does not exist.
		Inspect(ctx context.Context, name string) (*ContainerState, error)
		// ListContainers returns names of all containers (running or not) carrying every label.
		ListContainers(ctx context.Context, labels map[string]string) ([]string, error)

		NetworkExists(ctx context.Context, name string) (bool, error)
		CreateNetwork(ctx context.Context, name string, labels map[string]string) error

		ComposeAvailable(ctx context.Context) bool
		ComposeUp(ctx context.Context, project, file string) error
		ComposeDown(ctx context.Context, project, file string) error
	}

	// BuildOptions configures an image build.
	BuildOptions struct {
		ContextDir string
		// Dockerfile is resolved against ContextDir when relative.
		Dockerfile string
		Tag        string
		BuildArgs  map[string]string
		Labels     map[string]string
		NoCache    bool
		Stdout     io.Writer
		Stderr     io.Writer
	}

	// RunOptions configures a detached service container.
	RunOptions struct {
		Name    string
		Image   string
		Network string
		Ports   []PortMapping
		Volumes []VolumeMount
		Env     map[string]string
		Labels  map[string]string
		Command []string
	}

	// ContainerState is the subset of `<engine> inspect` devup cares about.
	ContainerState struct {
		Name     string
		Status   string // created, running, exited, ...
		Running  bool
		ExitCode int
		// Health is the engine's healthcheck status, "" when the image declares none.
		Health string
	}

	// CommandError reports a failed engine invocation with its exit status
	// and the tail of what it wrote to stderr.
	CommandError struct {
		Engine string
		Args   []string
		Code   int
		Stderr string
		Err    error
	}
)

// Validate returns nil for podman and docker.
func (t EngineType) Validate() error {
	switch t {
	case EngineTypePodman, EngineTypeDocker:
		return nil
	default:
		return fmt.Errorf("unknown container engine %q", string(t))
	}
}

func (s HealthState) String() string { return string(s) }

// HealthState maps the inspected state onto the coarse health vocabulary.
func (s *ContainerState) HealthState() HealthState {
	if s == nil {
		return HealthMissing
	}
	if !s.Running {
		return HealthUnhealthy
	}
	switch s.Health {
	case "":
		return HealthNone
	case "healthy":
		return HealthHealthy
	case "starting":
		return HealthStarting
	default:
		return HealthUnhealthy
	}
}

func (e *CommandError) Error() string {
	sub := ""
	if len(e.Args) > 0 {
		sub = " " + e.Args[0]
	}
	msg := fmt.Sprintf("%s%s exited with code %d", e.Engine, sub, e.Code)
	if line := lastLine(e.Stderr); line != "" {
		msg += ": " + line
	}
	return msg
}

func (e *CommandError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrEngineCommand, e.Err}
	}
	return []error{ErrEngineCommand}
}

// ExitCode implements issue.Diagnostic.
func (e *CommandError) ExitCode() int { return e.Code }

// OutputTail implements issue.Diagnostic.
func (e *CommandError) OutputTail() string {
	return issue.Tail(e.Stderr, issue.DefaultTailLines)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
