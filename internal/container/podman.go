// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// PodmanEngine drives the Podman CLI.
type PodmanEngine struct {
	*BaseCLIEngine
}

// NewPodmanEngine creates a Podman engine for the binary at binaryPath. On
// SELinux-enforcing hosts bind mounts get the shared :z label. On Linux a
// containers.conf override disabling default sysctls is installed when
// possible; call Close to remove it.
func NewPodmanEngine(binaryPath string, opts ...BaseCLIEngineOption) *PodmanEngine {
	allOpts := []BaseCLIEngineOption{WithVolumeFormatter(selinuxVolumeFormatter(isSELinuxEnabled))}
	allOpts = append(allOpts, sysctlOverrideOpts(binaryPath)...)
	allOpts = append(allOpts, opts...)

	return &PodmanEngine{
		BaseCLIEngine: NewBaseCLIEngine(EngineTypePodman, binaryPath, allOpts...),
	}
}

// Available reports whether `podman version` succeeds, which on macOS and
// Windows also requires a running podman machine.
func (e *PodmanEngine) Available(ctx context.Context) bool {
	if e.BinaryPath() == "" {
		return false
	}
	return e.RunCommandStatus(ctx, "version", "--format", "{{.Version}}") == nil
}

// Version returns the Podman client version.
func (e *PodmanEngine) Version(ctx context.Context) (string, error) {
	out, err := e.RunCommandWithOutput(ctx, "version", "--format", "{{.Version}}")
	if err != nil {
		return "", fmt.Errorf("failed to get podman version: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// ImageExists uses `image exists`, which signals absence with exit code 1.
func (e *PodmanEngine) ImageExists(ctx context.Context, image string) (bool, error) {
	return e.RunCommandStatus(ctx, "image", "exists", image) == nil, nil
}

// ComposeAvailable reports whether `podman compose` finds a compose provider.
func (e *PodmanEngine) ComposeAvailable(ctx context.Context) bool {
	return e.RunCommandStatus(ctx, "compose", "version") == nil
}

func isSELinuxEnabled() bool {
	data, err := os.ReadFile("/sys/fs/selinux/enforce")
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(data)) == "1"
}

// selinuxVolumeFormatter labels bind mounts :z when enabled() reports an
// enforcing SELinux. Named volumes and explicitly labelled mounts are left alone.
func selinuxVolumeFormatter(enabled func() bool) VolumeFormatFunc {
	return func(v VolumeMount) string {
		if v.SELinux == SELinuxLabelNone && v.IsBindMount() && enabled() {
			v.SELinux = SELinuxLabelShared
		}
		return v.String()
	}
}
