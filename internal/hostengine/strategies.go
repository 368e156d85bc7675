// SPDX-License-Identifier: MPL-2.0

package hostengine

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/invowk/devup/internal/platform"
)

const (
	homebrewInstallURL = "https://raw.githubusercontent.com/Homebrew/install/HEAD/install.sh"
	dockerInstallURL   = "https://get.docker.com"

	// subordinate ID range granted to the invoking user for rootless Podman.
	subIDRange = "100000-165535"
)

type (
	// MacOSBrew installs Podman with Homebrew and starts a podman machine.
	MacOSBrew struct{}

	// LinuxPackageManager installs Podman with the first package manager found
	// and prepares rootless user namespaces.
	LinuxPackageManager struct{}

	// LinuxDockerScript runs Docker's convenience install script.
	LinuxDockerScript struct{}

	// WindowsWSL runs the Linux strategies inside the default WSL distribution.
	WindowsWSL struct{}

	// WindowsManual always fails with ErrManualInstallRequired.
	WindowsManual struct{}

	packageManager struct {
		bin     string
		refresh []string
		install []string
	}
)

// brewPrefixes are where Homebrew lands when it is not yet on PATH.
var brewPrefixes = []string{"/opt/homebrew/bin/brew", "/usr/local/bin/brew"}

var packageManagers = []packageManager{
	{bin: "apt-get", refresh: []string{"update"}, install: []string{"install", "-y", "podman", "uidmap", "slirp4netns"}},
	{bin: "dnf", install: []string{"install", "-y", "podman", "slirp4netns"}},
	{bin: "yum", install: []string{"install", "-y", "podman", "slirp4netns"}},
	{bin: "zypper", install: []string{"--non-interactive", "install", "podman", "slirp4netns"}},
	{bin: "pacman", install: []string{"-Sy", "--noconfirm", "podman", "slirp4netns"}},
}

func (MacOSBrew) Name() string { return "homebrew" }

func (MacOSBrew) Applicable(env *InstallEnv) bool { return env.Host.OS == platform.Darwin }

func (MacOSBrew) Install(ctx context.Context, env *InstallEnv) error {
	brew, ok := findBrew(env)
	if !ok {
		script := fmt.Sprintf(`NONINTERACTIVE=1 /bin/bash -c "$(curl -fsSL %s)"`, homebrewInstallURL)
		if err := env.Runner.Run(ctx, "/bin/sh", "-c", script); err != nil {
			return fmt.Errorf("install homebrew: %w", err)
		}
		if brew, ok = findBrew(env); !ok {
			return fmt.Errorf("homebrew installed but brew not found in %s", strings.Join(brewPrefixes, ", "))
		}
	}

	if err := env.Runner.Run(ctx, brew, "install", "podman"); err != nil {
		return fmt.Errorf("brew install podman: %w", err)
	}

	podman, err := env.Runner.LookPath("podman")
	if err != nil {
		podman = strings.TrimSuffix(brew, "brew") + "podman"
	}
	if _, err := env.Runner.Output(ctx, podman, "machine", "init"); err != nil && !outputContains(err, "already exists") {
		return fmt.Errorf("podman machine init: %w", err)
	}
	if _, err := env.Runner.Output(ctx, podman, "machine", "start"); err != nil && !outputContains(err, "already running") {
		return fmt.Errorf("podman machine start: %w", err)
	}
	return nil
}

func findBrew(env *InstallEnv) (string, bool) {
	if p, err := env.Runner.LookPath("brew"); err == nil {
		return p, true
	}
	for _, p := range brewPrefixes {
		if _, err := env.Runner.LookPath(p); err == nil {
			return p, true
		}
	}
	return "", false
}

func (LinuxPackageManager) Name() string { return "package-manager" }

func (LinuxPackageManager) Applicable(env *InstallEnv) bool { return env.Host.OS == platform.Linux }

func (LinuxPackageManager) Install(ctx context.Context, env *InstallEnv) error {
	pm, ok := detectPackageManager(env)
	if !ok {
		return fmt.Errorf("none of apt-get, dnf, yum, zypper, pacman found")
	}
	if len(pm.refresh) > 0 {
		if err := env.runPrivileged(ctx, pm.bin, pm.refresh...); err != nil {
			return fmt.Errorf("%s %s: %w", pm.bin, strings.Join(pm.refresh, " "), err)
		}
	}
	if err := env.runPrivileged(ctx, pm.bin, pm.install...); err != nil {
		return fmt.Errorf("%s install podman: %w", pm.bin, err)
	}
	return configureRootless(ctx, env)
}

func detectPackageManager(env *InstallEnv) (packageManager, bool) {
	for _, pm := range packageManagers {
		if env.has(pm.bin) {
			return pm, true
		}
	}
	return packageManager{}, false
}

// configureRootless grants the invoking user a subordinate ID range when it
// has none and lets Podman pick it up.
func configureRootless(ctx context.Context, env *InstallEnv) error {
	if env.User == "" || env.User == "root" {
		return nil
	}
	uid := hasSubIDs(env, "/etc/subuid")
	gid := hasSubIDs(env, "/etc/subgid")
	if !uid || !gid {
		var args []string
		if !uid {
			args = append(args, "--add-subuids", subIDRange)
		}
		if !gid {
			args = append(args, "--add-subgids", subIDRange)
		}
		args = append(args, env.User)
		if err := env.runPrivileged(ctx, "usermod", args...); err != nil {
			return fmt.Errorf("configure subordinate IDs for %s: %w", env.User, err)
		}
	}
	if _, err := env.Runner.Output(ctx, "podman", "system", "migrate"); err != nil {
		env.Logger.Warn("podman system migrate failed", "err", err)
	}
	return nil
}

func hasSubIDs(env *InstallEnv, path string) bool {
	data, err := env.ReadFile(path)
	if err != nil {
		return false
	}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		if name, _, ok := strings.Cut(sc.Text(), ":"); ok && name == env.User {
			return true
		}
	}
	return false
}

func (LinuxDockerScript) Name() string { return "docker-script" }

func (LinuxDockerScript) Applicable(env *InstallEnv) bool {
	return env.Host.OS == platform.Linux && env.has("curl")
}

func (LinuxDockerScript) Install(ctx context.Context, env *InstallEnv) error {
	script := fmt.Sprintf("curl -fsSL %s | sh", dockerInstallURL)
	if err := env.runPrivileged(ctx, "sh", "-c", script); err != nil {
		return fmt.Errorf("docker install script: %w", err)
	}
	if env.User != "" && env.User != "root" {
		if err := env.runPrivileged(ctx, "usermod", "-aG", "docker", env.User); err != nil {
			return fmt.Errorf("add %s to the docker group: %w", env.User, err)
		}
	}
	return nil
}

func (WindowsWSL) Name() string { return "wsl" }

func (WindowsWSL) Applicable(env *InstallEnv) bool {
	return env.Host.OS == platform.Windows && env.Host.WSLAvailable
}

func (WindowsWSL) Install(ctx context.Context, env *InstallEnv) error {
	inner, err := env.wslEnv(ctx)
	if err != nil {
		return err
	}
	if _, err := NewInstaller(inner, LinuxPackageManager{}, LinuxDockerScript{}).Install(ctx); err != nil {
		return fmt.Errorf("inside WSL: %w", err)
	}
	return nil
}

func (WindowsManual) Name() string { return "manual" }

func (WindowsManual) Applicable(env *InstallEnv) bool {
	return env.Host.OS == platform.Windows && !env.Host.WSLAvailable
}

func (WindowsManual) Install(context.Context, *InstallEnv) error {
	return fmt.Errorf("install Podman Desktop or Docker Desktop, or enable WSL: %w", ErrManualInstallRequired)
}
