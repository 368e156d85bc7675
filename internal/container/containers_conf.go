// SPDX-License-Identifier: MPL-2.0

package container

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

type (
	// containersConf is the subset of containers.conf(5) devup overrides.
	containersConf struct {
		Containers containersSection `toml:"containers"`
	}

	containersSection struct {
		DefaultSysctls []string `toml:"default_sysctls"`
	}
)

// renderSysctlOverride returns a containers.conf fragment with an empty
// default_sysctls list.
func renderSysctlOverride() ([]byte, error) {
	return toml.Marshal(containersConf{Containers: containersSection{DefaultSysctls: []string{}}})
}

// writeSysctlOverride writes the override into dir and returns its path.
// The caller removes it (BaseCLIEngine.Close).
func writeSysctlOverride(dir string) (string, error) {
	data, err := renderSysctlOverride()
	if err != nil {
		return "", fmt.Errorf("render containers.conf override: %w", err)
	}

	f, err := os.CreateTemp(dir, "devup-containers-conf-*.toml")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("write: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("close: %w", err)
	}
	return f.Name(), nil
}

// isRemotePodman reports whether binaryPath is, or links to, podman-remote.
func isRemotePodman(binaryPath string) bool {
	if strings.Contains(filepath.Base(binaryPath), "remote") {
		return true
	}
	resolved, err := filepath.EvalSymlinks(binaryPath)
	if err != nil {
		return false
	}
	return strings.Contains(filepath.Base(resolved), "remote")
}
