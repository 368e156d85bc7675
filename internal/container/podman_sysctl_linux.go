// SPDX-License-Identifier: MPL-2.0

//go:build linux

package container

import "os"

// sysctlOverrideOpts points CONTAINERS_CONF_OVERRIDE at a temp file that
// clears default_sysctls. Without it, rootless Podman intermittently fails
// to write net.ipv4.ping_group_range when several containers start at once.
// podman-remote is skipped: the override would not reach the service side.
func sysctlOverrideOpts(binaryPath string) []BaseCLIEngineOption {
	if binaryPath == "" || isRemotePodman(binaryPath) {
		return nil
	}

	path, err := writeSysctlOverride(os.TempDir())
	if err != nil {
		// RunDetached still retries ping_group_range failures.
		return nil
	}
	return []BaseCLIEngineOption{
		WithCmdEnvOverride("CONTAINERS_CONF_OVERRIDE", path),
		WithSysctlOverridePath(path),
	}
}
