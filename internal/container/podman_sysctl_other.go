// SPDX-License-Identifier: MPL-2.0

//go:build !linux

package container

// sysctlOverrideOpts is a no-op off Linux: Podman runs inside a VM there and
// a host-side CONTAINERS_CONF_OVERRIDE never reaches it.
func sysctlOverrideOpts(_ string) []BaseCLIEngineOption {
	return nil
}
