// SPDX-License-Identifier: MPL-2.0

// Package container drives Docker and Podman through their command-line
// interfaces. The Engine interface covers what devup needs: image builds,
// detached service containers, inspection, networks and compose. DockerEngine
// and PodmanEngine embed BaseCLIEngine, which builds the shared argument
// lists and turns failed invocations into *CommandError values carrying the
// exit code and stderr.
package container
