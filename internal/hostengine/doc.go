// SPDX-License-Identifier: MPL-2.0

// Package hostengine finds a usable container engine on the host and, when
// none is present and the user allows it, installs one.
//
// Detection walks three tiers in order: an engine bundled next to the devup
// binary, a system Podman, and a system Docker (the last two swap when Docker
// is preferred). A tier wins when `<engine> --version` prints a parseable
// version. The Installer runs an ordered list of Strategy values; the first
// applicable one that succeeds ends the attempt. Resolver ties both together
// and caches the successful EngineReady for the rest of the session.
package hostengine
