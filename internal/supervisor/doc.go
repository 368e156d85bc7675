// SPDX-License-Identifier: MPL-2.0

// Package supervisor spawns and manages devup's long-lived host processes
// (application backend and frontend).
//
// Each process moves through spawning, running, stopping and stopped, or
// lands in crashed when it exits on its own. Readiness races a stdout
// pattern against a timeout; the first signal wins. Shutdown terminates the
// whole process group, waits a grace period, then kills it, so no
// grandchild outlives devup. Crashes are reported on Events and never
// restarted here; callers restart explicitly.
package supervisor
