// SPDX-License-Identifier: MPL-2.0

// Package runner brings a development environment up stage by stage and
// tears it down again.
//
// Stages run in a fixed order: resolve ports, resolve the container engine,
// build stale images, start service containers, start the backend processes,
// start the frontend processes, begin health polling and watch process
// sources for changes. Each stage that
// acquires something registers how to release it. A failing stage unwinds
// everything registered so far in reverse, and Shutdown runs the same
// unwind exactly once no matter how many times it is requested.
package runner
