// SPDX-License-Identifier: MPL-2.0

// Package cmd contains all CLI commands for devup.
//
// The root command wires an App, which owns configuration loading, the
// logger and output streams. Subcommands delegate to internal packages:
// 'up' drives the environment runner, while 'down', 'status', 'doctor',
// 'ports' and 'config' inspect or clean up around it.
package cmd
