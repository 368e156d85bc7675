// SPDX-License-Identifier: MPL-2.0

// Package platform describes the host devup runs on: operating system,
// WSL presence, privilege level and application sandboxing.
package platform
