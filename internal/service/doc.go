// SPDX-License-Identifier: MPL-2.0

// Package service runs the project's service containers (databases, model
// runtimes) through a container engine: network setup, dependency-ordered
// or compose-based start, stop, and status inspection.
//
// Containers are named "<project>-<service>" and labelled with the project
// and the session id, so a later `devup down` can find containers a crashed
// session left behind.
package service
