// SPDX-License-Identifier: MPL-2.0

// Package ports arbitrates host ports between the services and processes of
// one devup session and unrelated programs already listening on the host.
//
// An Arbiter hands out at most one Assignment per service. A requested port
// that is busy is shifted to the first free port in a search window above
// it; when the whole window is busy the original owner is terminated
// (Reclaim) and the port re-verified before it is handed out.
package ports
