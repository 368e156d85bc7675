// SPDX-License-Identifier: MPL-2.0

// Package health polls the HTTP health endpoints of supervised processes.
//
// A probe is healthy when the endpoint answers 2xx and, if a marker is
// configured, the reported status equals it: the "status" field of a JSON
// body, or the whole body when it is plain text. After a configured number of
// consecutive failures the Monitor emits one restart recommendation for
// that process alone; it re-arms after a healthy probe or Reset.
package health
