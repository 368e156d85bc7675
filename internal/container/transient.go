// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"errors"
	"strings"
)

// transientMarkers are stderr fragments of engine failures that usually
// succeed on a second attempt.
var transientMarkers = []string{
	// rootless Podman races and OCI runtime hiccups
	"ping_group_range",
	"OCI runtime error",
	// registry and DNS flakiness during pulls
	"Temporary failure resolving",
	"Could not resolve host",
	"connection timed out",
	"connection refused",
	"TLS handshake timeout",
	// overlay mount races
	"error creating overlay mount",
	"error mounting layer",
}

// daemonMarkers are stderr fragments that make exit status 125 transient.
// 125 alone also covers bad flags and port conflicts, which never heal.
var daemonMarkers = []string{
	"Cannot connect to the Docker daemon",
	"error during connect",
	"unable to connect to Podman socket",
	"connection reset by peer",
	"i/o timeout",
}

// IsTransientError reports whether err is a container engine failure that
// may succeed on retry. Context cancellation is never transient.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	text := err.Error()
	var ce *CommandError
	if errors.As(err, &ce) {
		if ce.Code == 125 && containsAny(ce.Stderr, daemonMarkers) {
			return true
		}
		text += "\n" + ce.Stderr
	}

	return containsAny(text, transientMarkers)
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
