// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"os/exec"

	"github.com/invowk/devup/internal/platform"
)

// WithWSL drives an engine installed inside the default WSL distribution
// from a Windows host. Every invocation goes through `wsl -e`, and absolute
// Windows paths in arguments and bind-mount sources become /mnt/<drive>
// paths. It wraps the exec command and volume formatter set before it, so
// it must come last.
func WithWSL() BaseCLIEngineOption {
	return func(e *BaseCLIEngine) {
		next := e.execCommand
		e.execCommand = func(ctx context.Context, name string, args ...string) *exec.Cmd {
			mapped := make([]string, len(args))
			for i, a := range args {
				mapped[i] = platform.WSLPath(a)
			}
			n, a := platform.WSLCommand(name, mapped...)
			return next(ctx, n, a...)
		}

		format := e.volumeFormatter
		e.volumeFormatter = func(v VolumeMount) string {
			if v.IsBindMount() {
				v.Source = platform.WSLPath(v.Source)
			}
			return format(v)
		}
	}
}
