// SPDX-License-Identifier: MPL-2.0

package hostengine

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
	"sync"
	"testing"

	"github.com/invowk/devup/internal/platform"

	"github.com/charmbracelet/log"
)

type (
	// fakeRunner scripts host commands by their full command line.
	fakeRunner struct {
		mu      sync.Mutex
		paths   map[string]string
		outputs map[string]fakeResult
		hooks   map[string]func()
		calls   []string
	}

	fakeResult struct {
		out  string
		err  error
		code int
	}
)

func newFakeRunner() *fakeRunner {
	return &fakeRunner{paths: map[string]string{}, outputs: map[string]fakeResult{}, hooks: map[string]func(){}}
}

// after runs fn once cmdline has been run, e.g. to make an installed binary appear.
func (f *fakeRunner) after(cmdline string, fn func()) *fakeRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks[cmdline] = fn
	return f
}

// wslBinary makes name resolvable inside WSL through `command -v`.
func (f *fakeRunner) wslBinary(name, path string) *fakeRunner {
	return f.script(`wsl -e sh -c command -v "$1" sh `+name, path+"\n")
}

func (f *fakeRunner) addBinary(name, path string) *fakeRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths[name] = path
	return f
}

func (f *fakeRunner) script(cmdline, out string) *fakeRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outputs[cmdline] = fakeResult{out: out}
	return f
}

func (f *fakeRunner) fail(cmdline string, code int, output string) *fakeRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outputs[cmdline] = fakeResult{out: output, code: code, err: errors.New("exit status")}
	return f
}

func (f *fakeRunner) LookPath(file string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.paths[file]; ok {
		return p, nil
	}
	return "", exec.ErrNotFound
}

func (f *fakeRunner) result(name string, args []string) (string, error) {
	cmdline := strings.Join(append([]string{name}, args...), " ")
	f.mu.Lock()
	f.calls = append(f.calls, cmdline)
	r, ok := f.outputs[cmdline]
	hook := f.hooks[cmdline]
	f.mu.Unlock()
	if hook != nil {
		defer hook()
	}

	if !ok {
		// Unscripted commands succeed silently.
		return "", nil
	}
	if r.err != nil {
		return "", &ExecError{Name: name, Args: args, Code: r.code, Output: r.out, Err: r.err}
	}
	return r.out, nil
}

func (f *fakeRunner) Output(_ context.Context, name string, args ...string) (string, error) {
	return f.result(name, args)
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) error {
	_, err := f.result(name, args)
	return err
}

func (f *fakeRunner) called(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func linuxHost() platform.Host {
	return platform.Host{OS: platform.Linux, Arch: "amd64"}
}

func testEnv(t *testing.T, h platform.Host, r *fakeRunner) *InstallEnv {
	t.Helper()
	return &InstallEnv{
		Host:   h,
		Runner: r,
		User:   "dev",
		ReadFile: func(string) ([]byte, error) {
			return nil, errors.New("not found")
		},
		Logger: log.New(io.Discard),
	}
}
