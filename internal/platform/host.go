// SPDX-License-Identifier: MPL-2.0

package platform

import (
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
)

const (
	// SandboxNone indicates no sandbox environment detected.
	SandboxNone SandboxType = ""
	// SandboxFlatpak indicates a Flatpak sandbox environment.
	SandboxFlatpak SandboxType = "flatpak"
	// SandboxSnap indicates a Snap sandbox environment.
	SandboxSnap SandboxType = "snap"
)

type (
	// SandboxType identifies the application sandbox devup runs in, if any.
	SandboxType string

	// Host is a snapshot of the facts install strategies and engine probes branch on.
	Host struct {
		OS   string
		Arch string
		// InWSL is true when running inside a WSL distribution (reported as linux).
		InWSL bool
		// WSLAvailable is true on a Windows host where wsl.exe is on PATH.
		WSLAvailable bool
		Root         bool
		Sandbox      SandboxType
	}

	// probes are the OS lookups behind Detect, injectable for tests.
	probes struct {
		goos, goarch string
		getenv       func(string) string
		readFile     func(string) ([]byte, error)
		stat         func(string) error
		lookPath     func(string) (string, error)
		euid         func() int
	}
)

// detectOnce caches the host description; none of its facts change while
// devup runs. detectFrom must not panic, as sync.OnceValue would re-panic on
// every call.
var detectOnce = sync.OnceValue(func() Host {
	return detectFrom(probes{
		goos:     runtime.GOOS,
		goarch:   runtime.GOARCH,
		getenv:   os.Getenv,
		readFile: os.ReadFile,
		stat: func(p string) error {
			_, err := os.Stat(p)
			return err
		},
		lookPath: exec.LookPath,
		euid:     os.Geteuid,
	})
})

// Detect returns the cached description of the current host.
func Detect() Host {
	return detectOnce()
}

func detectFrom(p probes) Host {
	h := Host{OS: p.goos, Arch: p.goarch}

	switch p.goos {
	case Linux:
		if data, err := p.readFile("/proc/version"); err == nil {
			lower := strings.ToLower(string(data))
			h.InWSL = strings.Contains(lower, "microsoft") || strings.Contains(lower, "wsl")
		}
		if p.getenv("WSL_DISTRO_NAME") != "" {
			h.InWSL = true
		}
	case Windows:
		if _, err := p.lookPath("wsl.exe"); err == nil {
			h.WSLAvailable = true
		}
	}

	// os.Geteuid returns -1 on Windows.
	h.Root = p.euid() == 0

	// Flatpak takes precedence over Snap.
	switch {
	case p.stat("/.flatpak-info") == nil:
		h.Sandbox = SandboxFlatpak
	case p.getenv("SNAP_NAME") != "":
		h.Sandbox = SandboxSnap
	}

	return h
}

// String renders the host as e.g. "linux/amd64 (wsl)".
func (h Host) String() string {
	var tags []string
	if h.InWSL {
		tags = append(tags, "wsl")
	}
	if h.Root {
		tags = append(tags, "root")
	}
	if h.Sandbox != SandboxNone {
		tags = append(tags, string(h.Sandbox))
	}
	s := h.OS + "/" + h.Arch
	if len(tags) > 0 {
		s += " (" + strings.Join(tags, ", ") + ")"
	}
	return s
}

// HostCommand rewrites name and args so that they run on the host system
// when devup itself runs inside a Flatpak or Snap sandbox.
func (h Host) HostCommand(name string, args ...string) (string, []string) {
	switch h.Sandbox {
	case SandboxFlatpak:
		return "flatpak-spawn", append([]string{"--host", name}, args...)
	case SandboxSnap:
		return "snap", append([]string{"run", "--shell", name}, args...)
	default:
		return name, args
	}
}

// WSLCommand rewrites name and args to run inside the default WSL
// distribution of a Windows host.
func WSLCommand(name string, args ...string) (string, []string) {
	return "wsl", append([]string{"-e", name}, args...)
}

// WSLPath maps an absolute Windows path such as C:\src\app to its
// /mnt/c/src/app mount inside WSL. Other strings are returned unchanged.
func WSLPath(p string) string {
	if len(p) < 3 || p[1] != ':' || (p[2] != '\\' && p[2] != '/') {
		return p
	}
	drive := p[0] | 0x20
	if drive < 'a' || drive > 'z' {
		return p
	}
	return "/mnt/" + string(drive) + strings.ReplaceAll(p[2:], `\`, "/")
}
