// SPDX-License-Identifier: MPL-2.0

package hostengine

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/invowk/devup/internal/container"
	"github.com/invowk/devup/internal/platform"

	"github.com/charmbracelet/log"
)

const (
	// SourceBundled is an engine binary shipped next to devup.
	SourceBundled Source = "bundled"
	// SourceSystem is an engine found on PATH or in a well-known prefix.
	SourceSystem Source = "system"
	// SourceInstalled is an engine devup installed during this session.
	SourceInstalled Source = "installed"
)

// ErrEngineNotFound is returned when no tier yields a working engine.
var ErrEngineNotFound = errors.New("no container engine found")

// versionPattern matches "podman version 5.2.1" and "Docker version 28.5.1, build 01f442b".
var versionPattern = regexp.MustCompile(`(?i)version\s+v?(\d+\.\d+(?:\.\d+)?[\w.+-]*)`)

type (
	// Source records which detection tier produced an engine.
	Source string

	// EngineReady is the terminal state of detection: an engine devup can drive.
	EngineReady struct {
		Name     container.EngineType
		Rootless bool
		Source   Source
		Path     string
		Version  string
		// Platform describes the host, e.g. "linux/amd64 (wsl)".
		Platform string
		// WSL is set when the engine lives inside the WSL distribution of a
		// Windows host and must be driven through `wsl -e`.
		WSL bool
	}

	// DetectorOption configures a Detector.
	DetectorOption func(*Detector)

	// Detector probes the engine tiers in priority order.
	Detector struct {
		runner      CommandRunner
		host        platform.Host
		bundledPath string
		preferred   container.EngineType
		searchDirs  []string
		logger      *log.Logger
	}

	candidate struct {
		name   container.EngineType
		source Source
		bin    string
		wsl    bool
	}
)

// WithRunner sets the command runner used for probes.
func WithRunner(r CommandRunner) DetectorOption {
	return func(d *Detector) { d.runner = r }
}

// WithHost overrides the detected host description.
func WithHost(h platform.Host) DetectorOption {
	return func(d *Detector) { d.host = h }
}

// WithBundledPath sets the bundled engine binary. "" disables the bundled tier.
func WithBundledPath(path string) DetectorOption {
	return func(d *Detector) { d.bundledPath = path }
}

// WithPreference puts docker ahead of podman among system engines when
// set to EngineTypeDocker. The bundled tier always comes first.
func WithPreference(t container.EngineType) DetectorOption {
	return func(d *Detector) { d.preferred = t }
}

// WithSearchDirs adds directories checked when an engine is not on PATH.
func WithSearchDirs(dirs ...string) DetectorOption {
	return func(d *Detector) { d.searchDirs = dirs }
}

// WithLogger sets the logger for probe traces.
func WithLogger(l *log.Logger) DetectorOption {
	return func(d *Detector) { d.logger = l }
}

// NewDetector creates a Detector for the current host.
func NewDetector(opts ...DetectorOption) *Detector {
	h := platform.Detect()
	d := &Detector{
		runner:      NewExecRunner(h),
		host:        h,
		bundledPath: DefaultBundledPath(),
		searchDirs:  defaultSearchDirs(h),
		logger:      log.New(io.Discard),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DefaultBundledPath is engine/podman next to the devup executable, or ""
// when the executable path is unknown.
func DefaultBundledPath() string {
	exe, err := os.Executable()
	if err != nil {
		return ""
	}
	name := "podman"
	if platform.Detect().OS == platform.Windows {
		name += ".exe"
	}
	return filepath.Join(filepath.Dir(exe), "engine", name)
}

// defaultSearchDirs lists prefixes package managers install into that may
// be missing from PATH right after an install.
func defaultSearchDirs(h platform.Host) []string {
	switch h.OS {
	case platform.Darwin:
		return []string{"/opt/homebrew/bin", "/usr/local/bin", "/opt/podman/bin"}
	case platform.Linux:
		return []string{"/usr/bin", "/usr/local/bin"}
	default:
		return nil
	}
}

func (d *Detector) candidates() []candidate {
	var cs []candidate
	if d.bundledPath != "" {
		name := container.EngineTypePodman
		if strings.Contains(strings.ToLower(filepath.Base(d.bundledPath)), "docker") {
			name = container.EngineTypeDocker
		}
		cs = append(cs, candidate{name: name, source: SourceBundled, bin: d.bundledPath})
	}
	system := []container.EngineType{container.EngineTypePodman, container.EngineTypeDocker}
	if d.preferred == container.EngineTypeDocker {
		system = []container.EngineType{container.EngineTypeDocker, container.EngineTypePodman}
	}
	for _, n := range system {
		cs = append(cs, candidate{name: n, source: SourceSystem, bin: string(n)})
	}
	if d.host.OS == platform.Windows && d.host.WSLAvailable {
		for _, n := range system {
			cs = append(cs, candidate{name: n, source: SourceSystem, bin: string(n), wsl: true})
		}
	}
	return cs
}

// runnerFor returns the runner that can see c's binary.
func (d *Detector) runnerFor(c candidate) CommandRunner {
	if c.wsl {
		return NewWSLRunner(d.runner)
	}
	return d.runner
}

// Detect returns the first tier whose `--version` probe succeeds, or
// ErrEngineNotFound. Failed probes are only logged at debug level.
func (d *Detector) Detect(ctx context.Context) (*EngineReady, error) {
	for _, c := range d.candidates() {
		runner := d.runnerFor(c)
		path, ok := d.lookup(runner, c)
		if !ok {
			d.logger.Debug("engine not present", "engine", c.name, "source", c.source, "wsl", c.wsl)
			continue
		}
		out, err := runner.Output(ctx, path, "--version")
		if err != nil {
			d.logger.Debug("engine version probe failed", "path", path, "err", err)
			continue
		}
		version, ok := ParseVersion(out)
		if !ok {
			d.logger.Debug("unparseable engine version", "path", path, "output", strings.TrimSpace(out))
			continue
		}

		ready := &EngineReady{
			Name:     c.name,
			Source:   c.source,
			Path:     path,
			Version:  version,
			Platform: d.host.String(),
			Rootless: d.probeRootless(ctx, runner, c.name, path),
			WSL:      c.wsl,
		}
		d.logger.Debug("engine detected", "engine", ready.Name, "source", ready.Source, "version", ready.Version, "wsl", ready.WSL)
		return ready, nil
	}
	return nil, ErrEngineNotFound
}

func (d *Detector) lookup(runner CommandRunner, c candidate) (string, bool) {
	if path, err := runner.LookPath(c.bin); err == nil {
		return path, true
	}
	if c.source == SourceBundled || c.wsl {
		return "", false
	}
	for _, dir := range d.searchDirs {
		if path, err := runner.LookPath(filepath.Join(dir, c.bin)); err == nil {
			return path, true
		}
	}
	return "", false
}

// probeRootless asks the engine itself. When the probe fails Podman is
// assumed rootless unless devup runs as root, and Docker is assumed rootful.
func (d *Detector) probeRootless(ctx context.Context, runner CommandRunner, name container.EngineType, path string) bool {
	switch name {
	case container.EngineTypePodman:
		out, err := runner.Output(ctx, path, "info", "--format", "{{.Host.Security.Rootless}}")
		if err == nil {
			return strings.TrimSpace(out) == "true"
		}
		d.logger.Debug("rootless probe failed", "engine", name, "err", err)
		return !d.host.Root
	default:
		out, err := runner.Output(ctx, path, "info", "--format", "{{.SecurityOptions}}")
		if err == nil {
			return strings.Contains(out, "rootless")
		}
		d.logger.Debug("rootless probe failed", "engine", name, "err", err)
		return false
	}
}

// ParseVersion extracts the version number from `<engine> --version` output.
func ParseVersion(out string) (string, bool) {
	m := versionPattern.FindStringSubmatch(out)
	if m == nil {
		return "", false
	}
	return strings.TrimRight(m[1], ","), true
}

// NewEngine builds the container.Engine driving ready.
func NewEngine(ready *EngineReady, opts ...container.BaseCLIEngineOption) container.Engine {
	if ready.WSL {
		opts = append(slices.Clone(opts), container.WithWSL())
	}
	if ready.Name == container.EngineTypeDocker {
		return container.NewDockerEngine(ready.Path, opts...)
	}
	return container.NewPodmanEngine(ready.Path, opts...)
}
