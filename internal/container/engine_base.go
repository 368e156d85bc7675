// SPDX-License-Identifier: MPL-2.0

package container

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/invowk/devup/internal/issue"
	"github.com/invowk/devup/internal/platform"

	"github.com/charmbracelet/log"
)

const (
	// defaultRunAttempts bounds retries of `run -d` on transient engine errors.
	defaultRunAttempts = 3
	defaultRunBackoff  = 500 * time.Millisecond
)

type (
	// ExecCommandFunc creates the exec.Cmd for an engine invocation.
	// Tests replace it to record arguments.
	ExecCommandFunc func(ctx context.Context, name string, arg ...string) *exec.Cmd

	// VolumeFormatFunc renders a VolumeMount as a -v flag value.
	// Podman uses it to add SELinux labels.
	VolumeFormatFunc func(VolumeMount) string

	// BaseCLIEngineOption configures a BaseCLIEngine.
	BaseCLIEngineOption func(*BaseCLIEngine)

	// BaseCLIEngine implements the operations whose CLI syntax Docker and
	// Podman share. DockerEngine and PodmanEngine embed it and add the few
	// engine-specific probes.
	BaseCLIEngine struct {
		name            EngineType
		binaryPath      string
		execCommand     ExecCommandFunc
		volumeFormatter VolumeFormatFunc
		host            platform.Host
		logger          *log.Logger
		runAttempts     int
		runBackoff      time.Duration

		cmdEnvOverrides    map[string]string // e.g. CONTAINERS_CONF_OVERRIDE
		sysctlOverridePath string            // removed on Close
	}

	inspectState struct {
		Status   string `json:"Status"`
		Running  bool   `json:"Running"`
		ExitCode int    `json:"ExitCode"`
		Health   *struct {
			Status string `json:"Status"`
		} `json:"Health"`
		// Older Podman releases report health under Healthcheck.
		Healthcheck *struct {
			Status string `json:"Status"`
		} `json:"Healthcheck"`
	}
)

// WithExecCommand sets a custom exec command function for testing.
func WithExecCommand(fn ExecCommandFunc) BaseCLIEngineOption {
	return func(e *BaseCLIEngine) {
		e.execCommand = fn
	}
}

// WithVolumeFormatter sets a custom volume formatter function.
func WithVolumeFormatter(fn VolumeFormatFunc) BaseCLIEngineOption {
	return func(e *BaseCLIEngine) {
		e.volumeFormatter = fn
	}
}

// WithHost makes commands run through the host spawn helper when devup is sandboxed.
func WithHost(h platform.Host) BaseCLIEngineOption {
	return func(e *BaseCLIEngine) {
		e.host = h
	}
}

// WithLogger sets the logger used for debug traces of engine invocations.
func WithLogger(l *log.Logger) BaseCLIEngineOption {
	return func(e *BaseCLIEngine) {
		e.logger = l
	}
}

// WithRunRetry overrides how `run -d` is retried on transient errors.
func WithRunRetry(attempts int, base time.Duration) BaseCLIEngineOption {
	return func(e *BaseCLIEngine) {
		e.runAttempts = attempts
		e.runBackoff = base
	}
}

// WithCmdEnvOverride adds an environment variable to every engine command.
func WithCmdEnvOverride(key, value string) BaseCLIEngineOption {
	return func(e *BaseCLIEngine) {
		if e.cmdEnvOverrides == nil {
			e.cmdEnvOverrides = make(map[string]string)
		}
		e.cmdEnvOverrides[key] = value
	}
}

// WithSysctlOverridePath records a temp file to delete on Close.
func WithSysctlOverridePath(path string) BaseCLIEngineOption {
	return func(e *BaseCLIEngine) {
		e.sysctlOverridePath = path
	}
}

// NewBaseCLIEngine creates the shared engine for the binary at binaryPath.
func NewBaseCLIEngine(name EngineType, binaryPath string, opts ...BaseCLIEngineOption) *BaseCLIEngine {
	e := &BaseCLIEngine{
		name:            name,
		binaryPath:      binaryPath,
		execCommand:     exec.CommandContext,
		volumeFormatter: VolumeMount.String,
		logger:          log.New(io.Discard),
		runAttempts:     defaultRunAttempts,
		runBackoff:      defaultRunBackoff,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *BaseCLIEngine) Name() string {
	return string(e.name)
}

func (e *BaseCLIEngine) BinaryPath() string {
	return e.binaryPath
}

// --- Argument Builders ---

// BuildArgs returns: build -f <dockerfile> -t <tag> [--no-cache] [--build-arg k=v] [--label k=v] <context>
func (e *BaseCLIEngine) BuildArgs(opts BuildOptions) []string {
	args := []string{"build"}

	if opts.Dockerfile != "" {
		dockerfile := opts.Dockerfile
		if !filepath.IsAbs(dockerfile) && opts.ContextDir != "" {
			dockerfile = filepath.Join(opts.ContextDir, dockerfile)
		}
		args = append(args, "-f", dockerfile)
	}
	if opts.Tag != "" {
		args = append(args, "-t", opts.Tag)
	}
	if opts.NoCache {
		args = append(args, "--no-cache")
	}
	for _, k := range slices.Sorted(maps.Keys(opts.BuildArgs)) {
		args = append(args, "--build-arg", k+"="+opts.BuildArgs[k])
	}
	for _, k := range slices.Sorted(maps.Keys(opts.Labels)) {
		args = append(args, "--label", k+"="+opts.Labels[k])
	}

	return append(args, opts.ContextDir)
}

// RunArgs returns: run -d --name <n> [--network <net>] [--label] [-p] [-v] [-e] <image> [cmd...]
func (e *BaseCLIEngine) RunArgs(opts RunOptions) []string {
	args := []string{"run", "-d"}

	if opts.Name != "" {
		args = append(args, "--name", opts.Name)
	}
	if opts.Network != "" {
		args = append(args, "--network", opts.Network)
	}
	for _, k := range slices.Sorted(maps.Keys(opts.Labels)) {
		args = append(args, "--label", k+"="+opts.Labels[k])
	}
	for _, p := range opts.Ports {
		args = append(args, "-p", p.String())
	}
	for _, v := range opts.Volumes {
		args = append(args, "-v", e.volumeFormatter(v))
	}
	for _, k := range slices.Sorted(maps.Keys(opts.Env)) {
		args = append(args, "-e", k+"="+opts.Env[k])
	}

	args = append(args, opts.Image)
	return append(args, opts.Command...)
}

// RemoveArgs returns: rm [-f] <name>
func (e *BaseCLIEngine) RemoveArgs(name string, force bool) []string {
	args := []string{"rm"}
	if force {
		args = append(args, "-f")
	}
	return append(args, name)
}

// StopArgs returns: stop -t <seconds> <name>
func (e *BaseCLIEngine) StopArgs(name string, timeout time.Duration) []string {
	secs := int(timeout.Round(time.Second) / time.Second)
	return []string{"stop", "-t", strconv.Itoa(secs), name}
}

// ListArgs returns: ps -a [--filter label=k=v]... --format {{.Names}}
func (e *BaseCLIEngine) ListArgs(labels map[string]string) []string {
	args := []string{"ps", "-a"}
	for _, k := range slices.Sorted(maps.Keys(labels)) {
		args = append(args, "--filter", "label="+k+"="+labels[k])
	}
	return append(args, "--format", "{{.Names}}")
}

// ComposeArgs returns: compose -p <project> -f <file> <verb...>
func (e *BaseCLIEngine) ComposeArgs(project, file string, verb ...string) []string {
	args := []string{"compose", "-p", project, "-f", file}
	return append(args, verb...)
}

// --- Command Execution ---

// CreateCommand creates an exec.Cmd for the given engine arguments, routed
// through the host spawn helper when sandboxed and carrying env overrides.
func (e *BaseCLIEngine) CreateCommand(ctx context.Context, args ...string) *exec.Cmd {
	name, full := e.host.HostCommand(e.binaryPath, args...)
	cmd := e.execCommand(ctx, name, full...)
	e.customizeCmd(cmd)
	return cmd
}

func (e *BaseCLIEngine) customizeCmd(cmd *exec.Cmd) {
	if len(e.cmdEnvOverrides) == 0 {
		return
	}
	// A non-nil Env replaces the inherited environment, so start from os.Environ.
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	for _, k := range slices.Sorted(maps.Keys(e.cmdEnvOverrides)) {
		cmd.Env = append(cmd.Env, k+"="+e.cmdEnvOverrides[k])
	}
}

// RunCommandWithOutput runs an engine command and returns its stdout. A
// failure is reported as *CommandError carrying the captured stderr.
func (e *BaseCLIEngine) RunCommandWithOutput(ctx context.Context, args ...string) (string, error) {
	cmd := e.CreateCommand(ctx, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	e.logger.Debug("engine command", "engine", e.name, "args", args)
	if err := cmd.Run(); err != nil {
		return stdout.String(), e.commandError(args, stderr.String(), err)
	}
	return stdout.String(), nil
}

// RunCommandStatus runs an engine command, discarding stdout.
func (e *BaseCLIEngine) RunCommandStatus(ctx context.Context, args ...string) error {
	_, err := e.RunCommandWithOutput(ctx, args...)
	return err
}

func (e *BaseCLIEngine) commandError(args []string, stderr string, err error) error {
	code := -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	}
	return &CommandError{Engine: string(e.name), Args: args, Code: code, Stderr: stderr, Err: err}
}

// Close removes temporary resources such as the sysctl override file. It
// is safe to call more than once.
func (e *BaseCLIEngine) Close() error {
	if e.sysctlOverridePath == "" {
		return nil
	}
	err := os.Remove(e.sysctlOverridePath)
	e.sysctlOverridePath = ""
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove sysctl override file: %w", err)
	}
	return nil
}

// --- Shared Engine Operations ---

// Info runs `info --format <format>`.
func (e *BaseCLIEngine) Info(ctx context.Context, format string) (string, error) {
	out, err := e.RunCommandWithOutput(ctx, "info", "--format", format)
	return strings.TrimSpace(out), err
}

// Build streams the build to opts.Stdout/Stderr. On failure the returned
// *CommandError holds the last issue.DefaultTailLines lines of stderr.
func (e *BaseCLIEngine) Build(ctx context.Context, opts BuildOptions) error {
	args := e.BuildArgs(opts)
	cmd := e.CreateCommand(ctx, args...)

	stderr := issue.NewTailBuffer(issue.DefaultTailLines)
	cmd.Stdout = opts.Stdout
	cmd.Stderr = stderr
	if opts.Stderr != nil {
		cmd.Stderr = io.MultiWriter(opts.Stderr, stderr)
	}

	e.logger.Debug("engine build", "engine", e.name, "tag", opts.Tag, "context", opts.ContextDir)
	if err := cmd.Run(); err != nil {
		return e.commandError(args, stderr.String(), err)
	}
	return nil
}

// RunDetached starts a container with `run -d`. Transient engine failures
// are retried after force-removing the half-created container.
func (e *BaseCLIEngine) RunDetached(ctx context.Context, opts RunOptions) (string, error) {
	for _, p := range opts.Ports {
		if err := p.Validate(); err != nil {
			return "", err
		}
	}
	for _, v := range opts.Volumes {
		if err := v.Validate(); err != nil {
			return "", err
		}
	}

	var id string
	err := RetryWithBackoff(ctx, e.runAttempts, e.runBackoff, func(attempt int) (bool, error) {
		if attempt > 0 && opts.Name != "" {
			_ = e.Remove(ctx, opts.Name, true)
		}
		out, runErr := e.RunCommandWithOutput(ctx, e.RunArgs(opts)...)
		if runErr != nil {
			if IsTransientError(runErr) {
				e.logger.Warn("transient engine error, retrying", "container", opts.Name, "attempt", attempt+1, "err", runErr)
				return true, runErr
			}
			return false, runErr
		}
		id = strings.TrimSpace(out)
		return false, nil
	})
	return id, err
}

// Stop stops a container. A missing container is not an error.
func (e *BaseCLIEngine) Stop(ctx context.Context, name string, timeout time.Duration) error {
	err := e.RunCommandStatus(ctx, e.StopArgs(name, timeout)...)
	if isNoSuchContainer(err) {
		return nil
	}
	return err
}

// Remove removes a container. A missing container is not an error.
func (e *BaseCLIEngine) Remove(ctx context.Context, name string, force bool) error {
	err := e.RunCommandStatus(ctx, e.RemoveArgs(name, force)...)
	if isNoSuchContainer(err) {
		return nil
	}
	return err
}

// Inspect reads the container state via `inspect --format {{json .State}}`.
func (e *BaseCLIEngine) Inspect(ctx context.Context, name string) (*ContainerState, error) {
	out, err := e.RunCommandWithOutput(ctx, "inspect", "--type", "container", "--format", "{{json .State}}", name)
	if err != nil {
		if isNoSuchContainer(err) {
			return nil, fmt.Errorf("%s: %w", name, ErrNoSuchContainer)
		}
		return nil, err
	}
	return parseInspectState(name, out)
}

func parseInspectState(name, out string) (*ContainerState, error) {
	var st inspectState
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &st); err != nil {
		return nil, fmt.Errorf("parse inspect output for %s: %w", name, err)
	}
	cs := &ContainerState{Name: name, Status: st.Status, Running: st.Running, ExitCode: st.ExitCode}
	switch {
	case st.Health != nil:
		cs.Health = st.Health.Status
	case st.Healthcheck != nil:
		cs.Health = st.Healthcheck.Status
	}
	return cs, nil
}

// ImageLabel reads one label from an image's config.
func (e *BaseCLIEngine) ImageLabel(ctx context.Context, image, key string) (string, error) {
	out, err := e.RunCommandWithOutput(ctx, "image", "inspect", "--format", fmt.Sprintf("{{ index .Config.Labels %q }}", key), image)
	if err != nil {
		return "", err
	}
	v := strings.TrimSpace(out)
	if v == "<no value>" {
		return "", nil
	}
	return v, nil
}

// ListContainers lists container names carrying all labels.
func (e *BaseCLIEngine) ListContainers(ctx context.Context, labels map[string]string) ([]string, error) {
	out, err := e.RunCommandWithOutput(ctx, e.ListArgs(labels)...)
	if err != nil {
		return nil, err
	}
	var names []string
	for line := range strings.Lines(out) {
		if n := strings.TrimSpace(line); n != "" {
			names = append(names, n)
		}
	}
	return names, nil
}

// NetworkExists reports whether `network inspect` succeeds.
func (e *BaseCLIEngine) NetworkExists(ctx context.Context, name string) (bool, error) {
	err := e.RunCommandStatus(ctx, "network", "inspect", name)
	if err == nil {
		return true, nil
	}
	var ce *CommandError
	if errors.As(err, &ce) && ce.Code > 0 {
		return false, nil
	}
	return false, err
}

// CreateNetwork creates a bridge network. An "already exists" failure is
// treated as success so concurrent sessions do not race each other.
func (e *BaseCLIEngine) CreateNetwork(ctx context.Context, name string, labels map[string]string) error {
	args := []string{"network", "create"}
	for _, k := range slices.Sorted(maps.Keys(labels)) {
		args = append(args, "--label", k+"="+labels[k])
	}
	args = append(args, name)
	err := e.RunCommandStatus(ctx, args...)
	var ce *CommandError
	if errors.As(err, &ce) && strings.Contains(strings.ToLower(ce.Stderr), "already exists") {
		return nil
	}
	return err
}

// ComposeUp runs `compose -p <project> -f <file> up -d`.
func (e *BaseCLIEngine) ComposeUp(ctx context.Context, project, file string) error {
	return e.RunCommandStatus(ctx, e.ComposeArgs(project, file, "up", "-d")...)
}

// ComposeDown runs `compose -p <project> -f <file> down`.
func (e *BaseCLIEngine) ComposeDown(ctx context.Context, project, file string) error {
	return e.RunCommandStatus(ctx, e.ComposeArgs(project, file, "down")...)
}

// isNoSuchContainer matches the Docker and Podman wording for a missing container.
func isNoSuchContainer(err error) bool {
	var ce *CommandError
	if !errors.As(err, &ce) {
		return false
	}
	s := strings.ToLower(ce.Stderr)
	return strings.Contains(s, "no such container") ||
		strings.Contains(s, "no such object") ||
		strings.Contains(s, "no container with name")
}
