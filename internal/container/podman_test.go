// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"os"
	"strings"
	"testing"
)

func TestSELinuxVolumeFormatter(t *testing.T) {
	t.Parallel()

	on := selinuxVolumeFormatter(func() bool { return true })
	off := selinuxVolumeFormatter(func() bool { return false })

	bind := VolumeMount{Source: "/srv/app", Target: "/app"}
	named := VolumeMount{Source: "pgdata", Target: "/data"}
	private := VolumeMount{Source: "/srv/app", Target: "/app", SELinux: SELinuxLabelPrivate}

	if got := on(bind); got != "/srv/app:/app:z" {
		t.Errorf("bind mount with SELinux = %q", got)
	}
	if got := off(bind); got != "/srv/app:/app" {
		t.Errorf("bind mount without SELinux = %q", got)
	}
	if got := on(named); got != "pgdata:/data" {
		t.Errorf("named volume must not be relabelled, got %q", got)
	}
	if got := on(private); got != "/srv/app:/app:Z" {
		t.Errorf("explicit label must be kept, got %q", got)
	}
}

func TestRenderSysctlOverride(t *testing.T) {
	t.Parallel()

	data, err := renderSysctlOverride()
	if err != nil {
		t.Fatalf("renderSysctlOverride() error: %v", err)
	}
	s := string(data)
	if !strings.Contains(s, "[containers]") || !strings.Contains(s, "default_sysctls = []") {
		t.Errorf("override = %q", s)
	}
}

func TestWriteSysctlOverride_CloseRemoves(t *testing.T) {
	t.Parallel()

	path, err := writeSysctlOverride(t.TempDir())
	if err != nil {
		t.Fatalf("writeSysctlOverride() error: %v", err)
	}
	e := NewBaseCLIEngine(EngineTypePodman, "podman", WithSysctlOverridePath(path))
	if err := e.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("override file should be removed, stat err = %v", err)
	}
	if err := e.Close(); err != nil {
		t.Errorf("second Close() = %v, want nil", err)
	}
}

func TestPodmanEngine_ImageExists(t *testing.T) {
	t.Parallel()

	rec := NewMockCommandRecorder()
	e := NewPodmanEngine("", WithExecCommand(rec.CommandFunc(t)))
	rec.Default = MockResponse{ExitCode: 1}

	ok, err := e.ImageExists(context.Background(), "agent-app/runtime:dev")
	if err != nil || ok {
		t.Errorf("ImageExists() = (%v, %v), want (false, nil)", ok, err)
	}
	rec.AssertArgsContain(t, "image exists agent-app/runtime:dev")
	if e.Available(context.Background()) {
		t.Error("engine without a binary path must not be available")
	}
}

func TestDockerEngine_Version(t *testing.T) {
	t.Parallel()

	e, rec := newMockDocker(t)
	rec.Default = MockResponse{Stdout: "28.5.1\n"}
	v, err := e.Version(context.Background())
	if err != nil || v != "28.5.1" {
		t.Errorf("Version() = (%q, %v)", v, err)
	}
	if !e.Available(context.Background()) {
		t.Error("Available() should be true when the daemon answers")
	}
}

func TestIsRemotePodman(t *testing.T) {
	t.Parallel()

	if !isRemotePodman("/usr/bin/podman-remote") {
		t.Error("podman-remote should be detected")
	}
	if isRemotePodman("/usr/bin/podman") {
		t.Error("plain podman is not remote")
	}
}
