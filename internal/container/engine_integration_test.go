// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
)

// checkTestcontainersAvailable safely checks if testcontainers can reach a
// container daemon. Provider detection panics on some hosts.
func checkTestcontainersAvailable() (available bool) {
	defer func() {
		if r := recover(); r != nil {
			available = false
		}
	}()

	provider, err := testcontainers.ProviderDocker.GetProvider()
	if err != nil {
		return false
	}
	defer provider.Close()
	return true
}

// localEngine returns the first engine on PATH whose daemon answers.
func localEngine(t *testing.T) Engine {
	t.Helper()
	for _, name := range []EngineType{EngineTypePodman, EngineTypeDocker} {
		path, err := exec.LookPath(string(name))
		if err != nil {
			continue
		}
		var e Engine
		if name == EngineTypePodman {
			pe := NewPodmanEngine(path)
			t.Cleanup(func() { _ = pe.Close() })
			e = pe
		} else {
			e = NewDockerEngine(path)
		}
		if e.Available(context.Background()) {
			return e
		}
	}
	return nil
}

func TestEngine_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	e := localEngine(t)
	if e == nil {
		t.Skip("skipping container integration tests: no container engine available")
	}
	if !checkTestcontainersAvailable() {
		t.Skip("skipping container integration tests: testcontainers provider not available")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	name := "devup-it-" + uuid.NewString()[:8]
	labels := map[string]string{"devup.test": name}
	t.Cleanup(func() { _ = e.Remove(context.Background(), name, true) })

	if _, err := e.RunDetached(ctx, RunOptions{
		Name:    name,
		Image:   "docker.io/library/alpine:latest",
		Labels:  labels,
		Command: []string{"sleep", "60"},
	}); err != nil {
		t.Fatalf("RunDetached() error: %v", err)
	}

	st, err := e.Inspect(ctx, name)
	if err != nil {
		t.Fatalf("Inspect() error: %v", err)
	}
	if st.HealthState() != HealthNone {
		t.Errorf("HealthState() = %q, want none for alpine", st.HealthState())
	}

	names, err := e.ListContainers(ctx, labels)
	if err != nil || len(names) != 1 || names[0] != name {
		t.Errorf("ListContainers() = (%v, %v), want [%s]", names, err, name)
	}

	if err := e.Stop(ctx, name, time.Second); err != nil {
		t.Errorf("Stop() error: %v", err)
	}
	if err := e.Remove(ctx, name, true); err != nil {
		t.Errorf("Remove() error: %v", err)
	}
	if _, err := e.Inspect(ctx, name); !errors.Is(err, ErrNoSuchContainer) {
		t.Errorf("Inspect() after Remove = %v, want ErrNoSuchContainer", err)
	}
}
