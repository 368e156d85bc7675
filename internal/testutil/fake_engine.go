// SPDX-License-Identifier: MPL-2.0

package testutil

import (
	"context"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/invowk/devup/internal/container"
)

// FakeEngine is an in-memory container.Engine. Containers start running
// with no healthcheck unless a queued Inspect state says otherwise.
type FakeEngine struct {
	mu sync.Mutex

	EngineName string
	// Calls lists operations as "<verb> <subject>", e.g. "run devup-db".
	Calls []string

	Containers map[string]*container.ContainerState
	Runs       map[string]container.RunOptions
	// Images maps a tag to its labels.
	Images   map[string]map[string]string
	Networks map[string]bool

	// InspectQueue holds states returned by successive Inspect calls per
	// container before falling back to Containers.
	InspectQueue map[string][]container.ContainerState

	ComposeSupported bool
	// ComposeYAML is the content of the last file passed to ComposeUp.
	ComposeYAML string

	BuildErr error
	// RunErr maps a container name to the error its RunDetached returns.
	RunErr map[string]error
	// OnBuild runs during Build, e.g. to write to opts.Stderr.
	OnBuild func(opts container.BuildOptions)
}

var _ container.Engine = (*FakeEngine)(nil)

// NewFakeEngine returns an empty podman-named fake.
func NewFakeEngine() *FakeEngine {
	return &FakeEngine{
		EngineName:   "podman",
		Containers:   map[string]*container.ContainerState{},
		Runs:         map[string]container.RunOptions{},
		Images:       map[string]map[string]string{},
		Networks:     map[string]bool{},
		InspectQueue: map[string][]container.ContainerState{},
		RunErr:       map[string]error{},
	}
}

func (f *FakeEngine) record(verb, subject string) {
	f.Calls = append(f.Calls, verb+" "+subject)
}

// Called counts recorded calls with the given prefix.
func (f *FakeEngine) Called(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// CallLog returns a copy of Calls.
func (f *FakeEngine) CallLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.Calls)
}

// SetState replaces the stored state of name.
func (f *FakeEngine) SetState(name string, st container.ContainerState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st.Name = name
	f.Containers[name] = &st
}

func (f *FakeEngine) Name() string       { return f.EngineName }
func (f *FakeEngine) BinaryPath() string { return "/usr/bin/" + f.EngineName }

func (f *FakeEngine) Available(context.Context) bool { return true }

func (f *FakeEngine) Version(context.Context) (string, error) { return "5.2.1", nil }

func (f *FakeEngine) Info(context.Context, string) (string, error) { return "", nil }

func (f *FakeEngine) Build(_ context.Context, opts container.BuildOptions) error {
	f.mu.Lock()
	f.record("build", opts.Tag)
	hook, err := f.OnBuild, f.BuildErr
	f.mu.Unlock()

	if hook != nil {
		hook(opts)
	}
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Images[opts.Tag] = maps.Clone(opts.Labels)
	return nil
}

func (f *FakeEngine) ImageExists(_ context.Context, image string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.Images[image]
	return ok, nil
}

func (f *FakeEngine) ImageLabel(_ context.Context, image, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	labels, ok := f.Images[image]
	if !ok {
		return "", fmt.Errorf("image %s not found", image)
	}
	return labels[key], nil
}

func (f *FakeEngine) RunDetached(_ context.Context, opts container.RunOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("run", opts.Name)
	if err := f.RunErr[opts.Name]; err != nil {
		return "", err
	}
	if _, exists := f.Containers[opts.Name]; exists {
		return "", fmt.Errorf("container name %q is already in use", opts.Name)
	}
	f.Runs[opts.Name] = opts
	f.Containers[opts.Name] = &container.ContainerState{Name: opts.Name, Status: "running", Running: true}
	return "id-" + opts.Name, nil
}

func (f *FakeEngine) Stop(_ context.Context, name string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stop", name)
	if st, ok := f.Containers[name]; ok {
		st.Running = false
		st.Status = "exited"
	}
	return nil
}

func (f *FakeEngine) Remove(_ context.Context, name string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("rm", name)
	delete(f.Containers, name)
	delete(f.Runs, name)
	return nil
}

func (f *FakeEngine) Inspect(_ context.Context, name string) (*container.ContainerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("inspect", name)
	if q := f.InspectQueue[name]; len(q) > 0 {
		f.InspectQueue[name] = q[1:]
		st := q[0]
		st.Name = name
		return &st, nil
	}
	st, ok := f.Containers[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, container.ErrNoSuchContainer)
	}
	cp := *st
	return &cp, nil
}

func (f *FakeEngine) ListContainers(_ context.Context, labels map[string]string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for name, run := range f.Runs {
		match := true
		for k, v := range labels {
			if run.Labels[k] != v {
				match = false
				break
			}
		}
		if match {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names, nil
}

func (f *FakeEngine) NetworkExists(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Networks[name], nil
}

func (f *FakeEngine) CreateNetwork(_ context.Context, name string, _ map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("network-create", name)
	f.Networks[name] = true
	return nil
}

func (f *FakeEngine) ComposeAvailable(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ComposeSupported
}

func (f *FakeEngine) ComposeUp(_ context.Context, project, file string) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("compose-up", project)
	f.ComposeYAML = string(data)
	return nil
}

func (f *FakeEngine) ComposeDown(_ context.Context, project, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("compose-down", project)
	return nil
}
