// SPDX-License-Identifier: MPL-2.0

package service

import (
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/invowk/devup/internal/config"
	"github.com/invowk/devup/internal/container"
	"github.com/invowk/devup/internal/dag"
)

// DefaultStartTimeout bounds WaitStarted when a descriptor sets none.
const DefaultStartTimeout = 60 * time.Second

// ErrInvalidDescriptor is the sentinel wrapped by InvalidDescriptorError.
var ErrInvalidDescriptor = errors.New("invalid service descriptor")

type (
	// Descriptor is a service container with its host ports resolved.
	Descriptor struct {
		Name      string
		Image     string
		Network   string
		Ports     []container.PortMapping
		Volumes   []container.VolumeMount
		Env       map[string]string
		DependsOn []string
		Tier      config.ServiceTier
		Command   []string
		// StartTimeout bounds WaitStarted. Zero means DefaultStartTimeout.
		StartTimeout time.Duration
	}

	// InvalidDescriptorError reports why a Descriptor cannot be started.
	InvalidDescriptorError struct {
		Service string
		Reason  string
	}

	// HostPortFunc returns the host port to publish for a configured mapping.
	HostPortFunc func(p config.PortConfig) uint16
)

func (e *InvalidDescriptorError) Error() string {
	return fmt.Sprintf("service %q: %s", e.Service, e.Reason)
}

func (e *InvalidDescriptorError) Unwrap() error { return ErrInvalidDescriptor }

// DescriptorFor converts a configured service. hostPort maps each port to
// its resolved host port; nil publishes the configured host ports.
func DescriptorFor(sc config.ServiceConfig, network string, hostPort HostPortFunc) Descriptor {
	d := Descriptor{
		Name:         sc.Name,
		Image:        sc.Image,
		Network:      network,
		Env:          maps.Clone(sc.Env),
		DependsOn:    sc.DependsOn,
		Tier:         sc.EffectiveTier(),
		Command:      sc.Command,
		StartTimeout: sc.StartTimeout.Std(),
	}
	for _, p := range sc.Ports {
		host := uint16(p.Host) //nolint:gosec // range checked by the config schema
		if hostPort != nil {
			host = hostPort(p)
		}
		d.Ports = append(d.Ports, container.PortMapping{
			HostPort:      container.NetworkPort(host),
			ContainerPort: container.NetworkPort(p.ContainerPort()), //nolint:gosec // range checked by the config schema
		})
	}
	for _, v := range sc.Volumes {
		d.Volumes = append(d.Volumes, container.VolumeMount{Source: v.Host, Target: v.Container, ReadOnly: v.ReadOnly})
	}
	return d
}

// Validate checks the fields the engine would otherwise reject late.
func (d Descriptor) Validate() error {
	switch {
	case strings.TrimSpace(d.Name) == "":
		return &InvalidDescriptorError{Service: d.Name, Reason: "name must be non-empty"}
	case strings.TrimSpace(d.Image) == "":
		return &InvalidDescriptorError{Service: d.Name, Reason: "image must be non-empty"}
	}
	for _, p := range d.Ports {
		if err := p.Validate(); err != nil {
			return &InvalidDescriptorError{Service: d.Name, Reason: err.Error()}
		}
	}
	for _, v := range d.Volumes {
		if err := v.Validate(); err != nil {
			return &InvalidDescriptorError{Service: d.Name, Reason: err.Error()}
		}
	}
	return nil
}

func (d Descriptor) startTimeout() time.Duration {
	if d.StartTimeout <= 0 {
		return DefaultStartTimeout
	}
	return d.StartTimeout
}

// Waves groups descriptors into start waves. Data-tier services come first,
// every app-tier service implicitly depends on all of them, and explicit
// depends_on edges order the rest. A cycle is a *dag.CycleError.
func Waves(ds []Descriptor) ([][]Descriptor, error) {
	byName := make(map[string]Descriptor, len(ds))
	g := dag.New()
	var data []string
	for _, d := range ds {
		if d.Tier == config.TierData {
			g.AddNode(d.Name)
			data = append(data, d.Name)
		}
		byName[d.Name] = d
	}
	for _, d := range ds {
		g.AddNode(d.Name)
	}

	for _, d := range ds {
		for _, dep := range d.DependsOn {
			if _, ok := byName[dep]; !ok {
				return nil, &InvalidDescriptorError{Service: d.Name, Reason: fmt.Sprintf("depends on unknown service %q", dep)}
			}
			g.AddDependency(d.Name, dep)
		}
		if d.Tier != config.TierData {
			for _, dn := range data {
				g.AddDependency(d.Name, dn)
			}
		}
	}

	levels, err := g.Levels()
	if err != nil {
		return nil, err
	}
	waves := make([][]Descriptor, 0, len(levels))
	for _, level := range levels {
		wave := make([]Descriptor, 0, len(level))
		for _, name := range level {
			wave = append(wave, byName[name])
		}
		waves = append(waves, wave)
	}
	return waves, nil
}
