// SPDX-License-Identifier: MPL-2.0

package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/invowk/devup/internal/config"

	"gopkg.in/yaml.v3"
)

type (
	composeFile struct {
		Name     string                    `yaml:"name"`
		Services map[string]composeService `yaml:"services"`
		Networks map[string]composeNetwork `yaml:"networks,omitempty"`
	}

	composeService struct {
		ContainerName string            `yaml:"container_name"`
		Image         string            `yaml:"image"`
		Command       []string          `yaml:"command,omitempty"`
		Ports         []string          `yaml:"ports,omitempty"`
		Volumes       []string          `yaml:"volumes,omitempty"`
		Environment   map[string]string `yaml:"environment,omitempty"`
		Labels        map[string]string `yaml:"labels,omitempty"`
		DependsOn     []string          `yaml:"depends_on,omitempty"`
		Networks      []string          `yaml:"networks,omitempty"`
	}

	// Networks are created by EnsureNetwork beforehand so that per-service
	// and compose runs share them.
	composeNetwork struct {
		Name     string `yaml:"name"`
		External bool   `yaml:"external"`
	}
)

// ComposeYAML renders ds as a compose file. App-tier services depend on
// every data-tier service in addition to their explicit depends_on.
func (o *Orchestrator) ComposeYAML(ds []Descriptor) ([]byte, error) {
	cf := composeFile{
		Name:     o.project,
		Services: make(map[string]composeService, len(ds)),
	}

	var data []string
	for _, d := range ds {
		if d.Tier == config.TierData {
			data = append(data, d.Name)
		}
	}

	for _, d := range ds {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		svc := composeService{
			ContainerName: o.ContainerName(d.Name),
			Image:         d.Image,
			Command:       d.Command,
			Environment:   d.Env,
			Labels:        o.labels(d.Name),
			DependsOn:     slices.Clone(d.DependsOn),
		}
		for _, p := range d.Ports {
			svc.Ports = append(svc.Ports, p.String())
		}
		for _, v := range d.Volumes {
			svc.Volumes = append(svc.Volumes, v.String())
		}
		if d.Tier != config.TierData {
			for _, dn := range data {
				if !slices.Contains(svc.DependsOn, dn) {
					svc.DependsOn = append(svc.DependsOn, dn)
				}
			}
		}
		if d.Network != "" {
			svc.Networks = []string{d.Network}
			if cf.Networks == nil {
				cf.Networks = map[string]composeNetwork{}
			}
			cf.Networks[d.Network] = composeNetwork{Name: d.Network, External: true}
		}
		cf.Services[d.Name] = svc
	}

	out, err := yaml.Marshal(cf)
	if err != nil {
		return nil, fmt.Errorf("render compose file: %w", err)
	}
	return out, nil
}

func (o *Orchestrator) composeUp(ctx context.Context, ds []Descriptor) error {
	for _, d := range ds {
		if err := o.EnsureNetwork(ctx, d.Network); err != nil {
			return o.startError(d.Name, err)
		}
	}

	content, err := o.ComposeYAML(ds)
	if err != nil {
		return o.startError(o.project, err)
	}
	path := filepath.Join(o.composeDir, fmt.Sprintf("devup-%s-compose.yaml", o.project))
	if err := os.WriteFile(path, content, 0o600); err != nil {
		return o.startError(o.project, fmt.Errorf("write compose file: %w", err))
	}

	o.logger.Info("starting services with compose", "file", path, "services", len(ds))
	if err := o.engine.ComposeUp(ctx, o.project, path); err != nil {
		return o.startError(o.project, err)
	}

	o.mu.Lock()
	o.composeFile = path
	for _, d := range ds {
		if !slices.Contains(o.started, d.Name) {
			o.started = append(o.started, d.Name)
		}
	}
	o.mu.Unlock()
	return nil
}
