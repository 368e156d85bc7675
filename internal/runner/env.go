// SPDX-License-Identifier: MPL-2.0

package runner

import (
	"fmt"
	"maps"
	"os"
	"strconv"
	"strings"

	"github.com/invowk/devup/internal/config"
	"github.com/invowk/devup/internal/health"
	"github.com/invowk/devup/internal/supervisor"

	"mvdan.cc/sh/v3/shell"
)

// PortVarPrefix prefixes the variables that carry resolved ports.
const PortVarPrefix = "DEVUP_PORT_"

// EnvName upper-cases name and replaces everything but letters and digits
// with '_': "web-ui" becomes "WEB_UI".
func EnvName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, name)
}

// PortVar returns the variable carrying name's resolved port.
func PortVar(name string) string { return PortVarPrefix + EnvName(name) }

func servicePortKey(service string, containerPort int) string {
	return fmt.Sprintf("%s:%d", service, containerPort)
}

// PortRequest is one host port the environment asks for, keyed the way
// the arbiter records it: "service:containerPort" or the process name.
type PortRequest struct {
	Key  string
	Port int
}

// PortRequests lists cfg's host ports in resolution order, service ports
// before process ports.
func PortRequests(cfg *config.Config) []PortRequest {
	var reqs []PortRequest
	for _, sc := range cfg.Services {
		for _, p := range sc.Ports {
			reqs = append(reqs, PortRequest{Key: servicePortKey(sc.Name, p.ContainerPort()), Port: p.Host})
		}
	}
	for _, pc := range cfg.Processes {
		if pc.Port > 0 {
			reqs = append(reqs, PortRequest{Key: pc.Name, Port: pc.Port})
		}
	}
	return reqs
}

// portLookup maps a port key to the port actually bound.
type portLookup func(key string, requested int) (int, bool)

// portEnv exports every resolved port. A service's first port is
// DEVUP_PORT_<SERVICE>; each port is also DEVUP_PORT_<SERVICE>_<CONTAINER>.
func (r *Runner) portEnv() map[string]string {
	return portEnv(r.cfg, func(key string, _ int) (int, bool) {
		as, ok := r.arbiter.Lookup(key)
		return int(as.Resolved), ok
	})
}

func portEnv(cfg *config.Config, lookup portLookup) map[string]string {
	env := make(map[string]string)
	for _, sc := range cfg.Services {
		for i, p := range sc.Ports {
			port, ok := lookup(servicePortKey(sc.Name, p.ContainerPort()), p.Host)
			if !ok {
				continue
			}
			v := strconv.Itoa(port)
			if i == 0 {
				env[PortVar(sc.Name)] = v
			}
			env[PortVar(sc.Name)+"_"+strconv.Itoa(p.ContainerPort())] = v
		}
	}
	for _, pc := range cfg.Processes {
		if pc.Port == 0 {
			continue
		}
		if port, ok := lookup(pc.Name, pc.Port); ok {
			env[PortVar(pc.Name)] = strconv.Itoa(port)
		}
	}
	return env
}

// ConfiguredTargets returns the health targets of cfg's processes with
// endpoints expanded against the configured, unshifted ports. It serves
// one-shot probes from outside a running session.
func ConfiguredTargets(cfg *config.Config) ([]health.Target, error) {
	env := portEnv(cfg, func(_ string, requested int) (int, bool) { return requested, true })
	var targets []health.Target
	for _, pc := range cfg.Processes {
		if pc.Health.Endpoint == "" {
			continue
		}
		t, err := healthTarget(pc, processSpec(pc, env))
		if err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, nil
}

// processSpec builds the supervisor spec for pc. The process's own env
// overrides the exported ports; PORT is its own resolved port.
func processSpec(pc config.ProcessConfig, ports map[string]string) supervisor.Spec {
	env := make(map[string]string, len(ports)+len(pc.Env)+1)
	maps.Copy(env, ports)
	maps.Copy(env, pc.Env)
	if v, ok := ports[PortVar(pc.Name)]; ok {
		env["PORT"] = v
	}
	return supervisor.Spec{
		Name:          pc.Name,
		Command:       pc.Command,
		Dir:           pc.Dir,
		Env:           env,
		ReadyPattern:  pc.ReadyPattern,
		ReadyTimeout:  pc.ReadyTimeout.Std(),
		RequireMarker: pc.RequireMarker,
	}
}

// healthTarget expands $VARs in pc's endpoint against the process env.
func healthTarget(pc config.ProcessConfig, spec supervisor.Spec) (health.Target, error) {
	endpoint, err := shell.Expand(pc.Health.Endpoint, func(name string) string {
		if v, ok := spec.Env[name]; ok {
			return v
		}
		return os.Getenv(name)
	})
	if err != nil {
		return health.Target{}, fmt.Errorf("health endpoint of %s: %w", pc.Name, err)
	}
	marker := pc.Health.Marker
	if marker == "" {
		marker = health.DefaultMarker
	}
	return health.Target{Process: pc.Name, Endpoint: endpoint, Marker: marker}, nil
}
