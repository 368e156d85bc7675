// SPDX-License-Identifier: MPL-2.0

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// EngineAuto lets detection pick the first available engine.
	EngineAuto EngineName = "auto"
	// EnginePodman prefers Podman.
	EnginePodman EngineName = "podman"
	// EngineDocker prefers Docker.
	EngineDocker EngineName = "docker"

	// VariantLite builds the smaller image set.
	VariantLite BuildVariant = "lite"
	// VariantFull builds images with every optional component.
	VariantFull BuildVariant = "full"

	// TierData marks backing stores that must be started before anything else.
	TierData ServiceTier = "data"
	// TierApp marks containers that may depend on the data tier.
	TierApp ServiceTier = "app"

	// RoleBackend processes start before frontends.
	RoleBackend ProcessRole = "backend"
	// RoleFrontend processes start last.
	RoleFrontend ProcessRole = "frontend"
)

var (
	// ErrInvalidEngineName is returned when an EngineName value is not recognized.
	ErrInvalidEngineName = errors.New("invalid engine name")
	// ErrInvalidBuildVariant is returned when a BuildVariant value is not recognized.
	ErrInvalidBuildVariant = errors.New("invalid build variant")
	// ErrInvalidServiceTier is returned when a ServiceTier value is not recognized.
	ErrInvalidServiceTier = errors.New("invalid service tier")
	// ErrInvalidProcessRole is returned when a ProcessRole value is not recognized.
	ErrInvalidProcessRole = errors.New("invalid process role")
	// ErrInvalidConfig is the sentinel wrapped by InvalidConfigError.
	ErrInvalidConfig = errors.New("invalid config")
)

type (
	// EngineName selects a container engine.
	EngineName string

	// InvalidEngineNameError wraps ErrInvalidEngineName.
	InvalidEngineNameError struct {
		Value EngineName
	}

	// BuildVariant selects which image variant set is built.
	BuildVariant string

	// InvalidBuildVariantError wraps ErrInvalidBuildVariant.
	InvalidBuildVariantError struct {
		Value BuildVariant
	}

	// ServiceTier groups services by start order.
	ServiceTier string

	// InvalidServiceTierError wraps ErrInvalidServiceTier.
	InvalidServiceTierError struct {
		Value ServiceTier
	}

	// ProcessRole groups supervised processes by start order.
	ProcessRole string

	// InvalidProcessRoleError wraps ErrInvalidProcessRole.
	InvalidProcessRoleError struct {
		Value ProcessRole
	}

	// Duration is a time.Duration written as a Go duration string ("5s") in
	// list entries, which are decoded straight from CUE rather than through viper.
	Duration time.Duration

	// InvalidConfigError collects cross-field problems CUE cannot express.
	InvalidConfigError struct {
		Problems []string
	}

	// Config is the full devup configuration.
	Config struct {
		Project   string          `json:"project" mapstructure:"project"`
		Network   string          `json:"network" mapstructure:"network"`
		Engine    EngineConfig    `json:"engine" mapstructure:"engine"`
		Build     BuildConfig     `json:"build" mapstructure:"build"`
		Services  []ServiceConfig `json:"services" mapstructure:"-"`
		Processes []ProcessConfig `json:"processes" mapstructure:"-"`
		Ports     PortsConfig     `json:"ports" mapstructure:"ports"`
		Health    HealthConfig    `json:"health" mapstructure:"health"`
		Shutdown  ShutdownConfig  `json:"shutdown" mapstructure:"shutdown"`
		UI        UIConfig        `json:"ui" mapstructure:"ui"`
	}

	// EngineConfig controls engine detection and installation.
	EngineConfig struct {
		Preferred EngineName `json:"preferred" mapstructure:"preferred"`
		// BundledPath points at an engine binary shipped next to devup. Empty disables the bundled tier.
		BundledPath string `json:"bundled_path" mapstructure:"bundled_path"`
		AutoInstall bool   `json:"auto_install" mapstructure:"auto_install"`
		UseCompose  bool   `json:"use_compose" mapstructure:"use_compose"`
		// APIStatus enables Docker Engine API inspection when the engine is Docker.
		APIStatus bool `json:"api_status" mapstructure:"api_status"`
	}

	BuildConfig struct {
		Variant BuildVariant  `json:"variant" mapstructure:"variant"`
		Images  []ImageConfig `json:"images" mapstructure:"-"`
	}

	// ImageConfig describes one locally built image.
	ImageConfig struct {
		Tag        string `json:"tag"`
		Context    string `json:"context"`
		Dockerfile string `json:"dockerfile"`
		// Prerequisites are build artifacts, relative to Context, that must exist before building.
		Prerequisites []string                 `json:"prerequisites"`
		BuildArgs     map[string]string        `json:"build_args"`
		Variants      map[string]VariantConfig `json:"variants"`
	}

	// VariantConfig overrides ImageConfig fields for one BuildVariant.
	VariantConfig struct {
		Dockerfile string            `json:"dockerfile"`
		TagSuffix  string            `json:"tag_suffix"`
		BuildArgs  map[string]string `json:"build_args"`
	}

	// ServiceConfig describes a service container.
	ServiceConfig struct {
		Name         string            `json:"name"`
		Image        string            `json:"image"`
		Tier         ServiceTier       `json:"tier"`
		Ports        []PortConfig      `json:"ports"`
		Volumes      []VolumeConfig    `json:"volumes"`
		Env          map[string]string `json:"env"`
		DependsOn    []string          `json:"depends_on"`
		Command      []string          `json:"command"`
		StartTimeout Duration          `json:"start_timeout"`
	}

	// PortConfig maps a host port to a container port. A zero Container means "same as Host".
	PortConfig struct {
		Host      int `json:"host"`
		Container int `json:"container"`
	}

	VolumeConfig struct {
		Host      string `json:"host"`
		Container string `json:"container"`
		ReadOnly  bool   `json:"read_only"`
	}

	// ProcessConfig describes a supervised host process.
	ProcessConfig struct {
		Name string `json:"name"`
		// Command is split with shell-word rules; $VARS expand against the process environment.
		Command       string              `json:"command"`
		Dir           string              `json:"dir"`
		Env           map[string]string   `json:"env"`
		Port          int                 `json:"port"`
		Role          ProcessRole         `json:"role"`
		ReadyPattern  string              `json:"ready_pattern"`
		ReadyTimeout  Duration            `json:"ready_timeout"`
		RequireMarker bool                `json:"require_marker"`
		Health        ProcessHealthConfig `json:"health"`
		// Watch holds doublestar globs, relative to Dir, whose changes restart the process.
		Watch []string `json:"watch"`
	}

	ProcessHealthConfig struct {
		Endpoint string `json:"endpoint"`
		Marker   string `json:"marker"`
	}

	PortsConfig struct {
		SearchWindow int  `json:"search_window" mapstructure:"search_window"`
		AllowReclaim bool `json:"allow_reclaim" mapstructure:"allow_reclaim"`
	}

	HealthConfig struct {
		Interval         time.Duration `json:"interval" mapstructure:"interval"`
		Timeout          time.Duration `json:"timeout" mapstructure:"timeout"`
		StartupTimeout   time.Duration `json:"startup_timeout" mapstructure:"startup_timeout"`
		FailureThreshold int           `json:"failure_threshold" mapstructure:"failure_threshold"`
	}

	ShutdownConfig struct {
		GracePeriod time.Duration `json:"grace_period" mapstructure:"grace_period"`
		KillTimeout time.Duration `json:"kill_timeout" mapstructure:"kill_timeout"`
	}

	UIConfig struct {
		Verbose  bool   `json:"verbose" mapstructure:"verbose"`
		LogLevel string `json:"log_level" mapstructure:"log_level"`
	}
)

func (e *InvalidEngineNameError) Error() string {
	return fmt.Sprintf("invalid engine name %q (valid: auto, podman, docker)", e.Value)
}

func (e *InvalidEngineNameError) Unwrap() error { return ErrInvalidEngineName }

// Validate returns nil for auto, podman and docker.
func (n EngineName) Validate() error {
	switch n {
	case EngineAuto, EnginePodman, EngineDocker:
		return nil
	default:
		return &InvalidEngineNameError{Value: n}
	}
}

func (n EngineName) String() string { return string(n) }

func (e *InvalidBuildVariantError) Error() string {
	return fmt.Sprintf("invalid build variant %q (valid: lite, full)", e.Value)
}

func (e *InvalidBuildVariantError) Unwrap() error { return ErrInvalidBuildVariant }

func (v BuildVariant) Validate() error {
	switch v {
	case VariantLite, VariantFull:
		return nil
	default:
		return &InvalidBuildVariantError{Value: v}
	}
}

func (v BuildVariant) String() string { return string(v) }

func (e *InvalidServiceTierError) Error() string {
	return fmt.Sprintf("invalid service tier %q (valid: data, app)", e.Value)
}

func (e *InvalidServiceTierError) Unwrap() error { return ErrInvalidServiceTier }

// Validate accepts the empty tier, which is treated as TierApp.
func (t ServiceTier) Validate() error {
	switch t {
	case "", TierData, TierApp:
		return nil
	default:
		return &InvalidServiceTierError{Value: t}
	}
}

func (e *InvalidProcessRoleError) Error() string {
	return fmt.Sprintf("invalid process role %q (valid: backend, frontend)", e.Value)
}

func (e *InvalidProcessRoleError) Unwrap() error { return ErrInvalidProcessRole }

// Validate accepts the empty role, which is treated as RoleBackend.
func (r ProcessRole) Validate() error {
	switch r {
	case "", RoleBackend, RoleFrontend:
		return nil
	default:
		return &InvalidProcessRoleError{Value: r}
	}
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (e *InvalidConfigError) Error() string {
	return "invalid configuration:\n  " + strings.Join(e.Problems, "\n  ")
}

func (e *InvalidConfigError) Unwrap() error { return ErrInvalidConfig }

// ContainerPort returns the container side of the mapping.
func (p PortConfig) ContainerPort() int {
	if p.Container == 0 {
		return p.Host
	}
	return p.Container
}

// EffectiveTier returns TierApp for an unset tier.
func (s ServiceConfig) EffectiveTier() ServiceTier {
	if s.Tier == "" {
		return TierApp
	}
	return s.Tier
}

// EffectiveRole returns RoleBackend for an unset role.
func (p ProcessConfig) EffectiveRole() ProcessRole {
	if p.Role == "" {
		return RoleBackend
	}
	return p.Role
}

// Validate checks cross-field constraints: unique names, resolvable
// depends_on edges and enum values. All problems are reported together.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if err := c.Engine.Preferred.Validate(); err != nil {
		add("engine.preferred: %v", err)
	}
	if err := c.Build.Variant.Validate(); err != nil {
		add("build.variant: %v", err)
	}

	names := make(map[string]string)
	for i, s := range c.Services {
		if prev, ok := names[s.Name]; ok {
			add("services[%d]: name %q already used by %s", i, s.Name, prev)
		}
		names[s.Name] = fmt.Sprintf("services[%d]", i)
		if err := s.Tier.Validate(); err != nil {
			add("services[%d].tier: %v", i, err)
		}
	}
	for i, s := range c.Services {
		for _, dep := range s.DependsOn {
			if _, ok := names[dep]; !ok || dep == s.Name {
				add("services[%d].depends_on: unknown service %q", i, dep)
			}
		}
	}
	for i, p := range c.Processes {
		if prev, ok := names[p.Name]; ok {
			add("processes[%d]: name %q already used by %s", i, p.Name, prev)
		}
		names[p.Name] = fmt.Sprintf("processes[%d]", i)
		if err := p.Role.Validate(); err != nil {
			add("processes[%d].role: %v", i, err)
		}
		if p.RequireMarker && p.ReadyPattern == "" {
			add("processes[%d]: require_marker needs ready_pattern", i)
		}
	}

	if len(problems) > 0 {
		return &InvalidConfigError{Problems: problems}
	}
	return nil
}
