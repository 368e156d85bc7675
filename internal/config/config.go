// SPDX-License-Identifier: MPL-2.0

package config

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/invowk/devup/internal/issue"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/spf13/viper"
)

const (
	// AppName is the application name.
	AppName = "devup"
	// ProjectFileName is the per-project config file looked up in the working directory.
	ProjectFileName = "devup.cue"
	// ConfigFileName is the user-level config file inside ConfigDir.
	ConfigFileName = "config.cue"

	// maxConfigFileSize caps config files before they reach the CUE compiler.
	maxConfigFileSize = 1 << 20
)

//go:embed config_schema.cue
var configSchema string

// ConfigDir returns the devup configuration directory: %APPDATA%\devup on
// Windows, ~/Library/Application Support/devup on macOS and
// $XDG_CONFIG_HOME/devup (default ~/.config/devup) elsewhere.
//
//nolint:revive // ConfigDir reads better than Dir at call sites
func ConfigDir() (string, error) {
	if configDirOverride != "" {
		return configDirOverride, nil
	}

	var base string
	switch runtime.GOOS {
	case "windows":
		base = os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		base = filepath.Join(home, "Library", "Application Support")
	default:
		base = os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("failed to get home directory: %w", err)
			}
			base = filepath.Join(home, ".config")
		}
	}

	return filepath.Join(base, AppName), nil
}

// loadWithOptions resolves the config file, validates it against the
// embedded schema and merges it over the defaults. It returns the path that
// was loaded, or "" when running on defaults.
func loadWithOptions(ctx context.Context, opts LoadOptions) (*Config, string, error) {
	select {
	case <-ctx.Done():
		return nil, "", fmt.Errorf("load config canceled: %w", ctx.Err())
	default:
	}

	v := viper.New()
	setDefaults(v, DefaultConfig())

	path, err := resolveConfigPath(opts)
	if err != nil {
		return nil, "", err
	}

	var lists *listSections
	if path != "" {
		lists, err = loadCUEIntoViper(v, path)
		if err != nil {
			return nil, "", issue.NewErrorContext().
				WithOperation("load configuration").
				WithResource(path).
				WithSuggestion("Check that the file contains valid CUE syntax").
				WithSuggestion("Run 'devup config init' in an empty directory to see a working example").
				WithIssue(issue.ConfigLoadFailedId).
				Wrap(err).
				BuildError()
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, "", fmt.Errorf("failed to parse config: %w", err)
	}
	if lists != nil {
		cfg.Services = lists.Services
		cfg.Processes = lists.Processes
		cfg.Build.Images = lists.Images
	}

	baseDir := opts.WorkDir
	if path != "" {
		baseDir = filepath.Dir(path)
	}
	if baseDir == "" {
		if baseDir, err = os.Getwd(); err != nil {
			return nil, "", fmt.Errorf("failed to get working directory: %w", err)
		}
	}
	cfg.resolvePaths(baseDir)

	if err := cfg.Validate(); err != nil {
		return nil, "", issue.NewErrorContext().
			WithOperation("validate configuration").
			WithResource(path).
			WithSuggestion("Fix the entries listed above").
			WithIssue(issue.ConfigLoadFailedId).
			Wrap(err).
			BuildError()
	}

	return &cfg, path, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("project", d.Project)
	v.SetDefault("network", d.Network)
	v.SetDefault("engine.preferred", d.Engine.Preferred)
	v.SetDefault("engine.bundled_path", d.Engine.BundledPath)
	v.SetDefault("engine.auto_install", d.Engine.AutoInstall)
	v.SetDefault("engine.use_compose", d.Engine.UseCompose)
	v.SetDefault("engine.api_status", d.Engine.APIStatus)
	v.SetDefault("build.variant", d.Build.Variant)
	v.SetDefault("ports.search_window", d.Ports.SearchWindow)
	v.SetDefault("ports.allow_reclaim", d.Ports.AllowReclaim)
	v.SetDefault("health.interval", d.Health.Interval)
	v.SetDefault("health.timeout", d.Health.Timeout)
	v.SetDefault("health.startup_timeout", d.Health.StartupTimeout)
	v.SetDefault("health.failure_threshold", d.Health.FailureThreshold)
	v.SetDefault("shutdown.grace_period", d.Shutdown.GracePeriod)
	v.SetDefault("shutdown.kill_timeout", d.Shutdown.KillTimeout)
	v.SetDefault("ui.verbose", d.UI.Verbose)
	v.SetDefault("ui.log_level", d.UI.LogLevel)
}

// resolveConfigPath applies the lookup order: explicit file, ./devup.cue,
// then the user config directory. A missing explicit file is an error; the
// others are optional.
func resolveConfigPath(opts LoadOptions) (string, error) {
	if opts.ConfigFilePath != "" {
		if !fileExists(opts.ConfigFilePath) {
			return "", issue.NewErrorContext().
				WithOperation("load configuration").
				WithResource(opts.ConfigFilePath).
				WithSuggestion("Verify the file path is correct").
				WithSuggestion("Use 'devup config show' to see the default configuration").
				WithIssue(issue.ConfigLoadFailedId).
				Wrap(fmt.Errorf("config file not found: %s", opts.ConfigFilePath)).
				BuildError()
		}
		return opts.ConfigFilePath, nil
	}

	local := ProjectFileName
	if opts.WorkDir != "" {
		local = filepath.Join(opts.WorkDir, ProjectFileName)
	}
	if fileExists(local) {
		return local, nil
	}

	cfgDir := opts.ConfigDirPath
	if cfgDir == "" {
		var err error
		if cfgDir, err = ConfigDir(); err != nil {
			return "", err
		}
	}
	if user := filepath.Join(cfgDir, ConfigFileName); fileExists(user) {
		return user, nil
	}
	return "", nil
}

// listSections holds the list-valued sections. They are decoded directly
// from CUE because viper lower-cases map keys, which would corrupt env maps.
type listSections struct {
	Services  []ServiceConfig `json:"services"`
	Processes []ProcessConfig `json:"processes"`
	Images    []ImageConfig   `json:"images"`
}

// loadCUEIntoViper compiles path, unifies it with the #Config schema and
// merges the scalar sections into v. List sections are returned separately.
func loadCUEIntoViper(v *viper.Viper, path string) (*listSections, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := CheckFileSize(data, maxConfigFileSize, path); err != nil {
		return nil, err
	}

	cctx := cuecontext.New()
	schemaValue := cctx.CompileString(configSchema)
	if schemaValue.Err() != nil {
		return nil, fmt.Errorf("internal error: failed to compile config schema: %w", schemaValue.Err())
	}

	userValue := cctx.CompileBytes(data, cue.Filename(path))
	if userValue.Err() != nil {
		return nil, FormatError(userValue.Err(), path)
	}

	unified := schemaValue.LookupPath(cue.ParsePath("#Config")).Unify(userValue)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, FormatError(err, path)
	}

	var configMap map[string]any
	if err := unified.Decode(&configMap); err != nil {
		return nil, FormatError(err, path)
	}

	lists := &listSections{}
	for _, sec := range []struct {
		path string
		dst  any
	}{
		{"services", &lists.Services},
		{"processes", &lists.Processes},
		{"build.images", &lists.Images},
	} {
		val := unified.LookupPath(cue.ParsePath(sec.path))
		if !val.Exists() {
			continue
		}
		if err := val.Decode(sec.dst); err != nil {
			return nil, FormatError(err, path)
		}
	}
	delete(configMap, "services")
	delete(configMap, "processes")
	if build, ok := configMap["build"].(map[string]any); ok {
		delete(build, "images")
	}

	if err := v.MergeConfigMap(configMap); err != nil {
		return nil, fmt.Errorf("failed to merge config: %w", err)
	}
	return lists, nil
}

// resolvePaths makes relative build contexts, volume sources and process
// working directories relative to baseDir.
func (c *Config) resolvePaths(baseDir string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(baseDir, p)
	}
	for i := range c.Build.Images {
		img := &c.Build.Images[i]
		if img.Context == "" {
			img.Context = "."
		}
		img.Context = abs(img.Context)
		if img.Dockerfile == "" {
			img.Dockerfile = "Dockerfile"
		}
	}
	for i := range c.Services {
		for j := range c.Services[i].Volumes {
			vol := &c.Services[i].Volumes[j]
			// Named volumes have no path separator and are passed through.
			if strings.ContainsAny(vol.Host, `/\`) || strings.HasPrefix(vol.Host, ".") {
				vol.Host = abs(vol.Host)
			}
		}
	}
	for i := range c.Processes {
		p := &c.Processes[i]
		if p.Dir == "" {
			p.Dir = baseDir
		} else {
			p.Dir = abs(p.Dir)
		}
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// CreateDefaultConfig writes a commented sample devup.cue into dir unless
// one already exists. It returns the written path.
func CreateDefaultConfig(dir string) (string, error) {
	path := filepath.Join(dir, ProjectFileName)
	if fileExists(path) {
		return path, fmt.Errorf("%s already exists", path)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(GenerateCUE(SampleConfig())), 0o644); err != nil {
		return "", fmt.Errorf("failed to write config file: %w", err)
	}
	return path, nil
}

// GenerateCUE renders cfg as a devup.cue document accepted by the schema.
func GenerateCUE(cfg *Config) string {
	var sb strings.Builder
	w := func(indent int, format string, args ...any) {
		sb.WriteString(strings.Repeat("\t", indent))
		fmt.Fprintf(&sb, format, args...)
		sb.WriteString("\n")
	}

	w(0, "// devup configuration")
	w(0, "")
	w(0, "project: %q", cfg.Project)
	w(0, "network: %q", cfg.Network)

	w(0, "")
	w(0, "engine: {")
	w(1, "preferred:    %q", cfg.Engine.Preferred)
	if cfg.Engine.BundledPath != "" {
		w(1, "bundled_path: %q", cfg.Engine.BundledPath)
	}
	w(1, "auto_install: %v", cfg.Engine.AutoInstall)
	w(1, "use_compose:  %v", cfg.Engine.UseCompose)
	w(1, "api_status:   %v", cfg.Engine.APIStatus)
	w(0, "}")

	w(0, "")
	w(0, "build: {")
	w(1, "variant: %q", cfg.Build.Variant)
	if len(cfg.Build.Images) > 0 {
		w(1, "images: [")
		for _, img := range cfg.Build.Images {
			w(2, "{")
			w(3, "tag:        %q", img.Tag)
			w(3, "context:    %q", img.Context)
			w(3, "dockerfile: %q", img.Dockerfile)
			if len(img.Prerequisites) > 0 {
				w(3, "prerequisites: [%s]", quoteList(img.Prerequisites))
			}
			if len(img.BuildArgs) > 0 {
				w(3, "build_args: {%s}", quoteMap(img.BuildArgs))
			}
			for _, name := range sortedKeys(img.Variants) {
				vc := img.Variants[name]
				w(3, "variants: %q: {", name)
				if vc.Dockerfile != "" {
					w(4, "dockerfile: %q", vc.Dockerfile)
				}
				if vc.TagSuffix != "" {
					w(4, "tag_suffix: %q", vc.TagSuffix)
				}
				if len(vc.BuildArgs) > 0 {
					w(4, "build_args: {%s}", quoteMap(vc.BuildArgs))
				}
				w(3, "}")
			}
			w(2, "},")
		}
		w(1, "]")
	}
	w(0, "}")

	if len(cfg.Services) > 0 {
		w(0, "")
		w(0, "services: [")
		for _, s := range cfg.Services {
			w(1, "{")
			w(2, "name:  %q", s.Name)
			w(2, "image: %q", s.Image)
			w(2, "tier:  %q", s.EffectiveTier())
			if len(s.Ports) > 0 {
				ports := make([]string, 0, len(s.Ports))
				for _, p := range s.Ports {
					ports = append(ports, fmt.Sprintf("{host: %d, container: %d}", p.Host, p.ContainerPort()))
				}
				w(2, "ports: [%s]", strings.Join(ports, ", "))
			}
			if len(s.Volumes) > 0 {
				vols := make([]string, 0, len(s.Volumes))
				for _, vol := range s.Volumes {
					if vol.ReadOnly {
						vols = append(vols, fmt.Sprintf("{host: %q, container: %q, read_only: true}", vol.Host, vol.Container))
					} else {
						vols = append(vols, fmt.Sprintf("{host: %q, container: %q}", vol.Host, vol.Container))
					}
				}
				w(2, "volumes: [%s]", strings.Join(vols, ", "))
			}
			if len(s.Env) > 0 {
				w(2, "env: {%s}", quoteMap(s.Env))
			}
			if len(s.DependsOn) > 0 {
				w(2, "depends_on: [%s]", quoteList(s.DependsOn))
			}
			if len(s.Command) > 0 {
				w(2, "command: [%s]", quoteList(s.Command))
			}
			if s.StartTimeout > 0 {
				w(2, "start_timeout: %q", s.StartTimeout.Std().String())
			}
			w(1, "},")
		}
		w(0, "]")
	}

	if len(cfg.Processes) > 0 {
		w(0, "")
		w(0, "processes: [")
		for _, p := range cfg.Processes {
			w(1, "{")
			w(2, "name:    %q", p.Name)
			w(2, "command: %q", p.Command)
			w(2, "role:    %q", p.EffectiveRole())
			if p.Dir != "" {
				w(2, "dir:     %q", p.Dir)
			}
			if p.Port > 0 {
				w(2, "port:    %d", p.Port)
			}
			if len(p.Env) > 0 {
				w(2, "env: {%s}", quoteMap(p.Env))
			}
			if p.ReadyPattern != "" {
				w(2, "ready_pattern:  %q", p.ReadyPattern)
			}
			if p.ReadyTimeout > 0 {
				w(2, "ready_timeout:  %q", p.ReadyTimeout.Std().String())
			}
			if p.RequireMarker {
				w(2, "require_marker: true")
			}
			if p.Health.Endpoint != "" {
				if p.Health.Marker != "" {
					w(2, "health: {endpoint: %q, marker: %q}", p.Health.Endpoint, p.Health.Marker)
				} else {
					w(2, "health: {endpoint: %q}", p.Health.Endpoint)
				}
			}
			if len(p.Watch) > 0 {
				w(2, "watch: [%s]", quoteList(p.Watch))
			}
			w(1, "},")
		}
		w(0, "]")
	}

	w(0, "")
	w(0, "ports: {")
	w(1, "search_window: %d", cfg.Ports.SearchWindow)
	w(1, "allow_reclaim: %v", cfg.Ports.AllowReclaim)
	w(0, "}")

	w(0, "")
	w(0, "health: {")
	w(1, "interval:          %q", cfg.Health.Interval.String())
	w(1, "timeout:           %q", cfg.Health.Timeout.String())
	w(1, "startup_timeout:   %q", cfg.Health.StartupTimeout.String())
	w(1, "failure_threshold: %d", cfg.Health.FailureThreshold)
	w(0, "}")

	w(0, "")
	w(0, "shutdown: {")
	w(1, "grace_period: %q", cfg.Shutdown.GracePeriod.String())
	w(1, "kill_timeout: %q", cfg.Shutdown.KillTimeout.String())
	w(0, "}")

	w(0, "")
	w(0, "ui: {")
	w(1, "verbose:   %v", cfg.UI.Verbose)
	w(1, "log_level: %q", cfg.UI.LogLevel)
	w(0, "}")

	return sb.String()
}

func quoteList(items []string) string {
	quoted := make([]string, len(items))
	for i, s := range items {
		quoted[i] = fmt.Sprintf("%q", s)
	}
	return strings.Join(quoted, ", ")
}

func quoteMap(m map[string]string) string {
	keys := sortedKeys(m)
	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = fmt.Sprintf("%q: %q", k, m[k])
	}
	return strings.Join(pairs, ", ")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// DefaultConfig returns the built-in defaults. It declares no images,
// services or processes; those come from the project's devup.cue.
func DefaultConfig() *Config {
	return &Config{
		Project: AppName,
		Network: AppName,
		Engine: EngineConfig{
			Preferred:   EngineAuto,
			AutoInstall: true,
			UseCompose:  true,
			APIStatus:   true,
		},
		Build: BuildConfig{Variant: VariantLite},
		Ports: PortsConfig{
			SearchWindow: 20,
			AllowReclaim: true,
		},
		Health: HealthConfig{
			Interval:         10 * time.Second,
			Timeout:          3 * time.Second,
			StartupTimeout:   60 * time.Second,
			FailureThreshold: 3,
		},
		Shutdown: ShutdownConfig{
			GracePeriod: 5 * time.Second,
			KillTimeout: 2 * time.Second,
		},
		UI: UIConfig{LogLevel: "info"},
	}
}

// SampleConfig is DefaultConfig plus a representative agent-app stack:
// a Postgres data store, a local model runtime, the backend API and the
// web frontend. It is what `devup config init` writes.
func SampleConfig() *Config {
	cfg := DefaultConfig()
	cfg.Project = "agent-app"
	cfg.Network = "agent-app"
	cfg.Build.Images = []ImageConfig{{
		Tag:           "agent-app/runtime:dev",
		Context:       ".",
		Dockerfile:    "Dockerfile",
		Prerequisites: []string{"dist"},
		Variants: map[string]VariantConfig{
			string(VariantFull): {Dockerfile: "Dockerfile.full", TagSuffix: "-full", BuildArgs: map[string]string{"WITH_GPU": "1"}},
		},
	}}
	cfg.Services = []ServiceConfig{
		{
			Name:    "db",
			Image:   "docker.io/library/postgres:16",
			Tier:    TierData,
			Ports:   []PortConfig{{Host: 5432, Container: 5432}},
			Volumes: []VolumeConfig{{Host: "agent-app-db", Container: "/var/lib/postgresql/data"}},
			Env:     map[string]string{"POSTGRES_PASSWORD": "dev", "POSTGRES_DB": "agent"},
		},
		{
			Name:      "models",
			Image:     "docker.io/ollama/ollama:latest",
			Tier:      TierData,
			Ports:     []PortConfig{{Host: 11434, Container: 11434}},
			Volumes:   []VolumeConfig{{Host: "agent-app-models", Container: "/root/.ollama"}},
			DependsOn: []string{"db"},
		},
	}
	cfg.Processes = []ProcessConfig{
		{
			Name:          "backend",
			Command:       "npm run dev:server",
			Port:          8000,
			Role:          RoleBackend,
			ReadyPattern:  "server listening",
			ReadyTimeout:  Duration(30 * time.Second),
			RequireMarker: true,
			Health:        ProcessHealthConfig{Endpoint: "http://localhost:${PORT}/health", Marker: "ok"},
			Watch:         []string{"src/server/**/*.ts"},
		},
		{
			Name:         "frontend",
			Command:      "npm run dev:web -- --port $PORT",
			Port:         5173,
			Role:         RoleFrontend,
			ReadyPattern: "ready in",
			ReadyTimeout: Duration(20 * time.Second),
		},
	}
	return cfg
}
