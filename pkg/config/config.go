// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the configuration file detourgen looks for.
const FileName = "detourgen.yaml"

// Config is the top-level configuration for detourgen.
type Config struct {
	LogLevel      string            `yaml:"log_level" env:"DETOURGEN_LOG_LEVEL"`
	RuntimeImport string            `yaml:"runtime_import" env:"DETOURGEN_RUNTIME_IMPORT"`
	Packages      []PackageConfig   `yaml:"packages"`
	Watch         WatchConfig       `yaml:"watch"`
	Diagnostics   DiagnosticsConfig `yaml:"diagnostics"`

	// dir is the directory of the loaded file. Package dirs are relative
	// to it.
	dir string
}

// PackageConfig is one declaration package to generate.
type PackageConfig struct {
	Dir    string `yaml:"dir"`
	Output string `yaml:"output"`
}

type WatchConfig struct {
	Debounce time.Duration `yaml:"debounce" env:"DETOURGEN_WATCH_DEBOUNCE"`
}

type DiagnosticsConfig struct {
	Color string `yaml:"color" env:"DETOURGEN_DIAGNOSTICS_COLOR"` // auto, always, never
}

// Load reads a config file, applies defaults, env overrides and
// validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.dir = filepath.Dir(path)

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// LoadOptional loads path if it exists and falls back to the defaults
// (with env overrides) if it does not.
func LoadOptional(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	cfg = DefaultConfig()
	cfg.dir = filepath.Dir(path)
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:      "info",
		RuntimeImport: "github.com/mbeema/detour/pkg/detour",
		Watch: WatchConfig{
			Debounce: 500 * time.Millisecond,
		},
		Diagnostics: DiagnosticsConfig{
			Color: "auto",
		},
		dir: ".",
	}
}

// PackageDirs returns the configured package directories resolved
// against the config file's directory, with their output file names.
func (c *Config) PackageDirs() []PackageConfig {
	out := make([]PackageConfig, 0, len(c.Packages))
	for _, p := range c.Packages {
		dir := p.Dir
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(c.dir, dir)
		}
		out = append(out, PackageConfig{Dir: dir, Output: p.Output})
	}
	return out
}

// ApplyEnvOverrides reads DETOURGEN_* environment variables and applies
// them to the config, overriding YAML values.
func (c *Config) ApplyEnvOverrides() {
	envOverrides := map[string]func(string){
		"DETOURGEN_LOG_LEVEL":         func(v string) { c.LogLevel = v },
		"DETOURGEN_RUNTIME_IMPORT":    func(v string) { c.RuntimeImport = v },
		"DETOURGEN_DIAGNOSTICS_COLOR": func(v string) { c.Diagnostics.Color = v },
	}

	durationOverrides := map[string]*time.Duration{
		"DETOURGEN_WATCH_DEBOUNCE": &c.Watch.Debounce,
	}

	for envKey, setter := range envOverrides {
		if val := os.Getenv(envKey); val != "" {
			setter(strings.TrimSpace(val))
		}
	}

	for envKey, target := range durationOverrides {
		if val := os.Getenv(envKey); val != "" {
			if d, err := time.ParseDuration(strings.TrimSpace(val)); err == nil {
				*target = d
			}
		}
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of debug, info, warn, error")
	}

	if c.RuntimeImport == "" {
		return fmt.Errorf("runtime_import is required")
	}

	for i, p := range c.Packages {
		if p.Dir == "" {
			return fmt.Errorf("packages[%d].dir is required", i)
		}
		if p.Output != "" && (!strings.HasSuffix(p.Output, ".go") || strings.ContainsAny(p.Output, `/\`)) {
			return fmt.Errorf("packages[%d].output must be a .go file name without directories", i)
		}
		if strings.HasSuffix(p.Output, "_test.go") {
			return fmt.Errorf("packages[%d].output must not be a test file", i)
		}
	}

	if c.Watch.Debounce < 10*time.Millisecond {
		return fmt.Errorf("watch.debounce must be at least 10ms")
	}

	switch c.Diagnostics.Color {
	case "auto", "always", "never":
	default:
		return fmt.Errorf("diagnostics.color must be 'auto', 'always' or 'never'")
	}

	return nil
}
