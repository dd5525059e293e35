package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Load reads a YAML configuration file, overlays it onto Defaults, and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	// Paths in the file are relative to the file's directory.
	base := filepath.Dir(path)
	cfg.State.Path = resolve(base, cfg.State.Path)
	cfg.PluginsDir = resolve(base, cfg.PluginsDir)
	cfg.Catalog.Path = resolve(base, cfg.Catalog.Path)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// Validate checks the configuration for values the manager cannot run with.
func (c *Config) Validate() error {
	if c.PluginsDir == "" {
		return fmt.Errorf("plugins_dir is required")
	}
	if c.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}
	if c.Ports.Min <= 0 || c.Ports.Max <= 0 {
		return fmt.Errorf("ports.min and ports.max must be positive")
	}
	if c.Ports.Min > c.Ports.Max {
		return fmt.Errorf("ports.min (%d) exceeds ports.max (%d)", c.Ports.Min, c.Ports.Max)
	}
	if c.Ports.Max > 65535 {
		return fmt.Errorf("ports.max (%d) exceeds 65535", c.Ports.Max)
	}
	if c.Supervisor.HealthTimeout <= 0 {
		return fmt.Errorf("supervisor.health_timeout must be positive")
	}
	if c.Supervisor.GracePeriod <= 0 {
		return fmt.Errorf("supervisor.grace_period must be positive")
	}
	if c.API.Enabled && c.API.Listen == "" {
		return fmt.Errorf("api.listen is required when api.enabled is true")
	}
	return nil
}
