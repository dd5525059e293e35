package config

import "time"

// Config represents the complete pluginmgr configuration.
type Config struct {
	Service    ServiceConfig    `yaml:"service"`
	State      StateConfig      `yaml:"state"`
	API        APIConfig        `yaml:"api,omitempty"`
	PluginsDir string           `yaml:"plugins_dir"`
	Catalog    CatalogConfig    `yaml:"catalog"`
	Ports      PortsConfig      `yaml:"ports"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// StateConfig defines where the registry database lives.
type StateConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines the host-facing HTTP adapter settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// CatalogConfig points at the external plugin catalog.
type CatalogConfig struct {
	Path string `yaml:"path"`
	// WatchPluginsDir enables the fsnotify-driven auto refresh of the
	// plugins directory.
	WatchPluginsDir bool          `yaml:"watch_plugins_dir"`
	WatchDebounce   time.Duration `yaml:"watch_debounce,omitempty"`
}

// PortsConfig defines the local port range leased to plugin services.
type PortsConfig struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

// SupervisorConfig defines spawn/terminate timing for plugin services.
type SupervisorConfig struct {
	// HealthTimeout bounds the post-spawn readiness probe.
	HealthTimeout time.Duration `yaml:"health_timeout"`
	// HealthInterval is the initial interval between readiness probes.
	HealthInterval time.Duration `yaml:"health_interval"`
	// GracePeriod is the time allowed between SIGTERM and SIGKILL.
	GracePeriod time.Duration `yaml:"grace_period"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "pluginmgr",
			LogLevel:  "INFO",
			LogFormat: "json",
		},
		State: StateConfig{
			Path: "./data/pluginmgr.db",
		},
		API: APIConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8686",
		},
		PluginsDir: "./plugins",
		Catalog: CatalogConfig{
			Path:          "./catalog.yaml",
			WatchDebounce: 500 * time.Millisecond,
		},
		Ports: PortsConfig{
			Min: 42000,
			Max: 42999,
		},
		Supervisor: SupervisorConfig{
			HealthTimeout:  15 * time.Second,
			HealthInterval: 50 * time.Millisecond,
			GracePeriod:    5 * time.Second,
		},
	}
}
