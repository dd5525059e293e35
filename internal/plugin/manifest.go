package plugin

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const ManifestFilename = "manifest.yaml"

// Manifest defines the structure of an installed plugin's manifest.yaml.
type Manifest struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Description string `yaml:"description,omitempty"`
	// Entrypoint is the service executable, relative to the plugin directory.
	// It is launched with the assigned port and must start listening on it.
	Entrypoint string `yaml:"entrypoint"`
}

// ParseManifest decodes and validates manifest bytes.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest YAML: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks required manifest fields.
func (m *Manifest) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return fmt.Errorf("id is required")
	}
	if m.Entrypoint == "" {
		return fmt.Errorf("entrypoint is required")
	}
	if strings.Contains(m.Entrypoint, "..") {
		return fmt.Errorf("entrypoint contains path traversal: %s", m.Entrypoint)
	}
	return nil
}

// Marshal renders the manifest for placement by the installer.
func (m *Manifest) Marshal() ([]byte, error) {
	return yaml.Marshal(m)
}

// Installed represents a validated plugin present on disk.
type Installed struct {
	Manifest
	// Path is the absolute plugin directory.
	Path string
	// EntrypointPath is the absolute, symlink-resolved executable path.
	EntrypointPath string
}
