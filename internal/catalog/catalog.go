// Package catalog reads the external source-of-truth listing of plugins
// that the registry is reconciled against.
package catalog

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Entry describes one plugin offered by the catalog.
type Entry struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Description string `yaml:"description,omitempty"`
	// Artifact is the path to the plugin's distributable directory.
	Artifact string `yaml:"artifact"`
	// Checksum is the hex BLAKE3 hash of the artifact's entrypoint.
	Checksum string `yaml:"checksum,omitempty"`
	// Entrypoint is the executable, relative to the artifact root.
	Entrypoint string `yaml:"entrypoint"`
}

// Catalog lists known plugin entries.
type Catalog interface {
	List(ctx context.Context) ([]Entry, error)
}

type fileDoc struct {
	Version int     `yaml:"version"`
	Plugins []Entry `yaml:"plugins"`
}

// File is a YAML file backed Catalog.
type File struct {
	Path string
}

// NewFile creates a Catalog reading from the YAML file at path.
func NewFile(path string) *File {
	return &File{Path: path}
}

// List parses the catalog file. A missing file is an empty catalog;
// a malformed file or invalid entry is an error.
func (f *File) List(_ context.Context) ([]Entry, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read catalog: %w", err)
	}

	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog YAML: %w", err)
	}

	seen := make(map[string]struct{}, len(doc.Plugins))
	for i := range doc.Plugins {
		e := &doc.Plugins[i]
		e.ID = strings.TrimSpace(e.ID)
		if e.ID == "" {
			return nil, fmt.Errorf("catalog entry %d: id is required", i)
		}
		if _, dup := seen[e.ID]; dup {
			return nil, fmt.Errorf("catalog entry %q: duplicate id", e.ID)
		}
		seen[e.ID] = struct{}{}
		if e.Entrypoint != "" && strings.Contains(e.Entrypoint, "..") {
			return nil, fmt.Errorf("catalog entry %q: entrypoint contains path traversal", e.ID)
		}
	}
	return doc.Plugins, nil
}
