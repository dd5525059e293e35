package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Scan walks pluginsDir's immediate children for installed plugins with a
// manifest.yaml and validates them. Invalid plugins are reported through
// warn and skipped; they are never fatal for the scan.
func Scan(pluginsDir string, warn func(msg string, args ...any)) ([]*Installed, error) {
	if warn == nil {
		warn = func(string, ...any) {}
	}

	absDir, err := filepath.Abs(pluginsDir)
	if err != nil {
		return nil, fmt.Errorf("resolve plugins dir %q: %w", pluginsDir, err)
	}
	entries, err := os.ReadDir(absDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read plugins dir %s: %w", absDir, err)
	}

	var out []*Installed
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(absDir, entry.Name())
		inst, err := Load(dir)
		if err != nil {
			if os.IsNotExist(err) {
				// A directory without a manifest is not a plugin.
				continue
			}
			warn("skipping invalid plugin", "path", dir, "error", err.Error())
			continue
		}
		out = append(out, inst)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Load reads and validates a single installed plugin directory.
func Load(dir string) (*Installed, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFilename))
	if err != nil {
		return nil, err
	}

	m, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	entrypoint, err := validateTrust(filepath.Join(dir, m.Entrypoint), dir)
	if err != nil {
		return nil, fmt.Errorf("trust validation failed: %w", err)
	}

	return &Installed{
		Manifest:       *m,
		Path:           dir,
		EntrypointPath: entrypoint,
	}, nil
}

// validateTrust enforces that the entrypoint resolves inside the plugin
// directory, is executable, and that the plugin directory is not
// world-writable. Returns the resolved entrypoint path.
func validateTrust(entrypointPath, pluginDir string) (string, error) {
	resolvedEntrypoint, err := filepath.EvalSymlinks(entrypointPath)
	if err != nil {
		return "", fmt.Errorf("resolve entrypoint symlink: %w", err)
	}
	resolvedDir, err := filepath.EvalSymlinks(pluginDir)
	if err != nil {
		return "", fmt.Errorf("resolve plugin dir symlink: %w", err)
	}

	if !strings.HasPrefix(resolvedEntrypoint, resolvedDir+string(os.PathSeparator)) {
		return "", fmt.Errorf("entrypoint %s is not under plugin directory %s", resolvedEntrypoint, resolvedDir)
	}

	info, err := os.Stat(resolvedEntrypoint)
	if err != nil {
		return "", fmt.Errorf("entrypoint not found: %w", err)
	}
	if info.Mode()&0111 == 0 {
		return "", fmt.Errorf("entrypoint is not executable: %s", resolvedEntrypoint)
	}

	dirInfo, err := os.Stat(resolvedDir)
	if err != nil {
		return "", fmt.Errorf("plugin directory not found: %w", err)
	}
	if dirInfo.Mode().Perm()&0002 != 0 {
		return "", fmt.Errorf("plugin directory is world-writable: %s", resolvedDir)
	}

	return resolvedEntrypoint, nil
}
