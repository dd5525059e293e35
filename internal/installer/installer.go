// Package installer fetches and places plugin code for the lifecycle
// manager. Installation is staged: the artifact is copied next to its
// final location, verified, and only then moved into place so a failed
// install never leaves a half-written plugin directory.
package installer

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
	"github.com/zeebo/blake3"

	"github.com/soundshell/pluginmgr/internal/catalog"
	"github.com/soundshell/pluginmgr/internal/plugin"
)

// Sentinel causes for install failures, per the install backend contract.
var (
	// ErrFetch indicates the plugin artifact could not be read.
	ErrFetch = errors.New("installer: fetch failed")

	// ErrValidation indicates the artifact failed checksum or manifest validation.
	ErrValidation = errors.New("installer: validation failed")
)

// Installer places plugin code under a plugins directory.
type Installer interface {
	Install(ctx context.Context, entry catalog.Entry) error
	Uninstall(ctx context.Context, id string) error
}

// FS installs plugins by copying artifact directories from local paths.
type FS struct {
	PluginsDir string
}

// NewFS creates an Installer rooted at pluginsDir.
func NewFS(pluginsDir string) *FS {
	return &FS{PluginsDir: pluginsDir}
}

// Install copies the entry's artifact into <PluginsDir>/<id>, verifying the
// entrypoint checksum when the catalog declares one, and writes the plugin
// manifest last so a partially copied directory is never scannable.
func (f *FS) Install(ctx context.Context, entry catalog.Entry) error {
	if entry.Artifact == "" {
		return fmt.Errorf("%w: entry %q has no artifact", ErrValidation, entry.ID)
	}
	if entry.Entrypoint == "" {
		return fmt.Errorf("%w: entry %q has no entrypoint", ErrValidation, entry.ID)
	}

	srcInfo, err := os.Stat(entry.Artifact)
	if err != nil {
		return fmt.Errorf("%w: stat artifact %s: %v", ErrFetch, entry.Artifact, err)
	}
	if !srcInfo.IsDir() {
		return fmt.Errorf("%w: artifact %s is not a directory", ErrFetch, entry.Artifact)
	}

	srcEntrypoint := filepath.Join(entry.Artifact, entry.Entrypoint)
	if entry.Checksum != "" {
		if err := verifyChecksum(srcEntrypoint, entry.Checksum); err != nil {
			return err
		}
	}

	dest := filepath.Join(f.PluginsDir, entry.ID)
	stage := dest + ".staging"
	defer func() { _ = os.RemoveAll(stage) }()
	if err := os.RemoveAll(stage); err != nil {
		return fmt.Errorf("clear staging dir: %w", err)
	}

	if err := copyTree(ctx, entry.Artifact, stage); err != nil {
		return fmt.Errorf("%w: copy artifact: %v", ErrFetch, err)
	}
	if err := os.Chmod(filepath.Join(stage, entry.Entrypoint), 0o755); err != nil {
		return fmt.Errorf("%w: mark entrypoint executable: %v", ErrValidation, err)
	}

	manifest := plugin.Manifest{
		ID:          entry.ID,
		Name:        entry.Name,
		Version:     entry.Version,
		Description: entry.Description,
		Entrypoint:  entry.Entrypoint,
	}
	data, err := manifest.Marshal()
	if err != nil {
		return fmt.Errorf("%w: marshal manifest: %v", ErrValidation, err)
	}
	if err := renameio.WriteFile(filepath.Join(stage, plugin.ManifestFilename), data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}

	// Replace any previous install of the same id.
	if err := os.RemoveAll(dest); err != nil {
		return fmt.Errorf("remove previous install: %w", err)
	}
	if err := os.Rename(stage, dest); err != nil {
		return fmt.Errorf("place plugin dir: %w", err)
	}
	return nil
}

// Uninstall removes the installed plugin directory. Removing an absent
// plugin is a success no-op.
func (f *FS) Uninstall(_ context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("plugin id is empty")
	}
	return os.RemoveAll(filepath.Join(f.PluginsDir, id))
}

// verifyChecksum compares the BLAKE3 hash of path against expected hex.
func verifyChecksum(path, expected string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: read entrypoint %s: %v", ErrFetch, path, err)
	}
	sum := blake3.Sum256(data)
	actual := hex.EncodeToString(sum[:])
	if !strings.EqualFold(actual, expected) {
		return fmt.Errorf("%w: checksum mismatch for %s: expected %s, got %s",
			ErrValidation, filepath.Base(path), expected, actual)
	}
	return nil
}

// Checksum computes the hex BLAKE3 hash of a file. Exposed for catalog tooling.
func Checksum(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func copyTree(ctx context.Context, src, dest string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !info.Mode().IsRegular() {
			// Symlinks and devices are not copied into plugin installs.
			return nil
		}
		return copyFile(path, target, info.Mode().Perm())
	})
}

func copyFile(src, dest string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
