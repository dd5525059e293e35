package manager

import (
	"context"
	"os"
	"path/filepath"

	"github.com/soundshell/pluginmgr/internal/plugin"
	"github.com/soundshell/pluginmgr/internal/registry"
)

// RefreshResult reports what a registry refresh changed.
type RefreshResult struct {
	Added   int `json:"added"`
	Updated int `json:"updated"`
}

// RefreshRegistry reconciles the registry against the external catalog
// and the plugins directory. Newly listed plugins appear as NotInstalled
// (or Installed when their code is already on disk), metadata of existing
// records is updated, and plugins dropped from the catalog are pruned.
// A running plugin is never pruned; its removal is deferred to the next
// stop. Refreshing twice against an unchanged catalog changes
// nothing the second time.
func (m *Manager) RefreshRegistry(ctx context.Context) (RefreshResult, error) {
	var res RefreshResult

	entries, err := m.cat.List(ctx)
	if err != nil {
		m.countOp("refresh", err)
		return res, opErr(KindInternal, "", "read catalog", err)
	}

	installed := m.installedOnDisk()

	inCatalog := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		inCatalog[entry.ID] = struct{}{}

		unlock := m.lockPlugin(entry.ID)
		_, known := installed[entry.ID]
		existing, getErr := m.store.Get(entry.ID)

		switch {
		case getErr != nil:
			// First observation of this plugin.
			_, err = m.store.Upsert(ctx, entry.ID, func(r *registry.Record) error {
				r.Metadata = metadataFor(entry)
				if known {
					r.InstallState = registry.InstallStateInstalled
				} else {
					r.InstallState = registry.InstallStateNotInstalled
				}
				return nil
			})
			if err == nil {
				res.Added++
			}
		case existing.Metadata != metadataFor(entry) || existing.RemovalPending:
			_, err = m.store.Upsert(ctx, entry.ID, func(r *registry.Record) error {
				r.Metadata = metadataFor(entry)
				r.RemovalPending = false
				return nil
			})
			if err == nil {
				res.Updated++
			}
		}
		unlock()
		if err != nil {
			m.countOp("refresh", err)
			return res, opErr(KindInternal, entry.ID, "reconcile record", err)
		}
	}

	// Handle records the catalog no longer lists.
	for _, rec := range m.store.List(nil) {
		if _, ok := inCatalog[rec.ID]; ok {
			continue
		}
		unlock := m.lockPlugin(rec.ID)
		current, getErr := m.store.Get(rec.ID)
		if getErr != nil {
			unlock()
			continue
		}
		switch {
		case current.RunState == registry.RunStateStarting ||
			current.RunState == registry.RunStateRunning ||
			current.RunState == registry.RunStateStopping:
			// Never remove a running plugin; flag it and prune on next stop.
			if !current.RemovalPending {
				if _, err := m.store.Upsert(ctx, rec.ID, func(r *registry.Record) error {
					r.RemovalPending = true
					return nil
				}); err == nil {
					res.Updated++
				}
			}
		case current.InstallState == registry.InstallStateInstalled:
			// Still on disk; keep the record until an explicit uninstall.
		default:
			if err := m.store.Delete(ctx, rec.ID); err != nil {
				m.logger.Warn("prune registry record failed", "plugin", rec.ID, "error", err)
			} else {
				res.Updated++
			}
		}
		unlock()
	}

	m.countOp("refresh", nil)
	m.logger.Info("registry refreshed", "added", res.Added, "updated", res.Updated, "known", m.store.Count())
	return res, nil
}

// installedOnDisk scans the plugins directory for valid installed plugins.
func (m *Manager) installedOnDisk() map[string]*plugin.Installed {
	out := make(map[string]*plugin.Installed)
	if _, err := os.Stat(filepath.Clean(m.opts.PluginsDir)); err != nil {
		return out
	}
	scanned, err := plugin.Scan(m.opts.PluginsDir, func(msg string, args ...any) {
		m.logger.Warn(msg, args...)
	})
	if err != nil {
		m.logger.Warn("plugins dir scan failed", "dir", m.opts.PluginsDir, "error", err)
		return out
	}
	for _, p := range scanned {
		out[p.ID] = p
	}
	return out
}
