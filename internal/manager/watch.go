package manager

import (
	"context"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"vawter.tech/stopper"
)

// WatchPluginsDir observes the plugins directory and refreshes the
// registry when installed plugins change on disk. Rapid change bursts
// (an install writing many files) are coalesced by debounce. The
// returned cleanup stops the watcher and waits for its goroutine.
func (m *Manager) WatchPluginsDir(ctx context.Context, debounce time.Duration) (func() error, error) {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, opErr(KindInternal, "", "create fs watcher", err)
	}
	if err := watcher.Add(m.opts.PluginsDir); err != nil {
		_ = watcher.Close()
		return nil, opErr(KindInternal, "", "watch plugins dir", err)
	}

	sctx := stopper.WithContext(ctx)
	sctx.Defer(func() { _ = watcher.Close() })

	var (
		mu        sync.Mutex
		debouncer *time.Timer
	)
	refresh := func() {
		if sctx.IsStopping() {
			return
		}
		if _, err := m.RefreshRegistry(ctx); err != nil {
			m.logger.Warn("auto refresh failed", "error", err)
		}
	}

	sctx.Go(func(sctx *stopper.Context) error {
		sctx.Defer(func() {
			mu.Lock()
			if debouncer != nil {
				debouncer.Stop()
			}
			mu.Unlock()
		})

		for !sctx.IsStopping() {
			select {
			case <-sctx.Stopping():
				return nil
			case _, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				mu.Lock()
				if debouncer != nil {
					debouncer.Stop()
				}
				debouncer = time.AfterFunc(debounce, refresh)
				mu.Unlock()
			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				if err != nil && !sctx.IsStopping() {
					m.logger.Warn("plugins dir watch error", "error", err)
				}
			}
		}
		return nil
	})

	cleanup := func() error {
		sctx.Stop(100 * time.Millisecond)
		return sctx.Wait()
	}
	return cleanup, nil
}
