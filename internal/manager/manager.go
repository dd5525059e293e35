// Package manager coordinates the registry, port allocator, process
// supervisor, catalog, and installer behind the five host-facing
// operations. Requests mutating the same plugin id run in a per-id
// mutual-exclusion zone in arrival order; requests for different ids
// proceed fully concurrently.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"

	"github.com/soundshell/pluginmgr/internal/catalog"
	"github.com/soundshell/pluginmgr/internal/installer"
	"github.com/soundshell/pluginmgr/internal/log"
	"github.com/soundshell/pluginmgr/internal/metrics"
	"github.com/soundshell/pluginmgr/internal/plugin"
	"github.com/soundshell/pluginmgr/internal/ports"
	"github.com/soundshell/pluginmgr/internal/registry"
	"github.com/soundshell/pluginmgr/internal/supervisor"
)

// Options configures a Manager.
type Options struct {
	// PluginsDir is where installed plugins live.
	PluginsDir string
	// HealthTimeout bounds the post-spawn readiness probe.
	HealthTimeout time.Duration
	// GracePeriod is the SIGTERM-to-SIGKILL window on stop.
	GracePeriod time.Duration
	// StopConcurrency bounds the StopAll worker pool.
	StopConcurrency int
}

// Manager is the plugin service lifecycle manager.
type Manager struct {
	opts  Options
	store *registry.Store
	alloc *ports.Allocator
	sup   *supervisor.Supervisor
	cat   catalog.Catalog
	inst  installer.Installer

	logger *slog.Logger

	// opLocks is the per-plugin-id mutual-exclusion zone. No lock ever
	// spans two ids.
	opLocks cmap.ConcurrentMap[string, *sync.Mutex]

	// handles maps plugin id to its live process handle. Handles never
	// leave this package.
	handles cmap.ConcurrentMap[string, *supervisor.Handle]
}

// New creates a Manager.
func New(opts Options, store *registry.Store, alloc *ports.Allocator, sup *supervisor.Supervisor, cat catalog.Catalog, inst installer.Installer) *Manager {
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = 15 * time.Second
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 5 * time.Second
	}
	if opts.StopConcurrency <= 0 {
		opts.StopConcurrency = 8
	}
	return &Manager{
		opts:    opts,
		store:   store,
		alloc:   alloc,
		sup:     sup,
		cat:     cat,
		inst:    inst,
		logger:  log.WithComponent("manager"),
		opLocks: cmap.New[*sync.Mutex](),
		handles: cmap.New[*supervisor.Handle](),
	}
}

// finalizeCtx returns a detached context for state transitions that
// must land even when the triggering request has already given up.
func finalizeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func (m *Manager) lockPlugin(id string) func() {
	mu, ok := m.opLocks.Get(id)
	if !ok {
		m.opLocks.SetIfAbsent(id, &sync.Mutex{})
		mu, _ = m.opLocks.Get(id)
	}
	mu.Lock()
	return mu.Unlock
}

// ListAvailable returns every known plugin. It never fails hard: internal
// read errors yield an empty list plus the error as a diagnostic.
func (m *Manager) ListAvailable(_ context.Context) ([]registry.Record, error) {
	return m.store.List(nil), nil
}

// ListInstalled returns plugins whose code is installed.
func (m *Manager) ListInstalled(_ context.Context) ([]registry.Record, error) {
	return m.store.List(registry.FilterInstalled), nil
}

// Get returns one plugin record.
func (m *Manager) Get(_ context.Context, id string) (registry.Record, error) {
	rec, err := m.store.Get(id)
	if err != nil {
		return registry.Record{}, opErr(KindNotFound, id, "unknown plugin", err)
	}
	return rec, nil
}

// Install fetches and places the plugin's code. Retrying a failed install
// is permitted; installing an already-installed, stopped plugin
// reinstalls it (the upgrade path after a catalog refresh).
func (m *Manager) Install(ctx context.Context, id string) error {
	unlock := m.lockPlugin(id)
	defer unlock()

	err := m.install(ctx, id)
	m.countOp("install", err)
	return err
}

func (m *Manager) install(ctx context.Context, id string) error {
	rec, err := m.store.Get(id)
	if err != nil && !errors.Is(err, registry.ErrNotFound) {
		return opErr(KindInternal, id, "read registry", err)
	}
	if err == nil {
		if rec.InstallState == registry.InstallStateInstalling {
			return opErr(KindAlreadyInstalling, id, "install already in progress", nil)
		}
		switch rec.RunState {
		case registry.RunStateStarting, registry.RunStateRunning, registry.RunStateStopping:
			return opErr(KindAlreadyRunning, id, "stop the service before reinstalling", nil)
		}
	}

	entry, err := m.catalogEntry(ctx, id)
	if err != nil {
		return err
	}

	if _, err := m.store.Upsert(ctx, id, func(r *registry.Record) error {
		r.Metadata = metadataFor(entry)
		r.InstallState = registry.InstallStateInstalling
		r.LastError = ""
		return nil
	}); err != nil {
		return opErr(KindInternal, id, "record install start", err)
	}

	installErr := m.inst.Install(ctx, entry)

	final := registry.InstallStateInstalled
	reason := ""
	if installErr != nil {
		final = registry.InstallStateFailed
		reason = installErr.Error()
	}
	// Installing is transient; the result must be recorded even when the
	// caller's context expired during the fetch.
	fctx, cancel := finalizeCtx()
	defer cancel()
	if _, err := m.store.Upsert(fctx, id, func(r *registry.Record) error {
		r.InstallState = final
		r.LastError = reason
		return nil
	}); err != nil {
		return opErr(KindInternal, id, "record install result", err)
	}

	if installErr != nil {
		m.logger.Warn("plugin install failed", "plugin", id, "error", installErr)
		return opErr(KindInstallFailed, id, "", installErr)
	}
	m.logger.Info("plugin installed", "plugin", id, "version", entry.Version)
	return nil
}

// Start launches the plugin's service and returns its listening port once
// the service answers its health check. All side effects are rolled back
// before a failure is returned: no spawned process, no held port, and
// RunState back to Stopped.
func (m *Manager) Start(ctx context.Context, id string) (int, error) {
	unlock := m.lockPlugin(id)
	defer unlock()

	port, err := m.start(ctx, id)
	m.countOp("start", err)
	return port, err
}

func (m *Manager) start(ctx context.Context, id string) (int, error) {
	rec, err := m.store.Get(id)
	if err != nil {
		return 0, opErr(KindNotFound, id, "unknown plugin", err)
	}
	if rec.InstallState != registry.InstallStateInstalled {
		return 0, opErr(KindNotInstalled, id,
			fmt.Sprintf("install state is %s", rec.InstallState), nil)
	}
	switch rec.RunState {
	case registry.RunStateStarting, registry.RunStateRunning:
		return 0, opErr(KindAlreadyRunning, id, "service already running", nil)
	case registry.RunStateStopping:
		return 0, opErr(KindAlreadyRunning, id, "service is stopping", nil)
	}

	inst, err := plugin.Load(filepath.Join(m.opts.PluginsDir, id))
	if err != nil {
		return 0, opErr(KindStartFailed, id, "installed plugin failed validation", err)
	}

	lease, err := m.alloc.Acquire(id)
	if err != nil {
		if errors.Is(err, ports.ErrPortExhausted) {
			return 0, opErr(KindPortExhausted, id, "no free port in configured range", err)
		}
		return 0, opErr(KindInternal, id, "acquire port", err)
	}

	if _, err := m.store.Upsert(ctx, id, func(r *registry.Record) error {
		r.RunState = registry.RunStateStarting
		r.Port = lease.Port
		r.LastError = ""
		return nil
	}); err != nil {
		m.alloc.Release(lease.Port)
		return 0, opErr(KindInternal, id, "record start", err)
	}

	handle, err := m.sup.Spawn(ctx, supervisor.SpawnSpec{
		PluginID:   id,
		Entrypoint: inst.EntrypointPath,
		Dir:        inst.Path,
		Port:       lease.Port,
	})
	if err != nil {
		m.rollbackStart(id, nil, lease.Port, err)
		return 0, opErr(KindSpawnFailed, id, "", err)
	}

	if err := m.sup.HealthCheck(ctx, handle, m.opts.HealthTimeout); err != nil {
		m.rollbackStart(id, handle, lease.Port, err)
		if errors.Is(err, supervisor.ErrHealthCheckTimeout) {
			return 0, opErr(KindHealthCheckTimeout, id, "", err)
		}
		return 0, opErr(KindStartFailed, id, "service did not become ready", err)
	}

	if _, err := m.store.Upsert(ctx, id, func(r *registry.Record) error {
		r.RunState = registry.RunStateRunning
		r.Port = lease.Port
		r.HandleID = handle.ID
		return nil
	}); err != nil {
		m.rollbackStart(id, handle, lease.Port, err)
		return 0, opErr(KindInternal, id, "record running", err)
	}

	m.handles.Set(id, handle)
	go m.watchCrash(id, handle)
	metrics.RunningPlugins.Inc()

	m.logger.Info("plugin service running", "plugin", id, "port", lease.Port, "pid", handle.PID())
	return lease.Port, nil
}

// rollbackStart undoes a partial start: terminates the spawned process if
// any, releases the port, and records RunState=Stopped with the cause.
// It runs entirely on detached contexts: the most common trigger is the
// caller's context expiring, and the rollback must land regardless.
func (m *Manager) rollbackStart(id string, handle *supervisor.Handle, port int, cause error) {
	if handle != nil {
		tctx, cancel := context.WithTimeout(context.Background(), m.opts.GracePeriod+time.Second)
		defer cancel()
		if err := m.sup.Terminate(tctx, handle, m.opts.GracePeriod); err != nil {
			m.logger.Error("rollback terminate failed", "plugin", id, "error", err)
		}
	}
	m.alloc.Release(port)

	fctx, cancel := finalizeCtx()
	defer cancel()
	if _, err := m.store.Upsert(fctx, id, func(r *registry.Record) error {
		r.RunState = registry.RunStateStopped
		r.Port = 0
		r.HandleID = ""
		if cause != nil {
			r.LastError = cause.Error()
		}
		return nil
	}); err != nil {
		m.logger.Error("rollback record update failed", "plugin", id, "error", err)
	}
}

// Stop terminates the plugin's service. Stopping an already-stopped
// plugin is a success no-op.
func (m *Manager) Stop(ctx context.Context, id string) error {
	unlock := m.lockPlugin(id)
	defer unlock()

	err := m.stop(ctx, id)
	m.countOp("stop", err)
	return err
}

func (m *Manager) stop(ctx context.Context, id string) error {
	rec, err := m.store.Get(id)
	if err != nil {
		return opErr(KindNotFound, id, "unknown plugin", err)
	}

	// Stopping is transient; once termination begins, the settled state
	// must be recorded even when the caller's context expires mid-stop.
	fctx, cancel := finalizeCtx()
	defer cancel()

	switch rec.RunState {
	case registry.RunStateStopped:
		return m.applyDeferredRemoval(fctx, rec)
	case registry.RunStateCrashed:
		// The crash path already released the port; just settle the state.
		if _, err := m.store.Upsert(fctx, id, func(r *registry.Record) error {
			r.RunState = registry.RunStateStopped
			r.Port = 0
			r.HandleID = ""
			return nil
		}); err != nil {
			return opErr(KindInternal, id, "record stop", err)
		}
		rec.RunState = registry.RunStateStopped
		return m.applyDeferredRemoval(fctx, rec)
	}

	if _, err := m.store.Upsert(ctx, id, func(r *registry.Record) error {
		r.RunState = registry.RunStateStopping
		return nil
	}); err != nil {
		return opErr(KindInternal, id, "record stopping", err)
	}

	if handle, ok := m.handles.Get(id); ok {
		if err := m.sup.Terminate(ctx, handle, m.opts.GracePeriod); err != nil {
			if !handle.Exited() {
				// The process state is uncertain; leave run state consistent
				// and report the failure rather than releasing a
				// possibly-bound port.
				m.logger.Error("terminate failed", "plugin", id, "error", err)
				if _, uerr := m.store.Upsert(fctx, id, func(r *registry.Record) error {
					r.RunState = registry.RunStateRunning
					return nil
				}); uerr != nil {
					m.logger.Error("restore running state failed", "plugin", id, "error", uerr)
				}
				return opErr(KindInternal, id, "terminate service", err)
			}
			// The process died despite the error (typically the caller gave
			// up waiting while the kill landed); finish the stop.
			m.logger.Warn("terminate reported error but process exited",
				"plugin", id, "error", err)
		}
		m.handles.Remove(id)
		metrics.RunningPlugins.Dec()
	}

	m.alloc.Release(rec.Port)

	if _, err := m.store.Upsert(fctx, id, func(r *registry.Record) error {
		r.RunState = registry.RunStateStopped
		r.Port = 0
		r.HandleID = ""
		return nil
	}); err != nil {
		return opErr(KindInternal, id, "record stop", err)
	}

	m.logger.Info("plugin service stopped", "plugin", id, "port", rec.Port)
	rec.RunState = registry.RunStateStopped
	return m.applyDeferredRemoval(fctx, rec)
}

// applyDeferredRemoval prunes a record flagged by a catalog refresh while
// the plugin was running.
func (m *Manager) applyDeferredRemoval(ctx context.Context, rec registry.Record) error {
	if !rec.RemovalPending {
		return nil
	}
	if err := m.store.Delete(ctx, rec.ID); err != nil {
		return opErr(KindInternal, rec.ID, "apply deferred removal", err)
	}
	m.logger.Info("removed plugin dropped from catalog", "plugin", rec.ID)
	return nil
}

// Uninstall removes the plugin's installed code. The service must not be
// running. If the catalog still lists the plugin, its record survives as
// NotInstalled; otherwise it is deleted.
func (m *Manager) Uninstall(ctx context.Context, id string) error {
	unlock := m.lockPlugin(id)
	defer unlock()

	err := m.uninstall(ctx, id)
	m.countOp("uninstall", err)
	return err
}

func (m *Manager) uninstall(ctx context.Context, id string) error {
	rec, err := m.store.Get(id)
	if err != nil {
		return opErr(KindNotFound, id, "unknown plugin", err)
	}
	switch rec.RunState {
	case registry.RunStateStarting, registry.RunStateRunning, registry.RunStateStopping:
		return opErr(KindAlreadyRunning, id, "stop the service before uninstalling", nil)
	}

	if err := m.inst.Uninstall(ctx, id); err != nil {
		return opErr(KindInternal, id, "remove plugin files", err)
	}

	// When the catalog cannot be read, assume the plugin is still listed:
	// a transient catalog failure must not delete a record the next
	// refresh would have to resurrect.
	inCatalog := true
	if entries, lerr := m.cat.List(ctx); lerr == nil {
		inCatalog = false
		for _, e := range entries {
			if e.ID == id {
				inCatalog = true
				break
			}
		}
	} else {
		m.logger.Warn("catalog read failed during uninstall, keeping record",
			"plugin", id, "error", lerr)
	}

	// The files are gone; the record transition must land regardless of
	// the caller's context.
	fctx, cancel := finalizeCtx()
	defer cancel()

	if !inCatalog {
		if err := m.store.Delete(fctx, id); err != nil {
			return opErr(KindInternal, id, "delete registry record", err)
		}
		return nil
	}
	if _, err := m.store.Upsert(fctx, id, func(r *registry.Record) error {
		r.InstallState = registry.InstallStateNotInstalled
		r.RunState = registry.RunStateStopped
		r.Port = 0
		r.HandleID = ""
		r.LastError = ""
		return nil
	}); err != nil {
		return opErr(KindInternal, id, "record uninstall", err)
	}
	return nil
}

// StopAll stops every plugin that is not already stopped, with bounded
// concurrency. Used at shutdown.
func (m *Manager) StopAll(ctx context.Context) error {
	recs := m.store.List(nil)

	pool, err := ants.NewPool(m.opts.StopConcurrency)
	if err != nil {
		return opErr(KindInternal, "", "create stop pool", err)
	}
	defer pool.Release()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, rec := range recs {
		if rec.RunState == registry.RunStateStopped {
			continue
		}
		id := rec.ID
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			if err := m.Stop(ctx, id); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}); err != nil {
			wg.Done()
			mu.Lock()
			errs = append(errs, fmt.Errorf("stop %s: %w", id, err))
			mu.Unlock()
		}
	}
	wg.Wait()
	return errors.Join(errs...)
}

// watchCrash drives the only asynchronous transition in the state
// machine: Running -> Crashed when the process dies without a Terminate.
func (m *Manager) watchCrash(id string, handle *supervisor.Handle) {
	select {
	case ev := <-m.sup.Watch(handle):
		m.recordCrash(id, ev)
	case <-handle.Done():
		// A crash that landed before the watcher parked leaves both cases
		// ready and the select may pick this one; the event is buffered,
		// so drain it before treating the exit as a requested shutdown.
		select {
		case ev := <-m.sup.Watch(handle):
			m.recordCrash(id, ev)
		default:
			// Clean exit through Terminate; nothing to do.
		}
	}
}

func (m *Manager) recordCrash(id string, ev supervisor.ExitEvent) {
	unlock := m.lockPlugin(id)
	defer unlock()

	rec, err := m.store.Get(id)
	if err != nil || rec.HandleID != ev.HandleID {
		// A newer start superseded this handle, or the record is gone.
		return
	}

	ctx, cancel := finalizeCtx()
	defer cancel()
	if _, err := m.store.Upsert(ctx, id, func(r *registry.Record) error {
		r.RunState = registry.RunStateCrashed
		r.Port = 0
		r.HandleID = ""
		r.LastError = fmt.Sprintf("service exited unexpectedly (exit code %d)", ev.ExitCode)
		return nil
	}); err != nil {
		m.logger.Error("record crash failed", "plugin", id, "error", err)
	}
	m.handles.Remove(id)
	m.alloc.Release(ev.Port)
	metrics.RunningPlugins.Dec()
	metrics.Crashes.Inc()
	m.logger.Warn("plugin service crashed", "plugin", id,
		"exit_code", ev.ExitCode, "stderr", tail(ev.Stderr, 512))
}

func (m *Manager) catalogEntry(ctx context.Context, id string) (catalog.Entry, error) {
	entries, err := m.cat.List(ctx)
	if err != nil {
		return catalog.Entry{}, opErr(KindInternal, id, "read catalog", err)
	}
	for _, e := range entries {
		if e.ID == id {
			return e, nil
		}
	}
	return catalog.Entry{}, opErr(KindNotFound, id, "plugin not in catalog", nil)
}

func (m *Manager) countOp(op string, err error) {
	if err == nil {
		metrics.Operations.WithLabelValues(op, "ok").Inc()
		return
	}
	metrics.Operations.WithLabelValues(op, "error").Inc()
	metrics.Failures.WithLabelValues(string(KindOf(err))).Inc()
}

func metadataFor(e catalog.Entry) registry.Metadata {
	return registry.Metadata{
		Name:        e.Name,
		Version:     e.Version,
		Description: e.Description,
	}
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
