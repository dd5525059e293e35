// Package supervisor spawns, health-checks, and terminates plugin service
// processes. Plugin services run as independent OS processes so a crash in
// plugin code cannot take down the host; the readiness probe gives a
// freshly spawned process a bounded warm-up window before it is reported
// as running.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/process"
	"vawter.tech/stopper"

	"github.com/soundshell/pluginmgr/internal/log"
)

var (
	// ErrSpawnFailed indicates the service executable could not be launched.
	ErrSpawnFailed = errors.New("supervisor: spawn failed")

	// ErrHealthCheckTimeout indicates the service never answered on its
	// assigned port within the probe window.
	ErrHealthCheckTimeout = errors.New("supervisor: health check timed out")

	// errProcessExited aborts a health probe when the child died early.
	errProcessExited = errors.New("supervisor: process exited during health check")
)

// SpawnSpec describes the process to launch.
type SpawnSpec struct {
	PluginID   string
	Entrypoint string
	// Dir is the working directory, normally the plugin's install dir.
	Dir string
	// Port is passed to the service via argv and PLUGIN_PORT; the service
	// binds it itself.
	Port int
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithHealthInterval sets the initial interval between readiness probes.
func WithHealthInterval(d time.Duration) Option {
	return func(s *Supervisor) { s.healthInterval = d }
}

// WithDialTimeout sets the per-probe connect timeout.
func WithDialTimeout(d time.Duration) Option {
	return func(s *Supervisor) { s.dialTimeout = d }
}

// Supervisor owns the OS processes behind running plugin services.
type Supervisor struct {
	healthInterval time.Duration
	dialTimeout    time.Duration
	logger         *slog.Logger

	// sctx manages the wait goroutines so Close can drain them.
	sctx *stopper.Context
}

// New creates a Supervisor.
func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		healthInterval: 50 * time.Millisecond,
		dialTimeout:    250 * time.Millisecond,
		logger:         log.WithComponent("supervisor"),
		sctx:           stopper.WithContext(context.Background()),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Spawn launches the service process described by spec. The returned
// handle owns the process; callers must eventually Terminate it or
// observe its exit through Watch.
func (s *Supervisor) Spawn(_ context.Context, spec SpawnSpec) (*Handle, error) {
	if spec.Entrypoint == "" {
		return nil, fmt.Errorf("%w: entrypoint is empty", ErrSpawnFailed)
	}
	if spec.Port <= 0 {
		return nil, fmt.Errorf("%w: invalid port %d", ErrSpawnFailed, spec.Port)
	}

	h := &Handle{
		ID:       uuid.NewString(),
		PluginID: spec.PluginID,
		Port:     spec.Port,
		stderr:   newCappedBuffer(maxStderrBytes),
		done:     make(chan struct{}),
		exitCh:   make(chan ExitEvent, 1),
	}

	// The process is started detached from the caller's ctx: its lifetime
	// is governed by Terminate, not by the request that spawned it.
	cmd := exec.Command(spec.Entrypoint, "--port", strconv.Itoa(spec.Port))
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), "PLUGIN_PORT="+strconv.Itoa(spec.Port))
	cmd.Stderr = h.stderr
	h.cmd = cmd

	s.logger.Debug("spawning plugin service",
		"plugin", spec.PluginID, "entrypoint", spec.Entrypoint, "port", spec.Port)

	if err := cmd.Start(); err != nil {
		h.stderr.drain()
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	s.sctx.Go(func(*stopper.Context) error {
		s.wait(h)
		return nil
	})
	return h, nil
}

// wait reaps the process and delivers the unexpected-exit notification.
func (s *Supervisor) wait(h *Handle) {
	err := h.cmd.Wait()
	h.exitCode = 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			h.exitCode = exitErr.ExitCode()
		} else {
			h.exitCode = -1
		}
	}
	stderr := h.stderr.drain()

	// The crash event must be observable before done closes so watchers
	// selecting on both never miss it.
	if !h.terminated.Load() {
		s.logger.Warn("plugin service exited unexpectedly",
			"plugin", h.PluginID, "pid", h.PID(), "exit_code", h.exitCode)
		h.exitCh <- ExitEvent{
			HandleID: h.ID,
			PluginID: h.PluginID,
			Port:     h.Port,
			ExitCode: h.exitCode,
			Stderr:   stderr,
		}
	}
	close(h.done)
}

// Watch returns a channel that fires once if the process dies without an
// explicit Terminate call. This is the sole path that reports crashes.
func (s *Supervisor) Watch(h *Handle) <-chan ExitEvent {
	return h.exitCh
}

// HealthCheck polls until the service answers on its assigned port or the
// timeout elapses. The probe interval grows exponentially from the
// configured initial interval.
func (s *Supervisor) HealthCheck(ctx context.Context, h *Handle, timeout time.Duration) error {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(h.Port))

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.healthInterval
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = timeout

	op := func() error {
		if h.Exited() {
			return backoff.Permanent(errProcessExited)
		}
		conn, err := net.DialTimeout("tcp", addr, s.dialTimeout)
		if err != nil {
			return err
		}
		_ = conn.Close()
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		if errors.Is(err, errProcessExited) {
			return fmt.Errorf("%w (exit code %d)", errProcessExited, h.ExitCode())
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: port %d not ready after %v", ErrHealthCheckTimeout, h.Port, timeout)
	}
	return nil
}

// Terminate requests graceful shutdown and force-kills after gracePeriod.
// Terminating an already-exited handle is a success no-op.
func (s *Supervisor) Terminate(ctx context.Context, h *Handle, gracePeriod time.Duration) error {
	h.terminated.Store(true)
	if h.Exited() {
		return nil
	}

	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// A signal failure on a dead pid is still a successful terminate.
		if alive, _ := process.PidExists(int32(h.PID())); !alive {
			return nil
		}
		return fmt.Errorf("send SIGTERM to pid %d: %w", h.PID(), err)
	}

	grace := time.NewTimer(gracePeriod)
	defer grace.Stop()

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		// Caller gave up waiting; make sure the process dies anyway, and
		// wait for the reap so Exited reads true once this returns.
		_ = h.cmd.Process.Kill()
		<-h.done
		return ctx.Err()
	case <-grace.C:
		s.logger.Warn("plugin service ignored SIGTERM, sending SIGKILL",
			"plugin", h.PluginID, "pid", h.PID())
		if err := h.cmd.Process.Kill(); err != nil {
			if alive, _ := process.PidExists(int32(h.PID())); !alive {
				return nil
			}
			return fmt.Errorf("send SIGKILL to pid %d: %w", h.PID(), err)
		}
		<-h.done
		return nil
	}
}

// Close waits for all wait goroutines to finish. Processes are not
// terminated here; the manager stops them first.
func (s *Supervisor) Close() error {
	s.sctx.Stop(time.Second)
	return s.sctx.Wait()
}
