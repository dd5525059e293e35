package supervisor

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeScript places an executable shell script for use as a fake plugin
// service and returns its path.
func writeScript(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "service.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+content), 0o755))
	return path
}

// freePort grabs a listener on an ephemeral port and returns both. The
// listener stands in for the child binding its assigned port.
func freePort(t *testing.T) (net.Listener, int) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return l, l.Addr().(*net.TCPAddr).Port
}

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	s := New(WithHealthInterval(10 * time.Millisecond))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSpawnAndTerminate(t *testing.T) {
	s := newTestSupervisor(t)
	script := writeScript(t, `trap 'exit 0' TERM
sleep 60 &
wait`)

	h, err := s.Spawn(context.Background(), SpawnSpec{
		PluginID:   "echo",
		Entrypoint: script,
		Port:       42710,
	})
	require.NoError(t, err)
	assert.NotZero(t, h.PID())
	assert.False(t, h.Exited())

	start := time.Now()
	require.NoError(t, s.Terminate(context.Background(), h, 5*time.Second))
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.True(t, h.Exited())

	// A requested shutdown is not a crash.
	select {
	case ev := <-s.Watch(h):
		t.Fatalf("unexpected exit event after terminate: %+v", ev)
	default:
	}

	// Terminating again is a no-op.
	assert.NoError(t, s.Terminate(context.Background(), h, time.Second))
}

func TestTerminateEscalatesToKill(t *testing.T) {
	s := newTestSupervisor(t)
	// Ignores TERM; only SIGKILL gets rid of it.
	script := writeScript(t, `trap '' TERM
sleep 60 &
wait`)

	h, err := s.Spawn(context.Background(), SpawnSpec{
		PluginID:   "stubborn",
		Entrypoint: script,
		Port:       42711,
	})
	require.NoError(t, err)

	require.NoError(t, s.Terminate(context.Background(), h, 200*time.Millisecond))
	assert.True(t, h.Exited())
}

func TestSpawnInvalidEntrypoint(t *testing.T) {
	s := newTestSupervisor(t)

	_, err := s.Spawn(context.Background(), SpawnSpec{
		PluginID:   "ghost",
		Entrypoint: filepath.Join(t.TempDir(), "absent"),
		Port:       42712,
	})
	assert.ErrorIs(t, err, ErrSpawnFailed)

	_, err = s.Spawn(context.Background(), SpawnSpec{PluginID: "noport", Entrypoint: "/bin/true"})
	assert.ErrorIs(t, err, ErrSpawnFailed)
}

func TestWatchReportsCrash(t *testing.T) {
	s := newTestSupervisor(t)
	script := writeScript(t, `echo "boom: something broke" >&2
exit 3`)

	h, err := s.Spawn(context.Background(), SpawnSpec{
		PluginID:   "crasher",
		Entrypoint: script,
		Port:       42713,
	})
	require.NoError(t, err)

	select {
	case ev := <-s.Watch(h):
		assert.Equal(t, h.ID, ev.HandleID)
		assert.Equal(t, "crasher", ev.PluginID)
		assert.Equal(t, 42713, ev.Port)
		assert.Equal(t, 3, ev.ExitCode)
		assert.Contains(t, ev.Stderr, "something broke")
	case <-time.After(5 * time.Second):
		t.Fatal("no exit event delivered")
	}
}

func TestCrashEventObservableAfterDone(t *testing.T) {
	s := newTestSupervisor(t)
	script := writeScript(t, "exit 1")

	h, err := s.Spawn(context.Background(), SpawnSpec{
		PluginID:   "crasher",
		Entrypoint: script,
		Port:       42714,
	})
	require.NoError(t, err)

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process never exited")
	}

	// The event is buffered before done closes; a watcher arriving late
	// must still see the crash.
	select {
	case ev := <-s.Watch(h):
		assert.Equal(t, 1, ev.ExitCode)
	default:
		t.Fatal("crash event not observable after done")
	}
}

func TestHealthCheckSucceedsWhenPortAnswers(t *testing.T) {
	s := newTestSupervisor(t)
	listener, port := freePort(t)
	defer func() { _ = listener.Close() }()

	script := writeScript(t, `sleep 60 &
wait`)
	h, err := s.Spawn(context.Background(), SpawnSpec{
		PluginID:   "echo",
		Entrypoint: script,
		Port:       port,
	})
	require.NoError(t, err)
	defer func() { _ = s.Terminate(context.Background(), h, time.Second) }()

	assert.NoError(t, s.HealthCheck(context.Background(), h, 2*time.Second))
}

func TestHealthCheckTimeout(t *testing.T) {
	s := newTestSupervisor(t)
	script := writeScript(t, `sleep 60 &
wait`)

	// Nothing listens on the assigned port.
	h, err := s.Spawn(context.Background(), SpawnSpec{
		PluginID:   "mute",
		Entrypoint: script,
		Port:       42715,
	})
	require.NoError(t, err)
	defer func() { _ = s.Terminate(context.Background(), h, time.Second) }()

	err = s.HealthCheck(context.Background(), h, 300*time.Millisecond)
	assert.ErrorIs(t, err, ErrHealthCheckTimeout)
}

func TestHealthCheckAbortsWhenProcessDies(t *testing.T) {
	s := newTestSupervisor(t)
	script := writeScript(t, "exit 7")

	h, err := s.Spawn(context.Background(), SpawnSpec{
		PluginID:   "early-death",
		Entrypoint: script,
		Port:       42716,
	})
	require.NoError(t, err)

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process never exited")
	}

	err = s.HealthCheck(context.Background(), h, 10*time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errProcessExited))
	assert.NotErrorIs(t, err, ErrHealthCheckTimeout)
	assert.Contains(t, err.Error(), "exit code 7")
}

func TestHealthCheckHonorsContext(t *testing.T) {
	s := newTestSupervisor(t)
	script := writeScript(t, `sleep 60 &
wait`)

	h, err := s.Spawn(context.Background(), SpawnSpec{
		PluginID:   "mute",
		Entrypoint: script,
		Port:       42717,
	})
	require.NoError(t, err)
	defer func() { _ = s.Terminate(context.Background(), h, time.Second) }()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err = s.HealthCheck(ctx, h, 10*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStderrCapIsEnforced(t *testing.T) {
	buf := newCappedBuffer(8)
	n, err := buf.Write([]byte("0123456789abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 16, n) // full write reported regardless of the cap

	n, err = buf.Write([]byte("more"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	assert.Equal(t, "01234567", buf.drain())

	// Writes after drain are swallowed.
	_, err = buf.Write([]byte("late"))
	require.NoError(t, err)
	assert.Equal(t, "", buf.drain())
}
