package supervisor

import (
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/valyala/bytebufferpool"
)

// maxStderrBytes caps the amount of stderr captured from a plugin service.
const maxStderrBytes = 64 * 1024

// ExitEvent reports an unexpected exit of a supervised process. It is
// delivered at most once per handle, and only when the process dies
// without a Terminate call.
type ExitEvent struct {
	HandleID string
	PluginID string
	Port     int
	ExitCode int
	Stderr   string
}

// Handle identifies one spawned plugin service process. Handles are owned
// by the plugin record they belong to and must not be shared.
type Handle struct {
	// ID is the unique handle identifier.
	ID string
	// PluginID is the owning plugin.
	PluginID string
	// Port is the port the service was told to listen on.
	Port int

	cmd    *exec.Cmd
	stderr *cappedBuffer

	// terminated is set before an explicit Terminate signal so the wait
	// goroutine can tell a requested shutdown from a crash.
	terminated atomic.Bool

	// done is closed when the process has exited and its state is recorded.
	done     chan struct{}
	exitCode int

	exitCh chan ExitEvent
}

// PID returns the OS process id, or 0 if the process never started.
func (h *Handle) PID() int {
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Done returns a channel closed once the process has exited and its exit
// state is recorded.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Exited reports whether the process has exited.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// ExitCode returns the recorded exit code. Only meaningful after Exited.
func (h *Handle) ExitCode() int {
	return h.exitCode
}

// cappedBuffer captures writes into a pooled buffer up to a byte limit.
type cappedBuffer struct {
	mu    sync.Mutex
	buf   *bytebufferpool.ByteBuffer
	limit int
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{buf: bytebufferpool.Get(), limit: limit}
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.buf == nil {
		return len(p), nil
	}
	room := c.limit - c.buf.Len()
	if room > 0 {
		if len(p) > room {
			c.buf.B = append(c.buf.B, p[:room]...)
		} else {
			c.buf.B = append(c.buf.B, p...)
		}
	}
	// Report full writes so the child never sees a short-write error.
	return len(p), nil
}

// drain returns the captured bytes and releases the pooled buffer.
func (c *cappedBuffer) drain() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.buf == nil {
		return ""
	}
	out := c.buf.String()
	bytebufferpool.Put(c.buf)
	c.buf = nil
	return out
}
