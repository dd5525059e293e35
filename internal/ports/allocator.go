// Package ports hands out exclusive local port leases to plugin services.
//
// Allocation is deterministic (smallest free port in the configured range)
// so tests can predict assignments. Because the child service binds the
// port itself, the allocator only probes that the port is currently
// bindable and then reserves it in-process; an external process grabbing
// the port between probe and child bind surfaces as a health-check
// failure, not an allocator error.
package ports

import (
	"errors"
	"fmt"
	"net"
	"sync"
)

// ErrPortExhausted indicates no free port exists in the configured range.
var ErrPortExhausted = errors.New("ports: range exhausted")

// Lease is an exclusively held port assignment tied to a plugin.
type Lease struct {
	Port     int
	PluginID string
}

// Allocator manages a contiguous range of local ports.
type Allocator struct {
	min int
	max int

	mu     sync.Mutex
	leased map[int]string // port -> plugin id

	// probe reports whether the port is currently bindable. Swappable in tests.
	probe func(port int) bool
}

// NewAllocator creates an Allocator for the inclusive range [min, max].
func NewAllocator(min, max int) (*Allocator, error) {
	if min <= 0 || max < min {
		return nil, fmt.Errorf("ports: invalid range [%d, %d]", min, max)
	}
	return &Allocator{
		min:    min,
		max:    max,
		leased: make(map[int]string),
		probe:  probeBind,
	}, nil
}

// Acquire leases the smallest free bindable port in the range for pluginID.
// Ports held by external processes are skipped.
func (a *Allocator) Acquire(pluginID string) (Lease, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for port := a.min; port <= a.max; port++ {
		if _, held := a.leased[port]; held {
			continue
		}
		if !a.probe(port) {
			continue
		}
		a.leased[port] = pluginID
		return Lease{Port: port, PluginID: pluginID}, nil
	}
	return Lease{}, ErrPortExhausted
}

// Release returns a port to the free set. Releasing an unleased port is a no-op.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.leased, port)
}

// Leases returns a snapshot of the current port -> plugin assignments.
func (a *Allocator) Leases() map[int]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[int]string, len(a.leased))
	for p, id := range a.leased {
		out[p] = id
	}
	return out
}

// Free returns the number of unleased ports in the range. External holders
// are not counted; only in-process leases reduce the figure.
func (a *Allocator) Free() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.max - a.min + 1 - len(a.leased)
}

func probeBind(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
