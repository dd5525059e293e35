// Package registry is the authoritative in-process record of plugin
// install and run state. Metadata and install state are durable in
// sqlite; run state is volatile and always rehydrates as Stopped,
// since plugin processes do not survive the manager.
package registry

import "time"

// InstallState describes whether a plugin's code is present on disk.
type InstallState string

const (
	InstallStateNotInstalled InstallState = "not_installed"
	InstallStateInstalling   InstallState = "installing"
	InstallStateInstalled    InstallState = "installed"
	InstallStateFailed       InstallState = "install_failed"
)

// RunState describes the plugin's service process.
type RunState string

const (
	RunStateStopped  RunState = "stopped"
	RunStateStarting RunState = "starting"
	RunStateRunning  RunState = "running"
	RunStateStopping RunState = "stopping"
	RunStateCrashed  RunState = "crashed"
)

// Metadata is the display information carried for a plugin. The manager
// treats it as opaque.
type Metadata struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
}

// Record is the registry's view of one plugin.
type Record struct {
	ID           string       `json:"id"`
	Metadata     Metadata     `json:"metadata"`
	InstallState InstallState `json:"install_state"`
	RunState     RunState     `json:"run_state"`

	// Port is nonzero only while RunState is Starting or Running.
	Port int `json:"port,omitempty"`

	// HandleID names the supervisor handle owning the process. It never
	// crosses the manager boundary.
	HandleID string `json:"-"`

	// RemovalPending marks a plugin dropped from the catalog while it was
	// running; the record is pruned on its next stop.
	RemovalPending bool `json:"removal_pending,omitempty"`

	// LastError is the reason string of the most recent failure, if any.
	LastError string `json:"last_error,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a copy safe to hand to callers.
func (r *Record) Clone() Record {
	return *r
}

// Filter selects records for List.
type Filter func(*Record) bool

// FilterInstalled keeps records whose code is installed.
func FilterInstalled(r *Record) bool {
	return r.InstallState == InstallStateInstalled
}
