package api

import "github.com/soundshell/pluginmgr/internal/registry"

// PluginView is the boundary representation of one plugin record.
type PluginView struct {
	ID           string            `json:"id"`
	Metadata     registry.Metadata `json:"metadata"`
	InstallState string            `json:"install_state"`
	RunState     string            `json:"run_state"`
	Port         int               `json:"port,omitempty"`
	LastError    string            `json:"last_error,omitempty"`
}

// ErrorBody carries the stable error kind plus a human-readable reason.
type ErrorBody struct {
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

// OpResponse is the generic success/failure envelope.
type OpResponse struct {
	Success bool       `json:"success"`
	Error   *ErrorBody `json:"error,omitempty"`
}

// StartResponse reports the port a started service listens on.
type StartResponse struct {
	Success bool       `json:"success"`
	Port    int        `json:"port,omitempty"`
	Error   *ErrorBody `json:"error,omitempty"`
}

// ListResponse carries plugin views plus an optional diagnostic when the
// listing was degraded.
type ListResponse struct {
	Plugins    []PluginView `json:"plugins"`
	Diagnostic string       `json:"diagnostic,omitempty"`
}

// RefreshResponse reports a registry reconcile outcome.
type RefreshResponse struct {
	Success bool       `json:"success"`
	Added   int        `json:"added"`
	Updated int        `json:"updated"`
	Error   *ErrorBody `json:"error,omitempty"`
}

func viewOf(r registry.Record) PluginView {
	return PluginView{
		ID:           r.ID,
		Metadata:     r.Metadata,
		InstallState: string(r.InstallState),
		RunState:     string(r.RunState),
		Port:         r.Port,
		LastError:    r.LastError,
	}
}
