package manager

import (
	"errors"
	"fmt"
)

// Kind is the stable classification of a lifecycle failure.
type Kind string

const (
	KindNotFound           Kind = "not_found"
	KindNotInstalled       Kind = "not_installed"
	KindAlreadyInstalling  Kind = "already_installing"
	KindAlreadyRunning     Kind = "already_running"
	KindInstallFailed      Kind = "install_failed"
	KindSpawnFailed        Kind = "spawn_failed"
	KindPortExhausted      Kind = "port_exhausted"
	KindStartFailed        Kind = "start_failed"
	KindHealthCheckTimeout Kind = "health_check_timeout"
	KindInternal           Kind = "internal"
)

// Error is the typed failure returned by lifecycle operations. Every
// failure carries a stable kind plus a human-readable reason.
type Error struct {
	// Kind classifies the failure.
	Kind Kind
	// Plugin is the plugin id the operation targeted, if any.
	Plugin string
	// Reason is the human-readable cause.
	Reason string
	// Err is the underlying error, if any.
	Err error
}

// Error returns a formatted error message.
func (e *Error) Error() string {
	switch {
	case e.Plugin != "" && e.Reason != "":
		return fmt.Sprintf("plugin %q: %s: %s", e.Plugin, e.Kind, e.Reason)
	case e.Plugin != "":
		return fmt.Sprintf("plugin %q: %s", e.Plugin, e.Kind)
	case e.Reason != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	default:
		return string(e.Kind)
	}
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is makes two manager errors of the same kind match under errors.Is.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

func opErr(kind Kind, plugin, reason string, err error) *Error {
	if reason == "" && err != nil {
		reason = err.Error()
	}
	return &Error{Kind: kind, Plugin: plugin, Reason: reason, Err: err}
}

// KindOf extracts the error kind, defaulting to KindInternal for
// untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
