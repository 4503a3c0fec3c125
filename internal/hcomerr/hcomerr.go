// Package hcomerr defines the sentinel error categories used to pick
// CLI exit codes and decide what is safe to log versus surface.
package hcomerr

import "errors"

// ErrInput marks malformed arguments, unknown recipients in strict
// mode, or duplicate flags. Exit code 1, no store mutation.
var ErrInput = errors.New("invalid input")

// ErrIdentity marks an operation that requires a registered identity
// that could not be resolved.
var ErrIdentity = errors.New("identity not resolved")

// ErrStore marks store corruption or exhaustion. Fatal: the current
// operation must abort and the error must be surfaced to the caller.
var ErrStore = errors.New("store error")

// IsFatal reports whether err should abort the process rather than be
// reported as a normal exit-1 failure.
func IsFatal(err error) bool {
	return errors.Is(err, ErrStore)
}
