package sandbox

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a sandbox id is unknown or already destroyed.
var ErrNotFound = errors.New("sandbox not found")

// CreationError reports a failed sandbox allocation. Creation is
// all-or-nothing: when this is returned, no partial resources remain
// registered.
type CreationError struct {
	Backend string
	Err     error
}

func (e *CreationError) Error() string {
	return fmt.Sprintf("create sandbox (%s backend): %v", e.Backend, e.Err)
}

func (e *CreationError) Unwrap() error { return e.Err }

// ExecutionError reports a failure to run a command inside a sandbox.
// Timeout expiry is NOT an ExecutionError; it surfaces as a normal
// ExecResult with TimedOut set.
type ExecutionError struct {
	SandboxID string
	Err       error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execute in sandbox %s: %v", e.SandboxID, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
