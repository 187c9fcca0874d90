// Package xrerr defines the error taxonomy shared by every mediation
// component. Errors discovered locally on the overlay side short-circuit
// before a round trip; errors discovered on the main side travel back in
// the shared region's result field and are returned to the overlay caller
// unchanged.
package xrerr

import (
	"errors"
	"fmt"
)

// Sentinel errors for the mediation engine's error taxonomy.
var (
	// ErrSessionLost means the connection is dead, the main process has
	// exited, or the session state machine has reached the lost state.
	// Terminal for the overlay: every subsequent call on the connection
	// fails the same way.
	ErrSessionLost = errors.New("xrerr: session lost")

	// ErrHandleInvalid means a handle was not found in the registry, or was
	// found but tagged with the wrong kind for the operation.
	ErrHandleInvalid = errors.New("xrerr: handle invalid")

	// ErrCallOrderInvalid means the caller violated the protocol's implicit
	// ordering (wait-image without a matching acquire, end-session while
	// not stopping, and similar).
	ErrCallOrderInvalid = errors.New("xrerr: call order invalid")

	// ErrPermissionDenied means the overlay requested an extension or API
	// layer the main process did not enable.
	ErrPermissionDenied = errors.New("xrerr: permission denied")

	// ErrUnsupported means the mediation layer does not implement the
	// requested feature (non-D3D11 graphics binding, multi-mip or
	// multi-array-layer swapchains, and similar).
	ErrUnsupported = errors.New("xrerr: unsupported")

	// ErrOutOfMemory means the marshal arena could not satisfy an
	// allocation.
	ErrOutOfMemory = errors.New("xrerr: out of memory")

	// ErrOutOfBufferSpace means the fixup table overflowed its fixed
	// capacity.
	ErrOutOfBufferSpace = errors.New("xrerr: out of buffer space")

	// ErrPeerTerminated means an IPC wait observed the peer process die.
	ErrPeerTerminated = errors.New("xrerr: peer terminated")

	// ErrLayerLimitExceeded means the overlay submitted more composition
	// layers than the reserved budget allows.
	ErrLayerLimitExceeded = errors.New("xrerr: layer limit exceeded")

	// ErrUnsupportedPlatform means the calling binary was not built for
	// Windows; the Windows-only IPC and GPU bridge packages are no-ops on
	// every other platform.
	ErrUnsupportedPlatform = errors.New("xrerr: unsupported platform")
)

// RuntimeError wraps a result code returned verbatim by the underlying
// immersive-graphics runtime (the PropagatedRuntimeError category). Code
// follows the runtime's own numbering; it is never reinterpreted by the
// mediation layer.
type RuntimeError struct {
	Op   string
	Code int32
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("xrerr: %s: runtime result %d", e.Op, e.Code)
}

// Runtime wraps a raw runtime result code as a RuntimeError.
func Runtime(op string, code int32) error {
	return &RuntimeError{Op: op, Code: code}
}
