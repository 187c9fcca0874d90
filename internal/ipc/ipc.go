// Package ipc implements the bidirectional shared-memory RPC transport:
// a named shared region, a request-ready/response-ready
// semaphore pair, a local serialization mutex, and a duplicated peer
// process handle for fast death detection. The platform-specific pieces
// (CreateFileMappingW, MapViewOfFile, CreateSemaphoreW,
// WaitForMultipleObjects, OpenProcess/DuplicateHandle) live in
// ipc_windows.go.
//
// Everything above the platform boundary -- the request/response protocol
// itself -- is expressed against the Transport interface so the rest of
// the module can be built and tested without the windows build tag.
package ipc

import (
	"context"
	"fmt"
	"time"

	"github.com/dcrane/xroverlay/internal/xrerr"
)

// PollPeriod is the short poll period used on the response-ready/peer-
// handle multi-wait, so a dying peer is detected quickly even though the
// overall wait is otherwise unbounded.
const PollPeriod = 500 * time.Millisecond

// DefaultRegionSize is the shared region's default size, fixed at
// connection construction.
const DefaultRegionSize = 1 << 20 // 1 MiB

// Transport is the per-connection set of IPC primitives: a shared region, a pair of semaphores, a local serialization
// mutex, and peer-death detection. Lock/Unlock guard the region itself;
// the Wait methods block outside the lock so a writer never holds the
// region hostage while the peer is simply slow.
type Transport interface {
	// Region returns the shared byte region. Callers must hold the lock
	// while reading or writing it.
	Region() []byte

	// Lock/Unlock implement the connection's serialization mutex;
	// operations from distinct overlay threads serialize here before
	// entering Submit.
	Lock()
	Unlock()

	// SignalRequestReady/SignalResponseReady post the corresponding
	// semaphore.
	SignalRequestReady() error
	SignalResponseReady() error

	// WaitRequestReady/WaitResponseReady block until the corresponding
	// semaphore is signaled, the peer process is observed to have died
	// (returning xrerr.ErrPeerTerminated), or ctx is canceled.
	WaitRequestReady(ctx context.Context) error
	WaitResponseReady(ctx context.Context) error

	// Close releases every OS object this transport holds.
	Close() error
}

// Submit performs the overlay-side half of the request/response protocol:
// lock, let build populate the shared region, signal request-ready,
// unlock, wait for the response, lock again, let read consume it. It
// never pipelines -- the lock is held across build and across read, but
// released during the blocking wait. Strictly request/response, one in
// flight.
func Submit(ctx context.Context, t Transport, build, read func(region []byte) error) error {
	t.Lock()

	if err := build(t.Region()); err != nil {
		t.Unlock()
		return err
	}

	if err := t.SignalRequestReady(); err != nil {
		t.Unlock()
		return err
	}

	t.Unlock()

	if err := t.WaitResponseReady(ctx); err != nil {
		return err
	}

	t.Lock()
	defer t.Unlock()

	return read(t.Region())
}

// Serve runs the main-side mirror of Submit in a loop: wait for a
// request, lock, let handle process it in place, unlock, signal the
// response. It returns when WaitRequestReady fails (peer death or
// context cancellation), which the caller treats as connection teardown.
func Serve(ctx context.Context, t Transport, handle func(region []byte) error) error {
	for {
		if err := t.WaitRequestReady(ctx); err != nil {
			return err
		}

		t.Lock()
		err := handle(t.Region())
		t.Unlock()

		if err != nil {
			return err
		}

		if err := t.SignalResponseReady(); err != nil {
			return err
		}
	}
}

// classifyWaitError is shared by every Transport implementation's Wait*
// methods: a context cancellation passes through unchanged, anything else
// becomes a peer-termination error -- any semaphore-wait error or
// peer-death returns the same distinguished error.
func classifyWaitError(ctx context.Context, cause error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if cause != nil {
		return fmt.Errorf("%w: %v", xrerr.ErrPeerTerminated, cause)
	}

	return xrerr.ErrPeerTerminated
}
