// Package handle implements the bidirectional local<->actual identifier
// registry. Every runtime identifier that crosses
// the process boundary passes through a Registry: outbound, a local handle
// is looked up to find the actual one; inbound, a freshly-allocated local
// handle is wrapped around an actual one returned by the real runtime.
package handle

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Kind tags a Handle with the runtime object type it refers to. Kinds are
// packed into the top byte of the 64-bit value so kind confusion between,
// say, a Session and a Swapchain is unrepresentable once the handle has
// left the allocator.
type Kind uint8

const (
	// KindInstance identifies an XrInstance handle.
	KindInstance Kind = iota + 1
	// KindSession identifies an XrSession handle.
	KindSession
	// KindSpace identifies an XrSpace handle.
	KindSpace
	// KindSwapchain identifies an XrSwapchain handle.
	KindSwapchain
	// KindAction identifies an XrAction handle.
	KindAction
	// KindActionSet identifies an XrActionSet handle.
	KindActionSet
	// KindDebugMessenger identifies an XrDebugUtilsMessengerEXT handle.
	// Forwarded for overlays that install a debug messenger.
	KindDebugMessenger
)

// String returns the human-readable name of the kind.
func (k Kind) String() string {
	switch k {
	case KindInstance:
		return "Instance"
	case KindSession:
		return "Session"
	case KindSpace:
		return "Space"
	case KindSwapchain:
		return "Swapchain"
	case KindAction:
		return "Action"
	case KindActionSet:
		return "ActionSet"
	case KindDebugMessenger:
		return "DebugMessenger"
	default:
		return "Unknown"
	}
}

const kindShift = 56

// Handle is an opaque 64-bit runtime identifier. The top byte carries the
// Kind tag; the low 56 bits carry the monotonic counter value for local
// handles, or are runtime-defined for actual handles (which this package
// never inspects, only stores).
type Handle uint64

// Kind extracts the kind tag from a local handle. Calling it on an actual
// handle (one the registry never tagged) is meaningless; only local
// handles are tagged this way.
func (h Handle) Kind() Kind {
	return Kind(h >> kindShift)
}

func newLocal(kind Kind, counter uint64) Handle {
	return Handle(uint64(kind)<<kindShift | (counter & (1<<kindShift - 1)))
}

// Allocator hands out unique, nonzero, kind-tagged local handles from its
// own monotonic counter; the dispatch layer shares one Allocator across
// every connection, so that counter is process-wide. Local handles need no
// randomness, only never-reused-within-a-connection, so a plain atomic
// increment suffices.
type Allocator struct {
	counter atomic.Uint64
}

// NewAllocator creates an Allocator with its counter seeded at zero. The
// first handle allocated for any kind therefore has counter value 1 (the
// counter is pre-incremented so the zero handle, reserved to mean "no
// handle", is never allocated).
func NewAllocator() *Allocator {
	return &Allocator{}
}

// Allocate returns a new local handle tagged with kind. It never returns
// the zero handle and never repeats a value for the lifetime of the
// Allocator.
func (a *Allocator) Allocate(kind Kind) Handle {
	n := a.counter.Add(1)
	return newLocal(kind, n)
}

// Registry is the per-connection bijective local<->actual handle map
// kept bijective per (connection, kind): an actual handle appears in at
// most one entry. The registry lives on the main side of a connection;
// the overlay side holds only the local identifiers it has been told.
type Registry struct {
	mu    sync.RWMutex
	alloc *Allocator

	// local maps a local handle to its actual counterpart.
	local map[Handle]uint64
	// actual maps an actual runtime handle to the local handle wrapping it,
	// so repeated lookups of the same actual handle reuse the existing
	// mapping rather than double-wrapping it.
	actual map[uint64]Handle

	// lost records local handles destroyed implicitly by session loss, so
	// a subsequent stray destroy from the overlay succeeds-without-effect
	// instead of failing with ErrHandleInvalid.
	lost map[Handle]struct{}
}

// NewRegistry creates an empty Registry backed by alloc for inbound
// wrapping.
func NewRegistry(alloc *Allocator) *Registry {
	return &Registry{
		alloc:  alloc,
		local:  make(map[Handle]uint64),
		actual: make(map[uint64]Handle),
		lost:   make(map[Handle]struct{}),
	}
}

// ErrNotFound is returned by Resolve/Actual when a handle is not present in
// the registry.
var ErrNotFound = fmt.Errorf("handle: not found")

// Wrap records an actual (main-process-native) handle of the given kind and
// returns the local handle the overlay will use to refer to it from now on.
// If actual is already wrapped, the existing local handle is returned
// instead of allocating a new one, keeping the map bijective even if the
// real runtime returns a handle the caller already observed.
func (r *Registry) Wrap(kind Kind, actual uint64) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	if lh, ok := r.actual[actual]; ok {
		return lh
	}

	lh := r.alloc.Allocate(kind)
	r.local[lh] = actual
	r.actual[actual] = lh

	return lh
}

// Allocate creates a local handle of the given kind when no real runtime
// is wired to produce an actual counterpart, recording the local value
// itself as the actual placeholder so the registry stays bijective and
// Resolve/Release keep working uniformly.
func (r *Registry) Allocate(kind Kind) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	lh := r.alloc.Allocate(kind)
	r.local[lh] = uint64(lh)
	r.actual[uint64(lh)] = lh

	return lh
}

// Resolve translates a local handle to its actual counterpart. It fails if
// the handle was never registered, was destroyed, or does not carry the
// expected kind.
func (r *Registry) Resolve(kind Kind, lh Handle) (uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if lh.Kind() != kind {
		return 0, fmt.Errorf("handle: %w: want kind %s, got %s", ErrNotFound, kind, lh.Kind())
	}

	actual, ok := r.local[lh]
	if !ok {
		return 0, fmt.Errorf("handle: %w: %d", ErrNotFound, uint64(lh))
	}

	return actual, nil
}

// Local translates an actual handle back to the local handle wrapping it,
// used when the same actual handle resurfaces inside an output record
// (for instance a space referenced from within an event structure).
func (r *Registry) Local(actual uint64) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	lh, ok := r.actual[actual]

	return lh, ok
}

// Release destroys a local handle's mapping. Releasing a handle that was
// already marked lost-by-session, or was never registered, is a no-op:
// stray destroys on such handles succeed without effect.
func (r *Registry) Release(lh Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.releaseLocked(lh)
}

func (r *Registry) releaseLocked(lh Handle) {
	actual, ok := r.local[lh]
	if !ok {
		return
	}

	delete(r.local, lh)
	delete(r.actual, actual)
}

// MarkLost records lh as destroyed implicitly by the loss of its owning
// session, and releases its mapping. A later explicit destroy of the same
// handle from the overlay is recognized via IsLost and treated as a no-op
// success rather than ErrHandleInvalid.
func (r *Registry) MarkLost(lh Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.markLostLocked(lh)
}

func (r *Registry) markLostLocked(lh Handle) {
	r.releaseLocked(lh)
	r.lost[lh] = struct{}{}
}

// MarkAllLost marks every live mapping as lost, for session destruction
// and connection teardown: the session's children die with it, and stray
// destroys that arrive afterwards must succeed without effect.
func (r *Registry) MarkAllLost() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for lh := range r.local {
		r.markLostLocked(lh)
	}
}

// IsLost reports whether lh was previously marked lost by session loss.
func (r *Registry) IsLost(lh Handle) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.lost[lh]

	return ok
}

// Len reports the number of live (not released) handle mappings. Exposed
// for tests asserting bijection invariants and for the diagnostics API.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.local)
}
