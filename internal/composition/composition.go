// Package composition implements the per-connection composition layer
// store: the overlay's currently-registered layers, their
// insertion placement relative to the main application's own layers, and
// the deferred-destroy bookkeeping for swapchains/spaces an end-frame
// still references.
//
// Destroys pending in a "removed but still referenced" set are only
// actually carried out once a later pass confirms nothing still needs
// them, rather than being applied eagerly at the moment they are
// requested.
package composition

import "sync"

// Layer is a single composition layer the overlay has submitted, already
// deep-copied so the store never aliases caller memory.
type Layer struct {
	// SwapchainHandle is the local handle of the swapchain this
	// layer samples from.
	SwapchainHandle uint64
	// SpaceHandle is the local handle of the reference space this layer is
	// positioned in.
	SpaceHandle uint64

	// Type distinguishes a projection layer from a quad layer (chain.Kind
	// carries the wire encoding; this is the store's in-memory shape).
	Type LayerType

	// Opaque is the layer record's full flat encoding (pose, size, views
	// and the rest); it is opaque to this package: it stores and reorders
	// layers, it never interprets their geometry.
	Opaque []byte
}

// LayerType distinguishes the two layer shapes the chain records
// describe.
type LayerType int

const (
	LayerProjection LayerType = iota
	LayerQuad
)

// Store holds one connection's registered layers and deferred-destroy
// set. Placement is a signed integer: negative values sort the overlay's
// layers below the main application's own layers in the composited array,
// positive values sort them above.
type Store struct {
	mu sync.Mutex

	placement int32
	layers    []Layer

	// referenced tracks handles (swapchain or space) that a currently
	// registered layer still points at; RequestDestroy and Sweep consult
	// this before a pending destroy in deferred is allowed to fire.
	referenced map[uint64]struct{}

	// deferred holds handles whose destroy was requested while still
	// referenced by a layer. Sweep removes an entry once it is no longer
	// referenced.
	deferred map[uint64]struct{}
}

// NewStore creates an empty layer store with the given placement.
func NewStore(placement int32) *Store {
	return &Store{
		placement:  placement,
		referenced: make(map[uint64]struct{}),
		deferred:   make(map[uint64]struct{}),
	}
}

// Placement reports the configured insertion position.
func (s *Store) Placement() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.placement
}

// ReplaceLayers deep-copies layers into the store, recomputing the
// referenced-handle set from the new layer list.
func (s *Store) ReplaceLayers(layers []Layer, capacity int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if capacity > 0 && len(layers) > capacity {
		layers = layers[:capacity]
	}

	cp := make([]Layer, len(layers))
	for i, l := range layers {
		opaque := make([]byte, len(l.Opaque))
		copy(opaque, l.Opaque)
		l.Opaque = opaque
		cp[i] = l
	}

	s.layers = cp

	s.referenced = make(map[uint64]struct{}, len(cp)*2)
	for _, l := range cp {
		if l.SwapchainHandle != 0 {
			s.referenced[l.SwapchainHandle] = struct{}{}
		}
		if l.SpaceHandle != 0 {
			s.referenced[l.SpaceHandle] = struct{}{}
		}
	}
}

// Layers returns a snapshot of the currently registered layers, in
// placement order for injection into the main's end-frame layer array.
func (s *Store) Layers() []Layer {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Layer, len(s.layers))
	copy(out, s.layers)

	return out
}

// RequestDestroy records a destroy request for handle. If the handle is
// not currently referenced by a registered layer, it returns true meaning
// the caller may destroy it immediately. Otherwise the handle is recorded
// in the deferred set and false is returned; the caller must not destroy
// it until a later Sweep call reports it clear.
func (s *Store) RequestDestroy(handle uint64) (immediate bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, refd := s.referenced[handle]; !refd {
		return true
	}

	s.deferred[handle] = struct{}{}

	return false
}

// Sweep is called after every main end-frame observes the current layer
// set (i.e. after a ReplaceLayers or unchanged pass): it returns the
// subset of deferred handles that are no longer referenced, and clears
// them from the deferred set so they are reported exactly once.
func (s *Store) Sweep() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.deferred) == 0 {
		return nil
	}

	var ready []uint64
	for h := range s.deferred {
		if _, refd := s.referenced[h]; !refd {
			ready = append(ready, h)
			delete(s.deferred, h)
		}
	}

	return ready
}

// PendingCount reports the number of handles still waiting on a deferred
// destroy, for diagnostics.
func (s *Store) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.deferred)
}

// Clear empties the layer list and both the referenced and deferred sets,
// for connection teardown.
// Any destroy still waiting in the deferred set at teardown is abandoned
// rather than fired, since the connection (and therefore the layers that
// were referencing the handle) no longer exists.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.layers = nil
	s.referenced = make(map[uint64]struct{})
	s.deferred = make(map[uint64]struct{})
}

// Inject returns the composed layer array for the main's end-frame:
// mainLayers with the store's overlay layers spliced in at the position
// placement indicates. Callers that must rewrite the layer bytes first
// (handle translation) pull Layers themselves and use Splice.
func (s *Store) Inject(mainLayers [][]byte) [][]byte {
	overlay := s.Layers()

	overlayRaw := make([][]byte, len(overlay))
	for i, l := range overlay {
		overlayRaw[i] = l.Opaque
	}

	return s.Splice(mainLayers, overlayRaw)
}

// Splice composes mainLayers with already-rendered overlay layer bytes at
// the configured placement: a negative placement puts every overlay layer
// before mainLayers, zero or positive puts them all after. Only the sign
// is used; the magnitude does not select a position inside mainLayers.
func (s *Store) Splice(mainLayers, overlayRaw [][]byte) [][]byte {
	if len(overlayRaw) == 0 {
		return mainLayers
	}

	if s.Placement() < 0 {
		return append(append([][]byte{}, overlayRaw...), mainLayers...)
	}

	return append(append([][]byte{}, mainLayers...), overlayRaw...)
}
