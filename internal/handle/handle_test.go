package handle_test

import (
	"math/rand"
	"testing"

	"github.com/dcrane/xroverlay/internal/handle"
)

func TestAllocateNeverZero(t *testing.T) {
	t.Parallel()

	alloc := handle.NewAllocator()
	for i := range 1000 {
		h := alloc.Allocate(handle.KindSession)
		if h == 0 {
			t.Fatalf("allocation %d: got zero handle", i)
		}
	}
}

func TestAllocateUnique(t *testing.T) {
	t.Parallel()

	alloc := handle.NewAllocator()
	seen := make(map[handle.Handle]struct{}, 1000)

	for range 1000 {
		h := alloc.Allocate(handle.KindSwapchain)
		if _, dup := seen[h]; dup {
			t.Fatalf("duplicate handle %d", h)
		}
		seen[h] = struct{}{}
	}
}

func TestAllocateKindTag(t *testing.T) {
	t.Parallel()

	alloc := handle.NewAllocator()

	h := alloc.Allocate(handle.KindSpace)
	if got := h.Kind(); got != handle.KindSpace {
		t.Fatalf("Kind() = %s, want Space", got)
	}
}

func TestRegistryWrapResolveBijective(t *testing.T) {
	t.Parallel()

	reg := handle.NewRegistry(handle.NewAllocator())

	lh1 := reg.Wrap(handle.KindSwapchain, 0xAAAA)
	lh2 := reg.Wrap(handle.KindSwapchain, 0xBBBB)

	if lh1 == lh2 {
		t.Fatalf("distinct actual handles wrapped to the same local handle")
	}

	actual, err := reg.Resolve(handle.KindSwapchain, lh1)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if actual != 0xAAAA {
		t.Fatalf("Resolve = %x, want 0xAAAA", actual)
	}

	local, ok := reg.Local(0xBBBB)
	if !ok || local != lh2 {
		t.Fatalf("Local(0xBBBB) = (%d, %v), want (%d, true)", local, ok, lh2)
	}
}

func TestRegistryWrapIdempotent(t *testing.T) {
	t.Parallel()

	reg := handle.NewRegistry(handle.NewAllocator())

	lh1 := reg.Wrap(handle.KindSession, 0x1234)
	lh2 := reg.Wrap(handle.KindSession, 0x1234)

	if lh1 != lh2 {
		t.Fatalf("wrapping the same actual handle twice produced distinct local handles")
	}
	if reg.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", reg.Len())
	}
}

func TestRegistryResolveWrongKind(t *testing.T) {
	t.Parallel()

	reg := handle.NewRegistry(handle.NewAllocator())
	lh := reg.Wrap(handle.KindSession, 1)

	if _, err := reg.Resolve(handle.KindSwapchain, lh); err == nil {
		t.Fatal("Resolve with wrong kind succeeded, want error")
	}
}

func TestRegistryReleaseThenResolveFails(t *testing.T) {
	t.Parallel()

	reg := handle.NewRegistry(handle.NewAllocator())
	lh := reg.Wrap(handle.KindAction, 7)

	reg.Release(lh)

	if _, err := reg.Resolve(handle.KindAction, lh); err == nil {
		t.Fatal("Resolve after Release succeeded, want error")
	}
	if reg.Len() != 0 {
		t.Fatalf("Len() = %d after Release, want 0", reg.Len())
	}
}

func TestRegistryReleaseUnknownIsNoop(t *testing.T) {
	t.Parallel()

	reg := handle.NewRegistry(handle.NewAllocator())
	reg.Release(handle.Handle(0xDEADBEEF)) // must not panic
}

func TestRegistryMarkLostThenReleaseIsNoop(t *testing.T) {
	t.Parallel()

	reg := handle.NewRegistry(handle.NewAllocator())
	lh := reg.Wrap(handle.KindSpace, 42)

	reg.MarkLost(lh)

	if !reg.IsLost(lh) {
		t.Fatal("IsLost = false after MarkLost")
	}

	// A stray destroy from the overlay after session loss must not panic
	// or otherwise misbehave; it is a no-op.
	reg.Release(lh)

	if _, err := reg.Resolve(handle.KindSpace, lh); err == nil {
		t.Fatal("Resolve succeeded for a handle lost by session")
	}
}

// TestRegistryBijectionUnderRandomInterleaving: across any interleaving
// of create/destroy, the registry remains bijective, and a destroyed
// local handle never returns in later outputs.
func TestRegistryBijectionUnderRandomInterleaving(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(1))
	reg := handle.NewRegistry(handle.NewAllocator())

	live := make(map[handle.Handle]uint64)
	dead := make(map[handle.Handle]struct{})
	var nextActual uint64

	kinds := []handle.Kind{handle.KindSession, handle.KindSpace, handle.KindSwapchain, handle.KindAction}

	for range 5000 {
		if len(live) == 0 || rng.Intn(2) == 0 {
			nextActual++
			kind := kinds[rng.Intn(len(kinds))]
			lh := reg.Wrap(kind, nextActual)

			if _, wasDead := dead[lh]; wasDead {
				t.Fatalf("destroyed handle %d reappeared in a later Wrap", lh)
			}

			live[lh] = nextActual

			continue
		}

		// Destroy a random live handle.
		var victim handle.Handle
		for h := range live {
			victim = h

			break
		}

		reg.Release(victim)
		delete(live, victim)
		dead[victim] = struct{}{}
	}

	if reg.Len() != len(live) {
		t.Fatalf("Len() = %d, want %d", reg.Len(), len(live))
	}

	for lh, actual := range live {
		got, err := reg.Resolve(lh.Kind(), lh)
		if err != nil {
			t.Fatalf("Resolve(%d): %v", lh, err)
		}
		if got != actual {
			t.Fatalf("Resolve(%d) = %d, want %d", lh, got, actual)
		}
	}
}

// TestAllocatePlaceholderResolves covers the no-runtime path: a handle
// allocated without an actual counterpart resolves to its own value, so
// Resolve and Release behave uniformly whether or not a runtime is
// wired.
func TestAllocatePlaceholderResolves(t *testing.T) {
	t.Parallel()

	reg := handle.NewRegistry(handle.NewAllocator())

	lh := reg.Allocate(handle.KindSwapchain)

	got, err := reg.Resolve(handle.KindSwapchain, lh)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != uint64(lh) {
		t.Fatalf("placeholder actual = %d, want %d", got, uint64(lh))
	}

	if back, ok := reg.Local(uint64(lh)); !ok || back != lh {
		t.Fatalf("Local = %d, %v; want %d", back, ok, lh)
	}

	reg.Release(lh)

	if _, err := reg.Resolve(handle.KindSwapchain, lh); err == nil {
		t.Fatal("placeholder still resolves after Release")
	}

	if reg.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", reg.Len())
	}
}
