// Package gpu implements the per-swapchain shared-NT-handle texture
// bridge: on the main side, runtime-owned swapchain images are kept in
// sync with overlay-rendered frames via a keyed-mutex handoff and a
// single GPU copy-resource per release; on the overlay side,
// shared-handle textures are created and their handles duplicated into
// the main process.
//
// The platform-specific D3D11/DXGI calls (gpu_windows.go) use
// manually-resolved COM vtable calls (syscall.SyscallN against an offset
// into the interface's vtable) rather than a generated COM binding. Everything in this file is
// expressed against the Device interface so the bridge's bookkeeping
// (held-handle sets, acquisition queues, opened-alias cache) can be built
// and tested without the windows build tag, using the fake Device in
// gpu_fake.go.
package gpu

import (
	"errors"
	"fmt"
	"sync"
)

// Key identifies which side of a keyed-mutex pair currently owns a shared
// texture. The cross-process protocol fixes these values.
type Key uint32

const (
	// KeyOverlay is the keyed-mutex key the overlay GPU queue acquires to
	// render into a shared texture.
	KeyOverlay Key = 0
	// KeyMain is the keyed-mutex key the main GPU queue acquires to copy
	// out of a shared texture into a runtime-owned image.
	KeyMain Key = 1
)

var (
	// ErrNotAcquired is returned by Wait/Release when the target image
	// index was not at the front of the acquisition queue -- a protocol
	// violation, surfaced to callers as CallOrderInvalid.
	ErrNotAcquired = errors.New("gpu: image not at front of acquisition queue")

	// ErrNotHeld is returned when a release is requested for a shared
	// handle the bridge does not believe is currently held by the
	// overlay.
	ErrNotHeld = errors.New("gpu: shared handle not held by overlay")

	// ErrUnsupportedSwapchain is returned for swapchain creation requests
	// outside the supported subset (mip-count > 1 or
	// array-size > 1).
	ErrUnsupportedSwapchain = errors.New("gpu: unsupported swapchain configuration")
)

// SharedHandle is an opaque duplicated NT handle to a shared D3D11
// texture. Its value is only meaningful to the Device that produced it
// and the process it was duplicated into.
type SharedHandle uintptr

// Texture is a single runtime-owned or shared-NT-handle texture tracked
// by the bridge. The bridge itself never touches pixel data; Device does
// all of the actual GPU work.
type Texture struct {
	// Native is the Device-specific handle to the underlying
	// ID3D11Texture2D (an opaque value from the Device's point of view).
	Native uintptr
	// Shared is set for textures created with the shared-NT-handle flag;
	// zero for plain runtime-owned swapchain images.
	Shared SharedHandle
}

// CreateInfo describes a swapchain creation request, the subset of
// XrSwapchainCreateInfo this bridge understands; multi-mip and
// multi-array-layer swapchains are Unsupported.
type CreateInfo struct {
	Width, Height uint32
	Format        uint32
	MipCount      uint32
	ArraySize     uint32
}

// Validate rejects configurations outside the supported subset.
func (ci CreateInfo) Validate() error {
	if ci.MipCount > 1 || ci.ArraySize > 1 {
		return ErrUnsupportedSwapchain
	}
	return nil
}

// Device abstracts the D3D11 operations the bridge needs: creating
// runtime-owned swapchain textures (main side), creating shared-NT-handle
// overlay textures (overlay side), opening a shared handle once per
// unique value, acquiring/releasing the keyed mutex, and copying one
// texture into another. gpu_windows.go implements this against real D3D11
// COM vtables; gpu_fake.go implements it in-process for tests.
type Device interface {
	// CreateSwapchainTextures allocates n runtime-owned textures per ci,
	// returning them in acquisition order.
	CreateSwapchainTextures(ci CreateInfo, n int) ([]Texture, error)

	// CreateSharedTexture allocates one shared-NT-handle,
	// keyed-mutex-enabled texture per ci, usable from the overlay side.
	CreateSharedTexture(ci CreateInfo) (Texture, error)

	// DuplicateHandle duplicates a shared texture's handle into the main
	// process, performed by the overlay once per texture at swapchain
	// creation.
	DuplicateHandle(h SharedHandle) (SharedHandle, error)

	// OpenSharedResource opens (once per unique handle; the bridge caches
	// the result) a texture alias for a shared handle duplicated from the
	// overlay process.
	OpenSharedResource(h SharedHandle) (Texture, error)

	// AcquireKeyedMutex blocks until key is acquirable on tex's keyed
	// mutex.
	AcquireKeyedMutex(tex Texture, key Key) error

	// ReleaseKeyedMutex releases tex's keyed mutex, handing ownership to
	// whichever side next acquires with the released key.
	ReleaseKeyedMutex(tex Texture, key Key) error

	// CopyResource issues a GPU copy from src into dst.
	CopyResource(dst, src Texture) error
}

// SwapchainBridge is the main-side per-swapchain state: the
// runtime-owned textures, the
// set of shared handles currently held by the overlay, a cache of opened
// aliases, and the FIFO of acquired indices.
type SwapchainBridge struct {
	mu sync.Mutex

	dev      Device
	textures []Texture

	// openedAliases caches one opened Texture per unique shared handle,
	// (opens the shared resource once per unique
	// handle, cached").
	openedAliases map[SharedHandle]Texture

	// heldByOverlay records which shared handles are currently
	// "held by overlay" between wait and release, step
	// 1 under wait-swapchain-image.
	heldByOverlay map[SharedHandle]struct{}

	// acquired is the FIFO of runtime image indices currently acquired
	// but not yet released, enforcing the acquire->wait->
	// release ordering invariant.
	acquired []int
}

// NewSwapchainBridge creates a bridge over n runtime-owned textures
// already obtained from dev.
func NewSwapchainBridge(dev Device, textures []Texture) *SwapchainBridge {
	return &SwapchainBridge{
		dev:           dev,
		textures:      textures,
		openedAliases: make(map[SharedHandle]Texture),
		heldByOverlay: make(map[SharedHandle]struct{}),
	}
}

// ImageCount reports the number of runtime-owned images, the value
// returned to the overlay at create-swapchain time.
func (b *SwapchainBridge) ImageCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.textures)
}

// Acquire records index as newly acquired, appending it to the FIFO.
// Mirrors the real runtime's xrAcquireSwapchainImage; the bridge does not
// choose the index itself, it only tracks the order for Wait/Release to
// validate against.
func (b *SwapchainBridge) Acquire(index int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.acquired = append(b.acquired, index)
}

// Wait records sharedHandle as held by the overlay for the image at the
// front of the acquisition queue, the first half of the
// wait-swapchain-image handoff.
func (b *SwapchainBridge) Wait(sharedHandle SharedHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.acquired) == 0 {
		return ErrNotAcquired
	}

	b.heldByOverlay[sharedHandle] = struct{}{}

	return nil
}

// Release performs the main side of release-swapchain-image: opens
// (or reuses) the shared resource, acquires the keyed mutex with KeyMain
// (blocking until the overlay releases it), issues exactly one
// copy-resource from the shared texture into the runtime-owned image at
// the front of the acquisition queue, calls onCopy (if non-nil, used by
// callers to record a metrics observation), then pops the queue and
// clears the held-by-overlay marker.
func (b *SwapchainBridge) Release(sharedHandle SharedHandle, onCopy func()) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.acquired) == 0 {
		return ErrNotAcquired
	}

	if _, held := b.heldByOverlay[sharedHandle]; !held {
		return ErrNotHeld
	}

	alias, ok := b.openedAliases[sharedHandle]
	if !ok {
		var err error
		alias, err = b.dev.OpenSharedResource(sharedHandle)
		if err != nil {
			return fmt.Errorf("gpu: open shared resource: %w", err)
		}
		b.openedAliases[sharedHandle] = alias
	}

	if err := b.dev.AcquireKeyedMutex(alias, KeyMain); err != nil {
		return fmt.Errorf("gpu: acquire keyed mutex MAIN: %w", err)
	}

	index := b.acquired[0]
	dst := b.textures[index]

	if err := b.dev.CopyResource(dst, alias); err != nil {
		b.dev.ReleaseKeyedMutex(alias, KeyMain) //nolint:errcheck // best-effort unwind
		return fmt.Errorf("gpu: copy resource: %w", err)
	}

	if onCopy != nil {
		onCopy()
	}

	if err := b.dev.ReleaseKeyedMutex(alias, KeyMain); err != nil {
		return fmt.Errorf("gpu: release keyed mutex MAIN: %w", err)
	}

	b.acquired = b.acquired[1:]
	delete(b.heldByOverlay, sharedHandle)

	return nil
}

// ForceReleaseAll forcibly clears every held-by-overlay handle with the
// OVERLAY key, so that after connection teardown subsequent destroys can
// still acquire.
func (b *SwapchainBridge) ForceReleaseAll() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for h := range b.heldByOverlay {
		if alias, ok := b.openedAliases[h]; ok {
			b.dev.ReleaseKeyedMutex(alias, KeyOverlay) //nolint:errcheck // best-effort teardown
		}
		delete(b.heldByOverlay, h)
	}

	b.acquired = nil
}

// OverlaySwapchain is the overlay-side per-swapchain state: the
// locally-created shared
// textures, their duplicated (main-owned) handles, and the FIFO of
// acquired indices. The shared handle list has the same length and order
// as the texture list, always the same length and order.
type OverlaySwapchain struct {
	mu sync.Mutex

	dev      Device
	textures []Texture
	// duplicated[i] is the handle textures[i].Shared duplicated into the
	// main process, which the overlay references in subsequent IPC calls
	// (it never sends its own local Shared handle across the boundary).
	duplicated []SharedHandle

	acquired []int
}

// NewOverlaySwapchain creates n local shared-NT-handle textures per ci and
// duplicates each one's handle into the main process via dev.
func NewOverlaySwapchain(dev Device, ci CreateInfo, n int) (*OverlaySwapchain, error) {
	if err := ci.Validate(); err != nil {
		return nil, err
	}

	os := &OverlaySwapchain{dev: dev}

	for i := 0; i < n; i++ {
		tex, err := dev.CreateSharedTexture(ci)
		if err != nil {
			return nil, fmt.Errorf("gpu: create shared texture %d: %w", i, err)
		}

		dup, err := dev.DuplicateHandle(tex.Shared)
		if err != nil {
			return nil, fmt.Errorf("gpu: duplicate handle %d: %w", i, err)
		}

		os.textures = append(os.textures, tex)
		os.duplicated = append(os.duplicated, dup)
	}

	return os, nil
}

// ImageCount reports the number of local textures.
func (o *OverlaySwapchain) ImageCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	return len(o.textures)
}

// DuplicatedHandle returns the main-owned duplicated handle for the
// texture at index, the value the overlay references in wait/release
// calls.
func (o *OverlaySwapchain) DuplicatedHandle(index int) (SharedHandle, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if index < 0 || index >= len(o.duplicated) {
		return 0, fmt.Errorf("gpu: image index %d out of range", index)
	}

	return o.duplicated[index], nil
}

// Acquire records index as newly acquired.
func (o *OverlaySwapchain) Acquire(index int) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.acquired = append(o.acquired, index)
}

// Wait acquires the keyed mutex with KeyOverlay for the image at the
// front of the acquisition queue, making the texture owned by the
// overlay GPU queue.
func (o *OverlaySwapchain) Wait() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.acquired) == 0 {
		return ErrNotAcquired
	}

	tex := o.textures[o.acquired[0]]

	return o.dev.AcquireKeyedMutex(tex, KeyOverlay)
}

// Release releases the keyed mutex with KeyMain for the image at the
// front of the acquisition queue (handing ownership to the main side's
// Release), then pops the queue.
func (o *OverlaySwapchain) Release() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.acquired) == 0 {
		return ErrNotAcquired
	}

	tex := o.textures[o.acquired[0]]

	if err := o.dev.ReleaseKeyedMutex(tex, KeyMain); err != nil {
		return err
	}

	o.acquired = o.acquired[1:]

	return nil
}
