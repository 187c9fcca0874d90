package gpu

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// FakeDevice is an in-process Device implementation used by tests on any
// platform: no real D3D11 involved. It records the key that last acquired
// each texture and ReleaseKeyedMutex fails for any other key; acquires
// themselves never block and never fail. CopyResource records which source
// texture landed in which destination for assertions. Same protocol, no
// real I/O.
type FakeDevice struct {
	mu sync.Mutex

	nextHandle atomic.Uint64
	nextNative atomic.Uint64

	owner      map[uintptr]Key // current keyed-mutex owner per texture
	sharedTex  map[SharedHandle]Texture
	duplicates map[SharedHandle]SharedHandle
	copyLog    []CopyRecord
	acquireLog []AcquireRecord
}

// CopyRecord records one CopyResource call for test assertions.
type CopyRecord struct {
	Dst, Src uintptr
}

// AcquireRecord records one keyed-mutex acquire for test assertions.
type AcquireRecord struct {
	Texture uintptr
	Key     Key
}

// NewFakeDevice creates an empty FakeDevice.
func NewFakeDevice() *FakeDevice {
	return &FakeDevice{
		owner:      make(map[uintptr]Key),
		sharedTex:  make(map[SharedHandle]Texture),
		duplicates: make(map[SharedHandle]SharedHandle),
	}
}

func (d *FakeDevice) allocNative() uintptr {
	return uintptr(d.nextNative.Add(1))
}

func (d *FakeDevice) allocHandle() SharedHandle {
	return SharedHandle(d.nextHandle.Add(1))
}

// CreateSwapchainTextures implements Device.
func (d *FakeDevice) CreateSwapchainTextures(ci CreateInfo, n int) ([]Texture, error) {
	if err := ci.Validate(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]Texture, n)
	for i := range out {
		out[i] = Texture{Native: d.allocNative()}
	}

	return out, nil
}

// CreateSharedTexture implements Device.
func (d *FakeDevice) CreateSharedTexture(ci CreateInfo) (Texture, error) {
	if err := ci.Validate(); err != nil {
		return Texture{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	tex := Texture{Native: d.allocNative(), Shared: d.allocHandle()}
	d.sharedTex[tex.Shared] = tex
	// A fresh texture is recorded as last held by the main side (KeyMain),
	// so the overlay's first acquire of KeyOverlay follows as an ordinary
	// handoff without a prior release.
	d.owner[tex.Native] = KeyMain

	return tex, nil
}

// DuplicateHandle implements Device.
func (d *FakeDevice) DuplicateHandle(h SharedHandle) (SharedHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	dup := d.allocHandle()
	d.duplicates[dup] = h

	return dup, nil
}

// OpenSharedResource implements Device.
func (d *FakeDevice) OpenSharedResource(h SharedHandle) (Texture, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	orig, ok := d.duplicates[h]
	if !ok {
		return Texture{}, fmt.Errorf("gpu: fake: unknown shared handle %d", h)
	}

	tex, ok := d.sharedTex[orig]
	if !ok {
		return Texture{}, fmt.Errorf("gpu: fake: shared texture for handle %d not found", orig)
	}

	return tex, nil
}

// AcquireKeyedMutex implements Device. The fake never blocks and never
// fails: it records key as the texture's current owner and logs the
// acquire.
func (d *FakeDevice) AcquireKeyedMutex(tex Texture, key Key) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	// Acquiring the opposite key from the current owner is always legal:
	// the previous holder released it to hand off.
	d.owner[tex.Native] = key
	d.acquireLog = append(d.acquireLog, AcquireRecord{Texture: tex.Native, Key: key})

	return nil
}

// ReleaseKeyedMutex implements Device.
func (d *FakeDevice) ReleaseKeyedMutex(tex Texture, key Key) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.owner[tex.Native] != key {
		return fmt.Errorf("gpu: fake: key %d not held on texture %d (held: %d)", key, tex.Native, d.owner[tex.Native])
	}

	// Ownership passes to the other side implicitly until next acquire.
	return nil
}

// CopyResource implements Device.
func (d *FakeDevice) CopyResource(dst, src Texture) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.copyLog = append(d.copyLog, CopyRecord{Dst: dst.Native, Src: src.Native})

	return nil
}

// CopyLog returns a copy of the recorded CopyResource calls, for test
// assertions.
func (d *FakeDevice) CopyLog() []CopyRecord {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]CopyRecord, len(d.copyLog))
	copy(out, d.copyLog)

	return out
}

// AcquireLog returns a copy of the recorded keyed-mutex acquires, for test
// assertions.
func (d *FakeDevice) AcquireLog() []AcquireRecord {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]AcquireRecord, len(d.acquireLog))
	copy(out, d.acquireLog)

	return out
}
