//go:build windows

package gpu

import (
	"fmt"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

// COM vtable calling infrastructure: obj is a pointer to a COM interface
// (pointer to pointer to vtable), and the method is invoked via
// syscall.SyscallN against the vtable slot at the given index. No
// generated COM binding is used.
func comCall(obj uintptr, vtableIdx int, args ...uintptr) (uintptr, error) {
	vtablePtr := *(*uintptr)(unsafe.Pointer(obj))
	fnPtr := *(*uintptr)(unsafe.Pointer(vtablePtr + uintptr(vtableIdx)*unsafe.Sizeof(uintptr(0))))

	allArgs := make([]uintptr, 0, 1+len(args))
	allArgs = append(allArgs, obj)
	allArgs = append(allArgs, args...)

	ret, _, _ := syscall.SyscallN(fnPtr, allArgs...)

	if int32(ret) < 0 {
		return ret, fmt.Errorf("gpu: COM vtable[%d] HRESULT 0x%08X", vtableIdx, uint32(ret))
	}

	return ret, nil
}

func comRelease(obj uintptr) {
	if obj != 0 {
		comCall(obj, 2) //nolint:errcheck // IUnknown::Release never fails meaningfully here
	}
}

// D3D11/DXGI COM vtable indices (IUnknown's 3 slots precede every
// interface-specific one).
const (
	d3d11DeviceCreateTexture2D           = 5  // ID3D11Device
	d3d11DeviceOpenSharedResource1       = 51 // ID3D11Device1
	d3d11Device1CreateDeviceContextState = 27
	d3d11CtxCopyResource                 = 47 // ID3D11DeviceContext
	dxgiResourceGetSharedHandle          = 7  // IDXGIResource
	dxgiResource1CreateSharedHandle      = 10 // IDXGIResource1
	dxgiKeyedMutexAcquireSync            = 7  // IDXGIKeyedMutex
	dxgiKeyedMutexReleaseSync            = 8  // IDXGIKeyedMutex
)

const (
	d3d11UsageDefault                 = 0
	d3d11BindRenderTarget             = 0x20
	d3d11BindShaderResource           = 0x8
	d3d11ResourceMiscSharedNTHandle   = 0x800
	d3d11ResourceMiscSharedKeyedMutex = 0x10000

	dxgiSharedResourceRead  = 0x80000000
	dxgiSharedResourceWrite = 1

	infiniteWait = 0xFFFFFFFF
)

// d3d11Texture2DDesc matches D3D11_TEXTURE2D_DESC field for field.
type d3d11Texture2DDesc struct {
	Width          uint32
	Height         uint32
	MipLevels      uint32
	ArraySize      uint32
	Format         uint32
	SampleCount    uint32
	SampleQuality  uint32
	Usage          uint32
	BindFlags      uint32
	CPUAccessFlags uint32
	MiscFlags      uint32
}

// WindowsDevice implements Device against a real ID3D11Device1 +
// ID3D11DeviceContext pair, obtained from the main application's own D3D11
// binding. The device must already be flagged multithread-protected
// before any overlay operation runs; this package never creates the
// device itself, since the mediation layer shares the host application's
// device rather than creating a competing one.
type WindowsDevice struct {
	device  uintptr // ID3D11Device1*
	context uintptr // ID3D11DeviceContext*
	process windows.Handle
}

// NewWindowsDevice wraps an existing ID3D11Device1/ID3D11DeviceContext
// pair obtained from the graphics binding chain record supplied at
// session creation.
func NewWindowsDevice(device, context uintptr) *WindowsDevice {
	return &WindowsDevice{device: device, context: context, process: windows.CurrentProcess()}
}

func (w *WindowsDevice) createTexture2D(ci CreateInfo, misc uint32) (uintptr, error) {
	desc := d3d11Texture2DDesc{
		Width:       ci.Width,
		Height:      ci.Height,
		MipLevels:   1,
		ArraySize:   1,
		Format:      ci.Format,
		SampleCount: 1,
		Usage:       d3d11UsageDefault,
		BindFlags:   d3d11BindRenderTarget | d3d11BindShaderResource,
		MiscFlags:   misc,
	}

	var texOut uintptr

	_, err := comCall(w.device, d3d11DeviceCreateTexture2D,
		uintptr(unsafe.Pointer(&desc)), 0, uintptr(unsafe.Pointer(&texOut)))
	if err != nil {
		return 0, fmt.Errorf("gpu: CreateTexture2D: %w", err)
	}

	return texOut, nil
}

// CreateSwapchainTextures implements Device.
func (w *WindowsDevice) CreateSwapchainTextures(ci CreateInfo, n int) ([]Texture, error) {
	if err := ci.Validate(); err != nil {
		return nil, err
	}

	out := make([]Texture, n)
	for i := range out {
		native, err := w.createTexture2D(ci, 0)
		if err != nil {
			return nil, fmt.Errorf("gpu: swapchain texture %d: %w", i, err)
		}
		out[i] = Texture{Native: native}
	}

	return out, nil
}

// CreateSharedTexture implements Device.
func (w *WindowsDevice) CreateSharedTexture(ci CreateInfo) (Texture, error) {
	if err := ci.Validate(); err != nil {
		return Texture{}, err
	}

	native, err := w.createTexture2D(ci, d3d11ResourceMiscSharedNTHandle|d3d11ResourceMiscSharedKeyedMutex)
	if err != nil {
		return Texture{}, err
	}

	var handle uintptr

	_, err = comCall(native, dxgiResource1CreateSharedHandle,
		0, dxgiSharedResourceRead|dxgiSharedResourceWrite, 0, uintptr(unsafe.Pointer(&handle)))
	if err != nil {
		comRelease(native)
		return Texture{}, fmt.Errorf("gpu: CreateSharedHandle: %w", err)
	}

	return Texture{Native: native, Shared: SharedHandle(handle)}, nil
}

// DuplicateHandle implements Device: duplicates a shared NT handle into
// this process (normally the main process, target of the overlay's
// duplication call at swapchain creation).
func (w *WindowsDevice) DuplicateHandle(h SharedHandle) (SharedHandle, error) {
	var dup windows.Handle

	err := windows.DuplicateHandle(
		w.process, windows.Handle(h),
		w.process, &dup,
		0, false, windows.DUPLICATE_SAME_ACCESS,
	)
	if err != nil {
		return 0, fmt.Errorf("gpu: DuplicateHandle: %w", err)
	}

	return SharedHandle(dup), nil
}

// OpenSharedResource implements Device via
// ID3D11Device1::OpenSharedResource1.
func (w *WindowsDevice) OpenSharedResource(h SharedHandle) (Texture, error) {
	var tex uintptr

	iid := iidID3D11Texture2D

	_, err := comCall(w.device, d3d11DeviceOpenSharedResource1,
		uintptr(h), uintptr(unsafe.Pointer(&iid)), uintptr(unsafe.Pointer(&tex)))
	if err != nil {
		return Texture{}, fmt.Errorf("gpu: OpenSharedResource1: %w", err)
	}

	return Texture{Native: tex, Shared: h}, nil
}

// AcquireKeyedMutex implements Device via IDXGIKeyedMutex::AcquireSync,
// blocking (INFINITE timeout) until key is free.
func (w *WindowsDevice) AcquireKeyedMutex(tex Texture, key Key) error {
	_, err := comCall(tex.Native, dxgiKeyedMutexAcquireSync, uintptr(key), infiniteWait)
	if err != nil {
		return fmt.Errorf("gpu: AcquireSync(key=%d): %w", key, err)
	}

	return nil
}

// ReleaseKeyedMutex implements Device via IDXGIKeyedMutex::ReleaseSync.
func (w *WindowsDevice) ReleaseKeyedMutex(tex Texture, key Key) error {
	_, err := comCall(tex.Native, dxgiKeyedMutexReleaseSync, uintptr(key))
	if err != nil {
		return fmt.Errorf("gpu: ReleaseSync(key=%d): %w", key, err)
	}

	return nil
}

// CopyResource implements Device via ID3D11DeviceContext::CopyResource.
func (w *WindowsDevice) CopyResource(dst, src Texture) error {
	_, err := comCall(w.context, d3d11CtxCopyResource, dst.Native, src.Native)
	if err != nil {
		return fmt.Errorf("gpu: CopyResource: %w", err)
	}

	return nil
}

// iidID3D11Texture2D is the COM GUID for ID3D11Texture2D.
var iidID3D11Texture2D = comGUID{0x6f15aaf2, 0xd208, 0x4e89, [8]byte{0x9a, 0xb4, 0x48, 0x95, 0x35, 0xd3, 0x4f, 0x9c}}

type comGUID struct {
	Data1 uint32
	Data2 uint16
	Data3 uint16
	Data4 [8]byte
}
