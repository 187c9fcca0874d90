//go:build !windows

package gpu

import "github.com/dcrane/xroverlay/internal/xrerr"

// WindowsDevice is unavailable outside Windows; the mediation layer's
// texture bridge has no non-Windows transport.
type WindowsDevice struct{}

// NewWindowsDevice exists only to match the Windows build's constructor
// signature; the returned device answers every call with
// ErrUnsupportedPlatform.
func NewWindowsDevice(uintptr, uintptr) *WindowsDevice {
	return &WindowsDevice{}
}

func (w *WindowsDevice) CreateSwapchainTextures(CreateInfo, int) ([]Texture, error) {
	return nil, xrerr.ErrUnsupportedPlatform
}

func (w *WindowsDevice) CreateSharedTexture(CreateInfo) (Texture, error) {
	return Texture{}, xrerr.ErrUnsupportedPlatform
}

func (w *WindowsDevice) DuplicateHandle(SharedHandle) (SharedHandle, error) {
	return 0, xrerr.ErrUnsupportedPlatform
}

func (w *WindowsDevice) OpenSharedResource(SharedHandle) (Texture, error) {
	return Texture{}, xrerr.ErrUnsupportedPlatform
}

func (w *WindowsDevice) AcquireKeyedMutex(Texture, Key) error {
	return xrerr.ErrUnsupportedPlatform
}

func (w *WindowsDevice) ReleaseKeyedMutex(Texture, Key) error {
	return xrerr.ErrUnsupportedPlatform
}

func (w *WindowsDevice) CopyResource(dst, src Texture) error {
	return xrerr.ErrUnsupportedPlatform
}
