//go:build !windows

package ipc

import "github.com/dcrane/xroverlay/internal/xrerr"

// NewMainConnection and OpenOverlayConnection are Windows-only; this file
// is the non-Windows stub, returning xrerr.ErrUnsupportedPlatform.
// Everything else in the module is exercised against Loopback instead.

// NewMainConnection is unavailable outside Windows.
func NewMainConnection(name string, size uint32, overlayPID uint32) (Transport, error) {
	return nil, xrerr.ErrUnsupportedPlatform
}

// OpenOverlayConnection is unavailable outside Windows.
func OpenOverlayConnection(name string, size uint32, mainPID uint32) (Transport, error) {
	return nil, xrerr.ErrUnsupportedPlatform
}
