//go:build windows

package ipc

import (
	"context"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/dcrane/xroverlay/internal/xrerr"
)

// WaitForMultipleObjects is not wrapped by golang.org/x/sys/windows, so
// it is resolved manually: a NewLazySystemDLL lookup plus an explicit
// .Call().
var (
	kernel32                   = windows.NewLazySystemDLL("kernel32.dll")
	procWaitForMultipleObjects = kernel32.NewProc("WaitForMultipleObjects")
)

const (
	waitObject0  = 0x00000000
	waitTimeout  = 0x00000102
	waitFailed   = 0xFFFFFFFF
	infiniteWait = 0xFFFFFFFF
)

func waitForMultipleObjects(handles []windows.Handle, waitAll bool, timeoutMillis uint32) (uint32, error) {
	var waitAllFlag uintptr
	if waitAll {
		waitAllFlag = 1
	}

	r1, _, err := procWaitForMultipleObjects.Call(
		uintptr(len(handles)),
		uintptr(unsafe.Pointer(&handles[0])),
		waitAllFlag,
		uintptr(timeoutMillis),
	)

	result := uint32(r1)
	if result == waitFailed {
		return result, fmt.Errorf("WaitForMultipleObjects: %w", err)
	}

	return result, nil
}

// Connection is the Windows-native Transport: a named file mapping, two
// named semaphores, and a duplicated peer process handle. The
// serialization mutex is a plain sync.Mutex, not a named kernel object --
// it only ever needs to serialize threads inside the process that owns
// this Connection value, never across the process boundary.
type Connection struct {
	mu sync.Mutex

	mapping windows.Handle
	view    uintptr
	region  []byte

	requestReady  windows.Handle
	responseReady windows.Handle
	peerProcess   windows.Handle
}

// createOrOpenMapping creates the named file mapping if create is true,
// or opens an existing one otherwise, then maps it into this process's
// address space.
func createOrOpenMapping(name string, size uint32, create bool) (windows.Handle, uintptr, []byte, error) {
	namePtr, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("ipc: invalid mapping name %q: %w", name, err)
	}

	var mapping windows.Handle

	if create {
		mapping, err = windows.CreateFileMapping(
			windows.InvalidHandle, nil, windows.PAGE_READWRITE, 0, size, namePtr)
	} else {
		mapping, err = windows.OpenFileMapping(windows.FILE_MAP_ALL_ACCESS, false, namePtr)
	}

	if err != nil {
		return 0, 0, nil, fmt.Errorf("ipc: open shared region %q: %w", name, err)
	}

	view, err := windows.MapViewOfFile(mapping, windows.FILE_MAP_ALL_ACCESS, 0, 0, uintptr(size))
	if err != nil {
		windows.CloseHandle(mapping)
		return 0, 0, nil, fmt.Errorf("ipc: map shared region %q: %w", name, err)
	}

	region := unsafe.Slice((*byte)(unsafe.Pointer(view)), size)

	return mapping, view, region, nil
}

func createOrOpenSemaphore(name string, create bool) (windows.Handle, error) {
	namePtr, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return 0, fmt.Errorf("ipc: invalid semaphore name %q: %w", name, err)
	}

	if create {
		h, err := windows.CreateSemaphore(nil, 0, 1, namePtr)
		if err != nil {
			return 0, fmt.Errorf("ipc: create semaphore %q: %w", name, err)
		}

		return h, nil
	}

	h, err := windows.OpenSemaphore(windows.SEMAPHORE_ALL_ACCESS, false, namePtr)
	if err != nil {
		return 0, fmt.Errorf("ipc: open semaphore %q: %w", name, err)
	}

	return h, nil
}

// NewMainConnection creates the named shared region and semaphores for a
// freshly-accepted connection; it is called on the main side, which owns
// object creation in the negotiation protocol.
func NewMainConnection(name string, size uint32, overlayPID uint32) (*Connection, error) {
	return newConnection(name, size, true, overlayPID)
}

// OpenOverlayConnection opens the shared region and semaphores the main
// side already created, and duplicates the main process's handle for
// peer-death detection.
func OpenOverlayConnection(name string, size uint32, mainPID uint32) (*Connection, error) {
	return newConnection(name, size, false, mainPID)
}

func newConnection(name string, size uint32, create bool, peerPID uint32) (*Connection, error) {
	mapping, view, region, err := createOrOpenMapping(name+".region", size, create)
	if err != nil {
		return nil, err
	}

	requestReady, err := createOrOpenSemaphore(name+".req", create)
	if err != nil {
		windows.UnmapViewOfFile(view)
		windows.CloseHandle(mapping)
		return nil, err
	}

	responseReady, err := createOrOpenSemaphore(name+".resp", create)
	if err != nil {
		windows.CloseHandle(requestReady)
		windows.UnmapViewOfFile(view)
		windows.CloseHandle(mapping)
		return nil, err
	}

	peerProcess, err := windows.OpenProcess(windows.SYNCHRONIZE, false, peerPID)
	if err != nil {
		windows.CloseHandle(responseReady)
		windows.CloseHandle(requestReady)
		windows.UnmapViewOfFile(view)
		windows.CloseHandle(mapping)
		return nil, fmt.Errorf("ipc: open peer process %d: %w", peerPID, err)
	}

	return &Connection{
		mapping: mapping, view: view, region: region,
		requestReady: requestReady, responseReady: responseReady,
		peerProcess: peerProcess,
	}, nil
}

func (c *Connection) Region() []byte { return c.region }

func (c *Connection) Lock()   { c.mu.Lock() }
func (c *Connection) Unlock() { c.mu.Unlock() }

func (c *Connection) SignalRequestReady() error  { return releaseSemaphore(c.requestReady) }
func (c *Connection) SignalResponseReady() error { return releaseSemaphore(c.responseReady) }

func releaseSemaphore(h windows.Handle) error {
	if err := windows.ReleaseSemaphore(h, 1, nil); err != nil {
		return fmt.Errorf("ipc: release semaphore: %w", err)
	}

	return nil
}

func (c *Connection) WaitRequestReady(ctx context.Context) error {
	return c.wait(ctx, c.requestReady)
}

func (c *Connection) WaitResponseReady(ctx context.Context) error {
	return c.wait(ctx, c.responseReady)
}

// wait is the multi-wait half of the protocol: poll every PollPeriod on
// {signal, peerProcess}, so a dying peer is detected within one poll
// period instead of hanging forever, while the overall wait remains
// unbounded as long as the peer is alive and ctx is not canceled.
func (c *Connection) wait(ctx context.Context, signal windows.Handle) error {
	handles := []windows.Handle{signal, c.peerProcess}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		result, err := waitForMultipleObjects(handles, false, uint32(PollPeriod.Milliseconds()))
		if err != nil {
			return classifyWaitError(ctx, err)
		}

		switch result {
		case waitObject0:
			return nil
		case waitObject0 + 1:
			return xrerr.ErrPeerTerminated
		case waitTimeout:
			continue
		default:
			return classifyWaitError(ctx, fmt.Errorf("ipc: unexpected wait result %d", result))
		}
	}
}

func (c *Connection) Close() error {
	windows.CloseHandle(c.peerProcess)
	windows.CloseHandle(c.responseReady)
	windows.CloseHandle(c.requestReady)
	windows.UnmapViewOfFile(c.view)
	windows.CloseHandle(c.mapping)

	return nil
}
