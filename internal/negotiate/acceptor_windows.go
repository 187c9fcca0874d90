//go:build windows

package negotiate

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/dcrane/xroverlay/internal/ipc"
)

// The negotiation region is a tiny fixed-layout scratch pad, guarded by a
// named mutex and paired with two named semaphores:
// the overlay lays its pid and requested binary version down and posts
// the request semaphore; the main side creates the per-connection IPC
// objects, writes its own pid back, and posts the response semaphore.
const (
	negotiationRegionSize = 64

	negOverlayPIDOff    = 0
	negBinaryVersionOff = 4
	negMainPIDOff       = 8
)

const negotiationPollPeriod = 500 * time.Millisecond

// mutexAllAccess is MUTEX_ALL_ACCESS, which golang.org/x/sys/windows does
// not define.
const mutexAllAccess = 0x1F0001

type negotiationObjects struct {
	mapping  windows.Handle
	view     uintptr
	region   []byte
	mutex    windows.Handle
	request  windows.Handle
	response windows.Handle
}

func openNegotiationObjects(create bool) (*negotiationObjects, error) {
	regionName, err := windows.UTF16PtrFromString(NegotiationName + ".region")
	if err != nil {
		return nil, fmt.Errorf("negotiate: region name: %w", err)
	}

	var mapping windows.Handle

	if create {
		mapping, err = windows.CreateFileMapping(
			windows.InvalidHandle, nil, windows.PAGE_READWRITE, 0, negotiationRegionSize, regionName)
	} else {
		mapping, err = windows.OpenFileMapping(windows.FILE_MAP_ALL_ACCESS, false, regionName)
	}

	if err != nil {
		return nil, fmt.Errorf("negotiate: negotiation region: %w", err)
	}

	view, err := windows.MapViewOfFile(mapping, windows.FILE_MAP_ALL_ACCESS, 0, 0, negotiationRegionSize)
	if err != nil {
		windows.CloseHandle(mapping)
		return nil, fmt.Errorf("negotiate: map negotiation region: %w", err)
	}

	o := &negotiationObjects{
		mapping: mapping,
		view:    view,
		region:  unsafe.Slice((*byte)(unsafe.Pointer(view)), negotiationRegionSize),
	}

	o.mutex, err = openNamedMutex(NegotiationName+".mutex", create)
	if err == nil {
		o.request, err = openNamedSemaphore(NegotiationName+".req", create)
	}
	if err == nil {
		o.response, err = openNamedSemaphore(NegotiationName+".resp", create)
	}

	if err != nil {
		o.close()
		return nil, err
	}

	return o, nil
}

func openNamedMutex(name string, create bool) (windows.Handle, error) {
	namePtr, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return 0, fmt.Errorf("negotiate: mutex name %q: %w", name, err)
	}

	if create {
		h, err := windows.CreateMutex(nil, false, namePtr)
		if err != nil {
			return 0, fmt.Errorf("negotiate: create mutex %q: %w", name, err)
		}

		return h, nil
	}

	h, err := windows.OpenMutex(mutexAllAccess, false, namePtr)
	if err != nil {
		return 0, fmt.Errorf("negotiate: open mutex %q: %w", name, err)
	}

	return h, nil
}

func openNamedSemaphore(name string, create bool) (windows.Handle, error) {
	namePtr, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return 0, fmt.Errorf("negotiate: semaphore name %q: %w", name, err)
	}

	if create {
		h, err := windows.CreateSemaphore(nil, 0, 1, namePtr)
		if err != nil {
			return 0, fmt.Errorf("negotiate: create semaphore %q: %w", name, err)
		}

		return h, nil
	}

	h, err := windows.OpenSemaphore(windows.SEMAPHORE_ALL_ACCESS, false, namePtr)
	if err != nil {
		return 0, fmt.Errorf("negotiate: open semaphore %q: %w", name, err)
	}

	return h, nil
}

func (o *negotiationObjects) close() {
	if o.response != 0 {
		windows.CloseHandle(o.response)
	}
	if o.request != 0 {
		windows.CloseHandle(o.request)
	}
	if o.mutex != 0 {
		windows.CloseHandle(o.mutex)
	}
	if o.view != 0 {
		windows.UnmapViewOfFile(o.view)
	}
	if o.mapping != 0 {
		windows.CloseHandle(o.mapping)
	}
}

// waitHandle polls h every negotiationPollPeriod so ctx cancellation is
// observed without an OS-level cancelable wait.
func waitHandle(ctx context.Context, h windows.Handle) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		ev, err := windows.WaitForSingleObject(h, uint32(negotiationPollPeriod.Milliseconds()))
		if err != nil {
			return fmt.Errorf("negotiate: wait: %w", err)
		}

		switch ev {
		case windows.WAIT_OBJECT_0:
			return nil
		case uint32(windows.WAIT_TIMEOUT):
			continue
		default:
			return fmt.Errorf("negotiate: unexpected wait result %d", ev)
		}
	}
}

// SharedAcceptor is the Windows Acceptor: it owns the process-wide
// negotiation objects on the main side and turns each overlay handshake
// into a freshly-created per-connection ipc transport.
type SharedAcceptor struct {
	objects    *negotiationObjects
	regionSize uint32
}

// NewSharedAcceptor creates the negotiation objects (main side owns
// creation) and returns an Acceptor whose per-connection regions are
// regionSize bytes.
func NewSharedAcceptor(regionSize uint32) (*SharedAcceptor, error) {
	objects, err := openNegotiationObjects(true)
	if err != nil {
		return nil, err
	}

	return &SharedAcceptor{objects: objects, regionSize: regionSize}, nil
}

// Accept implements Acceptor: block for the next overlay handshake,
// create that connection's IPC objects, answer with the main's pid.
func (a *SharedAcceptor) Accept(ctx context.Context) (HandshakeRequest, Transport, error) {
	if err := waitHandle(ctx, a.objects.request); err != nil {
		return HandshakeRequest{}, nil, err
	}

	if err := waitHandle(ctx, a.objects.mutex); err != nil {
		return HandshakeRequest{}, nil, err
	}

	region := a.objects.region
	req := HandshakeRequest{
		OverlayPID:    binary.LittleEndian.Uint32(region[negOverlayPIDOff:]),
		BinaryVersion: binary.LittleEndian.Uint32(region[negBinaryVersionOff:]),
	}
	binary.LittleEndian.PutUint32(region[negMainPIDOff:], windows.GetCurrentProcessId())

	windows.ReleaseMutex(a.objects.mutex)

	t, err := ipc.NewMainConnection(ConnectionName(req.OverlayPID), a.regionSize, req.OverlayPID)
	if err != nil {
		return HandshakeRequest{}, nil, fmt.Errorf("negotiate: connection objects for pid %d: %w", req.OverlayPID, err)
	}

	if err := windows.ReleaseSemaphore(a.objects.response, 1, nil); err != nil {
		t.Close()
		return HandshakeRequest{}, nil, fmt.Errorf("negotiate: signal response: %w", err)
	}

	return req, t, nil
}

// Close releases the negotiation objects.
func (a *SharedAcceptor) Close() error {
	a.objects.close()
	return nil
}

// ConnectOverlay performs the overlay-process side of first contact:
// write this process's pid and requested version into the negotiation
// region, signal, wait for the main side to build the per-connection
// objects, then open them.
func ConnectOverlay(ctx context.Context, binaryVersion uint32, regionSize uint32) (*Client, error) {
	objects, err := openNegotiationObjects(false)
	if err != nil {
		return nil, err
	}
	defer objects.close()

	if err := waitHandle(ctx, objects.mutex); err != nil {
		return nil, err
	}

	pid := windows.GetCurrentProcessId()
	binary.LittleEndian.PutUint32(objects.region[negOverlayPIDOff:], pid)
	binary.LittleEndian.PutUint32(objects.region[negBinaryVersionOff:], binaryVersion)

	windows.ReleaseMutex(objects.mutex)

	if err := windows.ReleaseSemaphore(objects.request, 1, nil); err != nil {
		return nil, fmt.Errorf("negotiate: signal request: %w", err)
	}

	if err := waitHandle(ctx, objects.response); err != nil {
		return nil, err
	}

	mainPID := binary.LittleEndian.Uint32(objects.region[negMainPIDOff:])

	t, err := ipc.OpenOverlayConnection(ConnectionName(pid), regionSize, mainPID)
	if err != nil {
		return nil, err
	}

	client := NewClient(t)

	if err := client.Handshake(ctx, binaryVersion); err != nil {
		client.Close()
		return nil, err
	}

	return client, nil
}
