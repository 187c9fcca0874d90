package ipc

import (
	"context"
	"sync"

	"github.com/dcrane/xroverlay/internal/xrerr"
)

// Loopback is an in-process fake Transport: the request-ready/response-
// ready semaphores are buffered channels and peer death is a closed
// channel instead of a duplicated process handle. It satisfies the exact
// same Transport interface the Windows implementation does, so
// everything built on top of ipc.Submit/ipc.Serve -- internal/negotiate's
// client and worker, this package's own tests, and the integration
// suite -- runs on Linux and darwin CI without the windows build tag.
type Loopback struct {
	region []byte

	mu sync.Mutex

	requestReady  chan struct{}
	responseReady chan struct{}

	// peerDone and closeOnce are shared between the two halves of a
	// NewLoopbackPair, so either side closing reads as peer death to the
	// other without double-closing the channel.
	peerDone  chan struct{}
	closeOnce *sync.Once
}

// NewLoopback creates a Loopback transport with a region of the given
// size.
func NewLoopback(regionSize int) *Loopback {
	return &Loopback{
		region:        make([]byte, regionSize),
		requestReady:  make(chan struct{}, 1),
		responseReady: make(chan struct{}, 1),
		peerDone:      make(chan struct{}),
		closeOnce:     new(sync.Once),
	}
}

// NewLoopbackPair creates two Loopback transports sharing the same
// backing region and peer-death signal, so a test can drive one side as
// "overlay" and the other as "main" the way two real processes would
// share one mapped region -- with the caveat that since they are
// literally the same Go slice, there is no relativize/absolutize step to
// exercise here (that lives entirely in internal/chain).
func NewLoopbackPair(regionSize int) (overlay, main *Loopback) {
	region := make([]byte, regionSize)
	peerDone := make(chan struct{})
	once := new(sync.Once)

	overlay = &Loopback{
		region: region, peerDone: peerDone, closeOnce: once,
		requestReady: make(chan struct{}, 1), responseReady: make(chan struct{}, 1),
	}
	main = &Loopback{
		region: region, peerDone: peerDone, closeOnce: once,
		requestReady: overlay.requestReady, responseReady: overlay.responseReady,
	}

	return overlay, main
}

func (l *Loopback) Region() []byte { return l.region }

func (l *Loopback) Lock()   { l.mu.Lock() }
func (l *Loopback) Unlock() { l.mu.Unlock() }

func (l *Loopback) SignalRequestReady() error {
	select {
	case l.requestReady <- struct{}{}:
	default:
	}

	return nil
}

func (l *Loopback) SignalResponseReady() error {
	select {
	case l.responseReady <- struct{}{}:
	default:
	}

	return nil
}

func (l *Loopback) WaitRequestReady(ctx context.Context) error {
	select {
	case <-l.requestReady:
		return nil
	case <-l.peerDone:
		return xrerr.ErrPeerTerminated
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loopback) WaitResponseReady(ctx context.Context) error {
	select {
	case <-l.responseReady:
		return nil
	case <-l.peerDone:
		return xrerr.ErrPeerTerminated
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close simulates this side of the connection terminating: any peer
// currently blocked in WaitRequestReady/WaitResponseReady unblocks with
// ErrPeerTerminated, the same observable effect DuplicateHandle-based
// peer-death detection has on the real transport.
func (l *Loopback) Close() error {
	l.closeOnce.Do(func() { close(l.peerDone) })
	return nil
}
