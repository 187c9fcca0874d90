package dispatch

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dcrane/xroverlay/internal/chain"
	"github.com/dcrane/xroverlay/internal/composition"
	"github.com/dcrane/xroverlay/internal/eventqueue"
	"github.com/dcrane/xroverlay/internal/gpu"
	"github.com/dcrane/xroverlay/internal/handle"
	xrmetrics "github.com/dcrane/xroverlay/internal/metrics"
	"github.com/dcrane/xroverlay/internal/session"
	"github.com/dcrane/xroverlay/internal/xrerr"
)

// Request is the decoded, already-handle-resolved view of an incoming
// call that a Handler operates on. The chain marshaller and handle
// registry have already done their work by the time a Request reaches
// this package; dispatch never touches raw chain bytes itself.
type Request struct {
	Kind RequestKind

	// Handle is the primary object the request addresses (a session,
	// space, or swapchain local handle); zero when the kind addresses
	// none (e.g. create-instance).
	Handle handle.Handle

	// SwapchainIndex is the runtime image index for the three
	// swapchain-image operations.
	SwapchainIndex int
	// SharedHandle is the duplicated shared-NT-handle carried by
	// wait-swapchain-image and release-swapchain-image.
	SharedHandle gpu.SharedHandle

	// Command carries an overlay-originated session command
	// (begin/end/request-exit) for the state machine.
	Command session.Command

	// SwapchainInfo carries the requested swapchain configuration for
	// create-swapchain, validated and forwarded to the real runtime via
	// Conn.Device before a bridge is created.
	SwapchainInfo gpu.CreateInfo

	// Layers carries the overlay's full submitted layer list for
	// end-frame.
	Layers []composition.Layer

	// BinaryVersion carries the requested protocol version for handshake.
	BinaryVersion uint32

	// Records is the decoded input record chain that accompanied the
	// request, with unknown kinds and graphics bindings already dropped
	// by the marshaller.
	Records []chain.Record
}

// Response is a Handler's result, translated back into a reply by the
// negotiation worker once Dispatch returns.
type Response struct {
	Handle         handle.Handle
	ImageCount     int
	FrameState     session.FrameState
	Event          *eventqueue.Event
	MaxLayerCount  int
	InstanceHandle handle.Handle

	// Pose and LocationFlags carry locate-space output.
	Pose          session.PoseOffset
	LocationFlags uint64
}

// Handler implements one mediated or local request kind against a Conn.
type Handler func(c *Conn, req Request) (Response, error)

// Table is the per-binary (not per-connection) map from request kind to
// handler, built once at startup and shared read-only across
// connections.
type Table struct {
	handlers map[RequestKind]Handler
}

// NewTable builds the default handler table wiring every mediated and
// local request kind to its concrete implementation in this package.
// Passthrough kinds are intentionally absent: RuntimeCall on Conn handles
// those generically, since they require no mediation logic of their own.
func NewTable() *Table {
	return &Table{handlers: map[RequestKind]Handler{
		KindHandshake:             handleHandshake,
		KindCreateInstance:        handleCreateInstance,
		KindCreateSession:         handleCreateSession,
		KindDestroySession:        handleDestroySession,
		KindBeginSession:          handleBeginSession,
		KindEndSession:            handleEndSession,
		KindRequestExitSession:    handleRequestExitSession,
		KindCreateReferenceSpace:  handleCreateReferenceSpace,
		KindDestroySpace:          handleDestroySpace,
		KindLocateSpace:           handleLocateSpace,
		KindCreateSwapchain:       handleCreateSwapchain,
		KindDestroySwapchain:      handleDestroySwapchain,
		KindAcquireSwapchainImage: handleAcquireSwapchainImage,
		KindWaitSwapchainImage:    handleWaitSwapchainImage,
		KindReleaseSwapchainImage: handleReleaseSwapchainImage,
		KindBeginFrame:            handleBeginFrame,
		KindWaitFrame:             handleWaitFrame,
		KindEndFrame:              handleEndFrame,
		KindPollEvent:             handlePollEvent,
	}}
}

// RuntimeCaller forwards a passthrough request kind straight to the real
// immersive-graphics runtime. Conn.RuntimeCall is nil in unit tests (no
// real runtime is available off Windows); Dispatch reports
// ErrUnsupported for a passthrough kind with no RuntimeCaller configured
// rather than panicking.
type RuntimeCaller func(req Request) (Response, error)

// Conn is one connection's full mediation state: the handle registry, the
// dual session trackers, the per-swapchain bridges, the event queue, and
// the composition store, all guarded by a single cross-cutting lock that
// every operation acquires on entry and releases on return.
type Conn struct {
	mu sync.Mutex

	logger *slog.Logger

	Handles *handle.Registry
	Main    *session.MainTracker
	Overlay *session.Context

	// Bridges maps a swapchain local handle to its main-side bridge.
	Bridges map[handle.Handle]*gpu.SwapchainBridge

	Events      *eventqueue.Queue
	Composition *composition.Store

	ReservedLayers int

	// RuntimeCall forwards ClassPassthrough requests to the real runtime;
	// see RuntimeCaller.
	RuntimeCall RuntimeCaller

	// Device is the GPU interop surface create-swapchain uses to obtain
	// the real runtime-owned textures a new SwapchainBridge wraps. nil in
	// unit tests and off Windows; create-swapchain fails with
	// ErrUnsupported rather than panicking when it is unset.
	Device gpu.Device

	// Metrics and ID feed the per-connection Prometheus series; both are
	// set by the negotiation worker at registration and may be left zero
	// in tests.
	Metrics *xrmetrics.Collector
	ID      string

	// syntheticTime is the fabricated timestamp counter for synthetic
	// state-changed events, incremented under mu on every emission.
	syntheticTime int64

	// mainWaited pulses once per completed main wait-frame; overlay
	// wait-frame calls gate on it (with session.WaitFrameTimeout) so
	// overlay pacing follows main pacing.
	mainWaited chan struct{}

	// pendingSynthetics holds synthetic state-changed events produced by
	// transitions that fired outside a poll-event call (begin-session,
	// end-session, request-exit), waiting for the next poll to deliver
	// them. Synthetic events always outrank the relay queue.
	pendingSynthetics []eventqueue.Event

	lost bool
}

// localHandles is shared by every connection's registry, so local handles
// come from one process-wide counter.
var localHandles = handle.NewAllocator()

// NewConn creates a connection's mediation state bound to mainSession,
// with placement and reservedLayers taken from the negotiated
// configuration.
func NewConn(mainSession handle.Handle, placement int32, reservedLayers int, logger *slog.Logger) *Conn {
	return &Conn{
		logger:         logger,
		Handles:        handle.NewRegistry(localHandles),
		Main:           session.NewMainTracker(),
		Overlay:        session.NewContext(mainSession, logger),
		Bridges:        make(map[handle.Handle]*gpu.SwapchainBridge),
		Events:         eventqueue.New(),
		Composition:    composition.NewStore(placement),
		ReservedLayers: reservedLayers,
		mainWaited:     make(chan struct{}, 1),
	}
}

// MarkLost flags the connection as terminally lost; every subsequent
// Dispatch call (except poll-event, which must still deliver the
// synthetic loss-pending/lost transition) returns ErrSessionLost, per
// the sticky-for-the-connection propagation policy.
func (c *Conn) MarkLost() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lost = true
}

// Teardown implements the connection-loss sequence on the connection's
// own state: force-release every keyed mutex the
// texture bridge still holds on the overlay's behalf, mark every live
// handle lost, and clear the composition store, deferred-destroy set
// included.
func (c *Conn) Teardown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.teardownLocked()
}

func (c *Conn) teardownLocked() {
	for _, bridge := range c.Bridges {
		bridge.ForceReleaseAll()
	}

	clear(c.Bridges)
	c.Handles.MarkAllLost()
	c.Composition.Clear()
}

// Stats reports the connection's live object counts under the
// cross-cutting lock, for diagnostics snapshots.
func (c *Conn) Stats() (swapchains, queuedEvents, handles int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.Bridges), c.Events.Len(), c.Handles.Len()
}

// advance runs the overlay FSM under the connection lock and, on any
// transition, appends the synthetic state-changed event the next
// poll-event will deliver. Callers must hold c.mu.
func (c *Conn) advance(cmd session.Command) session.Result {
	res := c.Overlay.Advance(c.Main, cmd)
	if res.Changed {
		c.syntheticTime++
		c.pendingSynthetics = append(c.pendingSynthetics, eventqueue.Event{
			Kind:          eventqueue.KindStateChanged,
			SessionHandle: uint64(c.Overlay.MainSessionHandle),
			State:         uint32(res.NewState),
			Time:          c.syntheticTime,
		})

		if c.Metrics != nil {
			c.Metrics.RecordStateTransition(c.ID, res.OldState.String(), res.NewState.String())
		}
	}

	return res
}

// ObserveMainEvent classifies one event observed by the main process's
// real PollEvent: a state-changed event addressed to
// the main session feeds the main tracker (never queued); everything else
// is deep-copied onto the relay queue, where overflow coalesces into a
// lost-events marker.
func (c *Conn) ObserveMainEvent(ev eventqueue.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ev.Kind == eventqueue.KindStateChanged && ev.SessionHandle == uint64(c.Overlay.MainSessionHandle) {
		c.Main.Observe(session.MainState(ev.State))
		return
	}

	dropped := c.Events.Push(ev)

	if c.Metrics != nil {
		if dropped {
			c.Metrics.IncEventsLost(c.ID, 1)
		} else {
			c.Metrics.IncEventsRelayed(c.ID)
		}
	}
}

// MarkMainWaitedFrame records one completed main wait-frame: the main
// tracker's has-ever-waited-frame latch flips, and the frame state the
// main observed becomes the cached copy overlay wait-frame calls read.
func (c *Conn) MarkMainWaitedFrame(fs session.FrameState) {
	c.mu.Lock()
	c.Main.MarkWaitedFrame()
	c.Overlay.CacheFrame(fs)
	c.mu.Unlock()

	select {
	case c.mainWaited <- struct{}{}:
	default:
	}
}

// InjectLayers composes the overlay's registered layers into the main's
// end-frame layer array at the configured placement, rewriting each
// layer's embedded local handles to their actual runtime counterparts on
// the way out, then runs the deferred-destroy sweep, so a deferred
// destroy only actually fires once a main end-frame observes the object
// unreferenced.
func (c *Conn) InjectLayers(mainLayers [][]byte) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	layers := c.Composition.Layers()

	raw := make([][]byte, 0, len(layers))
	for _, l := range layers {
		raw = append(raw, c.translatedLayerBytes(l))
	}

	out := c.Composition.Splice(mainLayers, raw)

	c.sweepDeferred()

	return out
}

// translatedLayerBytes rewrites a registered layer's embedded local
// handles (space, swapchain, per-view swapchains) to their actual runtime
// counterparts before the bytes join the main's layer array. A layer that
// fails to decode or resolve passes through unmodified rather than being
// dropped, preserving count and placement.
func (c *Conn) translatedLayerBytes(l composition.Layer) []byte {
	rec, err := chain.DecodeLayerRecord(l.Opaque)
	if err != nil {
		return l.Opaque
	}

	resolve := func(kind handle.Kind, id uint64) uint64 {
		if id == 0 {
			return 0
		}

		actual, err := c.Handles.Resolve(kind, handle.Handle(id))
		if err != nil {
			return id
		}

		return actual
	}

	switch v := rec.(type) {
	case chain.CompositionLayerQuad:
		v.Space = resolve(handle.KindSpace, v.Space)
		v.SubImageSwapchain = resolve(handle.KindSwapchain, v.SubImageSwapchain)
		rec = v

	case chain.CompositionLayerProjection:
		v.Space = resolve(handle.KindSpace, v.Space)
		for i := range v.Views {
			v.Views[i].SubImageSwapchain = resolve(handle.KindSwapchain, v.Views[i].SubImageSwapchain)
		}
		rec = v
	}

	out, err := chain.EncodeLayerRecord(rec)
	if err != nil {
		return l.Opaque
	}

	return out
}

// sweepDeferred fires the destroys that were deferred while their handles
// were still referenced by registered layers: the real runtime destroy is
// forwarded (when a runtime is wired), the bridge dropped, and the
// registry entry released. Callers must hold c.mu.
func (c *Conn) sweepDeferred() {
	for _, h := range c.Composition.Sweep() {
		lh := handle.Handle(h)

		if c.RuntimeCall != nil {
			if actual, err := c.Handles.Resolve(lh.Kind(), lh); err == nil {
				kind := KindDestroySwapchain
				if lh.Kind() == handle.KindSpace {
					kind = KindDestroySpace
				}

				c.RuntimeCall(Request{Kind: kind, Handle: handle.Handle(actual)}) //nolint:errcheck // best-effort late destroy
			}
		}

		delete(c.Bridges, lh)
		c.Handles.Release(lh)
	}
}

// resolveRequest translates the request's primary local handle to its
// actual runtime counterpart for a forwarded call.
func (c *Conn) resolveRequest(req Request, kind handle.Kind) (Request, error) {
	actual, err := c.Handles.Resolve(kind, req.Handle)
	if err != nil {
		return Request{}, fmt.Errorf("dispatch: %s: %w", req.Kind, xrerr.ErrHandleInvalid)
	}

	req.Handle = handle.Handle(actual)

	return req, nil
}

// wrapOrAllocate records the runtime-returned actual handle as a fresh
// local mapping, falling back to a placeholder allocation when no runtime
// is wired or it reported no handle.
func (c *Conn) wrapOrAllocate(kind handle.Kind, actual uint64) handle.Handle {
	if actual == 0 {
		return c.Handles.Allocate(kind)
	}

	return c.Handles.Wrap(kind, actual)
}

// forwardSwapchainOp resolves the swapchain handle and forwards the call
// to the real runtime, when one is wired.
func (c *Conn) forwardSwapchainOp(req Request) error {
	if c.RuntimeCall == nil {
		return nil
	}

	fwd, err := c.resolveRequest(req, handle.KindSwapchain)
	if err != nil {
		return err
	}

	_, err = c.RuntimeCall(fwd)

	return err
}

// Dispatch classifies req.Kind, acquires the connection's cross-cutting
// lock, and runs the matching handler. Passthrough kinds go to
// c.RuntimeCall; Unsupported kinds and any kind with no registered
// handler fail with ErrUnsupported; every other call path enforces the
// session-lost stickiness rule before running.
func (t *Table) Dispatch(c *Conn, req Request) (Response, error) {
	class := ClassOf(req.Kind)

	// Wait-frame gates on the main-waited pulse before entering the
	// critical section, so overlay pacing follows main pacing without
	// holding the cross-cutting lock across the wait. The timeout is
	// non-fatal: the handler answers from the cached frame state either
	// way.
	if req.Kind == KindWaitFrame {
		timer := time.NewTimer(session.WaitFrameTimeout)

		select {
		case <-c.mainWaited:
			timer.Stop()
		case <-timer.C:
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lost && req.Kind != KindPollEvent {
		return Response{}, xrerr.ErrSessionLost
	}

	switch class {
	case ClassUnsupported:
		return Response{}, fmt.Errorf("dispatch: %s: %w", req.Kind, xrerr.ErrUnsupported)

	case ClassPassthrough:
		if c.RuntimeCall == nil {
			return Response{}, fmt.Errorf("dispatch: %s: %w", req.Kind, xrerr.ErrUnsupported)
		}

		fwd := req
		if fwd.Handle != 0 {
			var err error
			fwd, err = c.resolveRequest(req, req.Handle.Kind())
			if err != nil {
				return Response{}, err
			}
		}

		resp, err := c.RuntimeCall(fwd)

		// The overlay must never see the layer slots reserved for it:
		// reported max-layer-count is runtime_max minus the reserved
		// budget.
		if err == nil && req.Kind == KindGetSystemProperties && resp.MaxLayerCount > 0 {
			resp.MaxLayerCount -= c.ReservedLayers
			if resp.MaxLayerCount < 0 {
				resp.MaxLayerCount = 0
			}
		}

		return resp, err

	default:
		h, ok := t.handlers[req.Kind]
		if !ok {
			return Response{}, fmt.Errorf("dispatch: %s: %w", req.Kind, xrerr.ErrUnsupported)
		}

		return h(c, req)
	}
}

// -----------------------------------------------------------------------
// Local handlers
// -----------------------------------------------------------------------

func handleHandshake(c *Conn, req Request) (Response, error) {
	// Version compatibility is checked by the negotiation worker
	// before a Conn even exists; by the time a handshake reaches here it
	// has already been accepted. This handler only exists so handshake
	// has a place in the table rather than being special-cased outside
	// it.
	return Response{}, nil
}

// -----------------------------------------------------------------------
// Mediated handlers: instance/session lifecycle
// -----------------------------------------------------------------------

func handleCreateInstance(c *Conn, req Request) (Response, error) {
	var actual uint64

	if c.RuntimeCall != nil {
		resp, err := c.RuntimeCall(req)
		if err != nil {
			return Response{}, err
		}

		actual = uint64(resp.InstanceHandle)
	}

	return Response{InstanceHandle: c.wrapOrAllocate(handle.KindInstance, actual)}, nil
}

func handleCreateSession(c *Conn, req Request) (Response, error) {
	var actual uint64

	if c.RuntimeCall != nil {
		resp, err := c.RuntimeCall(req)
		if err != nil {
			return Response{}, err
		}

		actual = uint64(resp.Handle)
	}

	return Response{Handle: c.wrapOrAllocate(handle.KindSession, actual)}, nil
}

func handleDestroySession(c *Conn, req Request) (Response, error) {
	// A handle already lost with its session: the stray destroy succeeds
	// without effect.
	if c.Handles.IsLost(req.Handle) {
		return Response{}, nil
	}

	if c.RuntimeCall != nil {
		fwd, err := c.resolveRequest(req, handle.KindSession)
		if err != nil {
			return Response{}, err
		}

		if _, err := c.RuntimeCall(fwd); err != nil {
			return Response{}, err
		}
	}

	c.Handles.Release(req.Handle)

	// The session's children (spaces, swapchains) die with it; recording
	// them as lost lets stray destroys that follow succeed without
	// effect.
	c.teardownLocked()

	return Response{}, nil
}

func handleBeginSession(c *Conn, req Request) (Response, error) {
	res := c.advance(session.CommandBegin)
	if res.NewState != session.OverlaySynchronized {
		return Response{}, fmt.Errorf("dispatch: begin-session: %w", xrerr.ErrCallOrderInvalid)
	}

	return Response{}, nil
}

func handleEndSession(c *Conn, req Request) (Response, error) {
	res := c.advance(session.CommandEnd)
	if res.OldState != session.OverlayStopping {
		return Response{}, fmt.Errorf("dispatch: end-session: %w", xrerr.ErrCallOrderInvalid)
	}

	return Response{}, nil
}

func handleRequestExitSession(c *Conn, req Request) (Response, error) {
	c.Overlay.RequestExit()
	c.advance(session.CommandNone)

	return Response{}, nil
}

// -----------------------------------------------------------------------
// Mediated handlers: spaces
// -----------------------------------------------------------------------

func handleCreateReferenceSpace(c *Conn, req Request) (Response, error) {
	var actual uint64

	if c.RuntimeCall != nil {
		resp, err := c.RuntimeCall(req)
		if err != nil {
			return Response{}, err
		}

		actual = uint64(resp.Handle)
	}

	lh := c.wrapOrAllocate(handle.KindSpace, actual)

	// The overlay's requested pose-in-reference-space becomes the
	// connection's locate adjustment, so later locate-space results
	// report overlay content relative to the main's tracked origin.
	for _, rec := range req.Records {
		if info, ok := rec.(chain.ReferenceSpaceCreateInfo); ok {
			p := info.PoseInReferenceSpace
			c.Overlay.SpaceAdjustment = &session.PoseOffset{
				OrientationW: p.OrientationW, OrientationX: p.OrientationX,
				OrientationY: p.OrientationY, OrientationZ: p.OrientationZ,
				PositionX: p.PositionX, PositionY: p.PositionY, PositionZ: p.PositionZ,
			}
		}
	}

	return Response{Handle: lh}, nil
}

// handleLocateSpace forwards to the real runtime, then applies the
// connection's configured space adjustment on top of the located pose so
// overlay content can be pinned relative to the main's tracked space
// without the overlay knowing the main's absolute tracking origin.
func handleLocateSpace(c *Conn, req Request) (Response, error) {
	if c.RuntimeCall == nil {
		return Response{}, fmt.Errorf("dispatch: locate-space: %w", xrerr.ErrUnsupported)
	}

	fwd, err := c.resolveRequest(req, handle.KindSpace)
	if err != nil {
		return Response{}, err
	}

	resp, err := c.RuntimeCall(fwd)
	if err != nil {
		return resp, err
	}

	if adj := c.Overlay.SpaceAdjustment; adj != nil {
		resp.Pose.PositionX += adj.PositionX
		resp.Pose.PositionY += adj.PositionY
		resp.Pose.PositionZ += adj.PositionZ
	}

	return resp, nil
}

func handleDestroySpace(c *Conn, req Request) (Response, error) {
	if c.Handles.IsLost(req.Handle) {
		return Response{}, nil
	}

	if immediate := c.Composition.RequestDestroy(uint64(req.Handle)); !immediate {
		// Deferred: the caller still gets success; the real destroy and
		// the registry release happen once a later sweep reports the
		// space unreferenced.
		return Response{}, nil
	}

	if c.RuntimeCall != nil {
		fwd, err := c.resolveRequest(req, handle.KindSpace)
		if err != nil {
			return Response{}, err
		}

		if _, err := c.RuntimeCall(fwd); err != nil {
			return Response{}, err
		}
	}

	c.Handles.Release(req.Handle)

	return Response{}, nil
}

// -----------------------------------------------------------------------
// Mediated handlers: swapchains
// -----------------------------------------------------------------------

// swapchainImageCount is the image count requested from the real runtime
// for every overlay swapchain. Three is the depth the runtimes the
// original layer targets hand back for a plain swapchain.
const swapchainImageCount = 3

func handleCreateSwapchain(c *Conn, req Request) (Response, error) {
	if err := req.SwapchainInfo.Validate(); err != nil {
		return Response{}, fmt.Errorf("dispatch: create-swapchain: %w", xrerr.ErrUnsupported)
	}

	var actual uint64

	if c.RuntimeCall != nil {
		resp, err := c.RuntimeCall(req)
		if err != nil {
			return Response{}, err
		}

		actual = uint64(resp.Handle)
	}

	lh := c.wrapOrAllocate(handle.KindSwapchain, actual)

	if c.Device == nil {
		// Tests wire their own bridge in; off Windows there is nothing to
		// bridge to.
		return Response{Handle: lh}, nil
	}

	textures, err := c.Device.CreateSwapchainTextures(req.SwapchainInfo, swapchainImageCount)
	if err != nil {
		c.Handles.Release(lh)
		return Response{}, fmt.Errorf("dispatch: create-swapchain: %w", err)
	}

	bridge := gpu.NewSwapchainBridge(c.Device, textures)
	c.Bridges[lh] = bridge

	return Response{Handle: lh, ImageCount: bridge.ImageCount()}, nil
}

func handleDestroySwapchain(c *Conn, req Request) (Response, error) {
	if c.Handles.IsLost(req.Handle) {
		return Response{}, nil
	}

	if immediate := c.Composition.RequestDestroy(uint64(req.Handle)); !immediate {
		return Response{}, nil
	}

	if err := c.forwardSwapchainOp(req); err != nil {
		return Response{}, err
	}

	delete(c.Bridges, req.Handle)
	c.Handles.Release(req.Handle)

	return Response{}, nil
}

func handleAcquireSwapchainImage(c *Conn, req Request) (Response, error) {
	bridge, ok := c.Bridges[req.Handle]
	if !ok {
		return Response{}, fmt.Errorf("dispatch: acquire-swapchain-image: %w", xrerr.ErrHandleInvalid)
	}

	if err := c.forwardSwapchainOp(req); err != nil {
		return Response{}, err
	}

	bridge.Acquire(req.SwapchainIndex)

	return Response{}, nil
}

func handleWaitSwapchainImage(c *Conn, req Request) (Response, error) {
	bridge, ok := c.Bridges[req.Handle]
	if !ok {
		return Response{}, fmt.Errorf("dispatch: wait-swapchain-image: %w", xrerr.ErrHandleInvalid)
	}

	if err := bridge.Wait(req.SharedHandle); err != nil {
		if errors.Is(err, gpu.ErrNotAcquired) {
			return Response{}, fmt.Errorf("dispatch: wait-swapchain-image: %w", xrerr.ErrCallOrderInvalid)
		}
		return Response{}, err
	}

	if err := c.forwardSwapchainOp(req); err != nil {
		return Response{}, err
	}

	return Response{}, nil
}

func handleReleaseSwapchainImage(c *Conn, req Request) (Response, error) {
	bridge, ok := c.Bridges[req.Handle]
	if !ok {
		return Response{}, fmt.Errorf("dispatch: release-swapchain-image: %w", xrerr.ErrHandleInvalid)
	}

	var onCopy func()
	if c.Metrics != nil {
		onCopy = func() { c.Metrics.IncTextureCopy(c.ID) }
	}

	start := time.Now()

	if err := bridge.Release(req.SharedHandle, onCopy); err != nil {
		if errors.Is(err, gpu.ErrNotAcquired) || errors.Is(err, gpu.ErrNotHeld) {
			return Response{}, fmt.Errorf("dispatch: release-swapchain-image: %w", xrerr.ErrCallOrderInvalid)
		}
		return Response{}, err
	}

	if c.Metrics != nil {
		c.Metrics.ObserveKeyedMutexWait(c.ID, time.Since(start).Seconds())
	}

	if err := c.forwardSwapchainOp(req); err != nil {
		return Response{}, err
	}

	return Response{}, nil
}

// -----------------------------------------------------------------------
// Mediated handlers: frame loop
// -----------------------------------------------------------------------

func handleBeginFrame(c *Conn, req Request) (Response, error) {
	return Response{}, nil
}

func handleWaitFrame(c *Conn, req Request) (Response, error) {
	return Response{FrameState: c.Overlay.NextFrame()}, nil
}

// handleEndFrame enforces the layer cap: a submitted layer count beyond
// ReservedLayers fails with LayerLimitExceeded and clears the store;
// otherwise the layers replace the stored set. Deferred destroys are not
// swept here; the main's next end-frame (InjectLayers) sweeps them once it
// observes them unreferenced.
func handleEndFrame(c *Conn, req Request) (Response, error) {
	if len(req.Layers) > c.ReservedLayers {
		c.Composition.ReplaceLayers(nil, c.ReservedLayers)
		return Response{}, fmt.Errorf("dispatch: end-frame: %w", xrerr.ErrLayerLimitExceeded)
	}

	c.Composition.ReplaceLayers(req.Layers, c.ReservedLayers)

	return Response{}, nil
}

// -----------------------------------------------------------------------
// Mediated handler: events
// -----------------------------------------------------------------------

// handlePollEvent: synthetic state transitions always take priority over
// a queued event, checked first on every call rather than only on the
// fast path.
func handlePollEvent(c *Conn, req Request) (Response, error) {
	c.advance(session.CommandNone)

	if len(c.pendingSynthetics) > 0 {
		ev := c.pendingSynthetics[0]
		c.pendingSynthetics = c.pendingSynthetics[1:]

		return Response{Event: &ev}, nil
	}

	ev, err := c.Events.Pop()
	if err != nil {
		if errors.Is(err, eventqueue.ErrEmpty) {
			return Response{}, nil
		}
		return Response{}, err
	}

	// Relayed events carry the runtime's actual identifiers; the overlay
	// must only ever see its own local handles.
	if lh, ok := c.Handles.Local(ev.SessionHandle); ok {
		ev.SessionHandle = uint64(lh)
	}
	if lh, ok := c.Handles.Local(ev.SpaceHandle); ok {
		ev.SpaceHandle = uint64(lh)
	}

	return Response{Event: &ev}, nil
}
