package dispatch_test

import (
	"errors"
	"testing"

	"github.com/dcrane/xroverlay/internal/composition"
	"github.com/dcrane/xroverlay/internal/dispatch"
	"github.com/dcrane/xroverlay/internal/eventqueue"
	"github.com/dcrane/xroverlay/internal/gpu"
	"github.com/dcrane/xroverlay/internal/handle"
	"github.com/dcrane/xroverlay/internal/session"
	"github.com/dcrane/xroverlay/internal/xrerr"
)

func TestClassificationCoversNamedKinds(t *testing.T) {
	t.Parallel()

	cases := []struct {
		kind dispatch.RequestKind
		want string
	}{
		{dispatch.KindHandshake, "Local"},
		{dispatch.KindCreateSession, "Mediated"},
		{dispatch.KindLocateSpace, "Mediated"},
		{dispatch.KindGetSystem, "Passthrough"},
		{dispatch.KindPollEvent, "Mediated"},
	}

	for _, tc := range cases {
		if got := dispatch.ClassOf(tc.kind).String(); got != tc.want {
			t.Errorf("ClassOf(%s) = %s, want %s", tc.kind, got, tc.want)
		}
	}

	if got := dispatch.ClassOf(dispatch.RequestKind(9999)).String(); got != "Unsupported" {
		t.Errorf("ClassOf(unknown) = %s, want Unsupported", got)
	}
}

func newTestConn() *dispatch.Conn {
	return dispatch.NewConn(handle.Handle(0), 0, 2, nil)
}

// TestSessionLifecycleProgressesState drives a connection through the
// same idle->ready->synchronized progression scenario B exercises, using
// only poll-event and begin-session the way the overlay's xrPollEvent /
// xrBeginSession calls would.
func TestSessionLifecycleProgressesState(t *testing.T) {
	t.Parallel()

	table := dispatch.NewTable()
	c := newTestConn()

	c.Main.Observe(session.MainIdle)

	resp, err := table.Dispatch(c, dispatch.Request{Kind: dispatch.KindPollEvent})
	if err != nil {
		t.Fatalf("poll-event (unknown->idle): %v", err)
	}
	if resp.Event == nil || resp.Event.Kind != eventqueue.KindStateChanged {
		t.Fatalf("expected a synthesized state-changed event, got %+v", resp)
	}

	if c.Overlay.State() != session.OverlayIdle {
		t.Fatalf("overlay state = %s, want Idle", c.Overlay.State())
	}

	c.Main.Observe(session.MainReady)
	c.Main.MarkWaitedFrame()

	if _, err := table.Dispatch(c, dispatch.Request{Kind: dispatch.KindPollEvent}); err != nil {
		t.Fatalf("poll-event (idle->ready): %v", err)
	}
	if c.Overlay.State() != session.OverlayReady {
		t.Fatalf("overlay state = %s, want Ready", c.Overlay.State())
	}

	if _, err := table.Dispatch(c, dispatch.Request{Kind: dispatch.KindBeginSession, Command: session.CommandBegin}); err != nil {
		t.Fatalf("begin-session: %v", err)
	}
	if c.Overlay.State() != session.OverlaySynchronized {
		t.Fatalf("overlay state = %s, want Synchronized", c.Overlay.State())
	}
}

// TestSwapchainRoundTripThroughDispatch exercises the full
// acquire/wait/release protocol for a single image via the dispatch
// handlers driving a real gpu.SwapchainBridge.
func TestSwapchainRoundTripThroughDispatch(t *testing.T) {
	t.Parallel()

	table := dispatch.NewTable()
	c := newTestConn()

	dev := gpu.NewFakeDevice()
	ci := gpu.CreateInfo{Width: 96, Height: 96, Format: 29, MipCount: 1, ArraySize: 1}

	overlaySwap, err := gpu.NewOverlaySwapchain(dev, ci, 1)
	if err != nil {
		t.Fatalf("NewOverlaySwapchain: %v", err)
	}

	mainTextures, err := dev.CreateSwapchainTextures(ci, 1)
	if err != nil {
		t.Fatalf("CreateSwapchainTextures: %v", err)
	}

	resp, err := table.Dispatch(c, dispatch.Request{Kind: dispatch.KindCreateSwapchain})
	if err != nil {
		t.Fatalf("create-swapchain: %v", err)
	}

	swapchainHandle := resp.Handle
	if swapchainHandle.Kind() != handle.KindSwapchain {
		t.Fatalf("created handle kind = %s, want Swapchain", swapchainHandle.Kind())
	}

	c.Bridges[swapchainHandle] = gpu.NewSwapchainBridge(dev, mainTextures)

	overlaySwap.Acquire(0)
	if err := overlaySwap.Wait(); err != nil {
		t.Fatalf("overlay Wait: %v", err)
	}

	dup, err := overlaySwap.DuplicatedHandle(0)
	if err != nil {
		t.Fatalf("DuplicatedHandle: %v", err)
	}

	if _, err := table.Dispatch(c, dispatch.Request{
		Kind: dispatch.KindAcquireSwapchainImage, Handle: swapchainHandle, SwapchainIndex: 0,
	}); err != nil {
		t.Fatalf("acquire-swapchain-image: %v", err)
	}

	if _, err := table.Dispatch(c, dispatch.Request{
		Kind: dispatch.KindWaitSwapchainImage, Handle: swapchainHandle, SharedHandle: dup,
	}); err != nil {
		t.Fatalf("wait-swapchain-image: %v", err)
	}

	if _, err := table.Dispatch(c, dispatch.Request{
		Kind: dispatch.KindReleaseSwapchainImage, Handle: swapchainHandle, SharedHandle: dup,
	}); err != nil {
		t.Fatalf("release-swapchain-image: %v", err)
	}

	if err := overlaySwap.Release(); err != nil {
		t.Fatalf("overlay Release: %v", err)
	}

	copyLog := dev.CopyLog()
	if len(copyLog) != 1 {
		t.Fatalf("CopyLog() has %d entries, want exactly 1 (testable property: one copy per release)", len(copyLog))
	}
}

// TestWaitWithoutAcquireFailsCallOrderInvalid exercises the
// ErrCallOrderInvalid mapping for a protocol violation.
func TestWaitWithoutAcquireFailsCallOrderInvalid(t *testing.T) {
	t.Parallel()

	table := dispatch.NewTable()
	c := newTestConn()

	resp, err := table.Dispatch(c, dispatch.Request{Kind: dispatch.KindCreateSwapchain})
	if err != nil {
		t.Fatalf("create-swapchain: %v", err)
	}

	dev := gpu.NewFakeDevice()
	c.Bridges[resp.Handle] = gpu.NewSwapchainBridge(dev, nil)

	_, err = table.Dispatch(c, dispatch.Request{Kind: dispatch.KindWaitSwapchainImage, Handle: resp.Handle})
	if !errors.Is(err, xrerr.ErrCallOrderInvalid) {
		t.Fatalf("wait without acquire: err = %v, want ErrCallOrderInvalid", err)
	}
}

// TestLayerCapExceededClearsStore implements scenario C: submitting more
// layers than ReservedLayers fails and clears the store.
func TestLayerCapExceededClearsStore(t *testing.T) {
	t.Parallel()

	table := dispatch.NewTable()
	c := newTestConn() // ReservedLayers = 2

	layers := []composition.Layer{{SwapchainHandle: 1}, {SwapchainHandle: 2}, {SwapchainHandle: 3}}

	_, err := table.Dispatch(c, dispatch.Request{Kind: dispatch.KindEndFrame, Layers: layers})
	if !errors.Is(err, xrerr.ErrLayerLimitExceeded) {
		t.Fatalf("end-frame over cap: err = %v, want ErrLayerLimitExceeded", err)
	}

	if got := len(c.Composition.Layers()); got != 0 {
		t.Errorf("Composition.Layers() after cap failure has %d entries, want 0 (cleared)", got)
	}
}

// TestDestroyWhileReferencedDefersUntilSweep implements scenario D: a
// destroy-swapchain for a handle still referenced by the last submitted
// layer succeeds immediately to the caller but the registry entry
// survives until a later end-frame's sweep observes it unreferenced.
func TestDestroyWhileReferencedDefersUntilSweep(t *testing.T) {
	t.Parallel()

	table := dispatch.NewTable()
	c := newTestConn()

	resp, err := table.Dispatch(c, dispatch.Request{Kind: dispatch.KindCreateSwapchain})
	if err != nil {
		t.Fatalf("create-swapchain: %v", err)
	}
	swapchainHandle := resp.Handle

	if _, err := table.Dispatch(c, dispatch.Request{
		Kind:   dispatch.KindEndFrame,
		Layers: []composition.Layer{{SwapchainHandle: uint64(swapchainHandle)}},
	}); err != nil {
		t.Fatalf("end-frame (register referencing layer): %v", err)
	}

	if _, err := table.Dispatch(c, dispatch.Request{Kind: dispatch.KindDestroySwapchain, Handle: swapchainHandle}); err != nil {
		t.Fatalf("destroy-swapchain while referenced: %v", err)
	}

	// The handle must still resolve: the real release was deferred.
	if _, err := c.Handles.Resolve(handle.KindSwapchain, swapchainHandle); err != nil {
		t.Fatalf("handle resolved after deferred destroy: %v, want still present", err)
	}

	// The next overlay end-frame with no layers drops the reference; the
	// main end-frame after it observes the swapchain unreferenced and its
	// sweep must now release it.
	if _, err := table.Dispatch(c, dispatch.Request{Kind: dispatch.KindEndFrame}); err != nil {
		t.Fatalf("end-frame (no layers): %v", err)
	}

	c.InjectLayers(nil)

	if _, err := c.Handles.Resolve(handle.KindSwapchain, swapchainHandle); err == nil {
		t.Error("handle still resolved after sweep observed it unreferenced")
	}
}

// TestSessionLostIsSticky ensures that once a connection is marked lost,
// every subsequent Dispatch except poll-event fails with ErrSessionLost.
func TestSessionLostIsSticky(t *testing.T) {
	t.Parallel()

	table := dispatch.NewTable()
	c := newTestConn()

	c.MarkLost()

	if _, err := table.Dispatch(c, dispatch.Request{Kind: dispatch.KindCreateSwapchain}); !errors.Is(err, xrerr.ErrSessionLost) {
		t.Errorf("create-swapchain after MarkLost: err = %v, want ErrSessionLost", err)
	}

	// poll-event must still run so the overlay observes the
	// loss-pending/lost synthetic transition.
	if _, err := table.Dispatch(c, dispatch.Request{Kind: dispatch.KindPollEvent}); err != nil {
		t.Errorf("poll-event after MarkLost: err = %v, want nil", err)
	}
}

// TestPassthroughWithoutRuntimeCallerFailsUnsupported ensures a
// passthrough kind with no runtime forwarder configured fails cleanly
// instead of panicking.
func TestPassthroughWithoutRuntimeCallerFailsUnsupported(t *testing.T) {
	t.Parallel()

	table := dispatch.NewTable()
	c := newTestConn()

	_, err := table.Dispatch(c, dispatch.Request{Kind: dispatch.KindGetSystem})
	if !errors.Is(err, xrerr.ErrUnsupported) {
		t.Errorf("passthrough with nil RuntimeCall: err = %v, want ErrUnsupported", err)
	}
}

// TestGetSystemPropertiesSubtractsReservedLayers checks the reserved
// layer budget: the overlay-visible max-layer-count is the runtime's
// maximum minus the slots reserved for overlay composition.
func TestGetSystemPropertiesSubtractsReservedLayers(t *testing.T) {
	t.Parallel()

	table := dispatch.NewTable()
	c := newTestConn() // ReservedLayers = 2

	c.RuntimeCall = func(req dispatch.Request) (dispatch.Response, error) {
		return dispatch.Response{MaxLayerCount: 16}, nil
	}

	resp, err := table.Dispatch(c, dispatch.Request{Kind: dispatch.KindGetSystemProperties})
	if err != nil {
		t.Fatalf("get-system-properties: %v", err)
	}

	if resp.MaxLayerCount != 14 {
		t.Errorf("MaxLayerCount = %d, want 14 (16 minus 2 reserved)", resp.MaxLayerCount)
	}
}

// TestLocateSpaceAppliesAdjustment checks that the space handle is
// resolved to its actual counterpart before the runtime call and that a
// configured space adjustment offsets the located pose on top of
// whatever the runtime reported.
func TestLocateSpaceAppliesAdjustment(t *testing.T) {
	t.Parallel()

	table := dispatch.NewTable()
	c := newTestConn()

	const actualSpace = uint64(0x5000)

	var sawHandle handle.Handle

	c.RuntimeCall = func(req dispatch.Request) (dispatch.Response, error) {
		switch req.Kind {
		case dispatch.KindCreateReferenceSpace:
			return dispatch.Response{Handle: handle.Handle(actualSpace)}, nil
		case dispatch.KindLocateSpace:
			sawHandle = req.Handle
			return dispatch.Response{
				Pose:          session.PoseOffset{OrientationW: 1, PositionX: 1},
				LocationFlags: 0xF,
			}, nil
		default:
			return dispatch.Response{}, nil
		}
	}

	created, err := table.Dispatch(c, dispatch.Request{Kind: dispatch.KindCreateReferenceSpace})
	if err != nil {
		t.Fatalf("create-reference-space: %v", err)
	}

	space := created.Handle
	if space.Kind() != handle.KindSpace {
		t.Fatalf("created handle kind = %s, want Space", space.Kind())
	}

	c.Overlay.SpaceAdjustment = &session.PoseOffset{PositionX: 0.5, PositionZ: -1.5}

	resp, err := table.Dispatch(c, dispatch.Request{Kind: dispatch.KindLocateSpace, Handle: space})
	if err != nil {
		t.Fatalf("locate-space: %v", err)
	}

	if uint64(sawHandle) != actualSpace {
		t.Errorf("runtime saw handle %#x, want the actual %#x (local must be resolved)", uint64(sawHandle), actualSpace)
	}

	if resp.Pose.PositionX != 1.5 || resp.Pose.PositionZ != -1.5 {
		t.Errorf("adjusted pose = %+v, want x=1.5 z=-1.5", resp.Pose)
	}

	if resp.LocationFlags != 0xF {
		t.Errorf("LocationFlags = %#x, want 0xF", resp.LocationFlags)
	}
}

// TestCreateWrapsActualAndDestroyResolves drives the registry through the
// router the way a real runtime would see it: the create wraps the
// runtime's actual handle behind a fresh local one, and the destroy hands
// the runtime back the actual, never the local.
func TestCreateWrapsActualAndDestroyResolves(t *testing.T) {
	t.Parallel()

	table := dispatch.NewTable()
	c := newTestConn()

	const actualSession = uint64(0xAB0BA)

	var destroySaw handle.Handle

	c.RuntimeCall = func(req dispatch.Request) (dispatch.Response, error) {
		switch req.Kind {
		case dispatch.KindCreateSession:
			return dispatch.Response{Handle: handle.Handle(actualSession)}, nil
		case dispatch.KindDestroySession:
			destroySaw = req.Handle
			return dispatch.Response{}, nil
		default:
			return dispatch.Response{}, nil
		}
	}

	resp, err := table.Dispatch(c, dispatch.Request{Kind: dispatch.KindCreateSession})
	if err != nil {
		t.Fatalf("create-session: %v", err)
	}

	local := resp.Handle
	if uint64(local) == actualSession {
		t.Fatalf("overlay was handed the actual handle %#x; want a wrapped local", actualSession)
	}
	if local.Kind() != handle.KindSession {
		t.Fatalf("local handle kind = %s, want Session", local.Kind())
	}

	if got, err := c.Handles.Resolve(handle.KindSession, local); err != nil || got != actualSession {
		t.Fatalf("Resolve(local) = %#x, %v; want %#x", got, err, actualSession)
	}

	if _, err := table.Dispatch(c, dispatch.Request{Kind: dispatch.KindDestroySession, Handle: local}); err != nil {
		t.Fatalf("destroy-session: %v", err)
	}

	if uint64(destroySaw) != actualSession {
		t.Errorf("runtime destroy saw %#x, want the actual %#x", uint64(destroySaw), actualSession)
	}

	if _, err := c.Handles.Resolve(handle.KindSession, local); err == nil {
		t.Error("local handle still resolves after destroy")
	}
}

// TestPollEventRewritesRelayedHandles checks that a relayed event's
// embedded actual identifiers come back to the overlay as its own local
// handles.
func TestPollEventRewritesRelayedHandles(t *testing.T) {
	t.Parallel()

	table := dispatch.NewTable()
	c := newTestConn()

	const actualSpace = uint64(0x77)

	localSpace := c.Handles.Wrap(handle.KindSpace, actualSpace)

	c.ObserveMainEvent(eventqueue.Event{
		Kind:        eventqueue.KindReferenceSpaceChangePending,
		SpaceHandle: actualSpace,
	})

	resp, err := table.Dispatch(c, dispatch.Request{Kind: dispatch.KindPollEvent})
	if err != nil {
		t.Fatalf("poll-event: %v", err)
	}

	if resp.Event == nil || resp.Event.Kind != eventqueue.KindReferenceSpaceChangePending {
		t.Fatalf("event = %+v, want relayed reference-space-change-pending", resp.Event)
	}

	if resp.Event.SpaceHandle != uint64(localSpace) {
		t.Errorf("relayed SpaceHandle = %#x, want local %#x", resp.Event.SpaceHandle, uint64(localSpace))
	}
}

// TestStrayDestroyAfterSessionDestroySucceeds: children die with their
// session, and a stray destroy for one of them afterwards is a no-op
// success rather than HandleInvalid.
func TestStrayDestroyAfterSessionDestroySucceeds(t *testing.T) {
	t.Parallel()

	table := dispatch.NewTable()
	c := newTestConn()

	sess, err := table.Dispatch(c, dispatch.Request{Kind: dispatch.KindCreateSession})
	if err != nil {
		t.Fatalf("create-session: %v", err)
	}

	sc, err := table.Dispatch(c, dispatch.Request{Kind: dispatch.KindCreateSwapchain})
	if err != nil {
		t.Fatalf("create-swapchain: %v", err)
	}

	if _, err := table.Dispatch(c, dispatch.Request{Kind: dispatch.KindDestroySession, Handle: sess.Handle}); err != nil {
		t.Fatalf("destroy-session: %v", err)
	}

	if !c.Handles.IsLost(sc.Handle) {
		t.Fatal("swapchain not marked lost by session destruction")
	}

	if _, err := table.Dispatch(c, dispatch.Request{Kind: dispatch.KindDestroySwapchain, Handle: sc.Handle}); err != nil {
		t.Fatalf("stray destroy-swapchain = %v, want no-op success", err)
	}
}
