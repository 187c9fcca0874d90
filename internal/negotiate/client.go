package negotiate

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/dcrane/xroverlay/internal/chain"
	"github.com/dcrane/xroverlay/internal/dispatch"
	"github.com/dcrane/xroverlay/internal/eventqueue"
	"github.com/dcrane/xroverlay/internal/gpu"
	"github.com/dcrane/xroverlay/internal/handle"
	"github.com/dcrane/xroverlay/internal/ipc"
	"github.com/dcrane/xroverlay/internal/session"
	"github.com/dcrane/xroverlay/internal/xrerr"
)

// Client is the overlay-process side of a connection: one typed stub per
// mediated operation, each with the same shape -- lay the request into
// the shared region, submit, block on the response, map the result code
// back into the error taxonomy. Connection loss is sticky: after the
// first PeerTerminated every subsequent call fails with SessionLost
// without touching the transport.
type Client struct {
	t    ipc.Transport
	lost atomic.Bool

	// lossDelivered latches after the one synthetic loss-pending event a
	// dead connection's PollEvent still owes its caller; after that, hard
	// SessionLost errors.
	lossDelivered atomic.Bool
}

// NewClient wraps an already-negotiated transport in the typed stub
// surface.
func NewClient(t ipc.Transport) *Client {
	return &Client{t: t}
}

// Close releases the client's transport.
func (c *Client) Close() error {
	return c.t.Close()
}

func (c *Client) call(ctx context.Context, req dispatch.Request, records []chain.Record) (dispatch.Response, error) {
	op := req.Kind.String()

	if c.lost.Load() {
		return dispatch.Response{}, fmt.Errorf("%s: %w", op, xrerr.ErrSessionLost)
	}

	var (
		resp dispatch.Response
		code int32
	)

	err := ipc.Submit(ctx, c.t,
		func(region []byte) error {
			if err := EncodeRequest(region, req, records); err != nil {
				return err
			}

			return chain.Relativize(region)
		},
		func(region []byte) error {
			if err := chain.Absolutize(region); err != nil {
				return err
			}

			var derr error
			resp, code, derr = DecodeResponse(region)

			return derr
		},
	)
	if err != nil {
		if errors.Is(err, xrerr.ErrPeerTerminated) {
			c.lost.Store(true)
			return dispatch.Response{}, fmt.Errorf("%s: %w", op, xrerr.ErrSessionLost)
		}

		return dispatch.Response{}, fmt.Errorf("%s: %w", op, err)
	}

	return resp, ErrorFromResult(op, code)
}

// Handshake submits the overlay's requested binary version as the
// connection's first call.
func (c *Client) Handshake(ctx context.Context, binaryVersion uint32) error {
	_, err := c.call(ctx, dispatch.Request{Kind: dispatch.KindHandshake, BinaryVersion: binaryVersion}, nil)
	return err
}

// CreateInstance returns the overlay's local instance handle.
func (c *Client) CreateInstance(ctx context.Context) (handle.Handle, error) {
	resp, err := c.call(ctx, dispatch.Request{Kind: dispatch.KindCreateInstance}, nil)
	return resp.InstanceHandle, err
}

// CreateSession submits a create-session whose input chain is records.
// Graphics-binding records are stripped before they cross the boundary;
// the overlay keeps its device pointer local.
func (c *Client) CreateSession(ctx context.Context, records ...chain.Record) (handle.Handle, error) {
	resp, err := c.call(ctx, dispatch.Request{Kind: dispatch.KindCreateSession}, records)
	return resp.Handle, err
}

// DestroySession destroys the overlay's session.
func (c *Client) DestroySession(ctx context.Context, h handle.Handle) error {
	_, err := c.call(ctx, dispatch.Request{Kind: dispatch.KindDestroySession, Handle: h}, nil)
	return err
}

// BeginSession issues the overlay begin command to the state machine.
func (c *Client) BeginSession(ctx context.Context, h handle.Handle) error {
	_, err := c.call(ctx, dispatch.Request{
		Kind: dispatch.KindBeginSession, Handle: h, Command: session.CommandBegin,
	}, nil)
	return err
}

// EndSession issues the overlay end command to the state machine.
func (c *Client) EndSession(ctx context.Context, h handle.Handle) error {
	_, err := c.call(ctx, dispatch.Request{
		Kind: dispatch.KindEndSession, Handle: h, Command: session.CommandEnd,
	}, nil)
	return err
}

// RequestExitSession latches the overlay's exit request.
func (c *Client) RequestExitSession(ctx context.Context, h handle.Handle) error {
	_, err := c.call(ctx, dispatch.Request{
		Kind: dispatch.KindRequestExitSession, Handle: h, Command: session.CommandRequestExit,
	}, nil)
	return err
}

// CreateReferenceSpace creates a reference space from info.
func (c *Client) CreateReferenceSpace(ctx context.Context, info chain.ReferenceSpaceCreateInfo) (handle.Handle, error) {
	resp, err := c.call(ctx, dispatch.Request{Kind: dispatch.KindCreateReferenceSpace}, []chain.Record{info})
	return resp.Handle, err
}

// LocateSpace locates a space against the main's tracked origin,
// including any configured overlay pose adjustment.
func (c *Client) LocateSpace(ctx context.Context, h handle.Handle) (session.PoseOffset, uint64, error) {
	resp, err := c.call(ctx, dispatch.Request{Kind: dispatch.KindLocateSpace, Handle: h}, nil)
	return resp.Pose, resp.LocationFlags, err
}

// DestroySpace destroys a reference space; the actual destroy may be
// deferred on the main side if a registered layer still references it.
func (c *Client) DestroySpace(ctx context.Context, h handle.Handle) error {
	_, err := c.call(ctx, dispatch.Request{Kind: dispatch.KindDestroySpace, Handle: h}, nil)
	return err
}

// CreateSwapchain creates a swapchain from info, returning the local
// handle and the runtime image count the overlay must mirror with shared
// textures.
func (c *Client) CreateSwapchain(ctx context.Context, info chain.SwapchainCreateInfo) (handle.Handle, int, error) {
	resp, err := c.call(ctx, dispatch.Request{Kind: dispatch.KindCreateSwapchain}, []chain.Record{info})
	return resp.Handle, resp.ImageCount, err
}

// DestroySwapchain destroys a swapchain, possibly deferred like
// DestroySpace.
func (c *Client) DestroySwapchain(ctx context.Context, h handle.Handle) error {
	_, err := c.call(ctx, dispatch.Request{Kind: dispatch.KindDestroySwapchain, Handle: h}, nil)
	return err
}

// AcquireSwapchainImage records index as acquired on the main-side
// bridge.
func (c *Client) AcquireSwapchainImage(ctx context.Context, h handle.Handle, index int) error {
	_, err := c.call(ctx, dispatch.Request{
		Kind: dispatch.KindAcquireSwapchainImage, Handle: h, SwapchainIndex: index,
	}, nil)
	return err
}

// WaitSwapchainImage marks shared as held by the overlay and waits on the
// real runtime's image.
func (c *Client) WaitSwapchainImage(ctx context.Context, h handle.Handle, shared gpu.SharedHandle) error {
	_, err := c.call(ctx, dispatch.Request{
		Kind: dispatch.KindWaitSwapchainImage, Handle: h, SharedHandle: shared,
	}, nil)
	return err
}

// ReleaseSwapchainImage hands shared back to the main side, which copies
// it into the runtime-owned image exactly once.
func (c *Client) ReleaseSwapchainImage(ctx context.Context, h handle.Handle, shared gpu.SharedHandle) error {
	_, err := c.call(ctx, dispatch.Request{
		Kind: dispatch.KindReleaseSwapchainImage, Handle: h, SharedHandle: shared,
	}, nil)
	return err
}

// BeginFrame begins an overlay frame.
func (c *Client) BeginFrame(ctx context.Context, h handle.Handle) error {
	_, err := c.call(ctx, dispatch.Request{Kind: dispatch.KindBeginFrame, Handle: h}, nil)
	return err
}

// WaitFrame blocks overlay pacing on the main's pacing and returns the
// cached frame state.
func (c *Client) WaitFrame(ctx context.Context, h handle.Handle) (session.FrameState, error) {
	resp, err := c.call(ctx, dispatch.Request{Kind: dispatch.KindWaitFrame, Handle: h}, nil)
	return resp.FrameState, err
}

// EndFrame submits the overlay's layer records for composition into the
// main's next end-frame.
func (c *Client) EndFrame(ctx context.Context, h handle.Handle, layers []chain.Record) error {
	_, err := c.call(ctx, dispatch.Request{Kind: dispatch.KindEndFrame, Handle: h}, layers)
	return err
}

// PollEvent returns the next synthetic or relayed event, or nil when
// neither is pending. On a lost connection it delivers one final
// synthetic state-changed(loss-pending) event before joining every other
// stub in failing with SessionLost.
func (c *Client) PollEvent(ctx context.Context) (*eventqueue.Event, error) {
	if c.lost.Load() {
		return c.lossPendingEvent()
	}

	resp, err := c.call(ctx, dispatch.Request{Kind: dispatch.KindPollEvent}, nil)
	if err != nil && c.lost.Load() {
		return c.lossPendingEvent()
	}

	return resp.Event, err
}

func (c *Client) lossPendingEvent() (*eventqueue.Event, error) {
	if c.lossDelivered.CompareAndSwap(false, true) {
		return &eventqueue.Event{
			Kind:  eventqueue.KindStateChanged,
			State: uint32(session.OverlayLossPending),
			Time:  1,
		}, nil
	}

	return nil, fmt.Errorf("poll-event: %w", xrerr.ErrSessionLost)
}
