package negotiate_test

import (
	"errors"
	"testing"

	"github.com/dcrane/xroverlay/internal/chain"
	"github.com/dcrane/xroverlay/internal/composition"
	"github.com/dcrane/xroverlay/internal/dispatch"
	"github.com/dcrane/xroverlay/internal/eventqueue"
	"github.com/dcrane/xroverlay/internal/gpu"
	"github.com/dcrane/xroverlay/internal/handle"
	"github.com/dcrane/xroverlay/internal/negotiate"
	"github.com/dcrane/xroverlay/internal/session"
	"github.com/dcrane/xroverlay/internal/xrerr"
)

const testRegionSize = 1 << 16

// TestRequestRoundTrip marshals a request through the full
// encode-relativize-absolutize-decode cycle the transport performs, and
// checks every scalar and the chained create-info survive it.
func TestRequestRoundTrip(t *testing.T) {
	t.Parallel()

	region := make([]byte, testRegionSize)

	in := dispatch.Request{
		Kind:           dispatch.KindCreateSwapchain,
		Handle:         handle.Handle(0x0400000000000007),
		SharedHandle:   gpu.SharedHandle(0xBEEF),
		SwapchainIndex: 2,
		Command:        session.CommandBegin,
		BinaryVersion:  1,
	}

	info := chain.SwapchainCreateInfo{
		Width: 96, Height: 96, Format: 29, SampleCount: 1,
		FaceCount: 1, ArraySize: 1, MipCount: 1,
	}

	if err := negotiate.EncodeRequest(region, in, []chain.Record{info}); err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}

	if err := chain.Relativize(region); err != nil {
		t.Fatalf("Relativize: %v", err)
	}

	if err := chain.Absolutize(region); err != nil {
		t.Fatalf("Absolutize: %v", err)
	}

	out, err := negotiate.DecodeRequest(region)
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}

	if out.Kind != in.Kind || out.Handle != in.Handle || out.SharedHandle != in.SharedHandle {
		t.Errorf("scalars differ: got kind=%s handle=%#x shared=%#x", out.Kind, uint64(out.Handle), out.SharedHandle)
	}

	if out.SwapchainIndex != in.SwapchainIndex || out.Command != in.Command || out.BinaryVersion != in.BinaryVersion {
		t.Errorf("scalars differ: got index=%d command=%d version=%d", out.SwapchainIndex, out.Command, out.BinaryVersion)
	}

	if out.SwapchainInfo.Width != 96 || out.SwapchainInfo.Height != 96 || out.SwapchainInfo.Format != 29 {
		t.Errorf("SwapchainInfo = %+v, want 96x96 format 29", out.SwapchainInfo)
	}

	if len(out.Records) != 1 {
		t.Fatalf("Records has %d entries, want 1", len(out.Records))
	}
}

// TestEndFrameLayersDecodeFromChain checks the layer projection: quad and
// projection records become store layers carrying the handles the
// deferred-destroy sweep keys on.
func TestEndFrameLayersDecodeFromChain(t *testing.T) {
	t.Parallel()

	region := make([]byte, testRegionSize)

	records := []chain.Record{
		chain.CompositionLayerQuad{Space: 11, SubImageSwapchain: 22},
		chain.CompositionLayerProjection{
			Space: 33,
			Views: []chain.ProjectionView{{SubImageSwapchain: 44}, {SubImageSwapchain: 44}},
		},
	}

	err := negotiate.EncodeRequest(region, dispatch.Request{Kind: dispatch.KindEndFrame}, records)
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}

	out, err := negotiate.DecodeRequest(region)
	if err != nil {
		t.Fatalf("DecodeRequest: %v", err)
	}

	want := []composition.Layer{
		{SpaceHandle: 11, SwapchainHandle: 22, Type: composition.LayerQuad},
		{SpaceHandle: 33, SwapchainHandle: 44, Type: composition.LayerProjection},
	}

	if len(out.Layers) != len(want) {
		t.Fatalf("decoded %d layers, want %d", len(out.Layers), len(want))
	}

	for i, l := range out.Layers {
		if l.SpaceHandle != want[i].SpaceHandle || l.SwapchainHandle != want[i].SwapchainHandle || l.Type != want[i].Type {
			t.Errorf("layer %d = %+v, want %+v", i, l, want[i])
		}

		// The layer's full content must ride along in Opaque, not just
		// its handles: injection re-emits these bytes into the main's
		// layer array.
		rec, err := chain.DecodeLayerRecord(l.Opaque)
		if err != nil {
			t.Fatalf("layer %d Opaque does not decode: %v", i, err)
		}

		switch v := rec.(type) {
		case chain.CompositionLayerQuad:
			if v.Space != want[i].SpaceHandle || v.SubImageSwapchain != want[i].SwapchainHandle {
				t.Errorf("layer %d Opaque content = %+v", i, v)
			}
		case chain.CompositionLayerProjection:
			if v.Space != want[i].SpaceHandle || len(v.Views) != 2 {
				t.Errorf("layer %d Opaque content = %+v", i, v)
			}
		default:
			t.Errorf("layer %d Opaque decoded to %T", i, rec)
		}
	}
}

// TestResponseRoundTrip covers the scalar block plus an embedded event.
func TestResponseRoundTrip(t *testing.T) {
	t.Parallel()

	region := make([]byte, testRegionSize)

	in := dispatch.Response{
		Handle:         handle.Handle(7),
		InstanceHandle: handle.Handle(8),
		ImageCount:     3,
		MaxLayerCount:  14,
		FrameState:     session.FrameState{PredictedDisplayTime: 1234, ShouldRender: true},
		Event: &eventqueue.Event{
			Kind:          eventqueue.KindStateChanged,
			SessionHandle: 99,
			State:         uint32(session.OverlayReady),
			Time:          5,
		},
	}

	if err := negotiate.EncodeResponse(region, uint64(dispatch.KindWaitFrame), in, 0); err != nil {
		t.Fatalf("EncodeResponse: %v", err)
	}

	out, code, err := negotiate.DecodeResponse(region)
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}

	if code != 0 {
		t.Errorf("code = %d, want 0", code)
	}

	if out.Handle != in.Handle || out.InstanceHandle != in.InstanceHandle ||
		out.ImageCount != in.ImageCount || out.MaxLayerCount != in.MaxLayerCount {
		t.Errorf("scalars differ: %+v", out)
	}

	if out.FrameState != in.FrameState {
		t.Errorf("FrameState = %+v, want %+v", out.FrameState, in.FrameState)
	}

	if out.Event == nil || *out.Event != *in.Event {
		t.Errorf("Event = %+v, want %+v", out.Event, in.Event)
	}
}

// TestResultCodeMapping checks the taxonomy survives the int32 wire
// round trip, and that an unknown code comes back as a
// PropagatedRuntimeError carrying it verbatim.
func TestResultCodeMapping(t *testing.T) {
	t.Parallel()

	sentinels := []error{
		xrerr.ErrSessionLost,
		xrerr.ErrHandleInvalid,
		xrerr.ErrCallOrderInvalid,
		xrerr.ErrPermissionDenied,
		xrerr.ErrUnsupported,
		xrerr.ErrOutOfMemory,
		xrerr.ErrOutOfBufferSpace,
		xrerr.ErrLayerLimitExceeded,
	}

	for _, want := range sentinels {
		code := negotiate.ResultFromError(want)
		got := negotiate.ErrorFromResult("op", code)

		if !errors.Is(got, want) {
			t.Errorf("round trip of %v via code %d produced %v", want, code, got)
		}
	}

	if got := negotiate.ErrorFromResult("op", 0); got != nil {
		t.Errorf("success code mapped to %v", got)
	}

	var rt *xrerr.RuntimeError
	if got := negotiate.ErrorFromResult("op", -25); !errors.As(got, &rt) || rt.Code != -25 {
		t.Errorf("unknown code -25 mapped to %v, want verbatim RuntimeError", got)
	}

	if code := negotiate.ResultFromError(xrerr.Runtime("op", -25)); code != -25 {
		t.Errorf("RuntimeError code = %d, want -25 verbatim", code)
	}
}
