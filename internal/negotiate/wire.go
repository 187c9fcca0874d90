package negotiate

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/dcrane/xroverlay/internal/chain"
	"github.com/dcrane/xroverlay/internal/composition"
	"github.com/dcrane/xroverlay/internal/dispatch"
	"github.com/dcrane/xroverlay/internal/eventqueue"
	"github.com/dcrane/xroverlay/internal/gpu"
	"github.com/dcrane/xroverlay/internal/handle"
	"github.com/dcrane/xroverlay/internal/session"
	"github.com/dcrane/xroverlay/internal/xrerr"
)

// Scalar argument blocks. Every call lays a fixed block of scalar
// arguments down as the arena's first allocation (found again via
// chain.ArgsOffset on the far side); everything chained or variable-length
// travels as marshaled records behind the header's root-chain pointer.
//
// Request block layout:
//
//	0  handle          u64
//	8  shared handle   u64
//	16 swapchain index u32
//	20 session command u32
//	24 binary version  u32
//	28 pad             u32
const reqArgsSize = 32

// Response block layout:
//
//	0  handle            u64
//	8  instance handle   u64
//	16 image count       u32
//	20 max layer count   u32
//	24 predicted time    i64
//	32 should render     u8
//	33 has event         u8
//	34 pad               u16
//	36 event kind        u32
//	40 event session     u64
//	48 event space       u64
//	56 event state       u32
//	60 event lost count  u32
//	64 event time        i64
//	72 location flags    u64
//	80 pose              7 x f32
//	108 pad              u32
const respArgsSize = 112

// EncodeRequest lays req down into region: header, scalar block, then the
// marshaled record chain. The caller relativizes afterwards; the region
// leaves this function holding absolute pointers.
func EncodeRequest(region []byte, req dispatch.Request, records []chain.Record) error {
	a, err := chain.NewArena(region, uint64(req.Kind))
	if err != nil {
		return err
	}

	argsOff, err := a.Alloc(reqArgsSize)
	if err != nil {
		return wireAllocError(err)
	}

	args := region[argsOff:]
	binary.LittleEndian.PutUint64(args[0:], uint64(req.Handle))
	binary.LittleEndian.PutUint64(args[8:], uint64(req.SharedHandle))
	binary.LittleEndian.PutUint32(args[16:], uint32(req.SwapchainIndex))
	binary.LittleEndian.PutUint32(args[20:], uint32(req.Command))
	binary.LittleEndian.PutUint32(args[24:], req.BinaryVersion)

	head, empty, err := chain.MarshalChain(a, chain.ModeCopyEverything, records)
	if err != nil {
		return wireAllocError(err)
	}

	return a.Finish(head, empty)
}

// DecodeRequest reverses EncodeRequest on an already-absolutized region,
// reconstituting the dispatch.Request the main-side router consumes. The
// kind-specific projections (swapchain create info, composition layers)
// are pulled out of the decoded record chain here so no handler ever
// touches raw region bytes.
func DecodeRequest(region []byte) (dispatch.Request, error) {
	h, err := chain.ReadHeader(region)
	if err != nil {
		return dispatch.Request{}, err
	}

	args := region[chain.ArgsOffset():]

	req := dispatch.Request{
		Kind:           dispatch.RequestKind(h.RequestKind),
		Handle:         handle.Handle(binary.LittleEndian.Uint64(args[0:])),
		SharedHandle:   gpu.SharedHandle(binary.LittleEndian.Uint64(args[8:])),
		SwapchainIndex: int(binary.LittleEndian.Uint32(args[16:])),
		Command:        session.Command(binary.LittleEndian.Uint32(args[20:])),
		BinaryVersion:  binary.LittleEndian.Uint32(args[24:]),
	}

	records, err := chain.UnmarshalChain(region, h.RootChain)
	if err != nil {
		return dispatch.Request{}, err
	}

	req.Records = records

	switch req.Kind {
	case dispatch.KindCreateSwapchain:
		req.SwapchainInfo = swapchainInfoFromRecords(records)
	case dispatch.KindEndFrame:
		layers, err := LayersFromRecords(records)
		if err != nil {
			return dispatch.Request{}, err
		}

		req.Layers = layers
	}

	return req, nil
}

// EncodeResponse lays resp and the taxonomy-mapped result code down into
// region. Responses carry no record chain: every output the closed
// request enumeration produces fits the scalar block, and the event
// returned by poll-event is a deep copy already flattened by the relay.
func EncodeResponse(region []byte, kind uint64, resp dispatch.Response, code int32) error {
	a, err := chain.NewArena(region, kind)
	if err != nil {
		return err
	}

	argsOff, err := a.Alloc(respArgsSize)
	if err != nil {
		return wireAllocError(err)
	}

	args := region[argsOff:]
	binary.LittleEndian.PutUint64(args[0:], uint64(resp.Handle))
	binary.LittleEndian.PutUint64(args[8:], uint64(resp.InstanceHandle))
	binary.LittleEndian.PutUint32(args[16:], uint32(resp.ImageCount))
	binary.LittleEndian.PutUint32(args[20:], uint32(resp.MaxLayerCount))
	binary.LittleEndian.PutUint64(args[24:], uint64(resp.FrameState.PredictedDisplayTime))

	if resp.FrameState.ShouldRender {
		args[32] = 1
	} else {
		args[32] = 0
	}

	if ev := resp.Event; ev != nil {
		args[33] = 1
		binary.LittleEndian.PutUint32(args[36:], uint32(ev.Kind))
		binary.LittleEndian.PutUint64(args[40:], ev.SessionHandle)
		binary.LittleEndian.PutUint64(args[48:], ev.SpaceHandle)
		binary.LittleEndian.PutUint32(args[56:], ev.State)
		binary.LittleEndian.PutUint32(args[60:], ev.LostCount)
		binary.LittleEndian.PutUint64(args[64:], uint64(ev.Time))
	} else {
		args[33] = 0
	}

	binary.LittleEndian.PutUint64(args[72:], resp.LocationFlags)
	encodePoseArgs(args[80:], resp.Pose)

	if err := a.Finish(0, true); err != nil {
		return err
	}

	return chain.SetResultCode(region, code)
}

// DecodeResponse reverses EncodeResponse on an already-absolutized
// region, returning the response and the raw result code for the caller
// to map back into the error taxonomy.
func DecodeResponse(region []byte) (dispatch.Response, int32, error) {
	code, err := chain.ResultCode(region)
	if err != nil {
		return dispatch.Response{}, 0, err
	}

	args := region[chain.ArgsOffset():]

	resp := dispatch.Response{
		Handle:         handle.Handle(binary.LittleEndian.Uint64(args[0:])),
		InstanceHandle: handle.Handle(binary.LittleEndian.Uint64(args[8:])),
		ImageCount:     int(binary.LittleEndian.Uint32(args[16:])),
		MaxLayerCount:  int(binary.LittleEndian.Uint32(args[20:])),
	}
	resp.FrameState.PredictedDisplayTime = int64(binary.LittleEndian.Uint64(args[24:]))
	resp.FrameState.ShouldRender = args[32] != 0

	if args[33] != 0 {
		resp.Event = &eventqueue.Event{
			Kind:          eventqueue.Kind(binary.LittleEndian.Uint32(args[36:])),
			SessionHandle: binary.LittleEndian.Uint64(args[40:]),
			SpaceHandle:   binary.LittleEndian.Uint64(args[48:]),
			State:         binary.LittleEndian.Uint32(args[56:]),
			LostCount:     binary.LittleEndian.Uint32(args[60:]),
			Time:          int64(binary.LittleEndian.Uint64(args[64:])),
		}
	}

	resp.LocationFlags = binary.LittleEndian.Uint64(args[72:])
	resp.Pose = decodePoseArgs(args[80:])

	return resp, code, nil
}

func encodePoseArgs(buf []byte, p session.PoseOffset) {
	for i, v := range [7]float32{
		p.OrientationW, p.OrientationX, p.OrientationY, p.OrientationZ,
		p.PositionX, p.PositionY, p.PositionZ,
	} {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
}

func decodePoseArgs(buf []byte) session.PoseOffset {
	f := func(i int) float32 { return math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:])) }

	return session.PoseOffset{
		OrientationW: f(0), OrientationX: f(1), OrientationY: f(2), OrientationZ: f(3),
		PositionX: f(4), PositionY: f(5), PositionZ: f(6),
	}
}

// LayersFromRecords projects the composition-layer records out of a
// decoded end-frame chain into the store's in-memory layer shape, with
// each record's full content flattened into Opaque so injection re-emits
// the layer bytes, not just their count. Records of other kinds are
// ignored; the marshaller has already dropped unknown ones.
func LayersFromRecords(records []chain.Record) ([]composition.Layer, error) {
	var out []composition.Layer

	for _, rec := range records {
		switch v := rec.(type) {
		case chain.CompositionLayerProjection:
			opaque, err := chain.EncodeLayerRecord(v)
			if err != nil {
				return nil, err
			}

			layer := composition.Layer{
				SpaceHandle: v.Space,
				Type:        composition.LayerProjection,
				Opaque:      opaque,
			}
			if len(v.Views) > 0 {
				layer.SwapchainHandle = v.Views[0].SubImageSwapchain
			}

			out = append(out, layer)

		case chain.CompositionLayerQuad:
			opaque, err := chain.EncodeLayerRecord(v)
			if err != nil {
				return nil, err
			}

			out = append(out, composition.Layer{
				SwapchainHandle: v.SubImageSwapchain,
				SpaceHandle:     v.Space,
				Type:            composition.LayerQuad,
				Opaque:          opaque,
			})
		}
	}

	return out, nil
}

func swapchainInfoFromRecords(records []chain.Record) gpu.CreateInfo {
	for _, rec := range records {
		if v, ok := rec.(chain.SwapchainCreateInfo); ok {
			return gpu.CreateInfo{
				Width:     v.Width,
				Height:    v.Height,
				Format:    uint32(v.Format),
				MipCount:  v.MipCount,
				ArraySize: v.ArraySize,
			}
		}
	}

	return gpu.CreateInfo{}
}

// wireAllocError folds the marshaller's overflow sentinels into the
// shared error taxonomy: arena exhaustion is OutOfMemory, fixup-table
// exhaustion is OutOfBufferSpace.
func wireAllocError(err error) error {
	switch {
	case errors.Is(err, chain.ErrArenaOverflow):
		return fmt.Errorf("%w: %v", xrerr.ErrOutOfMemory, err)
	case errors.Is(err, chain.ErrFixupOverflow):
		return fmt.Errorf("%w: %v", xrerr.ErrOutOfBufferSpace, err)
	default:
		return err
	}
}

// Result codes follow the downstream runtime's own numbering so a
// PropagatedRuntimeError travels verbatim and the taxonomy errors occupy
// the codes the real runtime would use for the same condition.
const (
	resultSuccess             int32 = 0
	resultRuntimeFailure      int32 = -2
	resultOutOfMemory         int32 = -3
	resultFeatureUnsupported  int32 = -8
	resultExtensionNotPresent int32 = -9
	resultLimitReached        int32 = -10
	resultSizeInsufficient    int32 = -11
	resultHandleInvalid       int32 = -12
	resultSessionLost         int32 = -17
	resultCallOrderInvalid    int32 = -37
)

// ResultFromError maps a dispatch error onto the wire result code placed
// in the header's result field. A RuntimeError's code passes through
// verbatim.
func ResultFromError(err error) int32 {
	if err == nil {
		return resultSuccess
	}

	var rt *xrerr.RuntimeError
	if errors.As(err, &rt) {
		return rt.Code
	}

	switch {
	case errors.Is(err, xrerr.ErrSessionLost), errors.Is(err, xrerr.ErrPeerTerminated):
		return resultSessionLost
	case errors.Is(err, xrerr.ErrHandleInvalid):
		return resultHandleInvalid
	case errors.Is(err, xrerr.ErrCallOrderInvalid):
		return resultCallOrderInvalid
	case errors.Is(err, xrerr.ErrPermissionDenied):
		return resultExtensionNotPresent
	case errors.Is(err, xrerr.ErrUnsupported):
		return resultFeatureUnsupported
	case errors.Is(err, xrerr.ErrOutOfMemory):
		return resultOutOfMemory
	case errors.Is(err, xrerr.ErrOutOfBufferSpace):
		return resultSizeInsufficient
	case errors.Is(err, xrerr.ErrLayerLimitExceeded):
		return resultLimitReached
	default:
		return resultRuntimeFailure
	}
}

// ErrorFromResult is the overlay-side inverse of ResultFromError: known
// codes come back as their taxonomy sentinels, anything else as a
// PropagatedRuntimeError carrying the code verbatim.
func ErrorFromResult(op string, code int32) error {
	switch code {
	case resultSuccess:
		return nil
	case resultSessionLost:
		return fmt.Errorf("%s: %w", op, xrerr.ErrSessionLost)
	case resultHandleInvalid:
		return fmt.Errorf("%s: %w", op, xrerr.ErrHandleInvalid)
	case resultCallOrderInvalid:
		return fmt.Errorf("%s: %w", op, xrerr.ErrCallOrderInvalid)
	case resultExtensionNotPresent:
		return fmt.Errorf("%s: %w", op, xrerr.ErrPermissionDenied)
	case resultFeatureUnsupported:
		return fmt.Errorf("%s: %w", op, xrerr.ErrUnsupported)
	case resultOutOfMemory:
		return fmt.Errorf("%s: %w", op, xrerr.ErrOutOfMemory)
	case resultSizeInsufficient:
		return fmt.Errorf("%s: %w", op, xrerr.ErrOutOfBufferSpace)
	case resultLimitReached:
		return fmt.Errorf("%s: %w", op, xrerr.ErrLayerLimitExceeded)
	default:
		return xrerr.Runtime(op, code)
	}
}
