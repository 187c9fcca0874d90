// Package chain implements the pointer-fixup record-chain marshaller: an
// 8-byte-aligned bump arena over the shared region's
// payload, a bounded fixup table recording every pointer slot written into
// it, and the relativize/absolutize passes that make the arena's contents
// position-independent while it crosses the process boundary.
//
// The codec validates sizes up front, decodes with encoding/binary
// directly on a caller-owned buffer, and returns wrapped sentinel errors.
package chain

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unsafe"
)

// MaxFixups is the fixup table's fixed capacity.
const MaxFixups = 128

// Alignment is the bump allocator's granularity.
const Alignment = 8

// HeaderSize is the fixed size, in bytes, of the region header: request
// kind, result code, fixup count, the fixup offset table, and the root
// chain pointer slot. The root slot carries the chain's entry point so
// the root pointer is relativized/absolutized along with every other
// fixup.
const HeaderSize = 8 + 4 + 4 + MaxFixups*8 + 8

const (
	headerRequestKindOff  = 0
	headerResultCodeOff   = 8
	headerFixupCountOff   = 12
	headerFixupOffsetsOff = 16
	headerRootChainOff    = headerFixupOffsetsOff + MaxFixups*8
)

// recordHeaderSize is the fixed prefix every record begins with: a kind
// discriminator, padding to keep the chain pointer 8-byte aligned, and the
// next-record pointer slot.
const recordHeaderSize = 4 + 4 + 8

var (
	// ErrArenaOverflow is returned when a marshal allocation would run past
	// the end of the region.
	ErrArenaOverflow = errors.New("chain: arena overflow")

	// ErrFixupOverflow is returned when a marshal call would record more
	// than MaxFixups pointer slots -- a fatal marshal error.
	ErrFixupOverflow = errors.New("chain: fixup table overflow")

	// ErrRegionTooSmall is returned when a region is too small to hold
	// even the fixed header.
	ErrRegionTooSmall = errors.New("chain: region smaller than header")

	// ErrRecordOutOfBounds is returned when a chain pointer (after
	// absolutize and conversion back to a local offset) does not land
	// inside the region.
	ErrRecordOutOfBounds = errors.New("chain: record pointer out of bounds")
)

// Mode selects how MarshalChain copies each record: the full value, or
// just enough to describe its shape so the peer can fill it in.
type Mode uint8

const (
	// ModeCopyEverything does a full value copy of every known field,
	// used for input chains the peer must act on.
	ModeCopyEverything Mode = iota
	// ModeShapeOnly copies the kind tag and zeroes the payload, used for
	// output chains the peer will populate and the local side only
	// pre-allocated the shape of.
	ModeShapeOnly
)

// Kind discriminates the closed set of record types this marshaller knows
// how to serialize. A kind value outside this enumeration is always
// treated as unknown and skipped, which is how a future record type added
// to one side of a not-yet-upgraded pair stays forward compatible.
type Kind uint32

const (
	// KindNone is never used as a real record's kind; it marks an empty
	// chain slot.
	KindNone Kind = iota
	KindReferenceSpaceCreateInfo
	KindSwapchainCreateInfo
	KindViewConfigurationView
	KindCompositionLayerProjection
	KindCompositionLayerQuad
	KindEventSessionStateChanged
	// KindEventReferenceSpaceChangePending: the sample overlay never emits
	// it itself, but the real runtime can, and the relay forwards it like
	// any other event.
	KindEventReferenceSpaceChangePending
	// KindGraphicsBindingD3D11 is the live-device-pointer record stripped
	// out during serialization; it is never given a wire encoding, only
	// recognized and dropped.
	KindGraphicsBindingD3D11
)

// String returns the human-readable name of the kind.
func (k Kind) String() string {
	switch k {
	case KindNone:
		return "None"
	case KindReferenceSpaceCreateInfo:
		return "ReferenceSpaceCreateInfo"
	case KindSwapchainCreateInfo:
		return "SwapchainCreateInfo"
	case KindViewConfigurationView:
		return "ViewConfigurationView"
	case KindCompositionLayerProjection:
		return "CompositionLayerProjection"
	case KindCompositionLayerQuad:
		return "CompositionLayerQuad"
	case KindEventSessionStateChanged:
		return "EventSessionStateChanged"
	case KindEventReferenceSpaceChangePending:
		return "EventReferenceSpaceChangePending"
	case KindGraphicsBindingD3D11:
		return "GraphicsBindingD3D11"
	default:
		return fmt.Sprintf("Unknown(%d)", uint32(k))
	}
}

// Record is implemented by every record type this package can marshal.
type Record interface {
	Kind() Kind
}

// Header is the fixed-layout region header.
type Header struct {
	RequestKind  uint64
	ResultCode   int32
	FixupCount   int32
	FixupOffsets [MaxFixups]uint64
	// RootChain is the arena offset (relative) or absolute address
	// (during processing, after Absolutize) of the first record in the
	// chain this call carries. Zero means an empty chain.
	RootChain uint64
}

// ReadHeader decodes the fixed header from the front of region.
func ReadHeader(region []byte) (Header, error) {
	if len(region) < HeaderSize {
		return Header{}, ErrRegionTooSmall
	}

	var h Header
	h.RequestKind = binary.LittleEndian.Uint64(region[headerRequestKindOff:])
	h.ResultCode = int32(binary.LittleEndian.Uint32(region[headerResultCodeOff:]))
	h.FixupCount = int32(binary.LittleEndian.Uint32(region[headerFixupCountOff:]))

	for i := 0; i < MaxFixups; i++ {
		off := headerFixupOffsetsOff + i*8
		h.FixupOffsets[i] = binary.LittleEndian.Uint64(region[off:])
	}

	h.RootChain = binary.LittleEndian.Uint64(region[headerRootChainOff:])

	return h, nil
}

// WriteHeader encodes h into the front of region.
func WriteHeader(region []byte, h Header) error {
	if len(region) < HeaderSize {
		return ErrRegionTooSmall
	}

	binary.LittleEndian.PutUint64(region[headerRequestKindOff:], h.RequestKind)
	binary.LittleEndian.PutUint32(region[headerResultCodeOff:], uint32(h.ResultCode))
	binary.LittleEndian.PutUint32(region[headerFixupCountOff:], uint32(h.FixupCount))

	for i := 0; i < MaxFixups; i++ {
		off := headerFixupOffsetsOff + i*8
		binary.LittleEndian.PutUint64(region[off:], h.FixupOffsets[i])
	}

	binary.LittleEndian.PutUint64(region[headerRootChainOff:], h.RootChain)

	return nil
}

// ResultCode reads just the header's result field, without decoding the
// fixup table. The response writer sets it after the arena is finished,
// so the result travels in the header alongside the request kind.
func ResultCode(region []byte) (int32, error) {
	if len(region) < HeaderSize {
		return 0, ErrRegionTooSmall
	}

	return int32(binary.LittleEndian.Uint32(region[headerResultCodeOff:])), nil
}

// SetResultCode writes the header's result field in place.
func SetResultCode(region []byte, code int32) error {
	if len(region) < HeaderSize {
		return ErrRegionTooSmall
	}

	binary.LittleEndian.PutUint32(region[headerResultCodeOff:], uint32(code))

	return nil
}

// ArgsOffset is the region offset of the first arena allocation: callers
// that lay a fixed scalar argument block down as their first Alloc can
// find it again on the far side without any pointer plumbing.
func ArgsOffset() int {
	return align(HeaderSize)
}

func align(n int) int {
	return (n + Alignment - 1) &^ (Alignment - 1)
}

func regionBase(region []byte) uint64 {
	if len(region) == 0 {
		return 0
	}

	return uint64(uintptr(unsafe.Pointer(&region[0])))
}

// Arena is an 8-byte-aligned bump allocator over a region's payload (the
// bytes after HeaderSize), with fixup tracking for every pointer slot it
// writes.
type Arena struct {
	region      []byte
	offset      int
	fixups      []uint64
	requestKind uint64
}

// NewArena creates an Arena over region, ready to marshal a chain for
// requestKind. The caller must size region to at least HeaderSize. The
// copy-everything/shape-only mode is a per-call choice passed to
// MarshalChain, not a property of the arena itself.
func NewArena(region []byte, requestKind uint64) (*Arena, error) {
	if len(region) < HeaderSize {
		return nil, ErrRegionTooSmall
	}

	return &Arena{region: region, offset: HeaderSize, requestKind: requestKind}, nil
}

// Alloc reserves n bytes, 8-byte aligned, and returns the region-relative
// offset of the reserved span.
func (a *Arena) Alloc(n int) (int, error) {
	start := align(a.offset)
	end := start + n

	if end > len(a.region) {
		return 0, fmt.Errorf("%w: need %d more bytes", ErrArenaOverflow, end-len(a.region))
	}

	a.offset = end

	return start, nil
}

// addFixup records that region[slot:slot+8] holds a pointer that must be
// relativized/absolutized as this region crosses the process boundary.
func (a *Arena) addFixup(slot int) error {
	if len(a.fixups) >= MaxFixups {
		return ErrFixupOverflow
	}

	a.fixups = append(a.fixups, uint64(slot))

	return nil
}

// writePointer writes an absolute address into region[slot:slot+8] and
// records the slot as a fixup, unless isNull is set, in which case the
// slot is written as the null pointer (0) and still recorded -- relativize
// and absolutize both special-case a stored zero and leave it untouched.
func (a *Arena) writePointer(slot, targetOffset int, isNull bool) error {
	if err := a.addFixup(slot); err != nil {
		return err
	}

	if isNull {
		binary.LittleEndian.PutUint64(a.region[slot:], 0)
		return nil
	}

	addr := regionBase(a.region) + uint64(targetOffset)
	binary.LittleEndian.PutUint64(a.region[slot:], addr)

	return nil
}

// Finish writes the region header (request kind, fixup table, root chain
// pointer) for the chain previously marshaled with MarshalChain via
// headOffset, and records headOffset (or null, if the chain was empty)
// through a fixup the same way every other chain pointer is.
func (a *Arena) Finish(headOffset int, empty bool) error {
	if err := a.writePointer(headerRootChainOff, headOffset, empty); err != nil {
		return err
	}

	h := Header{
		RequestKind: a.requestKind,
		FixupCount:  int32(len(a.fixups)),
		RootChain:   binary.LittleEndian.Uint64(a.region[headerRootChainOff:]),
	}
	copy(h.FixupOffsets[:], a.fixups)

	return WriteHeader(a.region, h)
}

// Relativize rewrites every fixup slot recorded in the region's header
// from an absolute address (valid in the local process only) to an
// arena-relative offset (valid in either process), preserving null.
func Relativize(region []byte) error {
	return rewriteFixups(region, func(base, val uint64) uint64 { return val - base })
}

// Absolutize is the inverse of Relativize: it rewrites every fixup slot
// from an arena-relative offset to an address valid in the calling
// process's own mapping of the region.
func Absolutize(region []byte) error {
	return rewriteFixups(region, func(base, val uint64) uint64 { return val + base })
}

func rewriteFixups(region []byte, transform func(base, val uint64) uint64) error {
	h, err := ReadHeader(region)
	if err != nil {
		return err
	}

	base := regionBase(region)

	for i := 0; i < int(h.FixupCount); i++ {
		slot := h.FixupOffsets[i]
		if slot+8 > uint64(len(region)) {
			return fmt.Errorf("%w: fixup slot %d", ErrRecordOutOfBounds, slot)
		}

		val := binary.LittleEndian.Uint64(region[slot:])
		if val == 0 {
			continue
		}

		binary.LittleEndian.PutUint64(region[slot:], transform(base, val))
	}

	return nil
}

// MarshalChain serializes records into the arena in order, linking only
// the known-kind ones; GraphicsBindingD3D11 and any kind outside this
// package's enumeration are dropped silently, the forward-compatibility
// policy. It returns the offset of the first
// linked record and whether the resulting chain is empty.
func MarshalChain(a *Arena, mode Mode, records []Record) (headOffset int, empty bool, err error) {
	prevNextSlot := -1

	for _, rec := range records {
		if k := rec.Kind(); k == KindGraphicsBindingD3D11 || k == KindNone || k > KindGraphicsBindingD3D11 {
			continue
		}

		off, err := marshalRecord(a, mode, rec)
		if err != nil {
			return 0, false, err
		}

		if proj, ok := rec.(CompositionLayerProjection); ok && mode == ModeCopyEverything {
			if err := MarshalProjectionViews(a, off, proj.Views); err != nil {
				return 0, false, err
			}
		}

		if prevNextSlot == -1 {
			headOffset = off
		} else if err := a.writePointer(prevNextSlot, off, false); err != nil {
			return 0, false, err
		}

		prevNextSlot = off + 8 // kind(4) + pad(4), then the next slot
	}

	if prevNextSlot == -1 {
		return 0, true, nil
	}

	if err := a.writePointer(prevNextSlot, 0, true); err != nil {
		return 0, false, err
	}

	return headOffset, false, nil
}

func marshalRecord(a *Arena, mode Mode, rec Record) (int, error) {
	payload, err := encodePayload(mode, rec)
	if err != nil {
		return 0, err
	}

	off, err := a.Alloc(recordHeaderSize + len(payload))
	if err != nil {
		return 0, err
	}

	binary.LittleEndian.PutUint32(a.region[off:], uint32(rec.Kind()))
	// bytes off+4:off+8 are the alignment pad, left zero.
	// bytes off+8:off+16 (the next slot) are filled in by the caller.
	copy(a.region[off+recordHeaderSize:], payload)

	return off, nil
}

// UnmarshalChain walks the chain starting at headAddr (an address already
// run through Absolutize) and decodes every record whose kind this
// package recognizes, skipping unknown kinds without interrupting the
// walk -- the mirror image of MarshalChain dropping them at write time.
func UnmarshalChain(region []byte, headAddr uint64) ([]Record, error) {
	base := regionBase(region)

	offset := addrToOffset(headAddr, base)

	var out []Record

	for offset != 0 {
		if offset+recordHeaderSize > uint64(len(region)) {
			return nil, fmt.Errorf("%w: record header at %d", ErrRecordOutOfBounds, offset)
		}

		kind := Kind(binary.LittleEndian.Uint32(region[offset:]))
		nextAddr := binary.LittleEndian.Uint64(region[offset+8:])

		rec, err := decodeRecord(region, kind, offset+recordHeaderSize)
		if err != nil {
			return nil, err
		}

		if rec != nil {
			out = append(out, rec)
		}

		offset = addrToOffset(nextAddr, base)
	}

	return out, nil
}

func addrToOffset(addr, base uint64) uint64 {
	if addr == 0 {
		return 0
	}

	return addr - base
}

// --- record payloads -------------------------------------------------

// PoseOffset is the quaternion-plus-translation layout every spatial
// record embeds, matching the wire layout XrPosef uses.
type PoseOffset struct {
	OrientationW, OrientationX, OrientationY, OrientationZ float32
	PositionX, PositionY, PositionZ                        float32
}

func encodePose(buf []byte, p PoseOffset) {
	binary.LittleEndian.PutUint32(buf[0:], math.Float32bits(p.OrientationW))
	binary.LittleEndian.PutUint32(buf[4:], math.Float32bits(p.OrientationX))
	binary.LittleEndian.PutUint32(buf[8:], math.Float32bits(p.OrientationY))
	binary.LittleEndian.PutUint32(buf[12:], math.Float32bits(p.OrientationZ))
	binary.LittleEndian.PutUint32(buf[16:], math.Float32bits(p.PositionX))
	binary.LittleEndian.PutUint32(buf[20:], math.Float32bits(p.PositionY))
	binary.LittleEndian.PutUint32(buf[24:], math.Float32bits(p.PositionZ))
}

func decodePose(buf []byte) PoseOffset {
	return PoseOffset{
		OrientationW: math.Float32frombits(binary.LittleEndian.Uint32(buf[0:])),
		OrientationX: math.Float32frombits(binary.LittleEndian.Uint32(buf[4:])),
		OrientationY: math.Float32frombits(binary.LittleEndian.Uint32(buf[8:])),
		OrientationZ: math.Float32frombits(binary.LittleEndian.Uint32(buf[12:])),
		PositionX:    math.Float32frombits(binary.LittleEndian.Uint32(buf[16:])),
		PositionY:    math.Float32frombits(binary.LittleEndian.Uint32(buf[20:])),
		PositionZ:    math.Float32frombits(binary.LittleEndian.Uint32(buf[24:])),
	}
}

const poseSize = 28

// ReferenceSpaceCreateInfo carries xrCreateReferenceSpace's input chain.
type ReferenceSpaceCreateInfo struct {
	ReferenceSpaceType   uint32
	PoseInReferenceSpace PoseOffset
}

func (ReferenceSpaceCreateInfo) Kind() Kind { return KindReferenceSpaceCreateInfo }

// SwapchainCreateInfo carries xrCreateSwapchain's input chain. MipCount
// and ArraySize are validated by the dispatch layer (only 1 is accepted
// for either) before this record is ever built; the marshaller itself is
// shape-agnostic.
type SwapchainCreateInfo struct {
	CreateFlags uint64
	UsageFlags  uint64
	Format      int64
	SampleCount uint32
	Width       uint32
	Height      uint32
	FaceCount   uint32
	ArraySize   uint32
	MipCount    uint32
}

func (SwapchainCreateInfo) Kind() Kind { return KindSwapchainCreateInfo }

// ViewConfigurationView carries one xrEnumerateViewConfigurationViews
// result entry.
type ViewConfigurationView struct {
	RecommendedImageRectWidth       uint32
	MaxImageRectWidth               uint32
	RecommendedImageRectHeight      uint32
	MaxImageRectHeight              uint32
	RecommendedSwapchainSampleCount uint32
	MaxSwapchainSampleCount         uint32
}

func (ViewConfigurationView) Kind() Kind { return KindViewConfigurationView }

// ProjectionView is one view entry inside a CompositionLayerProjection;
// it is not itself a Record -- it is marshaled through the nested
// pointer-array mechanism, not the record chain.
type ProjectionView struct {
	Pose               PoseOffset
	FovAngleLeft       float32
	FovAngleRight      float32
	FovAngleUp         float32
	FovAngleDown       float32
	SubImageSwapchain  uint64
	SubImageRectX      int32
	SubImageRectY      int32
	SubImageRectWidth  int32
	SubImageRectHeight int32
}

const projectionViewSize = poseSize + 4*4 + 8 + 4*4

func encodeProjectionView(buf []byte, v ProjectionView) {
	encodePose(buf[0:], v.Pose)
	o := poseSize
	binary.LittleEndian.PutUint32(buf[o+0:], math.Float32bits(v.FovAngleLeft))
	binary.LittleEndian.PutUint32(buf[o+4:], math.Float32bits(v.FovAngleRight))
	binary.LittleEndian.PutUint32(buf[o+8:], math.Float32bits(v.FovAngleUp))
	binary.LittleEndian.PutUint32(buf[o+12:], math.Float32bits(v.FovAngleDown))
	o += 16
	binary.LittleEndian.PutUint64(buf[o:], v.SubImageSwapchain)
	o += 8
	binary.LittleEndian.PutUint32(buf[o+0:], uint32(v.SubImageRectX))
	binary.LittleEndian.PutUint32(buf[o+4:], uint32(v.SubImageRectY))
	binary.LittleEndian.PutUint32(buf[o+8:], uint32(v.SubImageRectWidth))
	binary.LittleEndian.PutUint32(buf[o+12:], uint32(v.SubImageRectHeight))
}

func decodeProjectionView(buf []byte) ProjectionView {
	var v ProjectionView
	v.Pose = decodePose(buf[0:])
	o := poseSize
	v.FovAngleLeft = math.Float32frombits(binary.LittleEndian.Uint32(buf[o+0:]))
	v.FovAngleRight = math.Float32frombits(binary.LittleEndian.Uint32(buf[o+4:]))
	v.FovAngleUp = math.Float32frombits(binary.LittleEndian.Uint32(buf[o+8:]))
	v.FovAngleDown = math.Float32frombits(binary.LittleEndian.Uint32(buf[o+12:]))
	o += 16
	v.SubImageSwapchain = binary.LittleEndian.Uint64(buf[o:])
	o += 8
	v.SubImageRectX = int32(binary.LittleEndian.Uint32(buf[o+0:]))
	v.SubImageRectY = int32(binary.LittleEndian.Uint32(buf[o+4:]))
	v.SubImageRectWidth = int32(binary.LittleEndian.Uint32(buf[o+8:]))
	v.SubImageRectHeight = int32(binary.LittleEndian.Uint32(buf[o+12:]))

	return v
}

// CompositionLayerProjection is a projection composition layer: a fixed
// header plus a nested array of per-eye ProjectionView entries, marshaled
// as an array of pointers.
type CompositionLayerProjection struct {
	LayerFlags uint32
	Space      uint64
	Views      []ProjectionView
}

func (CompositionLayerProjection) Kind() Kind { return KindCompositionLayerProjection }

// CompositionLayerQuad is a quad composition layer: one sub-image, a
// pose, and a flat size, with no nested array.
type CompositionLayerQuad struct {
	LayerFlags            uint32
	Space                 uint64
	EyeVisibility         uint32
	SubImageSwapchain     uint64
	SubImageRectX         int32
	SubImageRectY         int32
	SubImageRectWidth     int32
	SubImageRectHeight    int32
	Pose                  PoseOffset
	SizeWidth, SizeHeight float32
}

func (CompositionLayerQuad) Kind() Kind { return KindCompositionLayerQuad }

// EventSessionStateChanged carries XrEventDataSessionStateChanged.
type EventSessionStateChanged struct {
	Session uint64
	State   uint32
	Time    int64
}

func (EventSessionStateChanged) Kind() Kind { return KindEventSessionStateChanged }

// EventReferenceSpaceChangePending carries
// XrEventDataReferenceSpaceChangePending (see Kind's doc comment).
type EventReferenceSpaceChangePending struct {
	Session             uint64
	ReferenceSpaceType  uint32
	ChangeTime          int64
	PoseValid           bool
	PoseInPreviousSpace PoseOffset
}

func (EventReferenceSpaceChangePending) Kind() Kind { return KindEventReferenceSpaceChangePending }

// GraphicsBindingD3D11 represents the live-device-pointer binding record.
// It is never encoded; MarshalChain drops it before allocation. The
// Device field only ever has meaning on the overlay side, which keeps it
// local.
type GraphicsBindingD3D11 struct {
	Device uintptr
}

func (GraphicsBindingD3D11) Kind() Kind { return KindGraphicsBindingD3D11 }

// --- codec dispatch ----------------------------------------------------

func encodePayload(mode Mode, rec Record) ([]byte, error) {
	switch v := rec.(type) {
	case ReferenceSpaceCreateInfo:
		buf := make([]byte, 4+poseSize)
		if mode == ModeCopyEverything {
			binary.LittleEndian.PutUint32(buf[0:], v.ReferenceSpaceType)
			encodePose(buf[4:], v.PoseInReferenceSpace)
		}

		return buf, nil

	case SwapchainCreateInfo:
		buf := make([]byte, 8+8+8+4*6)
		if mode == ModeCopyEverything {
			binary.LittleEndian.PutUint64(buf[0:], v.CreateFlags)
			binary.LittleEndian.PutUint64(buf[8:], v.UsageFlags)
			binary.LittleEndian.PutUint64(buf[16:], uint64(v.Format))
			binary.LittleEndian.PutUint32(buf[24:], v.SampleCount)
			binary.LittleEndian.PutUint32(buf[28:], v.Width)
			binary.LittleEndian.PutUint32(buf[32:], v.Height)
			binary.LittleEndian.PutUint32(buf[36:], v.FaceCount)
			binary.LittleEndian.PutUint32(buf[40:], v.ArraySize)
			binary.LittleEndian.PutUint32(buf[44:], v.MipCount)
		}

		return buf, nil

	case ViewConfigurationView:
		buf := make([]byte, 4*6)
		if mode == ModeCopyEverything {
			binary.LittleEndian.PutUint32(buf[0:], v.RecommendedImageRectWidth)
			binary.LittleEndian.PutUint32(buf[4:], v.MaxImageRectWidth)
			binary.LittleEndian.PutUint32(buf[8:], v.RecommendedImageRectHeight)
			binary.LittleEndian.PutUint32(buf[12:], v.MaxImageRectHeight)
			binary.LittleEndian.PutUint32(buf[16:], v.RecommendedSwapchainSampleCount)
			binary.LittleEndian.PutUint32(buf[20:], v.MaxSwapchainSampleCount)
		}

		return buf, nil

	case CompositionLayerProjection:
		// 4(flags) + 4(pad) + 8(space) + 4(count) + 4(pad) + 8(array ptr)
		buf := make([]byte, 4+4+8+4+4+8)
		if mode == ModeCopyEverything {
			binary.LittleEndian.PutUint32(buf[0:], v.LayerFlags)
			binary.LittleEndian.PutUint64(buf[8:], v.Space)
			binary.LittleEndian.PutUint32(buf[16:], uint32(len(v.Views)))
		}
		// the array pointer slot (buf[24:32]) is filled in by the caller
		// after this payload has been placed in the arena, since it needs
		// the record's own arena offset to compute the slot address.
		return buf, nil

	case CompositionLayerQuad:
		buf := make([]byte, 8+8+8+8+4*4+poseSize+8)
		if mode == ModeCopyEverything {
			o := 0
			binary.LittleEndian.PutUint32(buf[o:], v.LayerFlags)
			o += 8
			binary.LittleEndian.PutUint64(buf[o:], v.Space)
			o += 8
			binary.LittleEndian.PutUint32(buf[o:], v.EyeVisibility)
			o += 8
			binary.LittleEndian.PutUint64(buf[o:], v.SubImageSwapchain)
			o += 8
			binary.LittleEndian.PutUint32(buf[o+0:], uint32(v.SubImageRectX))
			binary.LittleEndian.PutUint32(buf[o+4:], uint32(v.SubImageRectY))
			binary.LittleEndian.PutUint32(buf[o+8:], uint32(v.SubImageRectWidth))
			binary.LittleEndian.PutUint32(buf[o+12:], uint32(v.SubImageRectHeight))
			o += 16
			encodePose(buf[o:], v.Pose)
			o += poseSize
			binary.LittleEndian.PutUint32(buf[o+0:], math.Float32bits(v.SizeWidth))
			binary.LittleEndian.PutUint32(buf[o+4:], math.Float32bits(v.SizeHeight))
		}

		return buf, nil

	case EventSessionStateChanged:
		buf := make([]byte, 8+4+4+8)
		if mode == ModeCopyEverything {
			binary.LittleEndian.PutUint64(buf[0:], v.Session)
			binary.LittleEndian.PutUint32(buf[8:], v.State)
			binary.LittleEndian.PutUint64(buf[16:], uint64(v.Time))
		}

		return buf, nil

	case EventReferenceSpaceChangePending:
		buf := make([]byte, 8+4+4+8+4+4+poseSize)
		if mode == ModeCopyEverything {
			o := 0
			binary.LittleEndian.PutUint64(buf[o:], v.Session)
			o += 8
			binary.LittleEndian.PutUint32(buf[o:], v.ReferenceSpaceType)
			o += 8
			binary.LittleEndian.PutUint64(buf[o:], uint64(v.ChangeTime))
			o += 8
			if v.PoseValid {
				buf[o] = 1
			}
			o += 8
			encodePose(buf[o:], v.PoseInPreviousSpace)
		}

		return buf, nil

	default:
		return nil, fmt.Errorf("chain: no codec for record kind %s", rec.Kind())
	}
}

func decodeRecord(region []byte, kind Kind, payloadOff uint64) (Record, error) {
	p := region[payloadOff:]

	switch kind {
	case KindReferenceSpaceCreateInfo:
		return ReferenceSpaceCreateInfo{
			ReferenceSpaceType:   binary.LittleEndian.Uint32(p[0:]),
			PoseInReferenceSpace: decodePose(p[4:]),
		}, nil

	case KindSwapchainCreateInfo:
		return SwapchainCreateInfo{
			CreateFlags: binary.LittleEndian.Uint64(p[0:]),
			UsageFlags:  binary.LittleEndian.Uint64(p[8:]),
			Format:      int64(binary.LittleEndian.Uint64(p[16:])),
			SampleCount: binary.LittleEndian.Uint32(p[24:]),
			Width:       binary.LittleEndian.Uint32(p[28:]),
			Height:      binary.LittleEndian.Uint32(p[32:]),
			FaceCount:   binary.LittleEndian.Uint32(p[36:]),
			ArraySize:   binary.LittleEndian.Uint32(p[40:]),
			MipCount:    binary.LittleEndian.Uint32(p[44:]),
		}, nil

	case KindViewConfigurationView:
		return ViewConfigurationView{
			RecommendedImageRectWidth:       binary.LittleEndian.Uint32(p[0:]),
			MaxImageRectWidth:               binary.LittleEndian.Uint32(p[4:]),
			RecommendedImageRectHeight:      binary.LittleEndian.Uint32(p[8:]),
			MaxImageRectHeight:              binary.LittleEndian.Uint32(p[12:]),
			RecommendedSwapchainSampleCount: binary.LittleEndian.Uint32(p[16:]),
			MaxSwapchainSampleCount:         binary.LittleEndian.Uint32(p[20:]),
		}, nil

	case KindCompositionLayerProjection:
		count := binary.LittleEndian.Uint32(p[16:])
		arrAddr := binary.LittleEndian.Uint64(p[24:])

		base := regionBase(region)
		arrOff := addrToOffset(arrAddr, base)

		views := make([]ProjectionView, 0, count)

		for i := uint32(0); i < count; i++ {
			slot := arrOff + uint64(i)*8
			elemAddr := binary.LittleEndian.Uint64(region[slot:])
			elemOff := addrToOffset(elemAddr, base)
			views = append(views, decodeProjectionView(region[elemOff:]))
		}

		return CompositionLayerProjection{
			LayerFlags: binary.LittleEndian.Uint32(p[0:]),
			Space:      binary.LittleEndian.Uint64(p[8:]),
			Views:      views,
		}, nil

	case KindCompositionLayerQuad:
		return decodeQuadPayload(p), nil

	case KindEventSessionStateChanged:
		return EventSessionStateChanged{
			Session: binary.LittleEndian.Uint64(p[0:]),
			State:   binary.LittleEndian.Uint32(p[8:]),
			Time:    int64(binary.LittleEndian.Uint64(p[16:])),
		}, nil

	case KindEventReferenceSpaceChangePending:
		o := 0
		session := binary.LittleEndian.Uint64(p[o:])
		o += 8
		rst := binary.LittleEndian.Uint32(p[o:])
		o += 8
		changeTime := int64(binary.LittleEndian.Uint64(p[o:]))
		o += 8
		valid := p[o] != 0
		o += 8
		pose := decodePose(p[o:])

		return EventReferenceSpaceChangePending{
			Session: session, ReferenceSpaceType: rst, ChangeTime: changeTime,
			PoseValid: valid, PoseInPreviousSpace: pose,
		}, nil

	default:
		// Unknown kind: skip without error.
		return nil, nil
	}
}

// AppendKnown marshals a single record into the arena without linking it
// to anything, returning its offset. Unlike MarshalChain it never writes
// the record's own next-pointer slot, leaving that to a later LinkNext
// call -- used when a chain must be spliced together out of order, such
// as a test that inserts a hand-built unknown-kind record between two
// known ones. CompositionLayerProjection's nested view array still needs
// a separate MarshalProjectionViews call; AppendKnown only places the
// fixed-size header.
func (a *Arena) AppendKnown(mode Mode, rec Record) (int, error) {
	return marshalRecord(a, mode, rec)
}

// LinkNext rewrites the next-pointer slot of the record at recordOffset
// to point at targetOffset (or null, if targetOffset is 0 and the caller
// means an explicit terminator). It exists so tests can hand-splice a
// record of an unrecognized kind into an otherwise normal chain; such a
// kind has no typed constructor.
func (a *Arena) LinkNext(recordOffset, targetOffset int) error {
	return a.writePointer(recordOffset+8, targetOffset, targetOffset == 0)
}

// MarshalProjectionViews allocates the nested array of per-eye view
// pointers for a CompositionLayerProjection already placed at
// recordOffset, marshals each ProjectionView, and fixes up the record's
// array-pointer slot (byte 24 of its payload, i.e. recordOffset+16+24) to
// point at the array: serialize the count, allocate an array of
// pointers, marshal each element, and fixup each slot.
func MarshalProjectionViews(a *Arena, recordOffset int, views []ProjectionView) error {
	if len(views) == 0 {
		return a.writePointer(recordOffset+recordHeaderSize+24, 0, true)
	}

	arrOff, err := a.Alloc(len(views) * 8)
	if err != nil {
		return err
	}

	for i, v := range views {
		buf := make([]byte, projectionViewSize)
		encodeProjectionView(buf, v)

		elemOff, err := a.Alloc(projectionViewSize)
		if err != nil {
			return err
		}

		copy(a.region[elemOff:], buf)

		if err := a.writePointer(arrOff+i*8, elemOff, false); err != nil {
			return err
		}
	}

	return a.writePointer(recordOffset+recordHeaderSize+24, arrOff, false)
}

func decodeQuadPayload(p []byte) CompositionLayerQuad {
	o := 0
	flags := binary.LittleEndian.Uint32(p[o:])
	o += 8
	space := binary.LittleEndian.Uint64(p[o:])
	o += 8
	eyeVis := binary.LittleEndian.Uint32(p[o:])
	o += 8
	swapchain := binary.LittleEndian.Uint64(p[o:])
	o += 8
	rectX := int32(binary.LittleEndian.Uint32(p[o+0:]))
	rectY := int32(binary.LittleEndian.Uint32(p[o+4:]))
	rectW := int32(binary.LittleEndian.Uint32(p[o+8:]))
	rectH := int32(binary.LittleEndian.Uint32(p[o+12:]))
	o += 16
	pose := decodePose(p[o:])
	o += poseSize
	w := math.Float32frombits(binary.LittleEndian.Uint32(p[o+0:]))
	h := math.Float32frombits(binary.LittleEndian.Uint32(p[o+4:]))

	return CompositionLayerQuad{
		LayerFlags: flags, Space: space, EyeVisibility: eyeVis,
		SubImageSwapchain: swapchain,
		SubImageRectX:     rectX, SubImageRectY: rectY,
		SubImageRectWidth: rectW, SubImageRectHeight: rectH,
		Pose: pose, SizeWidth: w, SizeHeight: h,
	}
}

// projectionPayloadSize is the fixed portion of a projection layer's
// payload: flags, pad, space, view count, pad, and the (unused in the
// standalone encoding) view-array pointer slot.
const projectionPayloadSize = 4 + 4 + 8 + 4 + 4 + 8

// EncodeLayerRecord flattens one composition-layer record into a
// standalone byte string: the kind tag, the fixed payload, and (for a
// projection layer) the per-eye views appended in order. The composition
// store's Opaque field carries exactly these bytes, so a registered
// layer's full content survives the trip through the store and back out
// at injection into the main's end-frame array.
func EncodeLayerRecord(rec Record) ([]byte, error) {
	switch rec.Kind() {
	case KindCompositionLayerProjection, KindCompositionLayerQuad:
	default:
		return nil, fmt.Errorf("chain: %s is not a composition layer kind", rec.Kind())
	}

	payload, err := encodePayload(ModeCopyEverything, rec)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 4, 4+len(payload))
	binary.LittleEndian.PutUint32(buf, uint32(rec.Kind()))
	buf = append(buf, payload...)

	if proj, ok := rec.(CompositionLayerProjection); ok {
		vb := make([]byte, projectionViewSize)
		for _, v := range proj.Views {
			encodeProjectionView(vb, v)
			buf = append(buf, vb...)
		}
	}

	return buf, nil
}

// DecodeLayerRecord reverses EncodeLayerRecord.
func DecodeLayerRecord(buf []byte) (Record, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("chain: layer record too short (%d bytes)", len(buf))
	}

	kind := Kind(binary.LittleEndian.Uint32(buf))
	p := buf[4:]

	switch kind {
	case KindCompositionLayerQuad:
		return decodeQuadPayload(p), nil

	case KindCompositionLayerProjection:
		if len(p) < projectionPayloadSize {
			return nil, fmt.Errorf("chain: projection layer too short (%d bytes)", len(p))
		}

		count := binary.LittleEndian.Uint32(p[16:])
		views := make([]ProjectionView, 0, count)
		vb := p[projectionPayloadSize:]

		for i := uint32(0); i < count; i++ {
			if len(vb) < projectionViewSize {
				return nil, fmt.Errorf("chain: projection view %d truncated", i)
			}

			views = append(views, decodeProjectionView(vb))
			vb = vb[projectionViewSize:]
		}

		return CompositionLayerProjection{
			LayerFlags: binary.LittleEndian.Uint32(p[0:]),
			Space:      binary.LittleEndian.Uint64(p[8:]),
			Views:      views,
		}, nil

	default:
		return nil, fmt.Errorf("chain: %s is not a composition layer kind", kind)
	}
}
