package main

/*
#include <stdint.h>
*/
import "C"

import (
	"unsafe"
)

// Loader negotiation constants, per the OpenXR loader interface the
// original layer negotiates against.
const (
	loaderInterfaceStructLoaderInfo      = 1
	loaderInterfaceStructAPILayerRequest = 2

	loaderInfoStructVersion      = 1
	apiLayerInfoStructVersion    = 1
	currentLoaderAPILayerVersion = 1

	// currentAPIVersion is XR_MAKE_VERSION(1, 0, 0).
	currentAPIVersion = uint64(1) << 48
)

const (
	xrSuccess                   = 0
	xrErrorInitializationFailed = -6
	xrErrorFunctionUnsupported  = -7
)

// negotiateLoaderInfo mirrors XrNegotiateLoaderInfo field-for-field.
type negotiateLoaderInfo struct {
	structType          uint32
	structVersion       uint32
	structSize          uintptr
	minInterfaceVersion uint32
	maxInterfaceVersion uint32
	minAPIVersion       uint64
	maxAPIVersion       uint64
}

// negotiateAPILayerRequest mirrors XrNegotiateApiLayerRequest.
type negotiateAPILayerRequest struct {
	structType             uint32
	structVersion          uint32
	structSize             uintptr
	layerInterfaceVersion  uint32
	_                      uint32
	layerAPIVersion        uint64
	getInstanceProcAddr    uintptr
	createAPILayerInstance uintptr
}

//export xrNegotiateLoaderApiLayerInterface
func xrNegotiateLoaderApiLayerInterface(loaderInfoPtr, apiLayerName, apiLayerRequestPtr unsafe.Pointer) C.int32_t {
	if loaderInfoPtr == nil || apiLayerRequestPtr == nil {
		return xrErrorInitializationFailed
	}

	li := (*negotiateLoaderInfo)(loaderInfoPtr)
	req := (*negotiateAPILayerRequest)(apiLayerRequestPtr)

	if li.structType != loaderInterfaceStructLoaderInfo ||
		li.structVersion != loaderInfoStructVersion ||
		li.structSize != unsafe.Sizeof(negotiateLoaderInfo{}) ||
		req.structType != loaderInterfaceStructAPILayerRequest ||
		req.structVersion != apiLayerInfoStructVersion ||
		req.structSize != unsafe.Sizeof(negotiateAPILayerRequest{}) {
		return xrErrorInitializationFailed
	}

	if li.minInterfaceVersion > currentLoaderAPILayerVersion ||
		li.maxInterfaceVersion < currentLoaderAPILayerVersion ||
		li.maxAPIVersion < currentAPIVersion ||
		li.minAPIVersion > currentAPIVersion {
		return xrErrorInitializationFailed
	}

	// First contact from the loader: bring the layer's machinery up.
	ensureServices()

	req.layerInterfaceVersion = currentLoaderAPILayerVersion
	req.layerAPIVersion = currentAPIVersion
	req.getInstanceProcAddr = procAddrPtr()
	req.createAPILayerInstance = procAddrPtr()

	return xrSuccess
}

// xroverlayGetInstanceProcAddr is the hook-resolution entry the loader
// calls to discover intercepted functions. The per-function shim table
// (the passthrough surface) lives outside the mediation core; a name
// with no shim resolves to nothing and the loader falls through to the
// next layer.
//
//export xroverlayGetInstanceProcAddr
func xroverlayGetInstanceProcAddr(instance unsafe.Pointer, name *C.char, function unsafe.Pointer) C.int32_t {
	if name == nil || function == nil {
		return xrErrorInitializationFailed
	}

	// No shim registered: report unsupported so the loader resolves the
	// next layer's implementation instead.
	*(*uintptr)(function) = 0

	return xrErrorFunctionUnsupported
}
