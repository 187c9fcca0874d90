// Package dispatch implements the command router: a per-connection table mapping each request kind to a classification
// (Local, Passthrough, Mediated, or Unsupported) and a handler that
// operates the rest of the mediation engine's components under the
// connection's cross-cutting lock.
package dispatch

// RequestKind is the closed enumeration of mediated operations.
type RequestKind int

const (
	KindUnknown RequestKind = iota
	KindHandshake
	KindCreateInstance
	KindCreateSession
	KindDestroySession
	KindBeginSession
	KindEndSession
	KindRequestExitSession
	KindCreateReferenceSpace
	KindDestroySpace
	KindLocateSpace
	KindEnumerateSwapchainFormats
	KindCreateSwapchain
	KindDestroySwapchain
	KindAcquireSwapchainImage
	KindWaitSwapchainImage
	KindReleaseSwapchainImage
	KindBeginFrame
	KindWaitFrame
	KindEndFrame
	KindEnumerateViewConfigurations
	KindEnumerateViewConfigurationViews
	KindGetViewConfigurationProperties
	KindGetInstanceProperties
	KindGetSystem
	KindGetSystemProperties
	KindGetD3D11GraphicsRequirements
	KindPollEvent
	KindEnumerateInstanceExtensionProperties
)

var requestKindNames = map[RequestKind]string{
	KindHandshake:                            "handshake",
	KindCreateInstance:                       "create-instance",
	KindCreateSession:                        "create-session",
	KindDestroySession:                       "destroy-session",
	KindBeginSession:                         "begin-session",
	KindEndSession:                           "end-session",
	KindRequestExitSession:                   "request-exit-session",
	KindCreateReferenceSpace:                 "create-reference-space",
	KindDestroySpace:                         "destroy-space",
	KindLocateSpace:                          "locate-space",
	KindEnumerateSwapchainFormats:            "enumerate-swapchain-formats",
	KindCreateSwapchain:                      "create-swapchain",
	KindDestroySwapchain:                     "destroy-swapchain",
	KindAcquireSwapchainImage:                "acquire-swapchain-image",
	KindWaitSwapchainImage:                   "wait-swapchain-image",
	KindReleaseSwapchainImage:                "release-swapchain-image",
	KindBeginFrame:                           "begin-frame",
	KindWaitFrame:                            "wait-frame",
	KindEndFrame:                             "end-frame",
	KindEnumerateViewConfigurations:          "enumerate-view-configurations",
	KindEnumerateViewConfigurationViews:      "enumerate-view-configuration-views",
	KindGetViewConfigurationProperties:       "get-view-configuration-properties",
	KindGetInstanceProperties:                "get-instance-properties",
	KindGetSystem:                            "get-system",
	KindGetSystemProperties:                  "get-system-properties",
	KindGetD3D11GraphicsRequirements:         "get-d3d11-graphics-requirements",
	KindPollEvent:                            "poll-event",
	KindEnumerateInstanceExtensionProperties: "enumerate-instance-extension-properties",
}

// String returns the request kind's wire name, used as the Prometheus
// request_kind label value.
func (k RequestKind) String() string {
	if s, ok := requestKindNames[k]; ok {
		return s
	}

	return "unknown"
}

// Class classifies how a request kind is handled.
type Class int

const (
	// ClassUnsupported means no handler exists; dispatching this kind
	// always fails with xrerr.ErrUnsupported. Supplemental bucket (the
	// wire enumeration is closed, but future/vendor extension kinds must
	// still classify to something rather than panicking the router).
	ClassUnsupported Class = iota
	// ClassLocal means the operation never crosses the process boundary;
	// it is answered entirely from local state (the handle registry, the
	// session context) without touching the real runtime.
	ClassLocal
	// ClassPassthrough means the operation is forwarded to the real
	// runtime verbatim, with no mediation beyond handle translation.
	ClassPassthrough
	// ClassMediated means the operation requires active mediation logic
	// beyond simple forwarding (the swapchain bridge, the state machine,
	// the composition store, the event queue).
	ClassMediated
)

// String returns the class's human-readable name, used in logging.
func (c Class) String() string {
	switch c {
	case ClassLocal:
		return "Local"
	case ClassPassthrough:
		return "Passthrough"
	case ClassMediated:
		return "Mediated"
	default:
		return "Unsupported"
	}
}

// classification assigns every named request kind to a Class. A kind
// absent from this map (including KindUnknown) classifies as
// ClassUnsupported.
var classification = map[RequestKind]Class{
	KindHandshake:                            ClassLocal,
	KindCreateInstance:                       ClassMediated,
	KindCreateSession:                        ClassMediated,
	KindDestroySession:                       ClassMediated,
	KindBeginSession:                         ClassMediated,
	KindEndSession:                           ClassMediated,
	KindRequestExitSession:                   ClassMediated,
	KindCreateReferenceSpace:                 ClassMediated,
	KindDestroySpace:                         ClassMediated,
	KindLocateSpace:                          ClassMediated,
	KindEnumerateSwapchainFormats:            ClassPassthrough,
	KindCreateSwapchain:                      ClassMediated,
	KindDestroySwapchain:                     ClassMediated,
	KindAcquireSwapchainImage:                ClassMediated,
	KindWaitSwapchainImage:                   ClassMediated,
	KindReleaseSwapchainImage:                ClassMediated,
	KindBeginFrame:                           ClassMediated,
	KindWaitFrame:                            ClassMediated,
	KindEndFrame:                             ClassMediated,
	KindEnumerateViewConfigurations:          ClassPassthrough,
	KindEnumerateViewConfigurationViews:      ClassPassthrough,
	KindGetViewConfigurationProperties:       ClassPassthrough,
	KindGetInstanceProperties:                ClassPassthrough,
	KindGetSystem:                            ClassPassthrough,
	KindGetSystemProperties:                  ClassPassthrough,
	KindGetD3D11GraphicsRequirements:         ClassPassthrough,
	KindPollEvent:                            ClassMediated,
	KindEnumerateInstanceExtensionProperties: ClassPassthrough,
}

// ClassOf returns k's classification, ClassUnsupported if k is not in the
// closed enumeration this router recognizes.
func ClassOf(k RequestKind) Class {
	if c, ok := classification[k]; ok {
		return c
	}

	return ClassUnsupported
}
