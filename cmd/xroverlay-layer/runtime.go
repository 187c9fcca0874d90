package main

import (
	"log/slog"
	"sync"

	"github.com/dcrane/xroverlay/internal/dispatch"
	"github.com/dcrane/xroverlay/internal/gpu"
	"github.com/dcrane/xroverlay/internal/negotiate"
)

// The runtime bridge is filled in by the intercept shims once the main
// application's instance and D3D11 device are known: the next-layer
// dispatch table captured at xrCreateApiLayerInstance becomes the
// RuntimeCaller for passthrough requests, and the device pointer from the
// main's graphics binding becomes the texture bridge's Device. Until
// then, connections run without passthrough (every passthrough kind
// fails Unsupported) -- an overlay that races the main's instance
// creation observes that, not a crash.
var (
	bridgeMu     sync.Mutex
	bridgeCaller dispatch.RuntimeCaller
	bridgeDevice gpu.Device
)

func setRuntimeBridge(caller dispatch.RuntimeCaller, device gpu.Device) {
	bridgeMu.Lock()
	defer bridgeMu.Unlock()

	bridgeCaller = caller
	bridgeDevice = device
}

func runtimeFactory(logger *slog.Logger) negotiate.RuntimeCallerFactory {
	return func(pid uint32) (dispatch.RuntimeCaller, gpu.Device) {
		bridgeMu.Lock()
		defer bridgeMu.Unlock()

		if bridgeCaller == nil {
			logger.Warn("overlay connected before main instance creation; passthrough unavailable",
				slog.Uint64("pid", uint64(pid)),
			)
		}

		return bridgeCaller, bridgeDevice
	}
}
