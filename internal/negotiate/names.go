package negotiate

import "fmt"

// Named-object names: everything carries the vendor
// prefix, and per-connection objects are suffixed with the overlay
// process id. The negotiation objects and the main-waited semaphore are
// process-wide singletons.
const (
	namePrefix = `Local\XROverlayLayer`

	// NegotiationName is the base name of the process-wide first-contact
	// shared region; the Windows acceptor derives its mutex and semaphore
	// names from it.
	NegotiationName = namePrefix + ".Negotiation"

	// MainWaitedName is the global semaphore the main side posts once per
	// real wait-frame, gating overlay pacing to main pacing.
	MainWaitedName = namePrefix + ".MainWaited"
)

// ConnectionName returns the base name of the per-connection IPC objects
// for the overlay process overlayPID.
func ConnectionName(overlayPID uint32) string {
	return fmt.Sprintf("%s.Conn.%d", namePrefix, overlayPID)
}
