// Package session implements the dual session state machine: a main
// tracker that mirrors real runtime state-change events, and
// an overlay tracker that derives a synthesized per-overlay session state
// from the main tracker plus overlay-originated commands. The trackers
// hold their state behind a mutex; the transition rule itself, Next, is a
// pure function over a small transition table -- no side effects, no
// session dependency, trivially testable row by row.
package session

// MainState enumerates the real runtime session states mirrored from
// xrPollEvent's XrEventDataSessionStateChanged.
type MainState uint8

const (
	MainUnknown MainState = iota
	MainIdle
	MainReady
	MainSynchronized
	MainVisible
	MainFocused
	MainStopping
	MainLossPending
	MainExiting
	MainLost
)

// String returns the human-readable name of the main state.
func (s MainState) String() string {
	switch s {
	case MainUnknown:
		return "Unknown"
	case MainIdle:
		return "Idle"
	case MainReady:
		return "Ready"
	case MainSynchronized:
		return "Synchronized"
	case MainVisible:
		return "Visible"
	case MainFocused:
		return "Focused"
	case MainStopping:
		return "Stopping"
	case MainLossPending:
		return "LossPending"
	case MainExiting:
		return "Exiting"
	case MainLost:
		return "Lost"
	default:
		return "Unknown"
	}
}

// OverlayState enumerates the synthesized per-overlay session states
// derived from the main tracker.
type OverlayState uint8

const (
	OverlayUnknown OverlayState = iota
	OverlayIdle
	OverlayReady
	OverlaySynchronized
	OverlayVisible
	OverlayFocused
	OverlayStopping
	OverlayLossPending
	OverlayExiting
)

// String returns the human-readable name of the overlay state.
func (s OverlayState) String() string {
	switch s {
	case OverlayUnknown:
		return "Unknown"
	case OverlayIdle:
		return "Idle"
	case OverlayReady:
		return "Ready"
	case OverlaySynchronized:
		return "Synchronized"
	case OverlayVisible:
		return "Visible"
	case OverlayFocused:
		return "Focused"
	case OverlayStopping:
		return "Stopping"
	case OverlayLossPending:
		return "LossPending"
	case OverlayExiting:
		return "Exiting"
	default:
		return "Unknown"
	}
}

// Command represents an overlay-originated event that can drive a
// transition independently of the main tracker: xrBeginSession,
// xrEndSession, xrRequestExitSession.
type Command uint8

const (
	// CommandNone means no overlay command arrived this evaluation.
	CommandNone Command = iota
	CommandBegin
	CommandEnd
	CommandRequestExit
)

// Inputs bundles everything the overlay transition rule needs to decide
// the next state: the main tracker's current snapshot, the overlay's own
// exit-requested latch, and any command the overlay just issued.
type Inputs struct {
	MainState          MainState
	MainRunning        bool
	MainHasWaitedFrame bool
	ExitRequested      bool
	Command            Command
}

// Result reports an evaluation: old/new state, and whether it produced a
// change (the caller uses Changed to decide whether to emit a synthetic
// state-changed event).
type Result struct {
	OldState OverlayState
	NewState OverlayState
	Changed  bool
}

// Next evaluates the transition table against the given current overlay
// state and Inputs snapshot. Earlier rules take priority: "main lost or
// loss-pending" pre-empts every state-specific rule.
func Next(current OverlayState, in Inputs) Result {
	next := evaluate(current, in)

	return Result{
		OldState: current,
		NewState: next,
		Changed:  next != current,
	}
}

func evaluate(current OverlayState, in Inputs) OverlayState {
	// Row 1: any except loss-pending -> loss-pending, on main lost or
	// main loss-pending. Highest priority: a dying main process always
	// wins over whatever the overlay was doing.
	if current != OverlayLossPending && (in.MainState == MainLost || in.MainState == MainLossPending) {
		return OverlayLossPending
	}

	switch current {
	case OverlayUnknown:
		if in.MainState != MainUnknown {
			return OverlayIdle
		}

	case OverlayIdle:
		if in.ExitRequested || in.MainState == MainExiting {
			return OverlayExiting
		}
		if in.MainRunning && in.MainHasWaitedFrame {
			return OverlayReady
		}

	case OverlayReady:
		if in.Command == CommandBegin {
			return OverlaySynchronized
		}

	case OverlaySynchronized:
		if in.ExitRequested || !in.MainRunning || in.MainState == MainStopping {
			return OverlayStopping
		}
		if in.MainState == MainVisible || in.MainState == MainFocused {
			return OverlayVisible
		}

	case OverlayVisible:
		switch {
		case in.MainState == MainSynchronized:
			return OverlaySynchronized
		case in.MainState == MainFocused:
			return OverlayFocused
		case in.ExitRequested || !in.MainRunning || in.MainState == MainStopping:
			return OverlaySynchronized
		}

	case OverlayFocused:
		switch {
		case in.MainState == MainVisible || in.MainState == MainSynchronized:
			return OverlayVisible
		case in.ExitRequested || !in.MainRunning || in.MainState == MainStopping:
			return OverlayVisible
		}

	case OverlayStopping:
		// "overlay `end` received (running=false)": xrEndSession clears the
		// overlay session context's own running flag as a side effect; the
		// transition fires on receiving the command itself.
		if in.Command == CommandEnd {
			return OverlayIdle
		}

	case OverlayExiting, OverlayLossPending:
		// Terminal-ish: once departed from the normal flow there is no
		// specified way back except a fresh connection. No transition
		// listed for these rows beyond the loss-pending pre-emption above.
	}

	return current
}
