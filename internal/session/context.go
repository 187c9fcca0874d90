package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/dcrane/xroverlay/internal/handle"
)

// MainTracker observes real state-change events from the runtime's
// PollEvent and mirrors them. It is the source of
// MainState/MainRunning/MainHasWaitedFrame fed into Next as Inputs.
type MainTracker struct {
	mu      sync.Mutex
	state   MainState
	running bool
	waited  bool
}

// NewMainTracker creates a tracker starting in MainUnknown.
func NewMainTracker() *MainTracker {
	return &MainTracker{state: MainUnknown}
}

// Observe records a real state-change event from the runtime.
func (t *MainTracker) Observe(state MainState) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.state = state
	t.running = state != MainIdle && state != MainStopping && state != MainExiting &&
		state != MainLossPending && state != MainLost && state != MainUnknown
}

// MarkWaitedFrame records that the main session has completed at least one
// xrWaitFrame call, the gate the overlay's idle->ready transition needs.
func (t *MainTracker) MarkWaitedFrame() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.waited = true
}

// Snapshot returns the tracker's current values for use as transition
// Inputs.
func (t *MainTracker) Snapshot() (state MainState, running, waited bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.state, t.running, t.waited
}

// FrameState is a deep copy of the most recently observed main frame
// state, cached for the wait-frame gating scheme.
type FrameState struct {
	PredictedDisplayTime int64
	ShouldRender         bool
}

// Context is the per-connection session context held on the main side for
// an overlay connection: the synthesized state, its command latches, and
// the cached frame state.
type Context struct {
	mu sync.Mutex

	MainSessionHandle handle.Handle
	overlayState      OverlayState
	running           bool
	exitRequested     bool
	Placement         int32

	// SpaceAdjustment is an extra pose offset applied on top of
	// xrLocateSpace results so overlay content
	// can be pinned relative to the main's tracked space without the
	// overlay knowing the main's absolute tracking origin. nil means no
	// adjustment has been configured.
	SpaceAdjustment *PoseOffset

	cachedFrame    FrameState
	lastLoggedOnce bool

	logger *slog.Logger
}

// PoseOffset is a minimal rigid transform: an orientation (quaternion, w
// first) and a translation, matching the layout XrPosef uses on the wire.
type PoseOffset struct {
	OrientationW, OrientationX, OrientationY, OrientationZ float32
	PositionX, PositionY, PositionZ                        float32
}

// NewContext creates an overlay-view session context bound to mainSession,
// starting in OverlayUnknown.
func NewContext(mainSession handle.Handle, logger *slog.Logger) *Context {
	return &Context{
		MainSessionHandle: mainSession,
		overlayState:      OverlayUnknown,
		logger:            logger,
	}
}

// State returns the current synthesized overlay state.
func (c *Context) State() OverlayState {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.overlayState
}

// RequestExit latches the overlay's own request-exit-session command.
func (c *Context) RequestExit() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.exitRequested = true
}

// Advance evaluates the FSM against the current main tracker snapshot plus
// any overlay command, updates the stored state, and reports the Result so
// the caller can decide whether to emit a synthetic state-changed event.
func (c *Context) Advance(main *MainTracker, cmd Command) Result {
	mainState, running, waited := main.Snapshot()

	c.mu.Lock()
	defer c.mu.Unlock()

	if cmd == CommandEnd {
		c.running = false
	} else if cmd == CommandBegin {
		c.running = true
	}

	res := Next(c.overlayState, Inputs{
		MainState:          mainState,
		MainRunning:        running,
		MainHasWaitedFrame: waited,
		ExitRequested:      c.exitRequested,
		Command:            cmd,
	})
	c.overlayState = res.NewState

	return res
}

// CacheFrame stores a deep copy of the main's most recent frame state
// unchanged; NextFrame then bumps the predicted display time by one tick
// per overlay wait to avoid reporting identical times across repeated
// overlay waits within a single main cycle. No real clock is sampled: no
// cross-process time-domain conversion is available, so inventing one
// would be unverifiable against the runtime.
func (c *Context) CacheFrame(fs FrameState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cachedFrame = fs

	if c.logger != nil && !c.lastLoggedOnce {
		c.logger.Debug("wait-frame predicted time uses placeholder increment, not a sampled clock")
		c.lastLoggedOnce = true
	}
}

// NextFrame returns the cached frame state for an overlay wait-frame call
// and advances the cached predicted display time by one.
func (c *Context) NextFrame() FrameState {
	c.mu.Lock()
	defer c.mu.Unlock()

	fs := c.cachedFrame
	c.cachedFrame.PredictedDisplayTime++

	return fs
}

// WaitFrameTimeout is the non-fatal timeout on the main-waited pulse:
// the overlay blocks on it for up to this long before returning the last
// cached frame state, so overlay pacing follows main pacing without ever hanging
// indefinitely on a stalled main process.
const WaitFrameTimeout = 32 * time.Millisecond
