package session_test

import (
	"testing"

	"github.com/dcrane/xroverlay/internal/session"
)

// TestTransitionTable walks every row of the overlay transition table
// explicitly.
func TestTransitionTable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		current session.OverlayState
		in      session.Inputs
		want    session.OverlayState
	}{
		{
			name:    "any->loss-pending on main lost",
			current: session.OverlayVisible,
			in:      session.Inputs{MainState: session.MainLost},
			want:    session.OverlayLossPending,
		},
		{
			name:    "any->loss-pending on main loss-pending",
			current: session.OverlayFocused,
			in:      session.Inputs{MainState: session.MainLossPending},
			want:    session.OverlayLossPending,
		},
		{
			name:    "loss-pending does not re-trigger itself",
			current: session.OverlayLossPending,
			in:      session.Inputs{MainState: session.MainLost},
			want:    session.OverlayLossPending,
		},
		{
			name:    "unknown->idle once main leaves unknown",
			current: session.OverlayUnknown,
			in:      session.Inputs{MainState: session.MainIdle},
			want:    session.OverlayIdle,
		},
		{
			name:    "idle->exiting on overlay exit-requested",
			current: session.OverlayIdle,
			in:      session.Inputs{MainState: session.MainIdle, ExitRequested: true},
			want:    session.OverlayExiting,
		},
		{
			name:    "idle->exiting on main exiting",
			current: session.OverlayIdle,
			in:      session.Inputs{MainState: session.MainExiting},
			want:    session.OverlayExiting,
		},
		{
			name:    "idle->ready once main running and has waited a frame",
			current: session.OverlayIdle,
			in: session.Inputs{
				MainState: session.MainIdle, MainRunning: true, MainHasWaitedFrame: true,
			},
			want: session.OverlayReady,
		},
		{
			name:    "idle stays idle without ready condition",
			current: session.OverlayIdle,
			in:      session.Inputs{MainState: session.MainIdle, MainRunning: true},
			want:    session.OverlayIdle,
		},
		{
			name:    "ready->synchronized on begin",
			current: session.OverlayReady,
			in:      session.Inputs{MainState: session.MainReady, Command: session.CommandBegin},
			want:    session.OverlaySynchronized,
		},
		{
			name:    "synchronized->stopping on exit-requested",
			current: session.OverlaySynchronized,
			in:      session.Inputs{MainState: session.MainSynchronized, ExitRequested: true},
			want:    session.OverlayStopping,
		},
		{
			name:    "synchronized->stopping when main not running",
			current: session.OverlaySynchronized,
			in:      session.Inputs{MainState: session.MainSynchronized, MainRunning: false},
			want:    session.OverlayStopping,
		},
		{
			name:    "synchronized->stopping when main stopping",
			current: session.OverlaySynchronized,
			in:      session.Inputs{MainState: session.MainStopping, MainRunning: true},
			want:    session.OverlayStopping,
		},
		{
			name:    "synchronized->visible when main visible",
			current: session.OverlaySynchronized,
			in:      session.Inputs{MainState: session.MainVisible, MainRunning: true},
			want:    session.OverlayVisible,
		},
		{
			name:    "synchronized->visible when main focused",
			current: session.OverlaySynchronized,
			in:      session.Inputs{MainState: session.MainFocused, MainRunning: true},
			want:    session.OverlayVisible,
		},
		{
			name:    "visible->synchronized when main synchronized",
			current: session.OverlayVisible,
			in:      session.Inputs{MainState: session.MainSynchronized, MainRunning: true},
			want:    session.OverlaySynchronized,
		},
		{
			name:    "visible->focused when main focused",
			current: session.OverlayVisible,
			in:      session.Inputs{MainState: session.MainFocused, MainRunning: true},
			want:    session.OverlayFocused,
		},
		{
			name:    "visible->synchronized on overlay exit",
			current: session.OverlayVisible,
			in:      session.Inputs{MainState: session.MainVisible, MainRunning: true, ExitRequested: true},
			want:    session.OverlaySynchronized,
		},
		{
			name:    "visible->synchronized when main not running",
			current: session.OverlayVisible,
			in:      session.Inputs{MainState: session.MainVisible, MainRunning: false},
			want:    session.OverlaySynchronized,
		},
		{
			name:    "focused->visible when main visible",
			current: session.OverlayFocused,
			in:      session.Inputs{MainState: session.MainVisible, MainRunning: true},
			want:    session.OverlayVisible,
		},
		{
			name:    "focused->visible when main synchronized",
			current: session.OverlayFocused,
			in:      session.Inputs{MainState: session.MainSynchronized, MainRunning: true},
			want:    session.OverlayVisible,
		},
		{
			name:    "focused->visible on overlay exit",
			current: session.OverlayFocused,
			in:      session.Inputs{MainState: session.MainFocused, MainRunning: true, ExitRequested: true},
			want:    session.OverlayVisible,
		},
		{
			name:    "stopping->idle on end",
			current: session.OverlayStopping,
			in:      session.Inputs{MainState: session.MainIdle, Command: session.CommandEnd},
			want:    session.OverlayIdle,
		},
		{
			name:    "stopping self-loop without end",
			current: session.OverlayStopping,
			in:      session.Inputs{MainState: session.MainIdle},
			want:    session.OverlayStopping,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := session.Next(tc.current, tc.in)
			if got.NewState != tc.want {
				t.Fatalf("Next(%s, %+v) = %s, want %s", tc.current, tc.in, got.NewState, tc.want)
			}

			wantChanged := tc.want != tc.current
			if got.Changed != wantChanged {
				t.Fatalf("Changed = %v, want %v", got.Changed, wantChanged)
			}
		})
	}
}

// TestNoTransitionLeavesUnknown: no transition goes back to `unknown`
// once departed.
func TestNoTransitionLeavesUnknown(t *testing.T) {
	t.Parallel()

	states := []session.OverlayState{
		session.OverlayIdle, session.OverlayReady, session.OverlaySynchronized,
		session.OverlayVisible, session.OverlayFocused, session.OverlayStopping,
		session.OverlayLossPending, session.OverlayExiting,
	}
	mains := []session.MainState{
		session.MainUnknown, session.MainIdle, session.MainReady, session.MainSynchronized,
		session.MainVisible, session.MainFocused, session.MainStopping,
		session.MainLossPending, session.MainExiting, session.MainLost,
	}
	commands := []session.Command{session.CommandNone, session.CommandBegin, session.CommandEnd, session.CommandRequestExit}

	for _, st := range states {
		for _, ms := range mains {
			for _, cmd := range commands {
				for _, running := range []bool{false, true} {
					for _, waited := range []bool{false, true} {
						for _, exitReq := range []bool{false, true} {
							in := session.Inputs{
								MainState: ms, MainRunning: running, MainHasWaitedFrame: waited,
								ExitRequested: exitReq, Command: cmd,
							}

							got := session.Next(st, in)
							if got.NewState == session.OverlayUnknown {
								t.Fatalf("transition from %s with inputs %+v produced Unknown", st, in)
							}
						}
					}
				}
			}
		}
	}
}
