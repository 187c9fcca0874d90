// Package eventqueue implements the per-connection bounded event relay:
// a 16-deep FIFO of deep-copied event records, with
// lost-event coalescing when the queue fills, fed from the main side's
// PollEvent stream and drained by the overlay side's PollEvent calls.
//
// Instead of dropping silently when the queue fills, the "warning" is
// itself a queued record the remote side can observe, since there is no
// shared log across the process boundary.
package eventqueue

import (
	"errors"
	"sync"
)

// Kind identifies the shape of an event record. The closed set matches the
// events the relay carries; chain.Kind's event
// records (KindEventSessionStateChanged,
// KindEventReferenceSpaceChangePending) are the wire encoding of these once
// a Poll response crosses the boundary.
type Kind int

const (
	KindUnknown Kind = iota
	// KindStateChanged is a session-state-changed event not addressed to
	// the main session (those are routed to the state machine instead of
	// queued).
	KindStateChanged
	// KindReferenceSpaceChangePending is the reference-space
	// change-pending event the runtime can emit.
	KindReferenceSpaceChangePending
	// KindLostEvents is the synthetic coalescing marker pushed in place of
	// events dropped because the queue was full.
	KindLostEvents
)

// Event is a single deep-copied queued record. Payload holds the
// kind-specific fields already deep-copied out of the arena that produced
// them, so the queue never retains a reference into shared memory.
type Event struct {
	Kind Kind

	// SessionHandle/SpaceHandle are the handles embedded in the event as
	// the runtime reported them; the dispatch layer's poll-event rewrites
	// them to the overlay's local handles when the event is delivered.
	SessionHandle uint64
	SpaceHandle   uint64

	// State carries the new session state for KindStateChanged events
	// (synthetic or relayed).
	State uint32

	// Time is the event's timestamp. Synthetic state-changed events use a
	// fabricated monotonically increasing value, since the runtime
	// timebase is not exposed cross-process.
	Time int64

	// LostCount is only meaningful for KindLostEvents: the number of
	// events that were dropped and coalesced into this one marker.
	LostCount uint32
}

// Capacity is the fixed FIFO depth.
const Capacity = 16

// ErrEmpty is returned by Pop when the queue has nothing to deliver.
var ErrEmpty = errors.New("eventqueue: empty")

// Queue is a per-connection bounded FIFO implementing the exact fill and
// coalescing behavior the relay protocol requires.
type Queue struct {
	mu     sync.Mutex
	events []Event
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{events: make([]Event, 0, Capacity)}
}

// Push enqueues ev following three fill cases:
//
//   - at least two free slots: append normally.
//   - exactly one free slot and no marker in the tail yet: ev is the
//     first event lost; drop it and spend the last slot on a
//     lost-events(count=1) marker, so the queue never reports itself
//     full without a marker accounting for what went missing.
//   - the tail is already a lost-events marker (queue full, or one short
//     of full after a previous loss): drop ev and bump the marker's
//     count.
//
// LostCount sums therefore equal exactly the number of dropped events,
// which is what the FIFO-and-loss-accounting invariant asserts. The
// return value reports whether ev was dropped rather than enqueued.
func (q *Queue) Push(ev Event) (dropped bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.events)
	tailIsMarker := n > 0 && q.events[n-1].Kind == KindLostEvents

	free := Capacity - n

	switch {
	case free == 0:
		// The only path to a full queue ends with a marker in the tail.
		if tailIsMarker {
			q.events[n-1].LostCount++
		}

		return true
	case free == 1 && tailIsMarker:
		q.events[n-1].LostCount++
		return true
	case free == 1:
		q.events = append(q.events, Event{Kind: KindLostEvents, LostCount: 1})
		return true
	default:
		q.events = append(q.events, ev)
		return false
	}
}

// Pop removes and returns the event at the front of the queue.
func (q *Queue) Pop() (Event, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return Event{}, ErrEmpty
	}

	ev := q.events[0]
	q.events = q.events[1:]

	return ev, nil
}

// Len reports the number of queued records, for diagnostics.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.events)
}

// Drain removes and returns every queued event, in FIFO order, in one
// call instead of repeated Pops. Drain is destructive; callers needing
// only the queue depth should use Len.
func (q *Queue) Drain() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := q.events
	q.events = make([]Event, 0, Capacity)

	return out
}
