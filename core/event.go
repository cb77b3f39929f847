package core

import "time"

// EventKind tags a lifecycle fact about a session.
type EventKind string

const (
	// EventStarted marks the starting→running transition after a successful
	// driver Start.
	EventStarted EventKind = "started"
	// EventDegraded marks the first missed probe (running→degraded).
	EventDegraded EventKind = "degraded"
	// EventLost marks sustained unresponsiveness past the failure threshold.
	EventLost EventKind = "lost"
	// EventRecovered marks a session returning to running, either from a
	// healthy probe after degradation or from a successful restore.
	EventRecovered EventKind = "recovered"
	// EventTerminalFailure marks recovery exhaustion or startup failure.
	EventTerminalFailure EventKind = "terminal_failure"
	// EventSnapshotCaptured marks a committed snapshot capture. It is the
	// only kind not tied to a state transition.
	EventSnapshotCaptured EventKind = "snapshot_captured"
	// EventTerminated marks explicit teardown (emitted exactly once).
	EventTerminated EventKind = "terminated"
)

// Event is a single fact about a session's lifecycle transition. After
// emission it is immutable. ID is monotonically increasing per session with
// no gaps, assigned under the same critical section that commits the
// transition, which is what makes emission exactly-once per real transition.
type Event struct {
	ID         uint64    `json:"event_id"`
	SessionID  string    `json:"session_id"`
	Kind       EventKind `json:"kind"`
	OccurredAt time.Time `json:"occurred_at"`
	Detail     string    `json:"detail,omitempty"`
}

// EventSink receives lifecycle facts as they are committed. Implementations
// must assign per-session monotonic IDs and preserve per-session order.
// Emit is called while the owning session's exclusive section is held, so a
// sink never observes two concurrent emissions for the same session.
type EventSink interface {
	Emit(sessionID string, kind EventKind, detail string) (Event, error)
}

// TransitionEvent maps a committed state transition to the event kind that
// announces it. The second return is false for transitions that carry no
// event (none today; kept for a closed mapping).
func TransitionEvent(from, to SessionState) (EventKind, bool) {
	switch to {
	case StateRunning:
		if from == StateStarting {
			return EventStarted, true
		}
		return EventRecovered, true
	case StateDegraded:
		return EventDegraded, true
	case StateLost:
		return EventLost, true
	case StateTerminated:
		return EventTerminated, true
	case StateTerminalFailure:
		return EventTerminalFailure, true
	}
	return "", false
}
