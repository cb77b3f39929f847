package core

import (
	"time"

	"github.com/google/uuid"
)

// EnvironmentKind classifies the dynamic environment a session supervises.
type EnvironmentKind string

const (
	// KindBrowser is a remotely hosted browser instance.
	KindBrowser EnvironmentKind = "browser"
	// KindNotebook is a computational notebook kernel.
	KindNotebook EnvironmentKind = "notebook"
	// KindOther covers future environment kinds registered at startup.
	KindOther EnvironmentKind = "other"
)

// SessionState is one node of the session lifecycle state machine.
type SessionState string

const (
	// StateStarting is the initial state while the driver's Start is in flight.
	StateStarting SessionState = "starting"
	// StateRunning is a healthy, probe-responsive session.
	StateRunning SessionState = "running"
	// StateDegraded is a session that has missed at least one probe but has
	// not yet crossed the consecutive-failure threshold.
	StateDegraded SessionState = "degraded"
	// StateLost is a session declared unreachable; recovery owns it.
	StateLost SessionState = "lost"
	// StateTerminated is the absorbing state reached by explicit teardown.
	StateTerminated SessionState = "terminated"
	// StateTerminalFailure is the absorbing state reached when startup or
	// recovery gives up on the session.
	StateTerminalFailure SessionState = "terminal_failure"
)

// Terminal reports whether the state is absorbing: no further transitions
// are legal and no further supervision is scheduled.
func (s SessionState) Terminal() bool {
	return s == StateTerminated || s == StateTerminalFailure
}

// validTransitions is the single source of truth for the session state
// machine. Teardown additionally permits any non-terminal state to move to
// StateTerminated, encoded here explicitly.
var validTransitions = map[SessionState]map[SessionState]bool{
	StateStarting: {StateRunning: true, StateTerminalFailure: true, StateTerminated: true},
	StateRunning:  {StateDegraded: true, StateTerminated: true},
	StateDegraded: {StateRunning: true, StateLost: true, StateTerminated: true},
	StateLost:     {StateRunning: true, StateTerminalFailure: true, StateTerminated: true},
}

// CanTransition reports whether moving from 'from' to 'to' is legal.
func CanTransition(from, to SessionState) bool {
	return validTransitions[from][to]
}

// Session is the supervisor's durable handle on one running environment
// instance. The registry returns clones; the live driver handle is held
// privately by the registry record, never on the Session itself.
type Session struct {
	ID              string          `json:"session_id"`
	Kind            EnvironmentKind `json:"kind"`
	State           SessionState    `json:"state"`
	LastSnapshotRef string          `json:"last_snapshot_ref,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	LastHealthAt    time.Time       `json:"last_health_at,omitempty"`
}

// NewSession allocates a fresh session of the given kind in StateStarting.
// Session identifiers are never reused.
func NewSession(kind EnvironmentKind) *Session {
	return &Session{
		ID:        NewID(),
		Kind:      kind,
		State:     StateStarting,
		CreatedAt: time.Now().UTC(),
	}
}

// Clone returns a copy safe for independent mutation by the caller.
func (s *Session) Clone() Session { return *s }

// NewID generates a unique identifier for sessions and run-scoped
// correlation. Returns a string representation of a new UUID.
func NewID() string { return uuid.NewString() }
