package core

import "errors"

// Error taxonomy. Adapter-origin failures are wrapped in the matching
// sentinel with %w so callers classify them via errors.Is; probing failures
// never propagate to the agent (they drive state transitions instead), while
// failures of agent-initiated operations surface synchronously.
var (
	// ErrStartup wraps a driver Start failure.
	ErrStartup = errors.New("environment startup failed")
	// ErrShutdown wraps a driver Stop failure (best-effort, never fatal).
	ErrShutdown = errors.New("environment shutdown failed")
	// ErrCapture wraps a driver CaptureState failure.
	ErrCapture = errors.New("state capture failed")
	// ErrRestore wraps a driver RestoreState failure, including a corrupted
	// or missing snapshot referenced by a session.
	ErrRestore = errors.New("state restore failed")
	// ErrProbe wraps a driver HealthCheck failure; classified identically
	// to an unresponsive probe.
	ErrProbe = errors.New("health probe failed")
	// ErrNotFound is returned on a registry or store lookup miss.
	ErrNotFound = errors.New("not found")
	// ErrTimeout is the supervisor-origin deadline failure wrapping any
	// adapter call that exceeded its enforced deadline.
	ErrTimeout = errors.New("adapter call exceeded deadline")
	// ErrRecoveryExhausted is terminal for a session: all restore cycles
	// failed. Never fatal to the supervisor process.
	ErrRecoveryExhausted = errors.New("recovery attempts exhausted")
	// ErrInvalidTransition is returned when a requested state change is not
	// permitted by the session state machine.
	ErrInvalidTransition = errors.New("invalid session state transition")
)
