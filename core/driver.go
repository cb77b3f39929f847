package core

import (
	"context"
	"time"
)

// HealthStatus is the outcome of a driver health probe.
type HealthStatus string

const (
	// Healthy means the environment answered the probe within the deadline.
	Healthy HealthStatus = "healthy"
	// Unresponsive means the environment did not answer in time. Probe
	// errors and supervisor-enforced timeouts are classified identically.
	Unresponsive HealthStatus = "unresponsive"
)

// Driver is the narrow capability contract every dynamic environment
// (browser, notebook kernel, future tool) implements. Drivers are registered
// per EnvironmentKind at process startup and own a session's live resources
// exclusively; the registry only ever holds the opaque handle.
//
// All methods must honor context cancellation. The supervisor additionally
// enforces a hard deadline around every call, so a driver that ignores its
// context cannot stall supervision; it merely leaks a goroutine until the
// call returns.
type Driver interface {
	// Start launches a fresh environment instance and returns its opaque
	// handle. Start must be idempotent-safe to retry once when no handle
	// was returned.
	Start(ctx context.Context, config map[string]any) (any, error)
	// Stop releases the environment. Best-effort: the supervisor treats a
	// Stop failure as already-gone.
	Stop(ctx context.Context, handle any) error
	// CaptureState serializes the environment's full state into opaque
	// bytes plus a declared encoding tag (e.g. "json", "dill").
	CaptureState(ctx context.Context, handle any) (payload []byte, encoding string, err error)
	// RestoreState rebuilds an environment from previously captured bytes
	// and returns the new handle.
	RestoreState(ctx context.Context, payload []byte) (any, error)
	// HealthCheck probes the environment. It must never block past the
	// given timeout; the supervisor enforces the deadline externally as
	// well, racing the call against a timer.
	HealthCheck(ctx context.Context, handle any, timeout time.Duration) (HealthStatus, error)
}
