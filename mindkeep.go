// Package mindkeep provides a high-level façade over the supervisor and its
// service abstractions (session registry, snapshot store, health monitor,
// recovery coordinator, event notifier) enabling rapid construction of
// agent run-state supervision. Most applications interact with this package
// by:
//  1. Creating a Supervisor via New() (optionally overriding the default
//     in-memory services with a durable data directory)
//  2. Registering one environment driver per kind (browser, notebook, ...)
//  3. Calling Start to load persisted state and begin supervision, then
//     creating sessions and consuming the event stream
//
// All defaults are safe for local development and testing; production
// deployments supply a data directory and a structured logger.
package mindkeep

import (
	"time"

	"github.com/mindkeep/mindkeep/logging"
	"github.com/mindkeep/mindkeep/supervisor"
)

// Supervisor is re-exported so applications depend on one import.
type Supervisor = supervisor.Supervisor

// Options configures the Supervisor; see supervisor.Options.
type Options = supervisor.Options

// New creates a Supervisor with optional overrides. Any unset service is
// initialized with an in-memory implementation.
func New(optFns ...func(o *Options)) (*Supervisor, error) {
	return supervisor.New(optFns...)
}

// WithDataDir roots the persisted state layout (snapshots, session table,
// event log) at dir, making sessions and event ordering survive restarts.
func WithDataDir(dir string) func(o *Options) {
	return func(o *Options) { o.DataDir = dir }
}

// WithLogger plugs a structured logger into every component.
func WithLogger(l logging.Logger) func(o *Options) {
	return func(o *Options) { o.Logger = l }
}

// WithProbePolicy tunes the health monitor: probe period, per-probe hard
// deadline and the consecutive-failure threshold that declares a loss.
func WithProbePolicy(interval, timeout time.Duration, failureThreshold int) func(o *Options) {
	return func(o *Options) {
		o.ProbeInterval = interval
		o.ProbeTimeout = timeout
		o.FailureThreshold = failureThreshold
	}
}

// WithRecoveryPolicy tunes the recovery coordinator: the restore cycle
// budget per incident and the initial backoff interval.
func WithRecoveryPolicy(attempts int, initialInterval time.Duration) func(o *Options) {
	return func(o *Options) {
		o.RecoveryAttempts = attempts
		o.RecoveryInterval = initialInterval
	}
}

// WithGlobalSerializer enables agent-wide memory snapshots (scope
// core.GlobalScope) through the given serializer.
func WithGlobalSerializer(fn supervisor.GlobalSerializer) func(o *Options) {
	return func(o *Options) { o.GlobalSerializer = fn }
}
