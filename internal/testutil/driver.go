// Package testutil provides scripted fakes shared by the supervision
// package tests: a driver whose probe outcomes and failure modes are fully
// deterministic, plus small event helpers.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mindkeep/mindkeep/core"
)

// Handle is the opaque handle type the fake driver hands out.
type Handle struct {
	ID    int
	State []byte
}

// FakeDriver is a deterministic core.Driver for tests. Health outcomes are
// scripted: each probe consumes the next entry; once the script is
// exhausted every probe reports healthy. All counters are retrievable for
// assertions. Safe for concurrent use.
type FakeDriver struct {
	mu sync.Mutex

	script []probeOutcome

	startErrs   int // remaining Start calls that fail
	restoreErrs int // remaining RestoreState calls that fail
	captureErr  error
	stopErr     error

	state []byte // environment state captured / restored

	starts   int
	stops    int
	captures int
	restores int
	probes   int
	nextID   int
}

type probeOutcome struct {
	status core.HealthStatus
	err    error
	block  time.Duration // simulated hang before answering
}

// Compile-time interface compliance.
var _ core.Driver = (*FakeDriver)(nil)

// NewFakeDriver returns a driver that starts instantly and always probes
// healthy until scripted otherwise.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{state: []byte(`{"fresh":true}`)}
}

// ScriptUnresponsive appends n probes answering unresponsive.
func (d *FakeDriver) ScriptUnresponsive(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := 0; i < n; i++ {
		d.script = append(d.script, probeOutcome{status: core.Unresponsive})
	}
}

// ScriptProbeError appends n probes failing with an adapter-level error.
func (d *FakeDriver) ScriptProbeError(n int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := 0; i < n; i++ {
		d.script = append(d.script, probeOutcome{err: err})
	}
}

// ScriptHang appends one probe that blocks for the given duration before
// answering healthy, exercising the supervisor's hard deadline.
func (d *FakeDriver) ScriptHang(block time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.script = append(d.script, probeOutcome{status: core.Healthy, block: block})
}

// FailStarts makes the next n Start calls fail.
func (d *FakeDriver) FailStarts(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.startErrs = n
}

// FailRestores makes the next n RestoreState calls fail.
func (d *FakeDriver) FailRestores(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.restoreErrs = n
}

// FailCaptures makes every CaptureState call fail with err.
func (d *FakeDriver) FailCaptures(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.captureErr = err
}

// SetState replaces the environment state returned by CaptureState.
func (d *FakeDriver) SetState(state []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = append([]byte(nil), state...)
}

// Counts returns (starts, stops, captures, restores, probes).
func (d *FakeDriver) Counts() (int, int, int, int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.starts, d.stops, d.captures, d.restores, d.probes
}

// Start implements core.Driver.
func (d *FakeDriver) Start(ctx context.Context, config map[string]any) (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.starts++
	if d.startErrs > 0 {
		d.startErrs--
		return nil, fmt.Errorf("scripted start failure")
	}
	d.nextID++
	return &Handle{ID: d.nextID, State: append([]byte(nil), d.state...)}, nil
}

// Stop implements core.Driver.
func (d *FakeDriver) Stop(ctx context.Context, handle any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stops++
	return d.stopErr
}

// CaptureState implements core.Driver; returns the current environment
// state as JSON.
func (d *FakeDriver) CaptureState(ctx context.Context, handle any) ([]byte, string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.captures++
	if d.captureErr != nil {
		return nil, "", d.captureErr
	}
	h, ok := handle.(*Handle)
	if !ok {
		return nil, "", fmt.Errorf("unexpected handle type %T", handle)
	}
	return append([]byte(nil), h.State...), "json", nil
}

// RestoreState implements core.Driver; rebuilds a handle carrying exactly
// the captured payload, preserving the round-trip law.
func (d *FakeDriver) RestoreState(ctx context.Context, payload []byte) (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.restores++
	if d.restoreErrs > 0 {
		d.restoreErrs--
		return nil, fmt.Errorf("scripted restore failure")
	}
	d.nextID++
	return &Handle{ID: d.nextID, State: append([]byte(nil), payload...)}, nil
}

// HealthCheck implements core.Driver, consuming the next scripted outcome.
func (d *FakeDriver) HealthCheck(ctx context.Context, handle any, timeout time.Duration) (core.HealthStatus, error) {
	d.mu.Lock()
	d.probes++
	var out probeOutcome
	if len(d.script) > 0 {
		out = d.script[0]
		d.script = d.script[1:]
	} else {
		out = probeOutcome{status: core.Healthy}
	}
	d.mu.Unlock()

	if out.block > 0 {
		// Deliberately ignores ctx: the supervisor's external deadline must
		// cover drivers that misbehave.
		time.Sleep(out.block)
	}
	if out.err != nil {
		return "", out.err
	}
	return out.status, nil
}

// Kinds extracts the event kinds in order, for compact assertions.
func Kinds(events []core.Event) []core.EventKind {
	kinds := make([]core.EventKind, len(events))
	for i, ev := range events {
		kinds[i] = ev.Kind
	}
	return kinds
}
