// Package monitor implements the health monitor: one independent watch
// goroutine per active session, probing the environment through its driver
// at a configurable interval and classifying the session as healthy,
// degraded or lost.
//
// A single missed probe never triggers recovery, since network blips are common;
// only unresponsiveness sustained past the consecutive-failure threshold
// does, which avoids recovery storms. Once a session is declared lost the
// same watch goroutine hands it to the recovery coordinator and waits, so
// each incident produces exactly one recovery attempt sequence.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mindkeep/mindkeep/core"
	"github.com/mindkeep/mindkeep/internal/util"
	"github.com/mindkeep/mindkeep/logging"
	"github.com/mindkeep/mindkeep/registry"
)

// RecoverFunc hands a lost session to the recovery coordinator. It returns
// once the session is either running again or terminally failed.
type RecoverFunc func(ctx context.Context, sessionID string) error

// Options holds dependency + configuration overrides passed to New().
type Options struct {
	// Interval between probe cycles for each session.
	Interval time.Duration
	// ProbeTimeout is the hard deadline enforced around every HealthCheck.
	ProbeTimeout time.Duration
	// FailureThreshold is the number of consecutive failed probes that
	// escalates degraded to lost.
	FailureThreshold int
	// Logger receives structured diagnostics.
	Logger logging.Logger
}

// Monitor runs the periodic probe cycle for each watched session.
type Monitor struct {
	registry *registry.Registry
	recover  RecoverFunc

	interval         time.Duration
	probeTimeout     time.Duration
	failureThreshold int
	logger           logging.Logger

	wg sync.WaitGroup
}

// New constructs a Monitor with optional overrides.
func New(reg *registry.Registry, recoverFn RecoverFunc, optFns ...func(o *Options)) *Monitor {
	opts := Options{
		Interval:         5 * time.Second,
		ProbeTimeout:     3 * time.Second,
		FailureThreshold: 3,
		Logger:           logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Monitor{
		registry:         reg,
		recover:          recoverFn,
		interval:         opts.Interval,
		probeTimeout:     opts.ProbeTimeout,
		failureThreshold: opts.FailureThreshold,
		logger:           opts.Logger,
	}
}

// Watch starts the supervision goroutine for a session. The goroutine exits
// when the session reaches a terminal state or ctx is cancelled; teardown
// cancellation is observed between driver calls, never mid-call.
func (m *Monitor) Watch(ctx context.Context, sessionID string) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.watch(ctx, sessionID)
	}()
}

// Wait blocks until every watch goroutine has exited. Callers cancel the
// watch contexts first.
func (m *Monitor) Wait() { m.wg.Wait() }

func (m *Monitor) watch(ctx context.Context, sessionID string) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	// Consecutive-failure count is local to the watch goroutine: probes for
	// one session are strictly sequential, so no lock is needed.
	consecutiveFailures := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		sess, err := m.registry.Get(sessionID)
		if err != nil || sess.State.Terminal() {
			return
		}

		healthy, detail := m.probe(ctx, sessionID)
		if ctx.Err() != nil {
			return
		}

		if healthy {
			consecutiveFailures = 0
			continue
		}

		consecutiveFailures++
		lost := false
		err = m.registry.Exclusive(sessionID, func(tx *registry.Tx) error {
			switch tx.Session().State {
			case core.StateRunning:
				_, terr := tx.Transition(core.StateDegraded, detail)
				return terr
			case core.StateDegraded:
				if consecutiveFailures >= m.failureThreshold {
					if _, terr := tx.Transition(core.StateLost, fmt.Sprintf("%d consecutive probe failures: %s", consecutiveFailures, detail)); terr != nil {
						return terr
					}
					lost = true
				}
			}
			return nil
		})
		if err != nil {
			m.logger.Error("recording probe failure", "session_id", sessionID, "error", err.Error())
			continue
		}

		if lost {
			// Hand off in this goroutine: no probes run while recovery owns
			// the session, and one incident yields one attempt sequence.
			if err := m.recover(ctx, sessionID); err != nil {
				if !errors.Is(err, context.Canceled) {
					m.logger.Error("recovery failed", "session_id", sessionID, "error", err.Error())
				}
				return
			}
			consecutiveFailures = 0
		}
	}
}

// probe runs one health check cycle inside the session's exclusive section,
// so a probe and a snapshot capture never interleave mid-operation. An
// adapter error, an unresponsive verdict and an enforced timeout are all
// classified identically. A healthy probe heals a degraded session.
func (m *Monitor) probe(ctx context.Context, sessionID string) (bool, string) {
	healthy := false
	detail := ""
	err := m.registry.Exclusive(sessionID, func(tx *registry.Tx) error {
		sess := tx.Session()
		if sess.State != core.StateRunning && sess.State != core.StateDegraded {
			healthy = true // nothing to probe; don't count against the session
			return nil
		}

		handle := tx.Handle()
		if handle == nil {
			// Reloaded after a supervisor restart: no live environment yet.
			detail = "no live environment handle"
			return nil
		}

		driver := tx.Driver()
		status, perr := util.Call(ctx, m.probeTimeout, func(ctx context.Context) (core.HealthStatus, error) {
			return driver.HealthCheck(ctx, handle, m.probeTimeout)
		})
		switch {
		case perr != nil:
			detail = fmt.Errorf("%w: %v", core.ErrProbe, perr).Error()
		case status != core.Healthy:
			detail = "environment unresponsive"
		default:
			healthy = true
			tx.RecordHealth(time.Now())
			if sess.State == core.StateDegraded {
				if _, terr := tx.Transition(core.StateRunning, "health restored"); terr != nil {
					return terr
				}
			}
		}
		return nil
	})
	if err != nil {
		m.logger.Error("probe cycle failed", "session_id", sessionID, "error", err.Error())
		return false, err.Error()
	}
	return healthy, detail
}
