// Package recovery implements the recovery coordinator. On a lost session
// it attempts a bounded number of restore cycles with exponential backoff:
// read the session's last-known-good snapshot, rebuild the environment from
// it, install the new handle and return the session to running. Exhausting
// the budget declares a terminal failure; the agent must explicitly create
// a new session to continue. Terminal for the session, never fatal to the
// supervisor process.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mindkeep/mindkeep/core"
	"github.com/mindkeep/mindkeep/internal/util"
	"github.com/mindkeep/mindkeep/logging"
	"github.com/mindkeep/mindkeep/registry"
)

// Options holds dependency + configuration overrides passed to New().
type Options struct {
	// MaxAttempts is the restore cycle budget per incident.
	MaxAttempts int
	// InitialInterval seeds the exponential backoff between cycles.
	InitialInterval time.Duration
	// RestoreTimeout bounds each driver RestoreState (or cold Start) call.
	RestoreTimeout time.Duration
	// Logger receives structured diagnostics.
	Logger logging.Logger
}

// errAborted marks a recovery sequence stopped for a reason other than
// exhaustion (session torn down or gone mid-recovery). backoff strips its
// PermanentError wrapper on return, so this sentinel survives instead.
var errAborted = errors.New("recovery aborted")

// Coordinator restores lost sessions from their snapshots.
type Coordinator struct {
	registry *registry.Registry
	store    core.SnapshotStore

	maxAttempts     int
	initialInterval time.Duration
	restoreTimeout  time.Duration
	logger          logging.Logger
}

// New constructs a Coordinator with optional overrides.
func New(reg *registry.Registry, store core.SnapshotStore, optFns ...func(o *Options)) *Coordinator {
	opts := Options{
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		RestoreTimeout:  30 * time.Second,
		Logger:          logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Coordinator{
		registry:        reg,
		store:           store,
		maxAttempts:     opts.MaxAttempts,
		initialInterval: opts.InitialInterval,
		restoreTimeout:  opts.RestoreTimeout,
		logger:          opts.Logger,
	}
}

// Recover drives the restore cycles for a lost session. It returns nil once
// the session is running again; on exhaustion it commits the terminal
// failure (emitting its event with the last error detail) and returns a
// wrapped core.ErrRecoveryExhausted. Cancellation is observed between
// cycles, never mid driver call.
func (c *Coordinator) Recover(ctx context.Context, sessionID string) error {
	attempt := 0
	var lastErr error

	cycle := func() error {
		attempt++
		start := time.Now()
		err := c.attemptRestore(ctx, sessionID)
		if err != nil {
			c.logger.Warn("restore cycle failed",
				"session_id", sessionID, "attempt", attempt, "duration", time.Since(start).String(), "error", err.Error())
			lastErr = err
		}
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.initialInterval
	policy.MaxElapsedTime = 0
	retries := uint64(0)
	if c.maxAttempts > 1 {
		retries = uint64(c.maxAttempts - 1)
	}

	err := backoff.Retry(cycle, backoff.WithContext(backoff.WithMaxRetries(policy, retries), ctx))
	if err == nil {
		c.logger.Info("session recovered", "session_id", sessionID, "attempts", attempt)
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, errAborted) {
		return err
	}

	// Budget exhausted: commit the terminal failure. The event carries the
	// last restore error so the agent learns why.
	detail := fmt.Sprintf("%d restore attempts failed, last error: %v", attempt, lastErr)
	terr := c.registry.Exclusive(sessionID, func(tx *registry.Tx) error {
		if tx.Session().State != core.StateLost {
			return nil
		}
		_, err := tx.Transition(core.StateTerminalFailure, detail)
		return err
	})
	if terr != nil {
		c.logger.Error("recording terminal failure", "session_id", sessionID, "error", terr.Error())
	}
	return fmt.Errorf("%w: %s", core.ErrRecoveryExhausted, detail)
}

// attemptRestore runs one restore cycle inside the session's exclusive
// section. A session torn down while lost stops the sequence permanently.
// A missing or corrupted snapshot surfaces as a restore failure and is
// retried like any other; a session lost before its first snapshot falls
// back to a cold start with its original config.
func (c *Coordinator) attemptRestore(ctx context.Context, sessionID string) error {
	err := c.registry.Exclusive(sessionID, func(tx *registry.Tx) error {
		sess := tx.Session()
		if sess.State != core.StateLost {
			return backoff.Permanent(fmt.Errorf("%w: session no longer lost (state %s)", errAborted, sess.State))
		}

		driver := tx.Driver()
		var handle any
		var err error
		detail := "environment restored from snapshot"
		if sess.LastSnapshotRef == "" {
			detail = "environment restarted (no snapshot captured yet)"
			handle, err = util.Call(ctx, c.restoreTimeout, func(ctx context.Context) (any, error) {
				return driver.Start(ctx, tx.Config())
			})
		} else {
			var snap core.Snapshot
			snap, err = c.store.Get(sess.LastSnapshotRef)
			if err == nil {
				handle, err = util.Call(ctx, c.restoreTimeout, func(ctx context.Context) (any, error) {
					return driver.RestoreState(ctx, snap.Payload)
				})
			}
		}
		if err != nil {
			return fmt.Errorf("%w: %v", core.ErrRestore, err)
		}

		tx.SetHandle(handle)
		if _, err := tx.Transition(core.StateRunning, detail); err != nil {
			return backoff.Permanent(fmt.Errorf("%w: %v", errAborted, err))
		}
		return nil
	})
	if err != nil && errors.Is(err, core.ErrNotFound) {
		return backoff.Permanent(fmt.Errorf("%w: %v", errAborted, err))
	}
	return err
}
