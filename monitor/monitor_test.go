package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mindkeep/mindkeep/core"
	"github.com/mindkeep/mindkeep/internal/testutil"
	"github.com/mindkeep/mindkeep/notify"
	"github.com/mindkeep/mindkeep/registry"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

type fixture struct {
	reg          *registry.Registry
	sink         *notify.Notifier
	driver       *testutil.FakeDriver
	monitor      *Monitor
	recoverCalls atomic.Int32
	recoverErr   error
}

// newFixture wires a monitor whose recovery hand-off flips the session to
// running (or terminal failure when recoverErr is set), standing in for the
// coordinator.
func newFixture(t *testing.T, threshold int) *fixture {
	t.Helper()
	f := &fixture{sink: notify.NewInMemory(), driver: testutil.NewFakeDriver()}
	f.reg = registry.New(f.sink)
	f.reg.RegisterDriver(core.KindBrowser, f.driver)

	recoverFn := func(ctx context.Context, sessionID string) error {
		f.recoverCalls.Add(1)
		if f.recoverErr != nil {
			f.reg.Exclusive(sessionID, func(tx *registry.Tx) error {
				_, err := tx.Transition(core.StateTerminalFailure, f.recoverErr.Error())
				return err
			})
			return f.recoverErr
		}
		return f.reg.Exclusive(sessionID, func(tx *registry.Tx) error {
			tx.SetHandle(&testutil.Handle{ID: 99})
			_, err := tx.Transition(core.StateRunning, "restored")
			return err
		})
	}

	f.monitor = New(f.reg, recoverFn, func(o *Options) {
		o.Interval = 10 * time.Millisecond
		o.ProbeTimeout = 40 * time.Millisecond
		o.FailureThreshold = threshold
	})
	return f
}

func (f *fixture) startSession(t *testing.T) core.Session {
	t.Helper()
	sess, err := f.reg.Create(context.Background(), core.KindBrowser, nil)
	require.NoError(t, err)
	return sess
}

func (f *fixture) kinds(sessionID string) []core.EventKind {
	return testutil.Kinds(f.sink.Replay(sessionID, 0))
}

func TestWatch_SubThresholdBlipsAreAbsorbed(t *testing.T) {
	f := newFixture(t, 3)
	sess := f.startSession(t)
	f.driver.ScriptUnresponsive(2) // k < N

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.monitor.Watch(ctx, sess.ID)

	waitFor(t, 2*time.Second, func() bool {
		got, err := f.reg.Get(sess.ID)
		return err == nil && got.State == core.StateRunning && len(f.kinds(sess.ID)) >= 3
	})

	require.Equal(t,
		[]core.EventKind{core.EventStarted, core.EventDegraded, core.EventRecovered},
		f.kinds(sess.ID))
	require.Equal(t, int32(0), f.recoverCalls.Load(), "sub-threshold blips never trigger recovery")
}

func TestWatch_ThresholdEscalatesToLostExactlyOnce(t *testing.T) {
	f := newFixture(t, 3)
	sess := f.startSession(t)
	f.driver.ScriptUnresponsive(3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.monitor.Watch(ctx, sess.ID)

	waitFor(t, 2*time.Second, func() bool {
		got, err := f.reg.Get(sess.ID)
		return err == nil && got.State == core.StateRunning && f.recoverCalls.Load() > 0
	})

	require.Equal(t,
		[]core.EventKind{core.EventStarted, core.EventDegraded, core.EventLost, core.EventRecovered},
		f.kinds(sess.ID))
	require.Equal(t, int32(1), f.recoverCalls.Load(), "one incident, one recovery sequence")
}

func TestWatch_ProbeErrorsCountLikeUnresponsive(t *testing.T) {
	f := newFixture(t, 2)
	sess := f.startSession(t)
	f.driver.ScriptProbeError(2, fmt.Errorf("target closed"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.monitor.Watch(ctx, sess.ID)

	waitFor(t, 2*time.Second, func() bool { return f.recoverCalls.Load() > 0 })
	require.Contains(t, f.kinds(sess.ID), core.EventLost)
}

func TestWatch_HungProbeHitsHardDeadline(t *testing.T) {
	f := newFixture(t, 3)
	sess := f.startSession(t)
	f.driver.ScriptHang(300 * time.Millisecond) // answers healthy, far too late

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.monitor.Watch(ctx, sess.ID)

	waitFor(t, 2*time.Second, func() bool {
		got, err := f.reg.Get(sess.ID)
		return err == nil && got.State != core.StateStarting && containsKind(f.kinds(sess.ID), core.EventDegraded)
	})
}

func TestWatch_TerminalRecoveryStopsProbing(t *testing.T) {
	f := newFixture(t, 2)
	f.recoverErr = errors.New("gone for good")
	sess := f.startSession(t)
	f.driver.ScriptUnresponsive(2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.monitor.Watch(ctx, sess.ID)

	waitFor(t, 2*time.Second, func() bool {
		got, err := f.reg.Get(sess.ID)
		return err == nil && got.State == core.StateTerminalFailure
	})

	_, _, _, _, probesAtFailure := f.driver.Counts()
	time.Sleep(100 * time.Millisecond)
	_, _, _, _, probesAfter := f.driver.Counts()
	require.Equal(t, probesAtFailure, probesAfter, "no further probes after terminal failure")
	require.Equal(t,
		[]core.EventKind{core.EventStarted, core.EventDegraded, core.EventLost, core.EventTerminalFailure},
		f.kinds(sess.ID))
}

func TestWatch_CancellationStopsLoop(t *testing.T) {
	f := newFixture(t, 3)
	sess := f.startSession(t)

	ctx, cancel := context.WithCancel(context.Background())
	f.monitor.Watch(ctx, sess.ID)

	waitFor(t, 2*time.Second, func() bool {
		_, _, _, _, probes := f.driver.Counts()
		return probes > 0
	})
	cancel()

	done := make(chan struct{})
	go func() {
		f.monitor.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watch goroutine did not exit after cancellation")
	}
}

func containsKind(kinds []core.EventKind, want core.EventKind) bool {
	for _, k := range kinds {
		if k == want {
			return true
		}
	}
	return false
}
