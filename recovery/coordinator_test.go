package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mindkeep/mindkeep/core"
	"github.com/mindkeep/mindkeep/internal/testutil"
	"github.com/mindkeep/mindkeep/notify"
	"github.com/mindkeep/mindkeep/registry"
	"github.com/mindkeep/mindkeep/snapshot"
)

type fixture struct {
	reg    *registry.Registry
	sink   *notify.Notifier
	store  *snapshot.InMemoryStore
	driver *testutil.FakeDriver
	coord  *Coordinator
}

func newFixture(t *testing.T, attempts int) *fixture {
	t.Helper()
	f := &fixture{
		sink:   notify.NewInMemory(),
		store:  snapshot.NewInMemoryStore(),
		driver: testutil.NewFakeDriver(),
	}
	f.reg = registry.New(f.sink)
	f.reg.RegisterDriver(core.KindNotebook, f.driver)
	f.coord = New(f.reg, f.store, func(o *Options) {
		o.MaxAttempts = attempts
		o.InitialInterval = time.Millisecond
		o.RestoreTimeout = time.Second
	})
	return f
}

// lostSession creates a session, optionally records a snapshot for it, and
// walks it to the lost state the coordinator expects to receive.
func (f *fixture) lostSession(t *testing.T, payload []byte) core.Session {
	t.Helper()
	sess, err := f.reg.Create(context.Background(), core.KindNotebook, map[string]any{"kernel": "python3"})
	require.NoError(t, err)

	if payload != nil {
		id, err := f.store.Put(core.Snapshot{SessionID: sess.ID, CapturedAt: time.Now(), Encoding: "json", Payload: payload})
		require.NoError(t, err)
		require.NoError(t, f.reg.Exclusive(sess.ID, func(tx *registry.Tx) error {
			tx.SetSnapshotRef(id)
			return nil
		}))
	}

	require.NoError(t, f.reg.Exclusive(sess.ID, func(tx *registry.Tx) error {
		if _, err := tx.Transition(core.StateDegraded, "probe failed"); err != nil {
			return err
		}
		_, err := tx.Transition(core.StateLost, "threshold crossed")
		return err
	}))
	return sess
}

func TestRecover_RestoresFromSnapshot(t *testing.T) {
	f := newFixture(t, 3)
	payload := []byte(`{"cells":[1,2,3]}`)
	sess := f.lostSession(t, payload)

	require.NoError(t, f.coord.Recover(context.Background(), sess.ID))

	got, err := f.reg.Get(sess.ID)
	require.NoError(t, err)
	require.Equal(t, core.StateRunning, got.State)

	_, _, _, restores, _ := f.driver.Counts()
	require.Equal(t, 1, restores)

	// The new handle carries exactly the captured state (round-trip law).
	require.NoError(t, f.reg.Exclusive(sess.ID, func(tx *registry.Tx) error {
		h, ok := tx.Handle().(*testutil.Handle)
		require.True(t, ok)
		require.Equal(t, payload, h.State)
		return nil
	}))

	kinds := testutil.Kinds(f.sink.Replay(sess.ID, 0))
	require.Equal(t, core.EventRecovered, kinds[len(kinds)-1])
}

func TestRecover_RetriesThenSucceeds(t *testing.T) {
	f := newFixture(t, 3)
	sess := f.lostSession(t, []byte("state"))
	f.driver.FailRestores(2)

	require.NoError(t, f.coord.Recover(context.Background(), sess.ID))

	_, _, _, restores, _ := f.driver.Counts()
	require.Equal(t, 3, restores, "two failed cycles plus the successful one")

	got, _ := f.reg.Get(sess.ID)
	require.Equal(t, core.StateRunning, got.State)
}

func TestRecover_ExhaustionIsTerminal(t *testing.T) {
	f := newFixture(t, 3)
	sess := f.lostSession(t, []byte("state"))
	f.driver.FailRestores(3)

	err := f.coord.Recover(context.Background(), sess.ID)
	require.ErrorIs(t, err, core.ErrRecoveryExhausted)

	got, _ := f.reg.Get(sess.ID)
	require.Equal(t, core.StateTerminalFailure, got.State)

	kinds := testutil.Kinds(f.sink.Replay(sess.ID, 0))
	require.Equal(t, core.EventTerminalFailure, kinds[len(kinds)-1])

	evs := f.sink.Replay(sess.ID, 0)
	require.Contains(t, evs[len(evs)-1].Detail, "scripted restore failure",
		"the terminal event carries the last error detail")
}

func TestRecover_MissingSnapshotRetriedAsRestoreFailure(t *testing.T) {
	f := newFixture(t, 2)
	sess := f.lostSession(t, []byte("state"))

	// Point the session at a snapshot that was never stored; the corrupted
	// reference must surface as a restore failure, not a crash.
	require.NoError(t, f.reg.Exclusive(sess.ID, func(tx *registry.Tx) error {
		tx.SetSnapshotRef(snapshot.HashPayload([]byte("vanished")))
		return nil
	}))

	err := f.coord.Recover(context.Background(), sess.ID)
	require.ErrorIs(t, err, core.ErrRecoveryExhausted)

	got, _ := f.reg.Get(sess.ID)
	require.Equal(t, core.StateTerminalFailure, got.State)
}

func TestRecover_NoSnapshotFallsBackToColdStart(t *testing.T) {
	f := newFixture(t, 3)
	sess := f.lostSession(t, nil) // lost before the first capture

	require.NoError(t, f.coord.Recover(context.Background(), sess.ID))

	got, _ := f.reg.Get(sess.ID)
	require.Equal(t, core.StateRunning, got.State)

	starts, _, _, restores, _ := f.driver.Counts()
	require.Equal(t, 2, starts, "initial start plus the cold restart")
	require.Equal(t, 0, restores)
}

func TestRecover_TornDownSessionStopsImmediately(t *testing.T) {
	f := newFixture(t, 3)
	sess := f.lostSession(t, []byte("state"))
	require.NoError(t, f.reg.Teardown(context.Background(), sess.ID))

	err := f.coord.Recover(context.Background(), sess.ID)
	require.Error(t, err)
	require.NotErrorIs(t, err, core.ErrRecoveryExhausted, "teardown mid-recovery is not an exhaustion")

	_, _, _, restores, _ := f.driver.Counts()
	require.Equal(t, 0, restores)

	got, _ := f.reg.Get(sess.ID)
	require.Equal(t, core.StateTerminated, got.State)
}
