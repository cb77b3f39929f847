package supervisor

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/mindkeep/mindkeep/core"
	"github.com/mindkeep/mindkeep/internal/util"
	"github.com/mindkeep/mindkeep/logging"
	"github.com/mindkeep/mindkeep/monitor"
	"github.com/mindkeep/mindkeep/notify"
	"github.com/mindkeep/mindkeep/recovery"
	"github.com/mindkeep/mindkeep/registry"
	"github.com/mindkeep/mindkeep/snapshot"
)

// GlobalSerializer captures agent-wide memory for a global snapshot,
// returning the payload bytes and their declared encoding tag.
type GlobalSerializer func(ctx context.Context) (payload []byte, encoding string, err error)

// Options holds dependency + configuration overrides passed to New().
type Options struct {
	// DataDir roots the persisted state layout (snapshots/, sessions.json,
	// events.log). Empty means fully in-memory: suitable for tests and
	// prototypes, nothing survives a restart.
	DataDir string

	// ProbeInterval is the period between health probe cycles per session.
	ProbeInterval time.Duration
	// ProbeTimeout is the hard deadline around each health check.
	ProbeTimeout time.Duration
	// FailureThreshold is the consecutive probe failures escalating a
	// degraded session to lost.
	FailureThreshold int

	// RecoveryAttempts bounds restore cycles per loss incident.
	RecoveryAttempts int
	// RecoveryInterval seeds the exponential backoff between cycles.
	RecoveryInterval time.Duration

	// StartTimeout, StopTimeout, CaptureTimeout and RestoreTimeout bound
	// the corresponding driver calls.
	StartTimeout   time.Duration
	StopTimeout    time.Duration
	CaptureTimeout time.Duration
	RestoreTimeout time.Duration

	// SnapshotStore overrides the default store (file-backed under DataDir,
	// in-memory otherwise).
	SnapshotStore core.SnapshotStore
	// GlobalSerializer enables agent-wide memory snapshots.
	GlobalSerializer GlobalSerializer
	// EventBufferSize sets the default buffer for event subscriptions.
	EventBufferSize int
	// Logger receives structured diagnostics.
	Logger logging.Logger
}

// Supervisor keeps environments alive, captures and restores their state,
// and reports liveness truthfully and exactly once per incident.
type Supervisor struct {
	registry    *registry.Registry
	store       core.SnapshotStore
	notifier    *notify.Notifier
	monitor     *monitor.Monitor
	coordinator *recovery.Coordinator
	logger      logging.Logger

	captureTimeout   time.Duration
	eventBufferSize  int
	globalSerializer GlobalSerializer

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu            sync.Mutex
	watches       map[string]context.CancelFunc
	lastGlobalRef string
	started       bool
	closed        bool
}

// New constructs a Supervisor with optional overrides. Register drivers,
// then call Start to load persisted state and begin supervision.
func New(optFns ...func(o *Options)) (*Supervisor, error) {
	opts := Options{
		ProbeInterval:    5 * time.Second,
		ProbeTimeout:     3 * time.Second,
		FailureThreshold: 3,
		RecoveryAttempts: 3,
		RecoveryInterval: 500 * time.Millisecond,
		StartTimeout:     30 * time.Second,
		StopTimeout:      10 * time.Second,
		CaptureTimeout:   30 * time.Second,
		RestoreTimeout:   30 * time.Second,
		EventBufferSize:  100,
		Logger:           logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	var (
		notifier  *notify.Notifier
		store     = opts.SnapshotStore
		tablePath string
		err       error
	)
	if opts.DataDir != "" {
		if store == nil {
			store, err = snapshot.NewFileStore(filepath.Join(opts.DataDir, "snapshots"))
			if err != nil {
				return nil, err
			}
		}
		notifier, err = notify.Open(filepath.Join(opts.DataDir, "events.log"), notify.WithLogger(opts.Logger))
		if err != nil {
			return nil, err
		}
		tablePath = filepath.Join(opts.DataDir, "sessions.json")
	} else {
		if store == nil {
			store = snapshot.NewInMemoryStore()
		}
		notifier = notify.NewInMemory(notify.WithLogger(opts.Logger))
	}

	reg := registry.New(notifier, func(o *registry.Options) {
		o.TablePath = tablePath
		o.StartTimeout = opts.StartTimeout
		o.StopTimeout = opts.StopTimeout
		o.Logger = opts.Logger
	})
	coordinator := recovery.New(reg, store, func(o *recovery.Options) {
		o.MaxAttempts = opts.RecoveryAttempts
		o.InitialInterval = opts.RecoveryInterval
		o.RestoreTimeout = opts.RestoreTimeout
		o.Logger = opts.Logger
	})
	mon := monitor.New(reg, coordinator.Recover, func(o *monitor.Options) {
		o.Interval = opts.ProbeInterval
		o.ProbeTimeout = opts.ProbeTimeout
		o.FailureThreshold = opts.FailureThreshold
		o.Logger = opts.Logger
	})

	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Supervisor{
		registry:         reg,
		store:            store,
		notifier:         notifier,
		monitor:          mon,
		coordinator:      coordinator,
		logger:           opts.Logger,
		captureTimeout:   opts.CaptureTimeout,
		eventBufferSize:  opts.EventBufferSize,
		globalSerializer: opts.GlobalSerializer,
		baseCtx:          baseCtx,
		baseCancel:       baseCancel,
		watches:          make(map[string]context.CancelFunc),
	}, nil
}

// RegisterDriver binds a driver to an environment kind. Call before Start
// when reloading persisted sessions of that kind.
func (s *Supervisor) RegisterDriver(kind core.EnvironmentKind, driver core.Driver) {
	s.registry.RegisterDriver(kind, driver)
}

// Start loads the persisted session table and begins supervising every
// reloaded non-terminal session. Reloaded sessions have no live handle;
// their probes fail and the ordinary recovery path restores them from their
// last snapshot.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("supervisor already started")
	}
	if err := s.registry.Load(); err != nil {
		return err
	}
	s.started = true
	for _, sess := range s.registry.ListActive() {
		s.watchLocked(sess.ID)
	}
	return nil
}

// CreateSession allocates a durable identifier, starts the environment and
// begins supervision. The returned error wraps core.ErrStartup when the
// driver could not produce a handle; the session then settles in
// terminal_failure and its event has already been emitted.
func (s *Supervisor) CreateSession(ctx context.Context, kind core.EnvironmentKind, config map[string]any) (core.Session, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return core.Session{}, fmt.Errorf("supervisor closed")
	}
	s.mu.Unlock()

	sess, err := s.registry.Create(ctx, kind, config)
	if err != nil {
		return sess, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		// Closed while the start was in flight: tear the environment back
		// down instead of leaving it running unwatched.
		if terr := s.registry.Teardown(ctx, sess.ID); terr != nil {
			s.logger.Error("tearing down session created during shutdown", "session_id", sess.ID, "error", terr.Error())
		}
		return core.Session{}, fmt.Errorf("supervisor closed")
	}
	s.watchLocked(sess.ID)
	s.mu.Unlock()
	return s.registry.Get(sess.ID)
}

// watchLocked starts the session's watch goroutine. Caller holds s.mu.
func (s *Supervisor) watchLocked(sessionID string) {
	ctx, cancel := context.WithCancel(s.baseCtx)
	s.watches[sessionID] = cancel
	s.monitor.Watch(ctx, sessionID)
}

// TeardownSession cancels the session's in-flight probing and recovery at
// the next safe checkpoint, stops the environment best-effort and
// tombstones the session. Idempotent.
func (s *Supervisor) TeardownSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	if cancel, ok := s.watches[sessionID]; ok {
		cancel()
		delete(s.watches, sessionID)
	}
	s.mu.Unlock()
	return s.registry.Teardown(ctx, sessionID)
}

// GetSession returns the session or core.ErrNotFound. Tombstoned sessions
// remain readable.
func (s *Supervisor) GetSession(sessionID string) (core.Session, error) {
	return s.registry.Get(sessionID)
}

// ListSessions returns all non-terminal sessions ordered by creation time.
func (s *Supervisor) ListSessions() []core.Session {
	return s.registry.ListActive()
}

// CaptureSnapshot captures the full state of one session (or agent-wide
// memory, scope core.GlobalScope) into the content-addressed store and
// returns the snapshot ID. The capture runs inside the session's exclusive
// section, so it never interleaves with a health probe mid-operation.
func (s *Supervisor) CaptureSnapshot(ctx context.Context, scope string) (string, error) {
	if scope == core.GlobalScope {
		return s.captureGlobal(ctx)
	}

	start := time.Now()
	var snapshotID string
	err := s.registry.Exclusive(scope, func(tx *registry.Tx) error {
		sess := tx.Session()
		if sess.State.Terminal() {
			return fmt.Errorf("%w: session %s is %s", core.ErrCapture, scope, sess.State)
		}
		handle := tx.Handle()
		if handle == nil {
			return fmt.Errorf("%w: session %s has no live environment", core.ErrCapture, scope)
		}

		driver := tx.Driver()
		type captured struct {
			payload  []byte
			encoding string
		}
		out, err := util.Call(ctx, s.captureTimeout, func(ctx context.Context) (captured, error) {
			payload, encoding, err := driver.CaptureState(ctx, handle)
			return captured{payload: payload, encoding: encoding}, err
		})
		if err != nil {
			return fmt.Errorf("%w: %v", core.ErrCapture, err)
		}

		id, err := s.store.Put(core.Snapshot{
			SessionID:  scope,
			CapturedAt: time.Now().UTC(),
			Encoding:   out.encoding,
			ParentID:   sess.LastSnapshotRef,
			Payload:    out.payload,
		})
		if err != nil {
			return err
		}
		tx.SetSnapshotRef(id)
		if _, err := s.notifier.Emit(scope, core.EventSnapshotCaptured, id); err != nil {
			return err
		}
		snapshotID = id
		s.logger.Info("snapshot captured",
			"session_id", scope, "snapshot_id", id, "payload_bytes", len(out.payload), "duration", time.Since(start).String())
		return nil
	})
	if err != nil {
		return "", err
	}
	return snapshotID, nil
}

// captureGlobal snapshots agent-wide memory through the registered
// serializer, chained to the previous global snapshot.
func (s *Supervisor) captureGlobal(ctx context.Context) (string, error) {
	if s.globalSerializer == nil {
		return "", fmt.Errorf("%w: no global serializer registered", core.ErrCapture)
	}
	payload, encoding, err := s.globalSerializer(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %v", core.ErrCapture, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := s.store.Put(core.Snapshot{
		SessionID:  core.GlobalScope,
		CapturedAt: time.Now().UTC(),
		Encoding:   encoding,
		ParentID:   s.lastGlobalRef,
		Payload:    payload,
	})
	if err != nil {
		return "", err
	}
	s.lastGlobalRef = id
	if _, err := s.notifier.Emit(core.GlobalScope, core.EventSnapshotCaptured, id); err != nil {
		return "", err
	}
	return id, nil
}

// RestoreSnapshot is a pure read: it returns the stored snapshot or
// core.ErrNotFound, never mutating the store or any session.
func (s *Supervisor) RestoreSnapshot(snapshotID string) (core.Snapshot, error) {
	return s.store.Get(snapshotID)
}

// SnapshotChain resolves the parent chain from the given snapshot back to
// its root, most recent first, for audit and debugging.
func (s *Supervisor) SnapshotChain(snapshotID string) ([]core.Snapshot, error) {
	return s.store.Chain(snapshotID)
}

// Events subscribes to the ordered event stream. Per-session ordering is
// strict; delivery is at-least-once at best: consumers that fall behind
// catch up with Replay. The second return cancels the subscription.
func (s *Supervisor) Events() (<-chan core.Event, func()) {
	return s.notifier.Subscribe(s.eventBufferSize)
}

// Replay returns the retained events for a session with ID greater than
// afterID, in order.
func (s *Supervisor) Replay(sessionID string, afterID uint64) []core.Event {
	return s.notifier.Replay(sessionID, afterID)
}

// Close stops supervision: cancels every watch, waits for the goroutines to
// reach their next safe checkpoint and exit, flushes the session table and
// closes the event log. Environments keep running; Close is a supervisor
// shutdown, not a teardown of the fleet.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.baseCancel()
	s.monitor.Wait()
	if err := s.registry.Flush(); err != nil {
		s.notifier.Close()
		return err
	}
	return s.notifier.Close()
}
