package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mindkeep/mindkeep/core"
	"github.com/mindkeep/mindkeep/internal/util"
	"github.com/mindkeep/mindkeep/logging"
)

// record pairs a session with the live resources the registry guards for
// it: the driver handle, the original start config (for cold recovery) and
// the per-session mutex serializing every mutation and driver operation.
type record struct {
	mu      sync.Mutex
	session *core.Session
	driver  core.Driver
	config  map[string]any
	handle  any
}

// Options holds dependency + configuration overrides passed to New().
type Options struct {
	// TablePath is the JSON file persisting the session table. Empty means
	// in-memory only.
	TablePath string
	// StartTimeout bounds driver Start calls.
	StartTimeout time.Duration
	// StopTimeout bounds driver Stop calls.
	StopTimeout time.Duration
	// Sink receives exactly one event per committed transition.
	Sink core.EventSink
	// Logger receives structured diagnostics.
	Logger logging.Logger
}

// Registry is the process-wide table of environment sessions. Public
// methods are safe for concurrent use; per-session work is serialized by
// the session's own exclusive section, never a global lock.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*record
	drivers map[core.EnvironmentKind]core.Driver

	table table

	tablePath    string
	startTimeout time.Duration
	stopTimeout  time.Duration
	sink         core.EventSink
	logger       logging.Logger
}

// New constructs a Registry with optional overrides. A nil sink panics:
// the registry cannot uphold failure-as-event without one.
func New(sink core.EventSink, optFns ...func(o *Options)) *Registry {
	opts := Options{
		StartTimeout: 30 * time.Second,
		StopTimeout:  10 * time.Second,
		Logger:       logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if sink == nil {
		panic("registry: event sink is required")
	}
	return &Registry{
		records:      make(map[string]*record),
		drivers:      make(map[core.EnvironmentKind]core.Driver),
		tablePath:    opts.TablePath,
		startTimeout: opts.StartTimeout,
		stopTimeout:  opts.StopTimeout,
		sink:         sink,
		logger:       opts.Logger,
	}
}

// RegisterDriver binds a driver to an environment kind. Expected at process
// startup, before Load or the first Create for that kind.
func (r *Registry) RegisterDriver(kind core.EnvironmentKind, driver core.Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[kind] = driver
}

// Create allocates a fresh session, starts its environment and returns the
// settled session: StateRunning on success, StateTerminalFailure (with a
// wrapped core.ErrStartup) on failure. Synchronous with respect to the
// caller; probing begins asynchronously once the supervisor watches the
// session. Start is retried once when no handle was returned, which the
// driver contract declares safe.
func (r *Registry) Create(ctx context.Context, kind core.EnvironmentKind, config map[string]any) (core.Session, error) {
	r.mu.Lock()
	driver, ok := r.drivers[kind]
	if !ok {
		r.mu.Unlock()
		return core.Session{}, fmt.Errorf("no driver registered for kind %q: %w", kind, core.ErrNotFound)
	}
	sess := core.NewSession(kind)
	rec := &record{session: sess, driver: driver, config: config}
	r.records[sess.ID] = rec
	r.mu.Unlock()

	// Durable identity from the moment of allocation: persist before the
	// driver start settles so the identifier is never reused even if the
	// process dies mid-start.
	r.persistSession(sess.Clone())

	rec.mu.Lock()
	defer rec.mu.Unlock()

	handle, err := util.Call(ctx, r.startTimeout, func(ctx context.Context) (any, error) {
		return driver.Start(ctx, config)
	})
	if err != nil {
		r.logger.Warn("environment start failed, retrying once", "session_id", sess.ID, "error", err.Error())
		handle, err = util.Call(ctx, r.startTimeout, func(ctx context.Context) (any, error) {
			return driver.Start(ctx, config)
		})
	}
	if err != nil {
		if _, terr := r.transitionLocked(rec, core.StateTerminalFailure, err.Error()); terr != nil {
			r.logger.Error("recording startup failure", "session_id", sess.ID, "error", terr.Error())
		}
		return sess.Clone(), fmt.Errorf("%w: %v", core.ErrStartup, err)
	}

	rec.handle = handle
	if _, err := r.transitionLocked(rec, core.StateRunning, "environment started"); err != nil {
		return sess.Clone(), err
	}
	return sess.Clone(), nil
}

// Get returns a clone of the session or core.ErrNotFound. Tombstoned
// (terminated / terminally failed) sessions remain readable.
func (r *Registry) Get(id string) (core.Session, error) {
	rec, err := r.record(id)
	if err != nil {
		return core.Session{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.session.Clone(), nil
}

// Teardown stops the environment best-effort and tombstones the session.
// Idempotent: repeated calls on a terminal session return nil and emit
// nothing. Stop failures are reported through the event detail, never as a
// fatal error to the caller: once teardown is requested the session is
// gone from the agent's perspective.
func (r *Registry) Teardown(ctx context.Context, id string) error {
	rec, err := r.record(id)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.session.State.Terminal() {
		return nil
	}

	detail := "teardown requested"
	if rec.handle != nil {
		handle := rec.handle
		_, stopErr := util.Call(ctx, r.stopTimeout, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, rec.driver.Stop(ctx, handle)
		})
		if stopErr != nil {
			// Treated as already-gone.
			detail = fmt.Sprintf("teardown requested; stop failed: %v", fmt.Errorf("%w: %v", core.ErrShutdown, stopErr))
			r.logger.Warn("environment stop failed during teardown", "session_id", id, "error", stopErr.Error())
		}
		rec.handle = nil
	}

	_, err = r.transitionLocked(rec, core.StateTerminated, detail)
	return err
}

// ListActive returns clones of every non-terminal session ordered by
// creation time.
func (r *Registry) ListActive() []core.Session {
	r.mu.RLock()
	recs := make([]*record, 0, len(r.records))
	for _, rec := range r.records {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	var out []core.Session
	for _, rec := range recs {
		rec.mu.Lock()
		if !rec.session.State.Terminal() {
			out = append(out, rec.session.Clone())
		}
		rec.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Exclusive runs fn inside the session's exclusive section. fn receives a
// Tx scoped to the held lock; the Tx must not escape fn. This is the only
// doorway to state transitions, handle installation, snapshot references
// and health bookkeeping, which is what serializes probes against captures.
func (r *Registry) Exclusive(id string, fn func(tx *Tx) error) error {
	rec, err := r.record(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return fn(&Tx{registry: r, rec: rec})
}

func (r *Registry) record(id string) (*record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, core.ErrNotFound)
	}
	return rec, nil
}

// transitionLocked commits a state change for a record whose mutex is held,
// persists the table and emits the transition's event. Exactly one event
// per committed transition: emission happens inside the same critical
// section, and illegal transitions commit nothing.
func (r *Registry) transitionLocked(rec *record, to core.SessionState, detail string) (core.Event, error) {
	from := rec.session.State
	if !core.CanTransition(from, to) {
		return core.Event{}, fmt.Errorf("%w: %s -> %s", core.ErrInvalidTransition, from, to)
	}
	rec.session.State = to
	r.persistSession(rec.session.Clone())

	kind, ok := core.TransitionEvent(from, to)
	if !ok {
		return core.Event{}, nil
	}
	ev, err := r.sink.Emit(rec.session.ID, kind, detail)
	if err != nil {
		return core.Event{}, fmt.Errorf("emitting %s event: %w", kind, err)
	}
	return ev, nil
}

// Tx exposes the mutations legal inside a session's exclusive section.
type Tx struct {
	registry *Registry
	rec      *record
}

// Session returns a clone of the session's current state.
func (tx *Tx) Session() core.Session { return tx.rec.session.Clone() }

// Driver returns the driver owning the session's environment.
func (tx *Tx) Driver() core.Driver { return tx.rec.driver }

// Handle returns the live driver handle, nil when none exists (freshly
// reloaded sessions, torn-down sessions).
func (tx *Tx) Handle() any { return tx.rec.handle }

// SetHandle installs a new live handle, typically after a restore.
func (tx *Tx) SetHandle(handle any) { tx.rec.handle = handle }

// Config returns the config the session was originally started with.
func (tx *Tx) Config() map[string]any { return tx.rec.config }

// Transition commits a state change, persists the table and emits the
// transition's event.
func (tx *Tx) Transition(to core.SessionState, detail string) (core.Event, error) {
	return tx.registry.transitionLocked(tx.rec, to, detail)
}

// SetSnapshotRef updates the session's last-known-good snapshot reference.
func (tx *Tx) SetSnapshotRef(snapshotID string) {
	tx.rec.session.LastSnapshotRef = snapshotID
	tx.registry.persistSession(tx.rec.session.Clone())
}

// RecordHealth stamps the session's last successful health check.
func (tx *Tx) RecordHealth(t time.Time) {
	tx.rec.session.LastHealthAt = t.UTC()
	tx.registry.persistSession(tx.rec.session.Clone())
}
