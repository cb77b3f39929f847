package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/mindkeep/mindkeep/core"
	"github.com/mindkeep/mindkeep/internal/util"
)

// table is the shadow copy of every session used for persistence. It is
// updated with a clone on each committed mutation, under its own mutex, so
// rewriting the file never has to reach into other sessions' exclusive
// sections (which would deadlock two concurrent transitions).
type table struct {
	mu       sync.Mutex
	sessions map[string]core.Session
}

// tableFile is the on-disk shape of the session table.
type tableFile struct {
	Sessions []core.Session `json:"sessions"`
}

// persistSession writes a clone of the mutated session into the shadow
// table and, if a table path is configured, rewrites the file atomically.
// Called with the record's mutex held; persistence failures are logged, not
// propagated: the in-memory transition has already committed and the next
// successful rewrite repairs the file.
func (r *Registry) persistSession(sess core.Session) {
	r.table.mu.Lock()
	defer r.table.mu.Unlock()
	if r.table.sessions == nil {
		r.table.sessions = make(map[string]core.Session)
	}
	r.table.sessions[sess.ID] = sess

	if r.tablePath == "" {
		return
	}
	if err := r.writeTableLocked(); err != nil {
		r.logger.Error("persisting session table", "error", err.Error())
	}
}

// Flush rewrites the session table file. A no-op without a table path.
func (r *Registry) Flush() error {
	if r.tablePath == "" {
		return nil
	}
	r.table.mu.Lock()
	defer r.table.mu.Unlock()
	return r.writeTableLocked()
}

// writeTableLocked serializes the shadow table sorted by creation time and
// writes it atomically. Caller holds table.mu.
func (r *Registry) writeTableLocked() error {
	out := tableFile{Sessions: make([]core.Session, 0, len(r.table.sessions))}
	for _, sess := range r.table.sessions {
		out.Sessions = append(out.Sessions, sess)
	}
	sort.Slice(out.Sessions, func(i, j int) bool {
		return out.Sessions[i].CreatedAt.Before(out.Sessions[j].CreatedAt)
	})

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling session table: %w", err)
	}
	data = append(data, '\n')
	if err := util.WriteFileAtomic(r.tablePath, data, 0o644); err != nil {
		return fmt.Errorf("writing session table: %w", err)
	}
	return nil
}

// Load rebuilds the registry from a previously persisted table. Sessions
// keep their durable identity; none of them has a live handle, so the
// monitor's first probes fail and the ordinary degraded→lost→recover path
// restores them from their last snapshot. A session persisted in starting
// settles directly in terminal_failure: its start never completed and the
// state machine offers it no probe-driven path. Drivers must be registered
// for every persisted kind before calling Load. A missing file is not an
// error.
func (r *Registry) Load() error {
	if r.tablePath == "" {
		return nil
	}
	data, err := os.ReadFile(r.tablePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading session table: %w", err)
	}
	var in tableFile
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("parsing session table %s: %w", r.tablePath, err)
	}

	var interrupted []*record

	r.mu.Lock()
	r.table.mu.Lock()
	if r.table.sessions == nil {
		r.table.sessions = make(map[string]core.Session)
	}
	for _, sess := range in.Sessions {
		driver, ok := r.drivers[sess.Kind]
		if !ok {
			r.table.mu.Unlock()
			r.mu.Unlock()
			return fmt.Errorf("no driver registered for persisted kind %q: %w", sess.Kind, core.ErrNotFound)
		}
		loaded := sess
		rec := &record{session: &loaded, driver: driver}
		r.records[sess.ID] = rec
		r.table.sessions[sess.ID] = sess
		if sess.State == core.StateStarting {
			interrupted = append(interrupted, rec)
		}
	}
	r.table.mu.Unlock()
	r.mu.Unlock()

	// A session persisted in starting means the previous process died
	// before its Start settled. No handle can exist and nothing will ever
	// move it, so settle it as a startup failure now.
	for _, rec := range interrupted {
		rec.mu.Lock()
		if _, err := r.transitionLocked(rec, core.StateTerminalFailure, "process died during environment startup"); err != nil {
			r.logger.Error("settling interrupted startup", "session_id", rec.session.ID, "error", err.Error())
		}
		rec.mu.Unlock()
	}
	return nil
}
