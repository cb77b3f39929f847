package core

import "time"

// GlobalScope is the pseudo session identifier for agent-wide memory
// snapshots that are not owned by any environment session.
const GlobalScope = "global"

// Snapshot is an immutable, content-addressed serialization of run state at
// one instant. ID is the hex digest of Payload; identical payloads always
// produce the same ID, making duplicate writes naturally idempotent.
// ParentID links to the previously captured snapshot of the same scope,
// forming an acyclic chain (a child always names an already-stored parent).
type Snapshot struct {
	ID         string    `json:"snapshot_id"`
	SessionID  string    `json:"session_id"`
	CapturedAt time.Time `json:"captured_at"`
	Encoding   string    `json:"encoding"`
	ParentID   string    `json:"parent_snapshot_id,omitempty"`
	Payload    []byte    `json:"-"`
}

// SnapshotStore persists snapshots keyed by content hash. Implementations
// must be safe for concurrent use, must treat snapshots as write-once, and
// must reject a Put whose ParentID does not resolve.
type SnapshotStore interface {
	// Put computes the content address of the snapshot's payload, persists
	// payload and manifest, and returns the snapshot ID. Storing a payload
	// that already exists is a no-op returning the existing ID.
	Put(snap Snapshot) (string, error)
	// Get returns the snapshot for the given ID or ErrNotFound. Restoring
	// never mutates the stored snapshot.
	Get(id string) (Snapshot, error)
	// Chain resolves the parent chain from the given snapshot back to its
	// root, most recent first.
	Chain(id string) ([]Snapshot, error)
}
