package snapshot

import (
	"fmt"
	"sync"

	"github.com/mindkeep/mindkeep/core"
)

// InMemoryStore is a trivial in-process core.SnapshotStore useful for tests,
// examples and single-process prototypes. It keeps all snapshots in a map
// guarded by an RWMutex. Payloads are copied on save / retrieval to avoid
// accidental external mutation of internal buffers.
//
// This implementation is intentionally minimal; process restarts lose all
// history. For anything durable, use FileStore.
type InMemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string]core.Snapshot
}

// Compile-time interface compliance.
var _ core.SnapshotStore = (*InMemoryStore)(nil)

// NewInMemoryStore returns an empty in-memory snapshot store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{snapshots: make(map[string]core.Snapshot)}
}

// Put stores the snapshot under its content hash. Duplicate payloads are a
// no-op returning the existing ID; a non-empty ParentID must already exist.
func (s *InMemoryStore) Put(snap core.Snapshot) (string, error) {
	id := HashPayload(snap.Payload)

	s.mu.Lock()
	defer s.mu.Unlock()

	if snap.ParentID != "" {
		if _, ok := s.snapshots[snap.ParentID]; !ok {
			return "", fmt.Errorf("parent snapshot %s: %w", snap.ParentID, core.ErrNotFound)
		}
	}
	if _, ok := s.snapshots[id]; ok {
		return id, nil
	}

	stored := snap
	stored.ID = id
	stored.CapturedAt = snap.CapturedAt.UTC()
	stored.Payload = make([]byte, len(snap.Payload))
	copy(stored.Payload, snap.Payload)
	s.snapshots[id] = stored
	return id, nil
}

// Get returns a copy of the stored snapshot or core.ErrNotFound.
func (s *InMemoryStore) Get(id string) (core.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.snapshots[id]
	if !ok {
		return core.Snapshot{}, fmt.Errorf("snapshot %s: %w", id, core.ErrNotFound)
	}
	out := stored
	out.Payload = make([]byte, len(stored.Payload))
	copy(out.Payload, stored.Payload)
	return out, nil
}

// Chain resolves the parent chain from id back to its root, most recent first.
func (s *InMemoryStore) Chain(id string) ([]core.Snapshot, error) {
	var chain []core.Snapshot
	for id != "" {
		snap, err := s.Get(id)
		if err != nil {
			return nil, err
		}
		chain = append(chain, snap)
		id = snap.ParentID
	}
	return chain, nil
}
