package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mindkeep/mindkeep/core"
	"github.com/mindkeep/mindkeep/internal/util"
)

// manifest is the on-disk sidecar recording everything needed to
// reconstruct snapshot history without replaying driver logic.
type manifest struct {
	SnapshotID string    `json:"snapshot_id"`
	SessionID  string    `json:"session_id"`
	CapturedAt time.Time `json:"captured_at"`
	Encoding   string    `json:"encoding"`
	ParentID   string    `json:"parent_snapshot_id,omitempty"`
}

// FileStore is a durable core.SnapshotStore keeping each payload verbatim
// under its content hash with an adjacent <id>.manifest.json. Payload writes
// are content-addressed and therefore idempotent under concurrent duplicate
// writes; the mutex only serializes the parent-existence check against
// manifest creation.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// Compile-time interface compliance.
var _ core.SnapshotStore = (*FileStore)(nil)

// NewFileStore opens (creating if needed) a snapshot directory.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating snapshot directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Put persists the snapshot payload under its content hash. Storing a
// payload that already exists is a no-op returning the existing ID. A
// non-empty ParentID must resolve to an already-stored snapshot, which is
// what keeps the chain acyclic by construction.
func (s *FileStore) Put(snap core.Snapshot) (string, error) {
	id := HashPayload(snap.Payload)

	s.mu.Lock()
	defer s.mu.Unlock()

	if snap.ParentID != "" {
		if _, err := os.Stat(s.manifestPath(snap.ParentID)); err != nil {
			return "", fmt.Errorf("parent snapshot %s: %w", snap.ParentID, core.ErrNotFound)
		}
	}

	if _, err := os.Stat(s.manifestPath(id)); err == nil {
		return id, nil
	}

	if err := util.WriteFileAtomic(s.payloadPath(id), snap.Payload, 0o644); err != nil {
		return "", fmt.Errorf("writing snapshot payload: %w", err)
	}

	m := manifest{
		SnapshotID: id,
		SessionID:  snap.SessionID,
		CapturedAt: snap.CapturedAt.UTC(),
		Encoding:   snap.Encoding,
		ParentID:   snap.ParentID,
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling snapshot manifest: %w", err)
	}
	data = append(data, '\n')
	if err := util.WriteFileAtomic(s.manifestPath(id), data, 0o644); err != nil {
		return "", fmt.Errorf("writing snapshot manifest: %w", err)
	}

	return id, nil
}

// Get returns the stored snapshot or core.ErrNotFound. The payload slice is
// freshly read from disk and safe for caller mutation.
func (s *FileStore) Get(id string) (core.Snapshot, error) {
	if err := ValidateID(id); err != nil {
		return core.Snapshot{}, fmt.Errorf("%w: %v", core.ErrNotFound, err)
	}

	data, err := os.ReadFile(s.manifestPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return core.Snapshot{}, fmt.Errorf("snapshot %s: %w", id, core.ErrNotFound)
		}
		return core.Snapshot{}, fmt.Errorf("reading snapshot manifest: %w", err)
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return core.Snapshot{}, fmt.Errorf("parsing snapshot manifest %s: %w", id, err)
	}

	payload, err := os.ReadFile(s.payloadPath(id))
	if err != nil {
		return core.Snapshot{}, fmt.Errorf("reading snapshot payload %s: %w", id, err)
	}

	return core.Snapshot{
		ID:         m.SnapshotID,
		SessionID:  m.SessionID,
		CapturedAt: m.CapturedAt,
		Encoding:   m.Encoding,
		ParentID:   m.ParentID,
		Payload:    payload,
	}, nil
}

// Chain resolves the parent chain from id back to its root, most recent
// first. A broken link surfaces as core.ErrNotFound.
func (s *FileStore) Chain(id string) ([]core.Snapshot, error) {
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

func (s *FileStore) payloadPath(id string) string {
	return filepath.Join(s.dir, sanitize(id))
}

func (s *FileStore) manifestPath(id string) string {
	return filepath.Join(s.dir, sanitize(id)+".manifest.json")
}

// sanitize strips path separators from an id before joining it into the
// store directory. Valid content hashes are pure hex so this only matters
// for hostile lookups.
func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == '.' {
			return '_'
		}
		return r
	}, id)
}
