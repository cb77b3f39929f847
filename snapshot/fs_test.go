package snapshot

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mindkeep/mindkeep/core"
)

func newFileStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(filepath.Join(t.TempDir(), "snapshots"))
	require.NoError(t, err)
	return store
}

func TestFileStore_RoundTrip(t *testing.T) {
	store := newFileStore(t)

	in := core.Snapshot{
		SessionID:  "sess-1",
		CapturedAt: time.Now(),
		Encoding:   "json",
		Payload:    []byte(`{"tabs":["a","b"]}`),
	}
	id, err := store.Put(in)
	require.NoError(t, err)
	require.Equal(t, HashPayload(in.Payload), id)

	out, err := store.Get(id)
	require.NoError(t, err)
	require.Equal(t, in.Payload, out.Payload)
	require.Equal(t, "sess-1", out.SessionID)
	require.Equal(t, "json", out.Encoding)
	require.Equal(t, id, out.ID)
}

func TestFileStore_ContentAddressingIsIdempotent(t *testing.T) {
	store := newFileStore(t)

	payload := []byte("same bytes")
	first, err := store.Put(core.Snapshot{SessionID: "a", Payload: payload, Encoding: "raw"})
	require.NoError(t, err)
	second, err := store.Put(core.Snapshot{SessionID: "a", Payload: payload, Encoding: "raw"})
	require.NoError(t, err)
	require.Equal(t, first, second, "identical payloads must share one ID")

	different, err := store.Put(core.Snapshot{SessionID: "a", Payload: []byte("other bytes"), Encoding: "raw"})
	require.NoError(t, err)
	require.NotEqual(t, first, different)
}

func TestFileStore_ChainResolvesToRoot(t *testing.T) {
	store := newFileStore(t)

	root, err := store.Put(core.Snapshot{SessionID: "s", Payload: []byte("v1"), Encoding: "raw"})
	require.NoError(t, err)
	mid, err := store.Put(core.Snapshot{SessionID: "s", Payload: []byte("v2"), Encoding: "raw", ParentID: root})
	require.NoError(t, err)
	tip, err := store.Put(core.Snapshot{SessionID: "s", Payload: []byte("v3"), Encoding: "raw", ParentID: mid})
	require.NoError(t, err)

	chain, err := store.Chain(tip)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	require.Equal(t, tip, chain[0].ID)
	require.Equal(t, mid, chain[1].ID)
	require.Equal(t, root, chain[2].ID)
	require.Empty(t, chain[2].ParentID)
}

func TestFileStore_RejectsUnknownParent(t *testing.T) {
	store := newFileStore(t)
	_, err := store.Put(core.Snapshot{
		SessionID: "s",
		Payload:   []byte("child"),
		Encoding:  "raw",
		ParentID:  HashPayload([]byte("never stored")),
	})
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestFileStore_GetUnknown(t *testing.T) {
	store := newFileStore(t)
	_, err := store.Get(HashPayload([]byte("missing")))
	require.ErrorIs(t, err, core.ErrNotFound)

	_, err = store.Get("not-a-hash")
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestFileStore_ManifestIsHumanInspectable(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "snapshots")
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	id, err := store.Put(core.Snapshot{SessionID: "sess-9", Payload: []byte("state"), Encoding: "pickle"})
	require.NoError(t, err)

	// The payload sits verbatim under its hash; the manifest next to it is
	// plain indented JSON readable without any tooling.
	payload, err := os.ReadFile(filepath.Join(dir, id))
	require.NoError(t, err)
	require.Equal(t, []byte("state"), payload)

	raw, err := os.ReadFile(filepath.Join(dir, id+".manifest.json"))
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	require.Equal(t, id, m["snapshot_id"])
	require.Equal(t, "sess-9", m["session_id"])
	require.Equal(t, "pickle", m["encoding"])
	require.Contains(t, m, "captured_at")
}

func TestHashPayload(t *testing.T) {
	a := HashPayload([]byte("x"))
	b := HashPayload([]byte("x"))
	c := HashPayload([]byte("y"))
	if a != b {
		t.Error("hashing must be deterministic")
	}
	if a == c {
		t.Error("different payloads must hash differently")
	}
	if err := ValidateID(a); err != nil {
		t.Errorf("hash should validate as an ID: %v", err)
	}
	if err := ValidateID("zz"); err == nil {
		t.Error("expected invalid ID to be rejected")
	}
}
