// Package snapshot houses concrete implementations of core.SnapshotStore.
// The interface itself (and the Snapshot struct) live in the core package to
// centralize domain contracts; keeping only implementations here prevents
// higher level packages (monitor, recovery, supervisor) from depending on
// concrete storage.
//
// Snapshot IDs are hex-encoded keyed BLAKE3 digests of the payload, so
// identical payloads share one on-disk object and duplicate writes are
// no-ops. The file-backed store keeps every payload verbatim next to an
// indented JSON manifest, making the full capture history inspectable with
// nothing but ls and cat.
package snapshot
