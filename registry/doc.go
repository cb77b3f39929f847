// Package registry implements the process-wide session registry: the table
// of active environment sessions, each bound to a durable identifier.
//
// The registry tracks lifecycle state and the last-known-good snapshot
// reference; it holds the opaque driver handle on behalf of a session but
// never the environment's resources themselves; exactly one driver owns a
// session's live resources at any time.
//
// All state mutation for a session happens inside that session's exclusive
// section (a per-session mutex), so a health probe and a snapshot capture
// never interleave mid-operation and every committed transition emits
// exactly one event. Different sessions mutate independently and never
// block each other. The table is persisted as indented JSON after every
// committed mutation so a supervisor restart rebuilds session identity.
package registry
