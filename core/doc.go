// Package core provides the foundational domain types and interfaces used by
// MindKeep. It defines the core abstractions for:
//
//   - Sessions (durable handles on live environment instances, with a closed
//     lifecycle state machine)
//   - Environment drivers (the narrow capability contract every dynamic
//     environment implements)
//   - Snapshots (immutable, content-addressed captures of run state)
//   - Events (the ordered, deduplicated lifecycle facts consumed by the agent)
//   - Pluggable stores and sinks for snapshot persistence and event delivery
//
// The package intentionally keeps implementation concerns (persistence,
// supervision loops, concrete drivers) out of scope, exposing small interfaces
// to enable custom backends and extensions. All exported identifiers include
// concise documentation to aid discoverability and external consumption.
package core
