// Package supervisor implements the coordination layer for MindKeep.
//
// The Supervisor is the central hub the agent talks to. It wires the
// session registry, snapshot store, health monitor, recovery coordinator
// and event notifier into one lifecycle:
//
//   - the agent creates a session; the registry allocates the durable
//     identifier and delegates start to the environment driver
//   - a dedicated watch goroutine probes the session's health
//   - state changes surface as ordered, deduplicated events; a loss hands
//     the session to the recovery coordinator, whose outcome is itself
//     reported as an event
//
// The agent learns of all failures exclusively through the event stream
// plus synchronous error returns from its own direct calls; there is no
// silent failure path. Public methods are safe for concurrent use.
package supervisor
