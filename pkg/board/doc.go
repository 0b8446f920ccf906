// Package board provides type-safe Go definitions and Redis schema patterns
// for the Perch shared board. The board is the coordination surface through
// which all Perch contexts (overlay replicas, the authority daemon, the CLI)
// interact: a pub/sub channel for best-effort broadcast and a set of
// namespaced keys acting as the persistent shared store.
//
// All Redis keys and channels are namespaced by instance name so that
// multiple Perch instances can safely coexist on a single Redis server.
// Within an instance, storage keys are further partitioned by scope ID (the
// isolation boundary, e.g. a browsing container) so that loads and deletes
// never cross scope boundaries unless explicitly asked for the global view.
//
// The package deliberately contains no replication logic. Sequencing,
// filtering, debounce, persistence suppression and authoritative merging all
// live in the internal packages; board only defines the shared vocabulary
// (QuickTab, BroadcastMessage, Operation, the persisted record shapes) and
// the thin namespaced Redis client they all use.
package board
