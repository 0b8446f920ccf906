package board

import "fmt"

// Redis key pattern helpers
//
// All Redis keys and Pub/Sub channels are namespaced by instance name to
// enable multiple Perch instances to safely coexist on a single Redis server.
//
// Key pattern: perch:{instance_name}:{entity}:{scope_id}
// Channel pattern: perch:{instance_name}:{event_type}_events

// TabsKey returns the Redis key for a scope's persisted tab record
// (durable sync tier).
// Pattern: perch:{instance_name}:tabs:{scope_id}
func TabsKey(instanceName, scopeID string) string {
	return fmt.Sprintf("perch:%s:tabs:%s", instanceName, scopeID)
}

// TabsKeyPattern returns the match pattern covering every scope's tab record,
// used for the explicit all-scopes view.
// Pattern: perch:{instance_name}:tabs:*
func TabsKeyPattern(instanceName string) string {
	return fmt.Sprintf("perch:%s:tabs:*", instanceName)
}

// SessionKey returns the Redis key for a scope's ephemeral session-tier
// record. Session keys carry a TTL and survive only as long as the session.
// Pattern: perch:{instance_name}:session:{scope_id}
func SessionKey(instanceName, scopeID string) string {
	return fmt.Sprintf("perch:%s:session:%s", instanceName, scopeID)
}

// FallbackKey returns the Redis key for one degraded-mode message. When the
// pub/sub channel is permanently unavailable a sender writes timestamped keys
// instead and relies on storage change events for delivery.
// Pattern: perch:{instance_name}:fallback:{sender_id}:{sequence}
func FallbackKey(instanceName, senderID string, sequence int64) string {
	return fmt.Sprintf("perch:%s:fallback:%s:%d", instanceName, senderID, sequence)
}

// TabEventsChannel returns the Pub/Sub channel name for tab broadcast
// messages.
// Pattern: perch:{instance_name}:tab_events
func TabEventsChannel(instanceName string) string {
	return fmt.Sprintf("perch:%s:tab_events", instanceName)
}

// StorageEventsChannel returns the Pub/Sub channel name for storage change
// notifications. Every persisted write publishes here; the writer suppresses
// its own event by write ID.
// Pattern: perch:{instance_name}:storage_events
func StorageEventsChannel(instanceName string) string {
	return fmt.Sprintf("perch:%s:storage_events", instanceName)
}

// SyncRequestsChannel returns the Pub/Sub channel carrying batched operation
// submissions to the authority.
// Pattern: perch:{instance_name}:sync_requests
func SyncRequestsChannel(instanceName string) string {
	return fmt.Sprintf("perch:%s:sync_requests", instanceName)
}
