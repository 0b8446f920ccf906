// Package authority implements the background merge daemon: the single
// serialization point where batched operations from every context are
// reconciled into the authoritative tab collection using per-sender logical
// clocks, persisted, and re-broadcast.
package authority

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/dyluth/perch/internal/lifecycle"
	"github.com/dyluth/perch/internal/storage"
	"github.com/dyluth/perch/pkg/board"
)

// Broadcaster is the outbound slice the coordinator uses to publish the
// merged state after each batch.
type Broadcaster interface {
	PublishMessage(ctx context.Context, msg *board.BroadcastMessage) error
}

// BatchResult summarises one ProcessBatch call.
type BatchResult struct {
	Stale    bool // batch was at or below the sender's clock high-water mark
	Created  int
	Updated  int
	Deleted  int
	Warnings int
}

// Coordinator owns the authoritative tab collection. It is driven entirely
// from the engine's event loop; batches are applied strictly in the order
// ProcessBatch is invoked, which is the system's one serialization point.
type Coordinator struct {
	machine  *lifecycle.Machine
	store    *storage.Manager
	caster   Broadcaster
	senderID string // identity used on re-broadcast messages

	tabs      map[string]*board.QuickTab // authoritative collection, all scopes
	clocks    map[string]int64           // senderID -> max sequence seen
	instances map[string]string          // senderID -> last known instance incarnation
	sequence  int64
}

// NewCoordinator creates a coordinator with an empty collection. Call
// Recover before processing batches to load persisted state.
func NewCoordinator(machine *lifecycle.Machine, store *storage.Manager, caster Broadcaster, senderID string) *Coordinator {
	return &Coordinator{
		machine:   machine,
		store:     store,
		caster:    caster,
		senderID:  senderID,
		tabs:      make(map[string]*board.QuickTab),
		clocks:    make(map[string]int64),
		instances: make(map[string]string),
	}
}

// ProcessBatch merges one sender's batched operations into the
// authoritative collection. The per-sender logical clock is updated with an
// element-wise max over the operations' clock fragments; a batch whose
// entire clock sits at or below the recorded high-water mark is stale
// (duplicate or reordered submission) and is not applied. Operations apply
// in array order: a later operation for the same tab overwrites an earlier
// one. After the batch the affected scopes are persisted and the new state
// is broadcast.
func (c *Coordinator) ProcessBatch(ctx context.Context, senderID string, operations []board.Operation, senderInstanceID string) (*BatchResult, error) {
	result := &BatchResult{}

	if prev, known := c.instances[senderID]; known && prev != senderInstanceID {
		// A restarted sender starts its sequence over; the old high-water
		// mark no longer applies.
		c.logEvent("sender_restarted", map[string]interface{}{
			"sender_id":    senderID,
			"old_instance": prev,
			"new_instance": senderInstanceID,
		})
		delete(c.clocks, senderID)
	}
	c.instances[senderID] = senderInstanceID

	batchMax := int64(0)
	for _, op := range operations {
		for id, seq := range op.Clock {
			if id == senderID && seq > batchMax {
				batchMax = seq
			}
		}
	}

	if highWater, seen := c.clocks[senderID]; seen && batchMax > 0 && batchMax <= highWater {
		result.Stale = true
		c.logEvent("stale_batch_dropped", map[string]interface{}{
			"sender_id":  senderID,
			"batch_max":  batchMax,
			"high_water": highWater,
			"operations": len(operations),
		})
		return result, nil
	}

	// Element-wise max over every clock fragment in the batch, covering
	// fragments relayed for other senders too.
	for _, op := range operations {
		for id, seq := range op.Clock {
			if seq > c.clocks[id] {
				c.clocks[id] = seq
			}
		}
	}

	affectedScopes := make(map[string]bool)
	for i := range operations {
		op := &operations[i]
		scope := c.applyOperation(op, senderID, result)
		if scope != "" {
			affectedScopes[scope] = true
		}
	}

	for scopeID := range affectedScopes {
		if _, err := c.store.SaveScope(ctx, scopeID, c.scopeTabs(scopeID)); err != nil {
			return result, fmt.Errorf("failed to persist scope %s: %w", scopeID, err)
		}
		if err := c.broadcastScope(ctx, scopeID); err != nil {
			log.Printf("[Authority] Failed to broadcast scope %s: %v", scopeID, err)
		}
	}

	c.logEvent("batch_merged", map[string]interface{}{
		"sender_id":  senderID,
		"operations": len(operations),
		"created":    result.Created,
		"updated":    result.Updated,
		"deleted":    result.Deleted,
		"warnings":   result.Warnings,
		"scopes":     len(affectedScopes),
	})

	return result, nil
}

// applyOperation merges a single operation and returns the affected scope.
func (c *Coordinator) applyOperation(op *board.Operation, senderID string, result *BatchResult) string {
	switch op.Type {
	case board.OperationCreate:
		return c.applyCreate(op, result)

	case board.OperationUpdate:
		existing, ok := c.tabs[op.TabID]
		if !ok {
			result.Warnings++
			log.Printf("[Authority] Update for unknown tab %s from %s ignored", op.TabID, senderID)
			return ""
		}
		mergeFields(existing, op.Fields)
		existing.UpdatedAtMs = time.Now().UnixMilli()
		result.Updated++
		return existing.ScopeID

	case board.OperationDelete:
		existing, ok := c.tabs[op.TabID]
		if !ok {
			result.Warnings++
			log.Printf("[Authority] Delete for unknown tab %s from %s ignored", op.TabID, senderID)
			return ""
		}
		delete(c.tabs, op.TabID)
		c.machine.Transition(op.TabID, board.StateDestroyed, "authority", nil)
		result.Deleted++
		return existing.ScopeID

	case board.OperationMinimize:
		existing, ok := c.tabs[op.TabID]
		if !ok {
			// A minimize racing ahead of its create: upsert a minimized tab
			// from the supplied data rather than losing the operation.
			if op.Tab == nil {
				result.Warnings++
				log.Printf("[Authority] Minimize for unknown tab %s carries no data, ignored", op.TabID)
				return ""
			}
			tab := op.Tab.Clone()
			tab.Minimized = true
			tab.LifecycleState = board.StateMinimized
			scope := c.upsert(tab, result)
			return scope
		}
		existing.Minimized = true
		existing.LifecycleState = board.StateMinimized
		existing.UpdatedAtMs = time.Now().UnixMilli()
		c.machine.Initialize(op.TabID, board.StateMinimized, "authority")
		result.Updated++
		return existing.ScopeID

	case board.OperationRestore:
		existing, ok := c.tabs[op.TabID]
		if !ok {
			result.Warnings++
			log.Printf("[Authority] Restore for unknown tab %s ignored", op.TabID)
			return ""
		}
		existing.Minimized = false
		existing.LifecycleState = board.StateVisible
		existing.UpdatedAtMs = time.Now().UnixMilli()
		result.Updated++
		return existing.ScopeID

	default:
		result.Warnings++
		log.Printf("[Authority] Unknown operation type %q ignored", op.Type)
		return ""
	}
}

// applyCreate upserts the supplied tab: overwrite if the id exists, append
// otherwise. Logged as "updated" vs "created" accordingly.
func (c *Coordinator) applyCreate(op *board.Operation, result *BatchResult) string {
	if op.Tab == nil {
		result.Warnings++
		log.Printf("[Authority] Create for tab %s carries no data, ignored", op.TabID)
		return ""
	}
	return c.upsert(op.Tab.Clone(), result)
}

func (c *Coordinator) upsert(tab *board.QuickTab, result *BatchResult) string {
	if _, exists := c.tabs[tab.ID]; exists {
		c.tabs[tab.ID] = tab
		result.Updated++
		c.logEvent("tab_upserted", map[string]interface{}{
			"tab_id": tab.ID,
			"scope":  tab.ScopeID,
			"action": "updated",
		})
	} else {
		// New tab: allocate the lowest unused slot within its scope; slots
		// are stable display indices and are never reused while the tab
		// lives.
		tab.Slot = board.LowestUnusedSlot(c.scopeTabs(tab.ScopeID))
		c.tabs[tab.ID] = tab
		result.Created++
		c.logEvent("tab_upserted", map[string]interface{}{
			"tab_id": tab.ID,
			"scope":  tab.ScopeID,
			"slot":   tab.Slot,
			"action": "created",
		})
	}

	state := board.StateVisible
	if tab.Minimized {
		state = board.StateMinimized
	}
	tab.LifecycleState = state
	c.machine.Initialize(tab.ID, state, "authority")
	tab.UpdatedAtMs = time.Now().UnixMilli()

	return tab.ScopeID
}

// mergeFields applies an update operation's field map onto an existing tab.
// Unknown fields are ignored with a log line rather than rejected, so an
// older authority keeps working against newer senders.
func mergeFields(tab *board.QuickTab, fields map[string]interface{}) {
	for name, value := range fields {
		switch name {
		case "source_url":
			if s, ok := value.(string); ok {
				tab.SourceURL = s
			}
		case "embedded_url":
			if s, ok := value.(string); ok {
				tab.EmbeddedURL = s
			}
		case "left":
			if n, ok := asInt(value); ok {
				tab.Left = n
			}
		case "top":
			if n, ok := asInt(value); ok {
				tab.Top = n
			}
		case "width":
			if n, ok := asInt(value); ok {
				tab.Width = n
			}
		case "height":
			if n, ok := asInt(value); ok {
				tab.Height = n
			}
		case "z_order":
			if n, ok := asInt(value); ok {
				tab.ZOrder = n
			}
		case "minimized":
			if b, ok := value.(bool); ok {
				tab.Minimized = b
			}
		default:
			log.Printf("[Authority] Ignoring unknown update field %q for tab %s", name, tab.ID)
		}
	}
}

// asInt accepts the numeric representations JSON decoding produces.
func asInt(value interface{}) (int, bool) {
	switch n := value.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), true
		}
	}
	return 0, false
}

// scopeTabs returns the authoritative tabs for one scope, sorted by slot.
func (c *Coordinator) scopeTabs(scopeID string) []*board.QuickTab {
	var tabs []*board.QuickTab
	for _, tab := range c.tabs {
		if tab.ScopeID == scopeID {
			tabs = append(tabs, tab)
		}
	}
	sort.Slice(tabs, func(i, j int) bool { return tabs[i].Slot < tabs[j].Slot })
	return tabs
}

// Tabs returns a copy of the authoritative collection.
func (c *Coordinator) Tabs() []*board.QuickTab {
	tabs := make([]*board.QuickTab, 0, len(c.tabs))
	for _, tab := range c.tabs {
		tabs = append(tabs, tab.Clone())
	}
	sort.Slice(tabs, func(i, j int) bool { return tabs[i].Slot < tabs[j].Slot })
	return tabs
}

// Clock returns the recorded high-water sequence for a sender (0 if none).
func (c *Coordinator) Clock(senderID string) int64 {
	return c.clocks[senderID]
}

// broadcastScope publishes a snapshot of one scope's merged state.
func (c *Coordinator) broadcastScope(ctx context.Context, scopeID string) error {
	c.sequence++
	msg := &board.BroadcastMessage{
		Type:     board.MessageTypeSnapshot,
		ScopeID:  scopeID,
		SenderID: c.senderID,
		Sequence: c.sequence,
		SentAtMs: time.Now().UnixMilli(),
		Tabs:     c.scopeTabs(scopeID),
	}
	return c.caster.PublishMessage(ctx, msg)
}

// logEvent logs a structured event in JSON format.
func (c *Coordinator) logEvent(eventType string, data map[string]interface{}) {
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	data["level"] = "info"
	data["component"] = "authority"
	data["event_type"] = eventType

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("[Authority] Failed to marshal log event: %v", err)
		return
	}

	log.Println(string(jsonData))
}
