package authority

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/dyluth/perch/internal/lifecycle"
	"github.com/dyluth/perch/internal/storage"
	"github.com/dyluth/perch/pkg/board"
)

// Engine is the authority daemon's event loop. It subscribes to the sync
// request channel and feeds each batch to the coordinator serially, which
// gives the system its single point of serialization.
type Engine struct {
	client      *board.Client
	coordinator *Coordinator
	machine     *lifecycle.Machine
	store       *storage.Manager
}

// NewEngine creates an engine around a connected board client.
func NewEngine(client *board.Client, machine *lifecycle.Machine, store *storage.Manager) *Engine {
	// The authority broadcasts under its own sender identity so replicas
	// run its snapshots through the same filter chain as peer traffic.
	coordinator := NewCoordinator(machine, store, client, uuid.New().String())
	return &Engine{
		client:      client,
		coordinator: coordinator,
		machine:     machine,
		store:       store,
	}
}

// Coordinator exposes the engine's merge coordinator, mainly for tests and
// the health endpoint.
func (e *Engine) Coordinator() *Coordinator {
	return e.coordinator
}

// Recover performs cold-start recovery: the persisted collections for every
// scope are loaded into the coordinator and the lifecycle machine is
// reconciled against them. Persisted state always wins over whatever the
// machine had; tabs the machine tracked that are absent from the store are
// ghosts and are forced to DESTROYED.
func (e *Engine) Recover(ctx context.Context) error {
	byScope, err := e.store.LoadGlobal(ctx)
	if err != nil {
		return fmt.Errorf("failed to load persisted scopes: %w", err)
	}

	remote := make(map[string]board.LifecycleState)
	total := 0
	for _, tabs := range byScope {
		for _, tab := range tabs {
			e.coordinator.tabs[tab.ID] = tab.Clone()
			state := board.StateVisible
			if tab.Minimized {
				state = board.StateMinimized
			}
			remote[tab.ID] = state
			total++
		}
	}

	result := e.machine.ReconcileWithBackend(remote)

	e.logEvent("recovery_complete", map[string]interface{}{
		"scopes":      len(byScope),
		"tabs":        total,
		"overwritten": result.Overwritten,
		"ghosts":      result.Ghosts,
		"adopted":     result.Adopted,
	})

	return nil
}

// Run executes the engine's event loop until the context is cancelled.
// Recovery runs first; a recovery failure aborts startup.
func (e *Engine) Run(ctx context.Context) error {
	log.Printf("[Authority] Starting engine for instance '%s'", e.client.InstanceName())

	if err := e.Recover(ctx); err != nil {
		return fmt.Errorf("recovery failed: %w", err)
	}

	sub, err := e.client.SubscribeSyncBatches(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to sync requests: %w", err)
	}
	defer sub.Close()

	log.Printf("[Authority] Engine started, waiting for sync batches")

	for {
		select {
		case <-ctx.Done():
			log.Printf("[Authority] Engine stopping: %v", ctx.Err())
			return ctx.Err()

		case batch, ok := <-sub.Events():
			if !ok {
				return fmt.Errorf("sync batch subscription closed unexpectedly")
			}
			e.handleBatch(ctx, batch)

		case err, ok := <-sub.Errors():
			if !ok {
				continue
			}
			log.Printf("[Authority] Subscription error: %v", err)
		}
	}
}

func (e *Engine) handleBatch(ctx context.Context, batch *board.SyncBatch) {
	if batch.SenderID == "" || len(batch.Operations) == 0 {
		log.Printf("[Authority] Ignoring malformed sync batch (sender=%q, ops=%d)", batch.SenderID, len(batch.Operations))
		return
	}

	start := time.Now()
	result, err := e.coordinator.ProcessBatch(ctx, batch.SenderID, batch.Operations, batch.SenderInstanceID)
	if err != nil {
		log.Printf("[Authority] Failed to process batch from %s: %v", batch.SenderID, err)
		return
	}

	if result.Stale {
		return
	}

	e.logEvent("batch_processed", map[string]interface{}{
		"sender_id":   batch.SenderID,
		"operations":  len(batch.Operations),
		"duration_ms": time.Since(start).Milliseconds(),
	})
}

// logEvent logs a structured event in JSON format.
func (e *Engine) logEvent(eventType string, data map[string]interface{}) {
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	data["level"] = "info"
	data["component"] = "authority-engine"
	data["event_type"] = eventType

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("[Authority] Failed to marshal log event: %v", err)
		return
	}

	log.Println(string(jsonData))
}
