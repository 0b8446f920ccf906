// Package replica is the per-context runtime: it owns one scope's local view
// of the tab collection and wires the broadcast protocol, the transactional
// index, the lifecycle machine, the operation mediator and the persistence
// layer together. Cross-context consistency comes from the authority daemon;
// the replica's job is fast local application and faithful propagation.
package replica

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dyluth/perch/internal/broadcast"
	"github.com/dyluth/perch/internal/config"
	"github.com/dyluth/perch/internal/index"
	"github.com/dyluth/perch/internal/lifecycle"
	"github.com/dyluth/perch/internal/mediator"
	"github.com/dyluth/perch/internal/storage"
	"github.com/dyluth/perch/pkg/board"
)

// Engine runs one replica context. It implements mediator.VisibilityHandler:
// the mediator drives the state machine and calls back into the engine for
// the index-level effect of minimize and restore.
type Engine struct {
	cfg      *config.PerchConfig
	client   *board.Client
	machine  *lifecycle.Machine
	med      *mediator.Mediator
	idx      *index.Index
	store    *storage.Manager
	protocol *broadcast.Protocol

	senderID   string
	instanceID string

	mu    sync.Mutex
	queue []board.Operation
	clock int64
}

// NewEngine builds a fully wired replica around a connected board client.
func NewEngine(client *board.Client, cfg *config.PerchConfig) (*Engine, error) {
	mode := lifecycle.ModeEnforcing
	if !*cfg.Lifecycle.Enforcing {
		mode = lifecycle.ModePermissive
	}
	machine := lifecycle.NewMachine(mode)

	store := storage.NewManager(client, cfg.Scope, storage.Options{
		PendingGrace:   time.Duration(cfg.Storage.PendingGraceMs) * time.Millisecond,
		ResyncDebounce: time.Duration(cfg.Storage.ResyncDebounceMs) * time.Millisecond,
		SessionTTL:     time.Duration(cfg.Storage.SessionTTLMs) * time.Millisecond,
		DurableTier:    *cfg.Storage.DurableTierEnabled,
		SessionTier:    *cfg.Storage.SessionTierEnabled,
		Breaker: storage.NewCircuitBreaker(
			cfg.Storage.BreakerThreshold,
			cfg.Storage.BreakerTrialTarget,
			time.Duration(cfg.Storage.BreakerCooldownMs)*time.Millisecond,
		),
	})

	validator, err := broadcast.NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to build message validator: %w", err)
	}

	senderID := uuid.New().String()
	protocol := broadcast.New(senderID, cfg.Scope, client, store, validator, broadcast.Options{
		FastDebounce:         cfg.FastDebounce(),
		SlowDebounce:         cfg.SlowDebounce(),
		ReplayBufferSize:     cfg.Broadcast.ReplayBufferSize,
		ReplayBufferTTL:      time.Duration(cfg.Broadcast.ReplayBufferTTLMs) * time.Millisecond,
		FailureThreshold:     cfg.Broadcast.FailureThreshold,
		MaxReconnectAttempts: cfg.Broadcast.MaxReconnectAttempts,
	})

	e := &Engine{
		cfg:        cfg,
		client:     client,
		machine:    machine,
		idx:        index.New(),
		store:      store,
		protocol:   protocol,
		senderID:   senderID,
		instanceID: uuid.New().String(),
	}
	e.med = mediator.New(machine, e,
		time.Duration(cfg.Mediator.LockTTLMs)*time.Millisecond,
		time.Duration(cfg.Lifecycle.IntermediateTimeoutMs)*time.Millisecond)

	protocol.Subscribe(e.applyRemote)

	return e, nil
}

// SenderID returns this replica's broadcast identity.
func (e *Engine) SenderID() string {
	return e.senderID
}

// Machine exposes the lifecycle machine, mainly for tests and the watch
// command.
func (e *Engine) Machine() *lifecycle.Machine {
	return e.machine
}

// Protocol exposes the broadcast protocol for stats inspection.
func (e *Engine) Protocol() *broadcast.Protocol {
	return e.protocol
}

// Store exposes the persistence manager for stats inspection.
func (e *Engine) Store() *storage.Manager {
	return e.store
}

// Run loads persisted state, then pumps inbound broadcasts and storage
// change notifications until the context is cancelled. Outbound sync batches
// flush on the slow debounce interval.
func (e *Engine) Run(ctx context.Context) error {
	log.Printf("[Replica] Starting replica %s for scope '%s'", e.senderID, e.cfg.Scope)

	if err := e.loadInitial(ctx); err != nil {
		return fmt.Errorf("initial load failed: %w", err)
	}

	e.store.SetResyncHandler(func() {
		if err := e.resync(ctx); err != nil {
			log.Printf("[Replica] Resync failed: %v", err)
		}
	})

	rawSub, err := e.client.SubscribeRawMessages(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to broadcasts: %w", err)
	}
	defer rawSub.Close()

	storeSub, err := e.client.SubscribeStorageEvents(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to storage events: %w", err)
	}
	defer storeSub.Close()

	if interval := e.cfg.Broadcast.SnapshotIntervalMs; interval > 0 {
		e.protocol.StartSnapshots(ctx, time.Duration(interval)*time.Millisecond, e.idx.GetAll)
	}

	flush := time.NewTicker(e.cfg.SlowDebounce())
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush so queued operations are not lost on shutdown.
			e.SubmitSync(context.Background())
			return ctx.Err()

		case payload, ok := <-rawSub.Events():
			if !ok {
				return fmt.Errorf("broadcast subscription closed unexpectedly")
			}
			e.protocol.HandleInbound(payload)

		case ev, ok := <-storeSub.Events():
			if !ok {
				return fmt.Errorf("storage event subscription closed unexpectedly")
			}
			e.store.HandleStorageEvent(ev)

		case err, ok := <-storeSub.Errors():
			if !ok {
				continue
			}
			log.Printf("[Replica] Storage subscription error: %v", err)

		case <-flush.C:
			e.SubmitSync(ctx)
		}
	}
}

// Hydrate loads the persisted collection without starting the event loop.
// One-shot callers (the CLI) use this instead of Run.
func (e *Engine) Hydrate(ctx context.Context) error {
	return e.loadInitial(ctx)
}

// loadInitial hydrates the index and the state machine from the store.
func (e *Engine) loadInitial(ctx context.Context) error {
	tabs, err := e.store.LoadAll(ctx)
	if err != nil {
		return err
	}

	for _, tab := range tabs {
		if err := e.idx.DirectSet(tab); err != nil {
			return err
		}
		state := board.StateVisible
		if tab.Minimized {
			state = board.StateMinimized
		}
		e.machine.Initialize(tab.ID, state, "startup")
	}

	e.logEvent("initial_load", map[string]interface{}{
		"scope": e.cfg.Scope,
		"tabs":  len(tabs),
	})
	return nil
}

// resync reloads the scope from the store after an external change
// notification and reconciles the index and the machine against it.
func (e *Engine) resync(ctx context.Context) error {
	tabs, err := e.store.LoadAll(ctx)
	if err != nil {
		return err
	}
	e.adoptCollection(tabs, "resync")
	return nil
}

// adoptCollection replaces the local view with an external one inside a
// single index transaction.
func (e *Engine) adoptCollection(tabs []*board.QuickTab, source string) {
	remote := make(map[string]board.LifecycleState, len(tabs))
	incoming := make(map[string]bool, len(tabs))
	for _, tab := range tabs {
		incoming[tab.ID] = true
		if tab.Minimized {
			remote[tab.ID] = board.StateMinimized
		} else {
			remote[tab.ID] = board.StateVisible
		}
	}

	if err := e.idx.Begin(source); err != nil {
		log.Printf("[Replica] Cannot adopt %s collection: %v", source, err)
		return
	}
	for _, existing := range e.idx.GetAll() {
		if !incoming[existing.ID] {
			if err := e.idx.DeleteEntry(existing.ID); err != nil {
				e.idx.Rollback()
				return
			}
		}
	}
	for _, tab := range tabs {
		if err := e.idx.SetEntry(tab); err != nil {
			e.idx.Rollback()
			return
		}
	}
	size := len(tabs)
	if err := e.idx.Commit(index.Expectations{ExpectedSize: &size}); err != nil {
		log.Printf("[Replica] %s adoption rolled back: %v", source, err)
		return
	}

	e.machine.ReconcileWithBackend(remote)
}

// CreateTab creates a new tab in this scope, allocating the lowest unused
// slot and placing it on top of the z-order.
func (e *Engine) CreateTab(ctx context.Context, sourceURL, embeddedURL string, pos board.Point, size board.Dimensions) (*board.QuickTab, error) {
	existing := e.idx.GetAll()
	tab := &board.QuickTab{
		ID:             uuid.New().String(),
		SourceURL:      sourceURL,
		EmbeddedURL:    embeddedURL,
		Left:           pos.Left,
		Top:            pos.Top,
		Width:          size.Width,
		Height:         size.Height,
		Slot:           board.LowestUnusedSlot(existing),
		ZOrder:         board.NextZOrder(existing),
		ScopeID:        e.cfg.Scope,
		LifecycleState: board.StateVisible,
	}
	if err := tab.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tab: %w", err)
	}

	e.machine.Initialize(tab.ID, board.StateCreating, "local")
	if err := e.machine.Transition(tab.ID, board.StateVisible, "local", nil); err != nil {
		return nil, err
	}

	if err := e.idx.DirectSet(tab); err != nil {
		return nil, err
	}

	e.persist(ctx)
	e.protocol.NotifyCreated(ctx, tab)
	e.queueOp(board.Operation{Type: board.OperationCreate, TabID: tab.ID, Tab: tab.Clone()})

	return tab.Clone(), nil
}

// Move updates a tab's position.
func (e *Engine) Move(ctx context.Context, id string, pos board.Point) error {
	tab := e.idx.Get(id)
	if tab == nil {
		return fmt.Errorf("tab %s not found", id)
	}
	tab.Left = pos.Left
	tab.Top = pos.Top
	if err := e.idx.DirectSet(tab); err != nil {
		return err
	}

	e.persist(ctx)
	e.protocol.NotifyPositionChanged(ctx, id, pos)
	e.queueOp(board.Operation{Type: board.OperationUpdate, TabID: id, Fields: map[string]interface{}{
		"left": pos.Left,
		"top":  pos.Top,
	}})
	return nil
}

// Resize updates a tab's dimensions.
func (e *Engine) Resize(ctx context.Context, id string, size board.Dimensions) error {
	tab := e.idx.Get(id)
	if tab == nil {
		return fmt.Errorf("tab %s not found", id)
	}
	tab.Width = size.Width
	tab.Height = size.Height
	if err := e.idx.DirectSet(tab); err != nil {
		return err
	}

	e.persist(ctx)
	e.protocol.NotifySizeChanged(ctx, id, size)
	e.queueOp(board.Operation{Type: board.OperationUpdate, TabID: id, Fields: map[string]interface{}{
		"width":  size.Width,
		"height": size.Height,
	}})
	return nil
}

// Raise puts a tab on top of the scope's z-order.
func (e *Engine) Raise(ctx context.Context, id string) error {
	tab := e.idx.Get(id)
	if tab == nil {
		return fmt.Errorf("tab %s not found", id)
	}
	tab.ZOrder = board.NextZOrder(e.idx.GetAll())
	if err := e.idx.DirectSet(tab); err != nil {
		return err
	}

	e.persist(ctx)
	e.queueOp(board.Operation{Type: board.OperationUpdate, TabID: id, Fields: map[string]interface{}{
		"z_order": tab.ZOrder,
	}})
	return nil
}

// Minimize hides a tab through the mediator's operation protocol.
func (e *Engine) Minimize(ctx context.Context, id string) board.OperationResult {
	result := e.med.Minimize(ctx, id, "local")
	if !result.Success {
		return result
	}

	e.persist(ctx)
	e.protocol.NotifyMinimized(ctx, id)
	e.queueOp(board.Operation{Type: board.OperationMinimize, TabID: id, Tab: e.idx.Get(id)})
	return result
}

// Restore shows a minimized tab again through the mediator.
func (e *Engine) Restore(ctx context.Context, id string) board.OperationResult {
	result := e.med.Restore(ctx, id, "local")
	if !result.Success {
		return result
	}

	e.persist(ctx)
	e.protocol.NotifyRestored(ctx, id)
	e.queueOp(board.Operation{Type: board.OperationRestore, TabID: id})
	return result
}

// Close destroys a tab. Idempotent: closing an already destroyed tab
// succeeds without side effects.
func (e *Engine) Close(ctx context.Context, id string) board.OperationResult {
	result := e.med.Destroy(ctx, id, "local")
	if !result.Success || result.Note == "already destroyed" {
		return result
	}

	if err := e.idx.DirectDelete(id); err != nil {
		log.Printf("[Replica] Failed to remove closed tab %s from index: %v", id, err)
	}

	e.persist(ctx)
	e.protocol.NotifyClosed(ctx, id)
	e.queueOp(board.Operation{Type: board.OperationDelete, TabID: id})
	return result
}

// List returns the scope's tabs sorted by slot.
func (e *Engine) List() []*board.QuickTab {
	return e.idx.GetAll()
}

// Get returns one tab, or nil.
func (e *Engine) Get(id string) *board.QuickTab {
	return e.idx.Get(id)
}

// HandleMinimize implements mediator.VisibilityHandler: record the tab's
// geometry, then mark it minimized in the index.
func (e *Engine) HandleMinimize(ctx context.Context, id, source string) error {
	tab := e.idx.Get(id)
	if tab == nil {
		return fmt.Errorf("tab %s not found", id)
	}

	e.med.RecordSnapshot(id, &mediator.MinimizedSnapshot{
		Position: board.Point{Left: tab.Left, Top: tab.Top},
		Size:     board.Dimensions{Width: tab.Width, Height: tab.Height},
		ZOrder:   tab.ZOrder,
	})

	tab.Minimized = true
	tab.LifecycleState = board.StateMinimized
	return e.idx.DirectSet(tab)
}

// HandleRestore implements mediator.VisibilityHandler: put the tab back at
// its pre-minimize geometry.
func (e *Engine) HandleRestore(ctx context.Context, id, source string) error {
	tab := e.idx.Get(id)
	if tab == nil {
		return fmt.Errorf("tab %s not found", id)
	}

	if snap := e.med.Snapshot(id); snap != nil {
		tab.Left = snap.Position.Left
		tab.Top = snap.Position.Top
		tab.Width = snap.Size.Width
		tab.Height = snap.Size.Height
		tab.ZOrder = snap.ZOrder
	}

	tab.Minimized = false
	tab.LifecycleState = board.StateVisible
	return e.idx.DirectSet(tab)
}

// applyRemote applies a broadcast message that survived the protocol's
// filter chain to the local view. Remote state always wins.
func (e *Engine) applyRemote(msg *board.BroadcastMessage) {
	switch msg.Type {
	case board.MessageTypeCreate:
		if msg.Tab == nil {
			return
		}
		tab := msg.Tab.Clone()
		e.machine.Initialize(tab.ID, board.StateVisible, "remote")
		if err := e.idx.DirectSet(tab); err != nil {
			log.Printf("[Replica] Failed to apply remote create for %s: %v", tab.ID, err)
		}

	case board.MessageTypeUpdatePosition:
		tab := e.idx.Get(msg.TabID)
		if tab == nil || msg.Position == nil {
			return
		}
		tab.Left = msg.Position.Left
		tab.Top = msg.Position.Top
		e.idx.DirectSet(tab)

	case board.MessageTypeUpdateSize:
		tab := e.idx.Get(msg.TabID)
		if tab == nil || msg.Size == nil {
			return
		}
		tab.Width = msg.Size.Width
		tab.Height = msg.Size.Height
		e.idx.DirectSet(tab)

	case board.MessageTypeMinimize:
		tab := e.idx.Get(msg.TabID)
		if tab == nil {
			return
		}
		e.adoptState(msg.TabID, board.StateMinimizing, board.StateMinimized)
		tab.Minimized = true
		tab.LifecycleState = board.StateMinimized
		e.idx.DirectSet(tab)

	case board.MessageTypeRestore:
		tab := e.idx.Get(msg.TabID)
		if tab == nil {
			return
		}
		e.adoptState(msg.TabID, board.StateRestoring, board.StateVisible)
		tab.Minimized = false
		tab.LifecycleState = board.StateVisible
		e.idx.DirectSet(tab)

	case board.MessageTypeClose:
		e.adoptState(msg.TabID, board.StateClosing, board.StateDestroyed)
		e.idx.DirectDelete(msg.TabID)

	case board.MessageTypeSnapshot:
		e.adoptCollection(msg.Tabs, "snapshot")
	}
}

// adoptState walks a tab through intermediate and terminal states so remote
// adoption stays within the legal transition table.
func (e *Engine) adoptState(id string, intermediate, terminal board.LifecycleState) {
	if e.machine.GetState(id) == terminal {
		return
	}
	if err := e.machine.Transition(id, intermediate, "remote", nil); err != nil {
		log.Printf("[Replica] Remote adoption of %s for tab %s: %v", terminal, id, err)
	}
	if err := e.machine.Transition(id, terminal, "remote", nil); err != nil {
		log.Printf("[Replica] Remote adoption of %s for tab %s: %v", terminal, id, err)
	}
}

// persist saves the scope's collection, tolerating breaker short-circuits.
func (e *Engine) persist(ctx context.Context) {
	if _, err := e.store.Save(ctx, e.idx.GetAll()); err != nil {
		log.Printf("[Replica] Persist failed: %v", err)
	}
}

// queueOp stamps an operation with this replica's logical clock and queues
// it for the next sync batch.
func (e *Engine) queueOp(op board.Operation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clock++
	op.Clock = map[string]int64{e.senderID: e.clock}
	e.queue = append(e.queue, op)
}

// PendingOps returns the number of queued, unsubmitted operations.
func (e *Engine) PendingOps() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// SubmitSync flushes queued operations to the authority as one batch.
// On publish failure the operations are requeued for the next flush.
func (e *Engine) SubmitSync(ctx context.Context) {
	e.mu.Lock()
	if len(e.queue) == 0 {
		e.mu.Unlock()
		return
	}
	ops := e.queue
	e.queue = nil
	e.mu.Unlock()

	batch := &board.SyncBatch{
		SenderID:         e.senderID,
		SenderInstanceID: e.instanceID,
		Operations:       ops,
		SentAtMs:         time.Now().UnixMilli(),
	}

	if err := e.client.PublishSyncBatch(ctx, batch); err != nil {
		log.Printf("[Replica] Sync batch publish failed, requeueing %d operations: %v", len(ops), err)
		e.mu.Lock()
		e.queue = append(ops, e.queue...)
		e.mu.Unlock()
		return
	}

	e.logEvent("sync_submitted", map[string]interface{}{
		"operations": len(ops),
	})
}

// logEvent logs a structured event in JSON format.
func (e *Engine) logEvent(eventType string, data map[string]interface{}) {
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	data["level"] = "info"
	data["component"] = "replica"
	data["event_type"] = eventType

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("[Replica] Failed to marshal log event: %v", err)
		return
	}

	log.Println(string(jsonData))
}
