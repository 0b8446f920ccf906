// Package mediator is the single entry point for lifecycle operations on a
// tab: minimize, restore, destroy. Each call takes a short-lived
// per-(operation,id) lock, consults the state machine's guard, drives the
// intermediate and terminal transitions, and rolls back with compensating
// steps if the external visibility handler fails.
package mediator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dyluth/perch/internal/lifecycle"
	"github.com/dyluth/perch/pkg/board"
)

// VisibilityHandler performs the actual show/hide effect of an operation.
// Rendering is outside this package; a non-nil error is treated as a
// rollback trigger.
type VisibilityHandler interface {
	HandleMinimize(ctx context.Context, id, source string) error
	HandleRestore(ctx context.Context, id, source string) error
}

// NopHandler is a VisibilityHandler that always succeeds, for contexts that
// have no rendering surface (CLI, authority, tests).
type NopHandler struct{}

func (NopHandler) HandleMinimize(ctx context.Context, id, source string) error { return nil }
func (NopHandler) HandleRestore(ctx context.Context, id, source string) error  { return nil }

// rollbackStep is one compensating action registered as an operation
// proceeds, run in reverse order on failure.
type rollbackStep struct {
	name string
	undo func() error
}

// MinimizedSnapshot preserves a tab's geometry from before it was minimized
// so restore can put it back. Destroy clears it.
type MinimizedSnapshot struct {
	Position board.Point
	Size     board.Dimensions
	ZOrder   int
}

// Mediator coordinates lifecycle operations for one context.
// Safe for concurrent use; concurrent calls for the same operation and tab
// within the lock TTL are rejected rather than queued.
type Mediator struct {
	machine *lifecycle.Machine
	handler VisibilityHandler

	mu        sync.Mutex
	locks     map[string]time.Time // "op:id" -> expiry
	snapshots map[string]*MinimizedSnapshot

	lockTTL             time.Duration
	intermediateTimeout time.Duration
	now                 func() time.Time
}

// New creates a mediator over the given state machine and visibility
// handler. lockTTL bounds how long a crashed caller can hold an operation
// lock; intermediateTimeout arms the machine's stuck-state watcher.
func New(machine *lifecycle.Machine, handler VisibilityHandler, lockTTL, intermediateTimeout time.Duration) *Mediator {
	if handler == nil {
		handler = NopHandler{}
	}
	return &Mediator{
		machine:             machine,
		handler:             handler,
		locks:               make(map[string]time.Time),
		snapshots:           make(map[string]*MinimizedSnapshot),
		lockTTL:             lockTTL,
		intermediateTimeout: intermediateTimeout,
		now:                 time.Now,
	}
}

// Minimize hides a tab: VISIBLE -> MINIMIZING -> MINIMIZED.
func (m *Mediator) Minimize(ctx context.Context, id, source string) board.OperationResult {
	return m.run(ctx, "minimize", id, source, runSpec{
		guard:        lifecycle.OpMinimize,
		intermediate: board.StateMinimizing,
		terminal:     board.StateMinimized,
		fallback:     board.StateVisible,
		effect:       m.handler.HandleMinimize,
	})
}

// Restore shows a minimized tab again: MINIMIZED -> RESTORING -> VISIBLE.
func (m *Mediator) Restore(ctx context.Context, id, source string) board.OperationResult {
	return m.run(ctx, "restore", id, source, runSpec{
		guard:        lifecycle.OpRestore,
		intermediate: board.StateRestoring,
		terminal:     board.StateVisible,
		fallback:     board.StateMinimized,
		effect:       m.handler.HandleRestore,
	})
}

// runSpec parameterises the shared operation protocol.
type runSpec struct {
	guard        lifecycle.GuardedOp
	intermediate board.LifecycleState
	terminal     board.LifecycleState
	fallback     board.LifecycleState
	effect       func(ctx context.Context, id, source string) error
}

// run executes the operation protocol: lock, guard, intermediate transition,
// external effect, terminal transition. On effect failure the registered
// rollback steps run in reverse order and the failure is returned. The lock
// is always released.
func (m *Mediator) run(ctx context.Context, opName, id, source string, spec runSpec) board.OperationResult {
	if !m.acquireLock(opName, id) {
		m.logEvent("lock_contention", map[string]interface{}{
			"tab_id": id,
			"op":     opName,
			"source": source,
		})
		return board.OperationResult{Error: "Operation lock held"}
	}
	defer m.releaseLock(opName, id)

	decision := m.machine.GuardOperation(id, spec.guard, source)
	if !decision.Allowed {
		return board.OperationResult{Error: decision.Reason}
	}

	priorState := m.machine.GetState(id)

	var rollback []rollbackStep

	if err := m.machine.Transition(id, spec.intermediate, source, nil); err != nil {
		return board.OperationResult{Error: err.Error()}
	}
	rollback = append(rollback, rollbackStep{
		name: fmt.Sprintf("revert transition to %s", spec.intermediate),
		undo: func() error {
			return m.machine.Transition(id, priorState, source, map[string]string{"rollback": opName})
		},
	})

	// Stuck-state insurance while we wait on the external handler.
	m.machine.ArmTimeout(id, spec.fallback, m.intermediateTimeout)

	if err := spec.effect(ctx, id, source); err != nil {
		m.runRollback(opName, id, rollback)
		m.logEvent("operation_failed", map[string]interface{}{
			"tab_id": id,
			"op":     opName,
			"source": source,
			"error":  err.Error(),
		})
		return board.OperationResult{Error: fmt.Sprintf("%s handler failed: %v", opName, err)}
	}

	if err := m.machine.Transition(id, spec.terminal, source, nil); err != nil {
		m.runRollback(opName, id, rollback)
		return board.OperationResult{Error: err.Error()}
	}

	m.logEvent("operation_complete", map[string]interface{}{
		"tab_id": id,
		"op":     opName,
		"from":   string(priorState),
		"to":     string(spec.terminal),
		"source": source,
	})

	return board.OperationResult{Success: true}
}

// Destroy tears a tab down: any non-destroyed state -> CLOSING -> DESTROYED.
// Idempotent: destroying an already destroyed tab returns success with a
// note and records no further transition. Destroy also clears the tab's
// minimized-state snapshot.
func (m *Mediator) Destroy(ctx context.Context, id, source string) board.OperationResult {
	if !m.acquireLock("destroy", id) {
		m.logEvent("lock_contention", map[string]interface{}{
			"tab_id": id,
			"op":     "destroy",
			"source": source,
		})
		return board.OperationResult{Error: "Operation lock held"}
	}
	defer m.releaseLock("destroy", id)

	if m.machine.GetState(id) == board.StateDestroyed {
		return board.OperationResult{Success: true, Note: "already destroyed"}
	}

	decision := m.machine.GuardOperation(id, lifecycle.OpClose, source)
	if !decision.Allowed {
		return board.OperationResult{Error: decision.Reason}
	}

	priorState := m.machine.GetState(id)

	if err := m.machine.Transition(id, board.StateClosing, source, nil); err != nil {
		return board.OperationResult{Error: err.Error()}
	}

	if err := m.machine.Transition(id, board.StateDestroyed, source, nil); err != nil {
		// Compensate the closing transition so the tab is usable again.
		if rerr := m.machine.Transition(id, priorState, source, map[string]string{"rollback": "destroy"}); rerr != nil {
			m.logEvent("rollback_step_failed", map[string]interface{}{
				"tab_id": id,
				"op":     "destroy",
				"step":   "revert transition to closing",
				"error":  rerr.Error(),
			})
		}
		return board.OperationResult{Error: err.Error()}
	}

	m.clearSnapshot(id)

	m.logEvent("operation_complete", map[string]interface{}{
		"tab_id": id,
		"op":     "destroy",
		"from":   string(priorState),
		"to":     string(board.StateDestroyed),
		"source": source,
	})

	return board.OperationResult{Success: true}
}

// RecordSnapshot saves pre-minimize geometry for a tab.
func (m *Mediator) RecordSnapshot(id string, snap *MinimizedSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[id] = snap
}

// Snapshot returns the saved pre-minimize geometry, or nil.
func (m *Mediator) Snapshot(id string) *MinimizedSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshots[id]
}

func (m *Mediator) clearSnapshot(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snapshots, id)
}

// runRollback executes compensating steps in reverse registration order.
// A failing step is logged but does not abort the remaining steps.
func (m *Mediator) runRollback(opName, id string, steps []rollbackStep) {
	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		if err := step.undo(); err != nil {
			m.logEvent("rollback_step_failed", map[string]interface{}{
				"tab_id": id,
				"op":     opName,
				"step":   step.name,
				"error":  err.Error(),
			})
		}
	}
}

// acquireLock takes the per-(operation,id) lock if it is free or expired.
func (m *Mediator) acquireLock(op, id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := op + ":" + id
	if expiry, held := m.locks[key]; held && m.now().Before(expiry) {
		return false
	}
	m.locks[key] = m.now().Add(m.lockTTL)
	return true
}

// releaseLock frees the lock immediately rather than waiting for the TTL.
func (m *Mediator) releaseLock(op, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, op+":"+id)
}

// logEvent logs a structured event in JSON format.
func (m *Mediator) logEvent(eventType string, data map[string]interface{}) {
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	data["level"] = "info"
	data["component"] = "mediator"
	data["event_type"] = eventType

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("[Mediator] Failed to marshal log event: %v", err)
		return
	}

	log.Println(string(jsonData))
}
