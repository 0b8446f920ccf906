// Package lifecycle implements the per-tab lifecycle state machine: a static
// transition table with guarded transitions, bounded per-tab history, stuck
// intermediate-state timeout recovery, and reconciliation against the
// authority's view.
package lifecycle

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dyluth/perch/pkg/board"
)

// Mode controls how illegal transitions are handled.
type Mode string

const (
	// ModeEnforcing rejects illegal transitions and leaves state unchanged.
	ModeEnforcing Mode = "enforcing"

	// ModePermissive logs illegal transitions and applies them anyway.
	// Used during rollout while callers are still being brought in line.
	ModePermissive Mode = "permissive"
)

// GuardedOp names an operation checked through GuardOperation.
type GuardedOp string

const (
	OpMinimize GuardedOp = "minimize"
	OpRestore  GuardedOp = "restore"
	OpClose    GuardedOp = "close"
)

// Decision is the outcome of an operation guard check.
type Decision struct {
	Allowed bool
	Reason  string
}

// ErrIllegalTransition is returned (wrapped with the from/to pair) when a
// transition is not in the table and the machine is enforcing.
var ErrIllegalTransition = errors.New("illegal lifecycle transition")

// maxHistory bounds the per-tab transition ring. Oldest entries are evicted
// first.
const maxHistory = 20

// transitionTable is the static adjacency table of legal transitions.
// StateDestroyed is terminal and has no outgoing edges.
var transitionTable = map[board.LifecycleState][]board.LifecycleState{
	board.StateUnknown:    {board.StateCreating, board.StateVisible, board.StateMinimized, board.StateDestroyed, board.StateError},
	board.StateCreating:   {board.StateVisible, board.StateMinimized, board.StateDestroyed, board.StateError},
	board.StateVisible:    {board.StateMinimizing, board.StateClosing, board.StateDestroyed, board.StateError},
	board.StateMinimizing: {board.StateMinimized, board.StateVisible, board.StateDestroyed, board.StateError},
	board.StateMinimized:  {board.StateRestoring, board.StateClosing, board.StateDestroyed, board.StateError},
	board.StateRestoring:  {board.StateVisible, board.StateMinimized, board.StateDestroyed, board.StateError},
	board.StateClosing:    {board.StateDestroyed, board.StateVisible, board.StateMinimized, board.StateError},
	board.StateError:      {board.StateVisible, board.StateMinimized, board.StateClosing, board.StateDestroyed},
	board.StateDestroyed:  {},
}

// watcher is an armed timeout for a tab stuck in an intermediate state.
type watcher struct {
	timer    *time.Timer
	armedFor board.LifecycleState
	fallback board.LifecycleState
}

// Machine tracks lifecycle state for every known tab in this context.
// State is process-local and not persisted; SnapshotStates/RestoreStates
// exist so a restarted authority can rehydrate and then reconcile.
// The machine is safe for concurrent use.
type Machine struct {
	mu       sync.Mutex
	mode     Mode
	states   map[string]board.LifecycleState
	history  map[string][]board.StateTransition
	watchers map[string]*watcher
	now      func() time.Time
}

// NewMachine creates a state machine in the given mode.
func NewMachine(mode Mode) *Machine {
	return &Machine{
		mode:     mode,
		states:   make(map[string]board.LifecycleState),
		history:  make(map[string][]board.StateTransition),
		watchers: make(map[string]*watcher),
		now:      time.Now,
	}
}

// GetState returns the tracked state for a tab, or StateUnknown if the tab
// is not tracked.
func (m *Machine) GetState(id string) board.LifecycleState {
	m.mu.Lock()
	defer m.mu.Unlock()

	if state, ok := m.states[id]; ok {
		return state
	}
	return board.StateUnknown
}

// Tracked reports whether the machine has an entry for the tab.
func (m *Machine) Tracked(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.states[id]
	return ok
}

// TrackedIDs returns the IDs of all tracked tabs.
func (m *Machine) TrackedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.states))
	for id := range m.states {
		ids = append(ids, id)
	}
	return ids
}

// Initialize starts tracking a tab at the given state. Idempotent: if the
// tab is already tracked the call is a no-op.
func (m *Machine) Initialize(id string, state board.LifecycleState, source string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.states[id]; ok {
		return
	}

	m.states[id] = state
	m.recordLocked(id, board.StateUnknown, state, source, nil)
}

// CanTransition reports whether moving the tab to the given state is legal
// per the transition table.
func (m *Machine) CanTransition(id string, to board.LifecycleState) bool {
	return canTransition(m.GetState(id), to)
}

func canTransition(from, to board.LifecycleState) bool {
	for _, legal := range transitionTable[from] {
		if legal == to {
			return true
		}
	}
	return false
}

// Transition moves a tab to a new state. Illegal transitions are rejected
// with the specific from/to pair in enforcing mode, or logged and applied in
// permissive mode. A successful transition cancels any armed timeout watcher
// for the tab (the completing transition arrived).
func (m *Machine) Transition(id string, to board.LifecycleState, source string, metadata map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	from, ok := m.states[id]
	if !ok {
		from = board.StateUnknown
	}

	if !canTransition(from, to) {
		if m.mode == ModeEnforcing {
			m.logEvent("transition_rejected", map[string]interface{}{
				"tab_id": id,
				"from":   string(from),
				"to":     string(to),
				"source": source,
			})
			return fmt.Errorf("%w: %s -> %s (tab %s)", ErrIllegalTransition, from, to, id)
		}
		m.logEvent("transition_permitted_illegal", map[string]interface{}{
			"tab_id": id,
			"from":   string(from),
			"to":     string(to),
			"source": source,
		})
	}

	m.cancelWatcherLocked(id)
	m.states[id] = to
	m.recordLocked(id, from, to, source, metadata)
	return nil
}

// GuardOperation maps a named operation to its required source state and
// returns an allow/deny decision with a reason. The decision is logged
// either way.
func (m *Machine) GuardOperation(id string, op GuardedOp, source string) Decision {
	state := m.GetState(id)

	var decision Decision
	switch op {
	case OpMinimize:
		if state == board.StateVisible {
			decision = Decision{Allowed: true}
		} else {
			decision = Decision{Reason: fmt.Sprintf("minimize requires state %s, tab %s is %s", board.StateVisible, id, state)}
		}
	case OpRestore:
		if state == board.StateMinimized {
			decision = Decision{Allowed: true}
		} else {
			decision = Decision{Reason: fmt.Sprintf("restore requires state %s, tab %s is %s", board.StateMinimized, id, state)}
		}
	case OpClose:
		switch state {
		case board.StateCreating, board.StateClosing, board.StateDestroyed:
			decision = Decision{Reason: fmt.Sprintf("close not allowed while tab %s is %s", id, state)}
		default:
			decision = Decision{Allowed: true}
		}
	default:
		decision = Decision{Reason: fmt.Sprintf("unknown operation %q", op)}
	}

	m.logEvent("operation_guarded", map[string]interface{}{
		"tab_id":  id,
		"op":      string(op),
		"state":   string(state),
		"allowed": decision.Allowed,
		"reason":  decision.Reason,
		"source":  source,
	})

	return decision
}

// ArmTimeout starts a cancelable watcher for a tab sitting in an
// intermediate state. If no completing transition arrives within d, the
// machine force-transitions the tab to the explicit fallback state and logs
// a timeout-recovery event. This keeps a crashed mid-operation context from
// leaving a tab stuck forever.
func (m *Machine) ArmTimeout(id string, fallback board.LifecycleState, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cancelWatcherLocked(id)

	armedFor := m.states[id]
	w := &watcher{armedFor: armedFor, fallback: fallback}
	w.timer = time.AfterFunc(d, func() { m.fireTimeout(id, w) })
	m.watchers[id] = w
}

// CancelTimeout cancels any armed watcher for a tab.
func (m *Machine) CancelTimeout(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelWatcherLocked(id)
}

func (m *Machine) fireTimeout(id string, w *watcher) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.watchers[id] != w {
		return // superseded or cancelled
	}
	delete(m.watchers, id)

	current := m.states[id]
	if current != w.armedFor {
		return // a completing transition won the race
	}

	m.states[id] = w.fallback
	m.recordLocked(id, current, w.fallback, "timeout_watcher", map[string]string{
		"recovery": "intermediate state timeout",
	})

	m.logEvent("timeout_recovery", map[string]interface{}{
		"tab_id":   id,
		"stuck_in": string(current),
		"fallback": string(w.fallback),
	})
}

// Remove stops tracking a tab entirely, including its history and any armed
// watcher.
func (m *Machine) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cancelWatcherLocked(id)
	delete(m.states, id)
	delete(m.history, id)
}

// GetHistory returns a copy of the tab's transition history, oldest first.
func (m *Machine) GetHistory(id string) []board.StateTransition {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.history[id]
	out := make([]board.StateTransition, len(entries))
	copy(out, entries)
	return out
}

// SnapshotStates returns a copy of every tracked tab's current state.
// Best-effort persistence of this snapshot is the caller's concern.
func (m *Machine) SnapshotStates() map[string]board.LifecycleState {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := make(map[string]board.LifecycleState, len(m.states))
	for id, state := range m.states {
		snapshot[id] = state
	}
	return snapshot
}

// RestoreStates rehydrates tracking from a snapshot. Existing entries are
// left untouched (Initialize semantics).
func (m *Machine) RestoreStates(states map[string]board.LifecycleState, source string) {
	for id, state := range states {
		m.Initialize(id, state, source)
	}
}

// ReconcileResult summarises a reconciliation pass.
type ReconcileResult struct {
	Overwritten int // local entries whose state differed; remote won
	Ghosts      int // local entries absent remotely, marked destroyed
	Adopted     int // remote entries not tracked locally
}

// ReconcileWithBackend walks all locally tracked tabs and reconciles them
// against the authority's view. Remote wins on any difference; tabs present
// locally but absent remotely are marked destroyed (ghost cleanup); remote
// tabs unknown locally are adopted.
func (m *Machine) ReconcileWithBackend(remote map[string]board.LifecycleState) ReconcileResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result ReconcileResult

	for id, local := range m.states {
		remoteState, ok := remote[id]
		if !ok {
			if local != board.StateDestroyed {
				m.cancelWatcherLocked(id)
				m.states[id] = board.StateDestroyed
				m.recordLocked(id, local, board.StateDestroyed, "reconcile", map[string]string{"reason": "ghost cleanup"})
				result.Ghosts++
			}
			continue
		}
		if remoteState != local {
			m.cancelWatcherLocked(id)
			m.states[id] = remoteState
			m.recordLocked(id, local, remoteState, "reconcile", map[string]string{"reason": "remote wins"})
			result.Overwritten++
		}
	}

	for id, remoteState := range remote {
		if _, ok := m.states[id]; !ok {
			m.states[id] = remoteState
			m.recordLocked(id, board.StateUnknown, remoteState, "reconcile", nil)
			result.Adopted++
		}
	}

	m.logEvent("reconcile_complete", map[string]interface{}{
		"overwritten": result.Overwritten,
		"ghosts":      result.Ghosts,
		"adopted":     result.Adopted,
	})

	return result
}

// recordLocked appends a history entry, evicting the oldest past maxHistory.
// Caller holds m.mu.
func (m *Machine) recordLocked(id string, from, to board.LifecycleState, source string, metadata map[string]string) {
	entry := board.StateTransition{
		From:        from,
		To:          to,
		TimestampMs: m.now().UnixMilli(),
		Source:      source,
		Metadata:    metadata,
	}

	entries := append(m.history[id], entry)
	if len(entries) > maxHistory {
		entries = entries[len(entries)-maxHistory:]
	}
	m.history[id] = entries
}

// cancelWatcherLocked stops any armed watcher for the tab. Caller holds m.mu.
func (m *Machine) cancelWatcherLocked(id string) {
	if w, ok := m.watchers[id]; ok {
		w.timer.Stop()
		delete(m.watchers, id)
	}
}

// logEvent logs a structured event in JSON format.
func (m *Machine) logEvent(eventType string, data map[string]interface{}) {
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	data["level"] = "info"
	data["component"] = "lifecycle"
	data["event_type"] = eventType

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("[Lifecycle] Failed to marshal log event: %v", err)
		return
	}

	log.Println(string(jsonData))
}
