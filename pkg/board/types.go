package board

import (
	"fmt"

	"github.com/google/uuid"
)

// QuickTab represents a single overlay panel showing an embedded page.
// The context that last mutated a quick tab owns it; copies held by other
// contexts are caches kept convergent through broadcast and authority sync.
type QuickTab struct {
	ID             string         `json:"id"`           // UUID - stable identifier for this tab
	SourceURL      string         `json:"source_url"`   // Page the tab was opened from
	EmbeddedURL    string         `json:"embedded_url"` // Page rendered inside the panel
	Left           int            `json:"left"`         // Panel position, CSS pixels
	Top            int            `json:"top"`
	Width          int            `json:"width"` // Panel size, CSS pixels
	Height         int            `json:"height"`
	Minimized      bool           `json:"minimized"`
	Slot           int            `json:"slot"` // Stable display index, lowest unused per scope
	ZOrder         int            `json:"z_order"`
	ScopeID        string         `json:"scope_id"` // Isolation boundary (e.g. browsing container)
	LifecycleState LifecycleState `json:"lifecycle_state"`
	UpdatedAtMs    int64          `json:"updated_at_ms"` // Unix timestamp in milliseconds of last mutation
}

// LifecycleState is the per-tab lifecycle machine state.
// Destroyed is terminal: no outgoing transitions exist.
type LifecycleState string

const (
	StateUnknown    LifecycleState = "unknown"
	StateCreating   LifecycleState = "creating"
	StateVisible    LifecycleState = "visible"
	StateMinimizing LifecycleState = "minimizing"
	StateMinimized  LifecycleState = "minimized"
	StateRestoring  LifecycleState = "restoring"
	StateClosing    LifecycleState = "closing"
	StateDestroyed  LifecycleState = "destroyed"
	StateError      LifecycleState = "error"
)

// Validate checks if the LifecycleState is a valid enum value.
func (s LifecycleState) Validate() error {
	switch s {
	case StateUnknown, StateCreating, StateVisible, StateMinimizing,
		StateMinimized, StateRestoring, StateClosing, StateDestroyed, StateError:
		return nil
	default:
		return fmt.Errorf("unknown lifecycle state: %q", s)
	}
}

// StateTransition records one lifecycle transition for diagnostics and for
// stale-state reconciliation against the authority.
type StateTransition struct {
	From        LifecycleState    `json:"from"`
	To          LifecycleState    `json:"to"`
	TimestampMs int64             `json:"timestamp_ms"`
	Source      string            `json:"source"` // Which component or context requested the transition
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// MessageType identifies the kind of broadcast message. Each type is a
// closed variant carrying only its own required/optional fields, validated
// before delivery (see internal/broadcast).
type MessageType string

const (
	MessageTypeCreate         MessageType = "create"
	MessageTypeUpdatePosition MessageType = "update_position"
	MessageTypeUpdateSize     MessageType = "update_size"
	MessageTypeMinimize       MessageType = "minimize"
	MessageTypeRestore        MessageType = "restore"
	MessageTypeClose          MessageType = "close"
	MessageTypeSnapshot       MessageType = "snapshot"
)

// Validate checks if the MessageType is a valid enum value.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeCreate, MessageTypeUpdatePosition, MessageTypeUpdateSize,
		MessageTypeMinimize, MessageTypeRestore, MessageTypeClose, MessageTypeSnapshot:
		return nil
	default:
		return fmt.Errorf("unknown message type: %q", mt)
	}
}

// Point is a panel position.
type Point struct {
	Left int `json:"left"`
	Top  int `json:"top"`
}

// Dimensions is a panel size.
type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// BroadcastMessage is the envelope for everything sent on the tab events
// channel. Type decides which payload fields are required; SenderID and
// Sequence give receivers enough to detect duplicates and reordering without
// trusting wall clocks.
type BroadcastMessage struct {
	Type     MessageType `json:"type"`
	ScopeID  string      `json:"scope_id,omitempty"`
	SenderID string      `json:"sender_id"`
	Sequence int64       `json:"sequence"`
	SentAtMs int64       `json:"sent_at_ms"`

	TabID    string      `json:"tab_id,omitempty"`   // update/minimize/restore/close
	Tab      *QuickTab   `json:"tab,omitempty"`      // create
	Position *Point      `json:"position,omitempty"` // update_position
	Size     *Dimensions `json:"size,omitempty"`     // update_size
	Tabs     []*QuickTab `json:"tabs,omitempty"`     // snapshot
}

// Validate performs structural validation beyond what the per-type schema
// covers: sender identity and sequence sanity.
func (m *BroadcastMessage) Validate() error {
	if err := m.Type.Validate(); err != nil {
		return err
	}
	if !isValidUUID(m.SenderID) {
		return fmt.Errorf("invalid sender ID: not a valid UUID")
	}
	if m.Sequence < 1 {
		return fmt.Errorf("invalid sequence: must be >= 1, got %d", m.Sequence)
	}
	return nil
}

// OperationType identifies one operation inside a sync batch submitted to
// the authority.
type OperationType string

const (
	OperationCreate   OperationType = "create"
	OperationUpdate   OperationType = "update"
	OperationDelete   OperationType = "delete"
	OperationMinimize OperationType = "minimize"
	OperationRestore  OperationType = "restore"
)

// Validate checks if the OperationType is a valid enum value.
func (ot OperationType) Validate() error {
	switch ot {
	case OperationCreate, OperationUpdate, OperationDelete, OperationMinimize, OperationRestore:
		return nil
	default:
		return fmt.Errorf("unknown operation type: %q", ot)
	}
}

// Operation is one element of a sync batch. Clock carries per-sender logical
// clock fragments; the authority folds them into its high-water map with an
// element-wise max.
type Operation struct {
	Type   OperationType          `json:"type"`
	TabID  string                 `json:"tab_id"`
	Tab    *QuickTab              `json:"tab,omitempty"`    // create / minimize upsert data
	Fields map[string]interface{} `json:"fields,omitempty"` // update: fields merged onto the existing tab
	Clock  map[string]int64       `json:"clock,omitempty"`  // senderID -> sequence fragment
}

// Validate checks an operation's required fields.
func (op *Operation) Validate() error {
	if err := op.Type.Validate(); err != nil {
		return err
	}
	if op.TabID == "" {
		return fmt.Errorf("operation tab_id cannot be empty")
	}
	if op.Type == OperationCreate && op.Tab == nil {
		return fmt.Errorf("create operation requires tab data")
	}
	return nil
}

// SyncBatch is the unit of submission to the authority. Operations are
// applied strictly in array order; a later operation for the same tab
// overwrites an earlier one (last write wins within a batch).
type SyncBatch struct {
	SenderID         string      `json:"sender_id"`
	SenderInstanceID string      `json:"sender_instance_id"` // Process incarnation, distinguishes restarts
	Operations       []Operation `json:"operations"`
	SentAtMs         int64       `json:"sent_at_ms"`
}

// Validate checks the batch envelope and every contained operation.
func (b *SyncBatch) Validate() error {
	if !isValidUUID(b.SenderID) {
		return fmt.Errorf("invalid sender ID: not a valid UUID")
	}
	if len(b.Operations) == 0 {
		return fmt.Errorf("sync batch must contain at least one operation")
	}
	for i := range b.Operations {
		if err := b.Operations[i].Validate(); err != nil {
			return fmt.Errorf("invalid operation at index %d: %w", i, err)
		}
	}
	return nil
}

// StorageEvent is published on the storage events channel after every
// persisted write. WriteID lets the writing context recognise and suppress
// its own event instead of re-processing it as an external change.
type StorageEvent struct {
	WriteID     string `json:"write_id"`
	ScopeID     string `json:"scope_id"`
	Tier        string `json:"tier"` // "sync" or "session"
	TimestampMs int64  `json:"timestamp_ms"`
}

// OperationResult is the outcome of a mediated lifecycle operation.
// Error is empty on success; Note carries non-error context such as
// "already destroyed" for an idempotent repeat destroy.
type OperationResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Note    string `json:"note,omitempty"`
}

// Validate checks if the QuickTab has valid field values.
func (qt *QuickTab) Validate() error {
	if !isValidUUID(qt.ID) {
		return fmt.Errorf("invalid tab ID: not a valid UUID")
	}
	if qt.EmbeddedURL == "" {
		return fmt.Errorf("embedded_url cannot be empty")
	}
	if qt.ScopeID == "" {
		return fmt.Errorf("scope_id cannot be empty")
	}
	if qt.Width < 0 || qt.Height < 0 {
		return fmt.Errorf("invalid size: %dx%d", qt.Width, qt.Height)
	}
	if qt.Slot < 0 {
		return fmt.Errorf("invalid slot: must be >= 0, got %d", qt.Slot)
	}
	if qt.LifecycleState != "" {
		if err := qt.LifecycleState.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns a deep copy of the tab. Replicated copies are caches, never
// aliases of the owner's struct.
func (qt *QuickTab) Clone() *QuickTab {
	if qt == nil {
		return nil
	}
	c := *qt
	return &c
}

// isValidUUID checks if a string is a valid UUID format.
func isValidUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
