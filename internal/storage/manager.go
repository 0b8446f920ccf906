// Package storage implements the persistence layer over the shared store:
// write-ID tagged saves with own-write suppression, debounced re-sync on
// external changes, and a circuit breaker protecting the store from write
// storms. All reads and writes are bounded to one scope unless the caller
// explicitly asks for the global view.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/dyluth/perch/pkg/board"
	"github.com/google/uuid"
)

// Store is the slice of the board client the manager needs. Both tiers live
// behind the same interface; session-tier keys simply carry a TTL.
type Store interface {
	GetRaw(ctx context.Context, key string) ([]byte, error)
	SetRaw(ctx context.Context, key string, value []byte, ttl time.Duration) error
	DeleteKey(ctx context.Context, key string) error
	Keys(ctx context.Context, pattern string) ([]string, error)
	PublishStorageEvent(ctx context.Context, ev *board.StorageEvent) error
	InstanceName() string
}

// Options tunes a Manager. Zero values take the documented defaults.
type Options struct {
	PendingGrace   time.Duration // own-write suppression window (default 1s)
	ResyncDebounce time.Duration // change notification coalescing (default 100ms)
	SessionTTL     time.Duration // session-tier key expiry (default 30s)
	DurableTier    bool
	SessionTier    bool
	Breaker        *CircuitBreaker
}

// Stats are the manager's diagnostic counters.
type Stats struct {
	Writes              int
	WriteFailures       int
	ShortCircuited      int
	OwnWritesSuppressed int
	IgnoredWhilePending int
	ResyncsScheduled    int
	ResyncsFired        int
	MigratedRecords     int
	BreakerState        BreakerState
}

// Manager is the persistence layer for one context and one scope.
// Safe for concurrent use.
type Manager struct {
	store   Store
	scopeID string

	durableTier bool
	sessionTier bool
	sessionTTL  time.Duration

	breaker *CircuitBreaker

	mu           sync.Mutex
	pending      map[string]time.Time // writeID -> expiry
	pendingGrace time.Duration

	resyncDebounce time.Duration
	resyncTimer    *time.Timer
	onResync       func()

	stats Stats
	now   func() time.Time
}

// NewManager creates a persistence manager for the given scope.
func NewManager(store Store, scopeID string, opts Options) *Manager {
	if opts.PendingGrace == 0 {
		opts.PendingGrace = time.Second
	}
	if opts.ResyncDebounce == 0 {
		opts.ResyncDebounce = 100 * time.Millisecond
	}
	if opts.SessionTTL == 0 {
		opts.SessionTTL = 30 * time.Second
	}
	if opts.Breaker == nil {
		opts.Breaker = NewCircuitBreaker(5, 2, 5*time.Second)
	}
	if !opts.DurableTier && !opts.SessionTier {
		// Either tier may be absent, but not both.
		opts.DurableTier = true
	}

	return &Manager{
		store:          store,
		scopeID:        scopeID,
		durableTier:    opts.DurableTier,
		sessionTier:    opts.SessionTier,
		sessionTTL:     opts.SessionTTL,
		breaker:        opts.Breaker,
		pending:        make(map[string]time.Time),
		pendingGrace:   opts.PendingGrace,
		resyncDebounce: opts.ResyncDebounce,
		now:            time.Now,
	}
}

// ScopeID returns the isolation boundary this manager is bounded to.
func (m *Manager) ScopeID() string {
	return m.scopeID
}

// SetResyncHandler installs the callback fired (debounced) when an external
// change notification arrives.
func (m *Manager) SetResyncHandler(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onResync = fn
}

// Save persists the full tab collection for this scope and returns the
// opaque write ID the resulting change notification will carry. The write ID
// is held in the pending set for a grace period so HandleStorageEvent can
// recognise and suppress the manager's own write.
func (m *Manager) Save(ctx context.Context, tabs []*board.QuickTab) (string, error) {
	return m.saveScope(ctx, m.scopeID, tabs)
}

func (m *Manager) saveScope(ctx context.Context, scopeID string, tabs []*board.QuickTab) (string, error) {
	if !m.breaker.Allow() {
		m.mu.Lock()
		m.stats.ShortCircuited++
		m.mu.Unlock()
		return "", fmt.Errorf("circuit breaker open: write short-circuited")
	}

	writeID := uuid.New().String()
	record := &board.TabRecord{
		Entities:  tabs,
		WriteID:   writeID,
		Timestamp: m.now().UnixMilli(),
	}

	data, err := board.EncodeTabRecord(record)
	if err != nil {
		return "", err
	}

	key, ttl := m.keyForScope(scopeID)
	if err := m.store.SetRaw(ctx, key, data, ttl); err != nil {
		m.breaker.RecordFailure()
		m.mu.Lock()
		m.stats.WriteFailures++
		m.mu.Unlock()
		return "", fmt.Errorf("failed to persist tabs: %w", err)
	}
	m.breaker.RecordSuccess()

	m.addPending(writeID)

	ev := &board.StorageEvent{
		WriteID:     writeID,
		ScopeID:     scopeID,
		Tier:        m.primaryTierName(),
		TimestampMs: m.now().UnixMilli(),
	}
	if err := m.store.PublishStorageEvent(ctx, ev); err != nil {
		// Notification loss is tolerable; the periodic snapshot broadcast
		// gives receivers a convergence floor.
		log.Printf("[Storage] Failed to publish storage event for write %s: %v", writeID, err)
	}

	m.mu.Lock()
	m.stats.Writes++
	m.mu.Unlock()

	return writeID, nil
}

// LoadAll loads this scope's tabs from the store, upgrading legacy record
// shapes in place when found.
func (m *Manager) LoadAll(ctx context.Context) ([]*board.QuickTab, error) {
	key, _ := m.primaryKey()
	raw, err := m.store.GetRaw(ctx, key)
	if err != nil {
		if board.IsNotFound(err) {
			return []*board.QuickTab{}, nil
		}
		return nil, fmt.Errorf("failed to load tabs: %w", err)
	}

	record, migrated, err := board.DecodeTabRecord(raw, m.scopeID)
	if err != nil {
		return nil, err
	}

	if migrated {
		m.mu.Lock()
		m.stats.MigratedRecords++
		m.mu.Unlock()

		m.logEvent("record_migrated", map[string]interface{}{
			"scope_id": m.scopeID,
			"entities": len(record.Entities),
		})

		// Rewrite in the current shape so the next load takes the fast path.
		if _, err := m.Save(ctx, record.Entities); err != nil {
			log.Printf("[Storage] Failed to rewrite migrated record for scope %s: %v", m.scopeID, err)
		}
	}

	return record.Entities, nil
}

// LoadGlobal loads every scope's tabs, keyed by scope ID. This is the
// explicit all-scopes view used by the authority; everything else stays
// bounded to its own scope.
func (m *Manager) LoadGlobal(ctx context.Context) (map[string][]*board.QuickTab, error) {
	pattern := board.TabsKeyPattern(m.store.InstanceName())
	keys, err := m.store.Keys(ctx, pattern)
	if err != nil {
		return nil, err
	}

	result := make(map[string][]*board.QuickTab, len(keys))
	for _, key := range keys {
		scopeID := key[strings.LastIndex(key, ":")+1:]

		raw, err := m.store.GetRaw(ctx, key)
		if err != nil {
			if board.IsNotFound(err) {
				continue
			}
			return nil, fmt.Errorf("failed to load tabs for scope %s: %w", scopeID, err)
		}

		record, _, err := board.DecodeTabRecord(raw, scopeID)
		if err != nil {
			return nil, fmt.Errorf("failed to decode record for scope %s: %w", scopeID, err)
		}
		result[scopeID] = record.Entities
	}

	return result, nil
}

// SaveScope persists a tab collection for an arbitrary scope, through the
// same breaker and pending set as Save. Authority-only path; replica
// contexts always write their own scope via Save.
func (m *Manager) SaveScope(ctx context.Context, scopeID string, tabs []*board.QuickTab) (string, error) {
	return m.saveScope(ctx, scopeID, tabs)
}

// Delete removes one tab from this scope's persisted collection.
func (m *Manager) Delete(ctx context.Context, id string) error {
	tabs, err := m.LoadAll(ctx)
	if err != nil {
		return err
	}

	filtered := tabs[:0]
	for _, tab := range tabs {
		if tab.ID != id {
			filtered = append(filtered, tab)
		}
	}

	_, err = m.Save(ctx, filtered)
	return err
}

// Clear removes this scope's persisted record entirely.
func (m *Manager) Clear(ctx context.Context) error {
	if !m.breaker.Allow() {
		m.mu.Lock()
		m.stats.ShortCircuited++
		m.mu.Unlock()
		return fmt.Errorf("circuit breaker open: clear short-circuited")
	}

	key, _ := m.primaryKey()
	if err := m.store.DeleteKey(ctx, key); err != nil {
		m.breaker.RecordFailure()
		return err
	}
	m.breaker.RecordSuccess()
	return nil
}

// WriteFallback records a broadcast message under an expiring per-sender key
// and publishes a storage change notification. Used when the pub/sub channel
// is permanently degraded. Convergence comes from the notification alone:
// receivers resync the scope from the store, where the degraded sender has
// already persisted its state. The key itself is diagnostic, an audit record
// of degraded-mode traffic that nothing reads back.
func (m *Manager) WriteFallback(ctx context.Context, msg *board.BroadcastMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal fallback message: %w", err)
	}

	// Fallback keys always expire, even when written on the durable tier,
	// so degraded-mode traffic cannot accumulate.
	key := board.FallbackKey(m.store.InstanceName(), msg.SenderID, msg.Sequence)
	if err := m.store.SetRaw(ctx, key, data, m.sessionTTL); err != nil {
		return fmt.Errorf("failed to write fallback key: %w", err)
	}

	ev := &board.StorageEvent{
		WriteID:     uuid.New().String(),
		ScopeID:     msg.ScopeID,
		Tier:        "session",
		TimestampMs: m.now().UnixMilli(),
	}
	if err := m.store.PublishStorageEvent(ctx, ev); err != nil {
		return fmt.Errorf("failed to publish fallback event: %w", err)
	}

	return nil
}

// HandleStorageEvent processes one change notification from the shared
// store. The manager's own just-completed writes are recognised by write ID
// and suppressed; events arriving while an unrelated write of ours is still
// pending are ignored entirely; everything else is coalesced into one
// debounced re-sync callback.
func (m *Manager) HandleStorageEvent(ev *board.StorageEvent) {
	if ev.ScopeID != "" && ev.ScopeID != m.scopeID {
		return // another scope's traffic
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.expirePendingLocked()

	if _, ours := m.pending[ev.WriteID]; ours {
		delete(m.pending, ev.WriteID)
		m.stats.OwnWritesSuppressed++
		return
	}

	if len(m.pending) > 0 {
		m.stats.IgnoredWhilePending++
		return
	}

	if m.resyncTimer != nil {
		return // burst already coalesced into the scheduled re-sync
	}

	m.stats.ResyncsScheduled++
	m.resyncTimer = time.AfterFunc(m.resyncDebounce, m.fireResync)
}

func (m *Manager) fireResync() {
	m.mu.Lock()
	m.resyncTimer = nil
	m.stats.ResyncsFired++
	fn := m.onResync
	m.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// Stats returns a copy of the manager's counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.stats
	s.BreakerState = m.breaker.State()
	return s
}

// addPending registers a write ID for own-write suppression, with expiry.
func (m *Manager) addPending(writeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.expirePendingLocked()
	m.pending[writeID] = m.now().Add(m.pendingGrace)
}

// expirePendingLocked drops pending entries past their grace period.
// Caller holds m.mu.
func (m *Manager) expirePendingLocked() {
	now := m.now()
	for id, expiry := range m.pending {
		if now.After(expiry) {
			delete(m.pending, id)
		}
	}
}

// primaryKey returns the storage key and TTL for this scope's record on the
// preferred available tier.
func (m *Manager) primaryKey() (string, time.Duration) {
	return m.keyForScope(m.scopeID)
}

func (m *Manager) keyForScope(scopeID string) (string, time.Duration) {
	if m.durableTier {
		return board.TabsKey(m.store.InstanceName(), scopeID), 0
	}
	return board.SessionKey(m.store.InstanceName(), scopeID), m.sessionTTL
}

func (m *Manager) primaryTierName() string {
	if m.durableTier {
		return "sync"
	}
	return "session"
}

// logEvent logs a structured event in JSON format.
func (m *Manager) logEvent(eventType string, data map[string]interface{}) {
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	data["level"] = "info"
	data["component"] = "storage"
	data["event_type"] = eventType

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("[Storage] Failed to marshal log event: %v", err)
		return
	}

	log.Println(string(jsonData))
}
