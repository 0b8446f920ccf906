// Package index provides the transactional in-memory id -> tab map each
// context keeps as its local cache. All replicated mutations flow through a
// transaction so a failed multi-entry apply never leaves the cache half
// updated.
package index

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/dyluth/perch/pkg/board"
)

// Expectations are optional post-state checks evaluated at commit time.
// On mismatch the transaction is automatically rolled back.
type Expectations struct {
	ExpectedSize *int     // exact entry count after commit
	ExpectedKeys []string // ids that must all be present after commit
}

// compensation is a named undo action registered during a transaction and
// run in LIFO order on rollback.
type compensation struct {
	name string
	undo func() error
}

// stagedOp records one mutation applied inside the open transaction, for
// diagnostics.
type stagedOp struct {
	op    string // "set" or "delete"
	tabID string
}

// transaction holds the pre-transaction snapshot and everything staged since
// Begin.
type transaction struct {
	reason        string
	snapshot      map[string]*board.QuickTab
	staged        []stagedOp
	compensations []compensation
	startedAtMs   int64
}

// Index is the id -> tab map. Only one transaction may be open at a time;
// direct (non-transactional) mutations are rejected while one is open.
// The index is safe for concurrent use.
type Index struct {
	mu      sync.Mutex
	entries map[string]*board.QuickTab
	txn     *transaction
}

// New creates an empty index.
func New() *Index {
	return &Index{entries: make(map[string]*board.QuickTab)}
}

// Begin opens a transaction, snapshotting the current map. Fails if a
// transaction is already open.
func (ix *Index) Begin(reason string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.txn != nil {
		return fmt.Errorf("transaction already open (reason: %s)", ix.txn.reason)
	}

	snapshot := make(map[string]*board.QuickTab, len(ix.entries))
	for id, tab := range ix.entries {
		snapshot[id] = tab.Clone()
	}

	ix.txn = &transaction{
		reason:      reason,
		snapshot:    snapshot,
		startedAtMs: time.Now().UnixMilli(),
	}

	return nil
}

// SetEntry stores a tab inside the open transaction. The write applies
// immediately but is recorded as staged so rollback can undo it.
func (ix *Index) SetEntry(tab *board.QuickTab) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.txn == nil {
		return fmt.Errorf("no transaction open")
	}
	if tab == nil || tab.ID == "" {
		return fmt.Errorf("cannot store tab without an ID")
	}

	ix.entries[tab.ID] = tab.Clone()
	ix.txn.staged = append(ix.txn.staged, stagedOp{op: "set", tabID: tab.ID})
	return nil
}

// DeleteEntry removes a tab inside the open transaction.
func (ix *Index) DeleteEntry(id string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.txn == nil {
		return fmt.Errorf("no transaction open")
	}

	delete(ix.entries, id)
	ix.txn.staged = append(ix.txn.staged, stagedOp{op: "delete", tabID: id})
	return nil
}

// RegisterCompensation adds a named undo action to the open transaction.
// Compensations run in LIFO order if the transaction rolls back.
func (ix *Index) RegisterCompensation(name string, undo func() error) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.txn == nil {
		return fmt.Errorf("no transaction open")
	}

	ix.txn.compensations = append(ix.txn.compensations, compensation{name: name, undo: undo})
	return nil
}

// Commit validates the post-state against the expectations and closes the
// transaction. On any mismatch the transaction is rolled back automatically
// and an error describing the failed expectation is returned.
func (ix *Index) Commit(expect Expectations) error {
	ix.mu.Lock()

	if ix.txn == nil {
		ix.mu.Unlock()
		return fmt.Errorf("no transaction open")
	}

	if expect.ExpectedSize != nil && len(ix.entries) != *expect.ExpectedSize {
		reason := fmt.Sprintf("expected size %d, got %d", *expect.ExpectedSize, len(ix.entries))
		ix.rollbackLocked(reason)
		ix.mu.Unlock()
		return fmt.Errorf("commit validation failed: %s", reason)
	}

	for _, key := range expect.ExpectedKeys {
		if _, ok := ix.entries[key]; !ok {
			reason := fmt.Sprintf("expected key %s missing", key)
			ix.rollbackLocked(reason)
			ix.mu.Unlock()
			return fmt.Errorf("commit validation failed: %s", reason)
		}
	}

	txn := ix.txn
	ix.txn = nil
	ix.mu.Unlock()

	ix.logEvent("transaction_committed", map[string]interface{}{
		"reason":      txn.reason,
		"staged_ops":  len(txn.staged),
		"duration_ms": time.Now().UnixMilli() - txn.startedAtMs,
	})

	return nil
}

// Rollback restores the pre-transaction snapshot and runs registered
// compensations in LIFO order. Individual compensation failures are
// collected and logged but do not abort the remaining steps.
func (ix *Index) Rollback() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.txn == nil {
		return fmt.Errorf("no transaction open")
	}

	ix.rollbackLocked("explicit rollback")
	return nil
}

// rollbackLocked restores the snapshot and closes the transaction.
// Caller holds ix.mu.
func (ix *Index) rollbackLocked(reason string) {
	txn := ix.txn
	ix.txn = nil

	restored := make(map[string]*board.QuickTab, len(txn.snapshot))
	for id, tab := range txn.snapshot {
		restored[id] = tab.Clone()
	}
	ix.entries = restored

	var failures []string
	for i := len(txn.compensations) - 1; i >= 0; i-- {
		comp := txn.compensations[i]
		if err := comp.undo(); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", comp.name, err))
		}
	}

	ix.logEvent("transaction_rolled_back", map[string]interface{}{
		"reason":                txn.reason,
		"rollback_trigger":      reason,
		"staged_ops":            len(txn.staged),
		"compensation_failures": failures,
	})
}

// InTransaction reports whether a transaction is currently open.
func (ix *Index) InTransaction() bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.txn != nil
}

// DirectSet stores a tab outside any transaction. Rejected while a
// transaction is open.
func (ix *Index) DirectSet(tab *board.QuickTab) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.txn != nil {
		return fmt.Errorf("direct set rejected: transaction open (reason: %s)", ix.txn.reason)
	}
	if tab == nil || tab.ID == "" {
		return fmt.Errorf("cannot store tab without an ID")
	}

	ix.entries[tab.ID] = tab.Clone()
	return nil
}

// DirectDelete removes a tab outside any transaction. Rejected while a
// transaction is open.
func (ix *Index) DirectDelete(id string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.txn != nil {
		return fmt.Errorf("direct delete rejected: transaction open (reason: %s)", ix.txn.reason)
	}

	delete(ix.entries, id)
	return nil
}

// DirectClear empties the index outside any transaction. Rejected while a
// transaction is open.
func (ix *Index) DirectClear() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.txn != nil {
		return fmt.Errorf("direct clear rejected: transaction open (reason: %s)", ix.txn.reason)
	}

	ix.entries = make(map[string]*board.QuickTab)
	return nil
}

// Get returns a copy of the tab, or nil if absent.
func (ix *Index) Get(id string) *board.QuickTab {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.entries[id].Clone()
}

// Has reports whether the tab is present.
func (ix *Index) Has(id string) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	_, ok := ix.entries[id]
	return ok
}

// Len returns the number of entries.
func (ix *Index) Len() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.entries)
}

// GetAll returns copies of every entry, sorted by slot for stable display
// order.
func (ix *Index) GetAll() []*board.QuickTab {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	tabs := make([]*board.QuickTab, 0, len(ix.entries))
	for _, tab := range ix.entries {
		tabs = append(tabs, tab.Clone())
	}
	sort.Slice(tabs, func(i, j int) bool { return tabs[i].Slot < tabs[j].Slot })
	return tabs
}

// logEvent logs a structured event in JSON format.
func (ix *Index) logEvent(eventType string, data map[string]interface{}) {
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	data["level"] = "info"
	data["component"] = "index"
	data["event_type"] = eventType

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("[Index] Failed to marshal log event: %v", err)
		return
	}

	log.Println(string(jsonData))
}
