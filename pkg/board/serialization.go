package board

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Serialization helpers for the persisted record shapes.
//
// The current shape is a per-scope record object:
//
//	{"entities": [...], "write_id": "...", "timestamp": 1700000000000}
//
// Older deployments persisted either a bare flat array of tabs, or a single
// document nesting every scope:
//
//	{"boundaries": {"<scope_id>": {"entities": [...], "last_update": ...}}}
//
// Both legacy shapes are detected by sniffing the JSON, not by a version
// field, and upgraded to the current record shape on load.

// TabRecord is the persisted, per-scope collection of tabs.
type TabRecord struct {
	Entities  []*QuickTab `json:"entities"`
	WriteID   string      `json:"write_id"`
	Timestamp int64       `json:"timestamp"`
}

// boundaryState is the per-scope payload of the legacy nested shape.
type boundaryState struct {
	Entities   []*QuickTab `json:"entities"`
	LastUpdate int64       `json:"last_update"`
}

// legacyBoundaryDoc is the legacy all-scopes document shape.
type legacyBoundaryDoc struct {
	Boundaries map[string]*boundaryState `json:"boundaries"`
}

// EncodeTabRecord serializes a record for storage.
func EncodeTabRecord(rec *TabRecord) ([]byte, error) {
	if rec.Entities == nil {
		rec.Entities = []*QuickTab{}
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tab record: %w", err)
	}
	return data, nil
}

// DecodeTabRecord parses a stored value in any known shape and returns the
// record for the requested scope. Migrated reports whether the value was in
// a legacy shape and should be rewritten in place.
func DecodeTabRecord(raw []byte, scopeID string) (rec *TabRecord, migrated bool, err error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return &TabRecord{Entities: []*QuickTab{}}, false, nil
	}

	// Legacy shape 1: bare flat array of tabs.
	if trimmed[0] == '[' {
		var tabs []*QuickTab
		if err := json.Unmarshal(trimmed, &tabs); err != nil {
			return nil, false, fmt.Errorf("failed to unmarshal legacy tab array: %w", err)
		}
		return &TabRecord{Entities: normalizeTabs(tabs, scopeID)}, true, nil
	}

	// Sniff object keys to distinguish the nested legacy doc from the
	// current record shape.
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return nil, false, fmt.Errorf("failed to parse stored record: %w", err)
	}

	if _, ok := probe["boundaries"]; ok {
		var doc legacyBoundaryDoc
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return nil, false, fmt.Errorf("failed to unmarshal legacy boundary doc: %w", err)
		}
		state := doc.Boundaries[scopeID]
		if state == nil {
			return &TabRecord{Entities: []*QuickTab{}}, true, nil
		}
		return &TabRecord{
			Entities:  normalizeTabs(state.Entities, scopeID),
			Timestamp: state.LastUpdate,
		}, true, nil
	}

	var record TabRecord
	if err := json.Unmarshal(trimmed, &record); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal tab record: %w", err)
	}
	record.Entities = normalizeTabs(record.Entities, scopeID)
	return &record, false, nil
}

// normalizeTabs guarantees a non-nil slice and backfills the scope ID on
// entries from legacy shapes that predate per-scope partitioning.
func normalizeTabs(tabs []*QuickTab, scopeID string) []*QuickTab {
	if tabs == nil {
		return []*QuickTab{}
	}
	for _, tab := range tabs {
		if tab != nil && tab.ScopeID == "" {
			tab.ScopeID = scopeID
		}
	}
	return tabs
}

// LowestUnusedSlot returns the smallest non-negative integer not already
// used as a slot by any of the given tabs. Slots are stable display indices
// and are never reused while the owning tab lives.
func LowestUnusedSlot(tabs []*QuickTab) int {
	used := make(map[int]bool, len(tabs))
	for _, tab := range tabs {
		if tab != nil {
			used[tab.Slot] = true
		}
	}
	for slot := 0; ; slot++ {
		if !used[slot] {
			return slot
		}
	}
}

// NextZOrder returns max(zOrder)+1 across the given tabs, the z-order a tab
// raised to the front should take.
func NextZOrder(tabs []*QuickTab) int {
	max := 0
	for _, tab := range tabs {
		if tab != nil && tab.ZOrder > max {
			max = tab.ZOrder
		}
	}
	return max + 1
}
