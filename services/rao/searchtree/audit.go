// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package searchtree

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"sync"
	"time"
)

// AuditAction is the kind of a search event.
type AuditAction string

const (
	// AuditActionBloom records the children created from a leaf.
	AuditActionBloom AuditAction = "bloom"

	// AuditActionEvaluate records a successful leaf evaluation.
	AuditActionEvaluate AuditAction = "evaluate"

	// AuditActionError records a failed leaf evaluation.
	AuditActionError AuditAction = "error"

	// AuditActionSelect records a leaf becoming the optimum.
	AuditActionSelect AuditAction = "select"

	// AuditActionPrune records a leaf left out of the search.
	AuditActionPrune AuditAction = "prune"
)

// String returns the string representation.
func (a AuditAction) String() string {
	return string(a)
}

// AuditEntry records one search event. The chain hash makes the log
// tamper evident.
type AuditEntry struct {
	// Timestamp is in Unix milliseconds UTC.
	Timestamp int64       `json:"timestamp"`
	Action    AuditAction `json:"action"`
	LeafID    string      `json:"leaf_id"`
	ParentID  string      `json:"parent_id,omitempty"`

	// Actions is the combination key of the leaf's network actions.
	Actions string  `json:"actions,omitempty"`
	Cost    float64 `json:"cost,omitempty"`
	Details string  `json:"details,omitempty"`

	// ChainHash is set by Record.
	ChainHash string `json:"chain_hash,omitempty"`
}

// NewAuditEntry creates an entry stamped with the current time.
func NewAuditEntry(action AuditAction, leafID string) *AuditEntry {
	return &AuditEntry{
		Timestamp: time.Now().UnixMilli(),
		Action:    action,
		LeafID:    leafID,
	}
}

// WithAction replaces the action.
func (e *AuditEntry) WithAction(action AuditAction) *AuditEntry {
	e.Action = action
	return e
}

// WithParent sets the parent leaf ID.
func (e *AuditEntry) WithParent(id string) *AuditEntry {
	e.ParentID = id
	return e
}

// WithActions sets the combination key.
func (e *AuditEntry) WithActions(key string) *AuditEntry {
	e.Actions = key
	return e
}

// WithCost sets the cost. Non-finite costs are not recorded.
func (e *AuditEntry) WithCost(cost float64) *AuditEntry {
	if !math.IsInf(cost, 0) && !math.IsNaN(cost) {
		e.Cost = cost
	}
	return e
}

// WithDetails sets the details.
func (e *AuditEntry) WithDetails(details string) *AuditEntry {
	e.Details = details
	return e
}

const genesisHash = "genesis"

// AuditLog is an append-only, hash-chained log of search events.
//
// Thread Safety: Safe for concurrent use.
type AuditLog struct {
	mu      sync.RWMutex
	entries []AuditEntry
	hash    string
}

// NewAuditLog creates an empty log.
func NewAuditLog() *AuditLog {
	return &AuditLog{hash: genesisHash}
}

func chain(prev string, entry AuditEntry) string {
	entry.ChainHash = ""
	h := sha256.New()
	h.Write([]byte(prev))
	data, _ := json.Marshal(entry)
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Record appends entry and extends the chain.
func (l *AuditLog) Record(entry AuditEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry.Timestamp == 0 {
		entry.Timestamp = time.Now().UnixMilli()
	}
	l.hash = chain(l.hash, entry)
	entry.ChainHash = l.hash
	l.entries = append(l.entries, entry)
}

// Verify recomputes the chain from genesis. It returns false if any entry
// was altered.
func (l *AuditLog) Verify() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	hash := genesisHash
	for _, entry := range l.entries {
		hash = chain(hash, entry)
		if entry.ChainHash != hash {
			return false
		}
	}
	return hash == l.hash
}

// Entries returns a copy of the entries.
func (l *AuditLog) Entries() []AuditEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]AuditEntry(nil), l.entries...)
}

// Len returns the number of entries.
func (l *AuditLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// EntriesByAction returns the entries of one kind.
func (l *AuditLog) EntriesByAction(action AuditAction) []AuditEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []AuditEntry
	for _, entry := range l.entries {
		if entry.Action == action {
			out = append(out, entry)
		}
	}
	return out
}

// EntriesByLeaf returns the entries of one leaf.
func (l *AuditLog) EntriesByLeaf(leafID string) []AuditEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []AuditEntry
	for _, entry := range l.entries {
		if entry.LeafID == leafID {
			out = append(out, entry)
		}
	}
	return out
}

// Summary counts entries per action.
func (l *AuditLog) Summary() map[AuditAction]int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[AuditAction]int)
	for _, entry := range l.entries {
		out[entry.Action]++
	}
	return out
}
