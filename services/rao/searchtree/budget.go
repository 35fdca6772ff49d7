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
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Budget limits a search.
type Budget struct {
	// MaxDepth is the maximum number of network action levels below the root.
	MaxDepth int `json:"max_depth" yaml:"max_depth" validate:"gte=0"`

	// MaxLeaves caps the leaves evaluated, root included. Zero is unlimited.
	MaxLeaves int `json:"max_leaves" yaml:"max_leaves" validate:"gte=0"`

	// TimeLimit is the wall clock limit. Zero is unlimited.
	TimeLimit time.Duration `json:"time_limit" yaml:"time_limit" validate:"gte=0"`
}

// DefaultBudget returns the default budget.
func DefaultBudget() Budget {
	return Budget{
		MaxDepth:  2,
		MaxLeaves: 0,
		TimeLimit: 0,
	}
}

// budgetTracker tracks budget consumption. It is only consulted when a
// leaf is dispatched; running leaves always finish.
//
// Thread Safety: Safe for concurrent use.
type budgetTracker struct {
	config    Budget
	startTime time.Time

	leaves int64

	mu          sync.Mutex
	exhausted   bool
	exhaustedBy string
}

func newBudgetTracker(config Budget) *budgetTracker {
	return &budgetTracker{config: config, startTime: time.Now()}
}

// Reserve counts one leaf dispatch. It returns false, and counts nothing,
// when a limit is reached.
func (b *budgetTracker) Reserve() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.exhausted {
		return false
	}
	if b.config.TimeLimit > 0 && time.Since(b.startTime) >= b.config.TimeLimit {
		b.exhausted, b.exhaustedBy = true, "time"
		return false
	}
	if b.config.MaxLeaves > 0 && atomic.LoadInt64(&b.leaves) >= int64(b.config.MaxLeaves) {
		b.exhausted, b.exhaustedBy = true, "leaves"
		return false
	}
	atomic.AddInt64(&b.leaves, 1)
	return true
}

// ForceReserve counts a leaf regardless of limits. Used for the root.
func (b *budgetTracker) ForceReserve() {
	atomic.AddInt64(&b.leaves, 1)
}

// Leaves returns the number of dispatched leaves.
func (b *budgetTracker) Leaves() int64 {
	return atomic.LoadInt64(&b.leaves)
}

// Elapsed returns the time since the tracker was created.
func (b *budgetTracker) Elapsed() time.Duration {
	return time.Since(b.startTime)
}

// Exhausted reports whether a dispatch was refused.
func (b *budgetTracker) Exhausted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exhausted
}

// ExhaustedBy names the limit that refused a dispatch, empty if none did.
func (b *budgetTracker) ExhaustedBy() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exhaustedBy
}

// String returns a human-readable budget status.
func (b *budgetTracker) String() string {
	status := ""
	if by := b.ExhaustedBy(); by != "" {
		status = fmt.Sprintf(" [EXHAUSTED by %s]", by)
	}
	return fmt.Sprintf("Budget{leaves=%d/%d, time=%v/%v, depth=%d}%s",
		b.Leaves(), b.config.MaxLeaves,
		b.Elapsed().Round(time.Millisecond), b.config.TimeLimit,
		b.config.MaxDepth, status)
}
