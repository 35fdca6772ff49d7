// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package network

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/AleutianAI/gridrao/services/rao/observability"
)

// PoolConfig configures a Pool.
type PoolConfig struct {
	// Capacity is the maximum number of concurrent leases.
	Capacity int

	// MaxClones caps the clones ever created. Zero means Capacity.
	MaxClones int

	// KeepVariants are variants preserved when a clone is cleaned up,
	// in addition to the target variant.
	KeepVariants []string
}

// PoolStats is a snapshot of pool usage.
type PoolStats struct {
	Created int    `json:"created"`
	Idle    int    `json:"idle"`
	Leased  int    `json:"leased"`
	Leases  uint64 `json:"leases"`
	Failed  uint64 `json:"failed"`
}

// Pool hands out independent clones of a reference network, each
// positioned on a fresh copy of the target variant.
//
// Description:
//
//	Lease blocks while Capacity clones are leased. An idle clone is reused
//	when available, otherwise a new one is cloned synchronously from the
//	reference. Release cleans the clone and returns it to the idle set.
//
// Thread Safety: Safe for concurrent use. A leased Network is owned by the
// caller until Release and must not be shared.
type Pool struct {
	model     Model
	reference Network
	target    string
	keep      map[string]bool
	limit     int

	sem *semaphore.Weighted

	// cloneMu serializes reads of the reference network.
	cloneMu sync.Mutex

	mu      sync.Mutex
	idle    []Network
	leased  map[Network]string
	created int
	leases  uint64
	failed  uint64
	closed  bool

	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewPool creates a pool cloning reference, positioned on targetVariant.
//
// Inputs:
//   - model: Grid model provider used to clone.
//   - reference: Network to clone. Not mutated by the pool.
//   - targetVariant: Variant each lease starts from.
//   - cfg: Pool configuration.
//
// Outputs:
//   - *Pool: The pool. Never nil.
func NewPool(model Model, reference Network, targetVariant string, cfg PoolConfig) *Pool {
	limit := cfg.Capacity
	if cfg.MaxClones > 0 && cfg.MaxClones < limit {
		limit = cfg.MaxClones
	}
	if limit < 0 {
		limit = 0
	}
	keep := make(map[string]bool, len(cfg.KeepVariants)+1)
	keep[targetVariant] = true
	for _, v := range cfg.KeepVariants {
		keep[v] = true
	}
	p := &Pool{
		model:     model,
		reference: reference,
		target:    targetVariant,
		keep:      keep,
		limit:     limit,
		leased:    make(map[Network]string),
		logger:    slog.Default(),
	}
	if limit > 0 {
		p.sem = semaphore.NewWeighted(int64(limit))
	}
	return p
}

// WithLogger sets the logger. Returns the pool for chaining.
func (p *Pool) WithLogger(logger *slog.Logger) *Pool {
	if logger != nil {
		p.logger = logger
	}
	return p
}

// WithMetrics sets the metrics sink. Returns the pool for chaining.
func (p *Pool) WithMetrics(m *observability.Metrics) *Pool {
	p.metrics = m
	return p
}

// Target returns the variant leases start from.
func (p *Pool) Target() string {
	return p.target
}

// Lease returns a network owned by the caller until Release.
//
// Description:
//
//	Blocks until a slot is free or ctx is done. The returned network's
//	working variant is a fresh copy of the target variant.
//
// Outputs:
//   - Network: The leased clone.
//   - error: ErrPoolExhausted (fatal), wrapped ErrCloneFailed (this lease
//     only), or the context error.
func (p *Pool) Lease(ctx context.Context) (Network, error) {
	if p.sem == nil {
		return nil, fmt.Errorf("%w: capacity is zero", ErrPoolExhausted)
	}
	if p.isClosed() {
		return nil, fmt.Errorf("%w: pool is shut down", ErrPoolExhausted)
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for network lease: %w", err)
	}

	n, outcome, err := p.take()
	if err != nil {
		p.sem.Release(1)
		p.recordFailure()
		return nil, err
	}

	working := "lease-" + uuid.NewString()
	if err := p.position(n, working); err != nil {
		p.drop(n)
		p.sem.Release(1)
		p.recordFailure()
		return nil, fmt.Errorf("%w: positioning on %s: %v", ErrCloneFailed, p.target, err)
	}

	p.mu.Lock()
	p.leased[n] = working
	p.leases++
	p.mu.Unlock()
	p.metrics.RecordLease(outcome)
	return n, nil
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// take pops an idle clone or creates one. The caller holds a semaphore slot,
// which guarantees created < limit when no clone is idle.
func (p *Pool) take() (Network, string, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, "", fmt.Errorf("%w: pool is shut down", ErrPoolExhausted)
	}
	if len(p.idle) > 0 {
		n := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		p.mu.Unlock()
		return n, "reused", nil
	}
	if p.created >= p.limit {
		p.mu.Unlock()
		return nil, "", fmt.Errorf("%w: %d clones already created", ErrPoolExhausted, p.created)
	}
	p.created++
	p.mu.Unlock()

	n, err := p.clone()
	if err != nil {
		p.mu.Lock()
		p.created--
		p.mu.Unlock()
		return nil, "", fmt.Errorf("%w: %v", ErrCloneFailed, err)
	}
	p.metrics.RecordCloneCreated()
	return n, "cloned", nil
}

func (p *Pool) clone() (Network, error) {
	p.cloneMu.Lock()
	defer p.cloneMu.Unlock()
	return p.model.Clone(p.reference)
}

func (p *Pool) position(n Network, working string) error {
	if err := n.CloneVariant(p.target, working); err != nil {
		return err
	}
	return n.SetWorkingVariant(working)
}

// drop forgets a clone that cannot be reused.
func (p *Pool) drop(n Network) {
	p.mu.Lock()
	delete(p.leased, n)
	p.created--
	p.mu.Unlock()
	p.metrics.RecordClonesDropped(1)
}

func (p *Pool) recordFailure() {
	p.mu.Lock()
	p.failed++
	p.mu.Unlock()
	p.metrics.RecordLease("failed")
}

// Release returns a leased network to the pool. It never blocks.
//
// Every variant except the target and the kept variants is removed. A clone
// that cannot be cleaned is dropped rather than reused.
func (p *Pool) Release(n Network) error {
	p.mu.Lock()
	if _, ok := p.leased[n]; !ok {
		p.mu.Unlock()
		return ErrNotLeased
	}
	delete(p.leased, n)
	p.mu.Unlock()

	if err := p.cleanup(n); err != nil {
		p.logger.Warn("dropping network clone after failed cleanup",
			slog.String("network_id", n.ID()),
			slog.String("error", err.Error()))
		p.drop(n)
		p.sem.Release(1)
		return nil
	}

	p.mu.Lock()
	closed := p.closed
	if closed {
		p.created--
	} else {
		p.idle = append(p.idle, n)
	}
	p.mu.Unlock()
	if closed {
		p.metrics.RecordClonesDropped(1)
	}
	p.sem.Release(1)
	return nil
}

func (p *Pool) cleanup(n Network) error {
	if err := n.SetWorkingVariant(p.target); err != nil {
		return err
	}
	for _, v := range n.VariantIDs() {
		if p.keep[v] {
			continue
		}
		if err := n.RemoveVariant(v); err != nil {
			return err
		}
	}
	return nil
}

// InitClones pre-warms min(capacity, n) clones.
func (p *Pool) InitClones(n int) error {
	p.mu.Lock()
	want := min(n, p.limit) - p.created
	if p.closed || want <= 0 {
		p.mu.Unlock()
		return nil
	}
	p.created += want
	p.mu.Unlock()

	for i := 0; i < want; i++ {
		clone, err := p.clone()
		if err != nil {
			p.mu.Lock()
			p.created -= want - i
			p.mu.Unlock()
			return fmt.Errorf("%w: pre-warming clone %d: %v", ErrCloneFailed, i, err)
		}
		p.mu.Lock()
		p.idle = append(p.idle, clone)
		p.mu.Unlock()
		p.metrics.RecordCloneCreated()
	}
	p.logger.Debug("network pool pre-warmed",
		slog.Int("clones", want),
		slog.String("target_variant", p.target))
	return nil
}

// Shutdown drops idle clones and refuses further leases. Leased clones are
// dropped when released.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	dropped := len(p.idle)
	p.created -= dropped
	p.idle = nil
	p.closed = true
	p.mu.Unlock()
	p.metrics.RecordClonesDropped(dropped)
}

// Stats returns a snapshot of pool usage.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Created: p.created,
		Idle:    len(p.idle),
		Leased:  len(p.leased),
		Leases:  p.leases,
		Failed:  p.failed,
	}
}
