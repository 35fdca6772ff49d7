// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scenario

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/gridrao/services/rao/crac"
	"github.com/AleutianAI/gridrao/services/rao/network"
	"github.com/AleutianAI/gridrao/services/rao/objective"
	"github.com/AleutianAI/gridrao/services/rao/rangeopt"
	"github.com/AleutianAI/gridrao/services/rao/searchtree"
	"github.com/AleutianAI/gridrao/services/rao/sensitivity"
)

// PerimeterResult is the outcome of one optimized perimeter. It is not
// mutated after it is emitted.
type PerimeterResult struct {
	// ID is the ID of the state the decisions are activated in.
	ID string `json:"id"`

	// Instant is the instant of that state.
	Instant *crac.Instant `json:"-"`

	// ContingencyID is empty for the preventive perimeter.
	ContingencyID string `json:"contingency_id,omitempty"`

	// States lists every state the perimeter covers, its own first.
	States []string `json:"states"`

	Outcome searchtree.Outcome `json:"outcome"`

	// Forced are the network actions applied before the search.
	Forced []string `json:"forced,omitempty"`

	// Activated are the network actions chosen by the search.
	Activated []string `json:"activated"`

	Setpoints   map[string]float64 `json:"setpoints"`
	Taps        map[string]int     `json:"taps,omitempty"`
	RangeStatus rangeopt.Status    `json:"range_status"`

	// Objective scores the chosen situation.
	Objective *objective.Result `json:"objective"`

	Stats searchtree.Stats `json:"stats"`

	// Pool is the network pool of the perimeter when its search ended.
	Pool network.PoolStats `json:"pool"`

	// Audit counts the search events by kind.
	Audit map[searchtree.AuditAction]int `json:"audit,omitempty"`
}

// Cost returns the functional plus virtual cost of the perimeter.
func (p *PerimeterResult) Cost() float64 {
	return p.Objective.Cost()
}

// Status returns the sensitivity status of the chosen situation.
func (p *PerimeterResult) Status() sensitivity.ComputationStatus {
	return p.Objective.Status
}

// PerimeterCost returns the input of the functional cost computers.
func (p *PerimeterResult) PerimeterCost() objective.PerimeterCost {
	return p.Objective.PerimeterCost(p.Instant, p.ContingencyID)
}

// covers reports whether stateID is one of the perimeter's states.
func (p *PerimeterResult) covers(stateID string) bool {
	for _, id := range p.States {
		if id == stateID {
			return true
		}
	}
	return false
}

// RaoResult is the outcome of a whole run.
type RaoResult struct {
	// RunID identifies the run in logs and traces.
	RunID string `json:"run_id"`

	// Outcome is Failed when the run aborted, BestFoundBeforeBudget when
	// any perimeter ran out of budget, Optimal otherwise.
	Outcome searchtree.Outcome `json:"outcome"`

	// Status is Failure when every perimeter failed to compute,
	// PartialFailure when some did.
	Status sensitivity.ComputationStatus `json:"status"`

	// Initial scores the situation before any optimization.
	Initial *objective.Result `json:"initial,omitempty"`

	Preventive *PerimeterResult `json:"preventive,omitempty"`

	// PostContingency holds the auto and curative perimeters, by instant
	// then contingency.
	PostContingency []*PerimeterResult `json:"post_contingency,omitempty"`

	// Costs aggregates perimeter costs per instant. Nil on failure.
	Costs objective.FunctionalCostComputer `json:"-"`

	Elapsed time.Duration `json:"elapsed"`
}

// Perimeters returns the preventive perimeter followed by the others.
func (r *RaoResult) Perimeters() []*PerimeterResult {
	var out []*PerimeterResult
	if r.Preventive != nil {
		out = append(out, r.Preventive)
	}
	return append(out, r.PostContingency...)
}

// Perimeter returns the perimeter covering stateID.
func (r *RaoResult) Perimeter(stateID string) (*PerimeterResult, bool) {
	for _, p := range r.Perimeters() {
		if p.covers(stateID) {
			return p, true
		}
	}
	return nil, false
}

// ActivatedNetworkActions returns the network actions activated in
// stateID, forced ones first. Empty for a state that is not the own state
// of a perimeter.
func (r *RaoResult) ActivatedNetworkActions(stateID string) []string {
	for _, p := range r.Perimeters() {
		if p.ID == stateID {
			return append(append([]string(nil), p.Forced...), p.Activated...)
		}
	}
	return nil
}

// StateCost returns the cost of one state after optimization.
func (r *RaoResult) StateCost(stateID string) (objective.StateCost, bool) {
	p, ok := r.Perimeter(stateID)
	if !ok {
		return objective.StateCost{}, false
	}
	sc, ok := p.Objective.States[stateID]
	return sc, ok
}

// Cost returns the aggregated cost at instant, nil meaning before
// optimization.
func (r *RaoResult) Cost(instant *crac.Instant) float64 {
	if r.Costs == nil {
		return r.Initial.Cost()
	}
	return r.Costs.ComputeCost(instant)
}

// ResultSink receives perimeter results as they complete.
//
// Thread Safety: Emit is called concurrently for contingency scenarios
// run in parallel.
type ResultSink interface {
	Emit(ctx context.Context, result *PerimeterResult) error
}

// MemorySink keeps emitted results in memory.
//
// Thread Safety: Safe for concurrent use.
type MemorySink struct {
	mu      sync.RWMutex
	results []*PerimeterResult
	byID    map[string]*PerimeterResult
}

// NewMemorySink creates an empty sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{byID: make(map[string]*PerimeterResult)}
}

// Emit implements ResultSink.
func (s *MemorySink) Emit(_ context.Context, result *PerimeterResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, result)
	s.byID[result.ID] = result
	return nil
}

// Results returns the results in emission order.
func (s *MemorySink) Results() []*PerimeterResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*PerimeterResult(nil), s.results...)
}

// Get returns the result of the perimeter whose own state is stateID.
func (s *MemorySink) Get(stateID string) (*PerimeterResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byID[stateID]
	return r, ok
}

// Len returns the number of results.
func (s *MemorySink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.results)
}

// discardSink drops every result.
type discardSink struct{}

func (discardSink) Emit(context.Context, *PerimeterResult) error { return nil }

func sortPerimeters(ps []*PerimeterResult) {
	sort.SliceStable(ps, func(i, j int) bool {
		a, b := ps[i], ps[j]
		if a.Instant.Order != b.Instant.Order {
			return a.Instant.Order < b.Instant.Order
		}
		return a.ContingencyID < b.ContingencyID
	})
}

// overallStatus folds perimeter statuses into the run status.
func overallStatus(ps []*PerimeterResult) sensitivity.ComputationStatus {
	failed, partial := 0, 0
	for _, p := range ps {
		switch p.Status() {
		case sensitivity.StatusFailure:
			failed++
		case sensitivity.StatusPartialFailure:
			partial++
		}
	}
	switch {
	case len(ps) > 0 && failed == len(ps):
		return sensitivity.StatusFailure
	case failed+partial > 0:
		return sensitivity.StatusPartialFailure
	default:
		return sensitivity.StatusDefault
	}
}

// overallOutcome is BestFoundBeforeBudget if any perimeter ran out of
// budget.
func overallOutcome(ps []*PerimeterResult) searchtree.Outcome {
	for _, p := range ps {
		if p.Outcome == searchtree.OutcomeBestFoundBeforeBudget {
			return searchtree.OutcomeBestFoundBeforeBudget
		}
	}
	return searchtree.OutcomeOptimal
}
