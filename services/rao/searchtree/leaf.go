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
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/AleutianAI/gridrao/services/rao/crac"
	"github.com/AleutianAI/gridrao/services/rao/network"
	"github.com/AleutianAI/gridrao/services/rao/objective"
	"github.com/AleutianAI/gridrao/services/rao/rangeopt"
)

// LeafStatus is the lifecycle state of a leaf.
type LeafStatus string

const (
	LeafCreated           LeafStatus = "created"
	LeafEvaluationRunning LeafStatus = "evaluation_running"
	LeafEvaluated         LeafStatus = "evaluated"
	LeafEvaluationError   LeafStatus = "evaluation_error"
)

// String returns the status name.
func (s LeafStatus) String() string {
	return string(s)
}

// IsTerminal returns true for Evaluated and EvaluationError.
func (s LeafStatus) IsTerminal() bool {
	return s == LeafEvaluated || s == LeafEvaluationError
}

// LeafResult is what an evaluated leaf holds.
type LeafResult struct {
	// Objective is the score of the leaf.
	Objective *objective.Result

	// Optimization is the range action optimization on top of the leaf's
	// network actions.
	Optimization *rangeopt.Result
}

// Leaf is one candidate set of network actions.
//
// Description:
//
//	A leaf adds its own network actions to those of its ancestors. The
//	cumulative set is computed once at creation. Evaluating a leaf leases
//	its own network, so two leaves never share one.
//
// Thread Safety: Safe for concurrent use. Evaluate must be called once.
type Leaf struct {
	// Immutable after creation
	ID     string
	parent *Leaf
	own    []*crac.NetworkAction
	all    []*crac.NetworkAction
	key    string
	depth  int
	order  int64

	mu        sync.RWMutex
	status    LeafStatus
	result    *LeafResult
	err       error
	networkID string
	pruned    bool
}

// newLeaf creates a child of parent adding own. A nil parent makes a root.
func newLeaf(parent *Leaf, own []*crac.NetworkAction, order int64) *Leaf {
	l := &Leaf{
		ID:     uuid.NewString(),
		parent: parent,
		own:    append([]*crac.NetworkAction(nil), own...),
		order:  order,
		status: LeafCreated,
	}
	if parent != nil {
		l.depth = parent.depth + 1
		l.all = append(l.all, parent.all...)
	}
	l.all = append(l.all, own...)
	l.key = crac.CombinationKey(l.all)
	return l
}

// Parent returns the parent leaf, nil for the root.
func (l *Leaf) Parent() *Leaf {
	return l.parent
}

// Own returns the network actions this leaf adds to its parent.
func (l *Leaf) Own() []*crac.NetworkAction {
	return append([]*crac.NetworkAction(nil), l.own...)
}

// Actions returns the cumulative network actions: every ancestor's plus
// the leaf's own, in application order.
func (l *Leaf) Actions() []*crac.NetworkAction {
	return append([]*crac.NetworkAction(nil), l.all...)
}

// Key returns the order-independent combination key of Actions.
func (l *Leaf) Key() string {
	return l.key
}

// Depth returns the number of levels below the root.
func (l *Leaf) Depth() int {
	return l.depth
}

// Order returns the creation order of the leaf in its tree.
func (l *Leaf) Order() int64 {
	return l.order
}

// IsRoot returns true for the root leaf.
func (l *Leaf) IsRoot() bool {
	return l.parent == nil
}

// Status returns the lifecycle state.
func (l *Leaf) Status() LeafStatus {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.status
}

// Err returns the evaluation diagnostic, nil unless EvaluationError.
func (l *Leaf) Err() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.err
}

// NetworkID returns the ID of the network the leaf was evaluated on.
func (l *Leaf) NetworkID() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.networkID
}

// Result returns the evaluation result.
func (l *Leaf) Result() (*LeafResult, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.status != LeafEvaluated {
		return nil, fmt.Errorf("%w: leaf %s is %s", ErrLeafNotEvaluated, l.ID, l.status)
	}
	return l.result, nil
}

// Cost returns the cost of an evaluated leaf, +Inf otherwise.
func (l *Leaf) Cost() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.status != LeafEvaluated {
		return math.Inf(1)
	}
	return l.result.Objective.Cost()
}

// Pruned reports whether the leaf was pruned by dominance.
func (l *Leaf) Pruned() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.pruned
}

func (l *Leaf) markPruned() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruned = true
}

// better reports whether l beats other: lower cost, then fewer actions,
// then created first.
func (l *Leaf) better(other *Leaf) bool {
	lc, oc := l.Cost(), other.Cost()
	if lc != oc {
		return lc < oc
	}
	if len(l.all) != len(other.all) {
		return len(l.all) < len(other.all)
	}
	return l.order < other.order
}

// Bloom returns one child per candidate that can still be added.
//
// Description:
//
//	A candidate is a single network action or a predefined combination.
//	Candidates holding an action already applied by this leaf or an
//	ancestor, conflicting with an applied action, or conflicting with
//	themselves are skipped. Duplicate candidates produce one child.
//
// Inputs:
//   - candidates: Candidate combinations, in the order children are created.
//   - nextOrder: Returns increasing creation orders.
//
// Outputs:
//   - []*Leaf: The children, in candidate order.
func (l *Leaf) Bloom(candidates [][]*crac.NetworkAction, nextOrder func() int64) []*Leaf {
	applied := make(map[string]bool, len(l.all))
	for _, a := range l.all {
		applied[a.ID] = true
	}
	seen := make(map[string]bool)
	var children []*Leaf
	for _, combo := range candidates {
		if len(combo) == 0 || !l.canAdd(combo, applied) {
			continue
		}
		key := crac.CombinationKey(combo)
		if seen[key] {
			continue
		}
		seen[key] = true
		children = append(children, newLeaf(l, combo, nextOrder()))
	}
	return children
}

func (l *Leaf) canAdd(combo []*crac.NetworkAction, applied map[string]bool) bool {
	for i, a := range combo {
		if applied[a.ID] {
			return false
		}
		for _, b := range l.all {
			if !a.CanBeCombinedWith(b) {
				return false
			}
		}
		for _, b := range combo[i+1:] {
			if a.ID == b.ID || !a.CanBeCombinedWith(b) {
				return false
			}
		}
	}
	return true
}

// Evaluate leases a network, applies the perimeter's base actions and the
// leaf's cumulative actions, optimizes range actions and scores the
// result.
//
// Description:
//
//	Any error sets EvaluationError with the diagnostic and is returned
//	for the tree to classify with IsFatal. The network is always
//	released. Sensitivity failures are not errors: the objective charges
//	the overcost and the leaf is Evaluated.
//
// Inputs:
//   - ctx: Context for cancellation.
//   - env: Collaborators.
//   - p: The perimeter.
//
// Outputs:
//   - error: The evaluation error, also kept on the leaf.
func (l *Leaf) Evaluate(ctx context.Context, env Env, p *Perimeter) (err error) {
	l.mu.Lock()
	if l.status != LeafCreated {
		l.mu.Unlock()
		return fmt.Errorf("%w: leaf %s is %s", ErrLeafAlreadyEvaluated, l.ID, l.status)
	}
	l.status = LeafEvaluationRunning
	l.mu.Unlock()

	var result *LeafResult
	defer func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if err != nil {
			l.status = LeafEvaluationError
			l.err = err
			return
		}
		l.status = LeafEvaluated
		l.result = result
	}()

	n, err := env.Pool.Lease(ctx)
	if err != nil {
		return fmt.Errorf("lease network: %w", err)
	}
	defer func() {
		if relErr := env.Pool.Release(n); relErr != nil && err == nil {
			err = fmt.Errorf("release network: %w", relErr)
		}
	}()

	l.mu.Lock()
	l.networkID = n.ID()
	l.mu.Unlock()

	if err := network.ApplyNetworkActions(env.Model, n, p.BaseActions); err != nil {
		return fmt.Errorf("apply base actions: %w", err)
	}
	if err := network.ApplyNetworkActions(env.Model, n, l.all); err != nil {
		return fmt.Errorf("apply network actions: %w", err)
	}

	opt, err := env.Optimizer.Optimize(ctx, rangeopt.Input{
		Network:          n,
		Cnecs:            p.Cnecs,
		RangeActions:     p.RangeActions,
		PrePerimeter:     p.PrePerimeterSetpoints,
		PreviousTimeStep: p.PreviousTimeStepSetpoints,
		InitialMargins:   p.InitialMargins,
		Cost:             env.Objective.Cost(p.Cnecs, p.InitialMargins),
	})
	if err != nil {
		return fmt.Errorf("optimize range actions: %w", err)
	}

	result = &LeafResult{
		Objective: env.Objective.Evaluate(objective.Input{
			Cnecs:          p.Cnecs,
			Sensitivity:    opt.Sensitivity,
			InitialMargins: p.InitialMargins,
		}),
		Optimization: opt,
	}
	return nil
}

// sortedCandidates returns the single actions sorted by ID followed by
// the predefined combinations sorted by key.
func sortedCandidates(actions []*crac.NetworkAction, combinations [][]*crac.NetworkAction) [][]*crac.NetworkAction {
	singles := append([]*crac.NetworkAction(nil), actions...)
	sort.Slice(singles, func(i, j int) bool { return singles[i].ID < singles[j].ID })
	out := make([][]*crac.NetworkAction, 0, len(singles)+len(combinations))
	for _, a := range singles {
		out = append(out, []*crac.NetworkAction{a})
	}
	combos := append([][]*crac.NetworkAction(nil), combinations...)
	sort.SliceStable(combos, func(i, j int) bool {
		return crac.CombinationKey(combos[i]) < crac.CombinationKey(combos[j])
	})
	return append(out, combos...)
}
