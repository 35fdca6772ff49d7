// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package searchtree implements the combinatorial search over network
// actions of one perimeter.
//
// # Description
//
// The search evaluates a root leaf holding no network action, then grows
// the tree level by level from the best leaf found so far. Every leaf of
// a level is evaluated in parallel on its own leased network, and the
// level is compared only once all of its leaves are done. A level is
// kept when its best leaf improves on the current optimum by at least the
// minimum improvement, otherwise the search stops.
//
// # Thread Safety
//
// A SearchTree runs once. Its leaves and audit log are safe to read
// concurrently.
package searchtree

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/gridrao/services/rao/crac"
	"github.com/AleutianAI/gridrao/services/rao/network"
	"github.com/AleutianAI/gridrao/services/rao/objective"
	"github.com/AleutianAI/gridrao/services/rao/observability"
	"github.com/AleutianAI/gridrao/services/rao/rangeopt"
)

// StopCriterion tells when the search may stop before MaxDepth.
type StopCriterion string

const (
	// StopMinObjective searches the whole depth for the lowest cost.
	StopMinObjective StopCriterion = "min_objective"

	// StopSecure stops as soon as the cost is negative.
	StopSecure StopCriterion = "secure"
)

// Outcome is the verdict of a search.
type Outcome string

const (
	OutcomeOptimal               Outcome = "optimal"
	OutcomeBestFoundBeforeBudget Outcome = "best_found_before_budget"
	OutcomeFailed                Outcome = "failed"
)

// String returns the outcome name.
func (o Outcome) String() string {
	return string(o)
}

// Params configures the search.
type Params struct {
	Budget Budget `json:"budget" yaml:"budget"`

	// LeavesInParallel bounds concurrent leaf evaluations.
	LeavesInParallel int `json:"leaves_in_parallel" yaml:"leaves_in_parallel" validate:"gte=1"`

	// MinImprovement is the absolute cost decrease a level must bring.
	MinImprovement float64 `json:"min_improvement" yaml:"min_improvement" validate:"gte=0"`

	// RelativeMinImprovement is the decrease a level must bring, as a
	// fraction of the current cost's magnitude.
	RelativeMinImprovement float64 `json:"relative_min_improvement" yaml:"relative_min_improvement" validate:"gte=0"`

	StopCriterion StopCriterion `json:"stop_criterion" yaml:"stop_criterion" validate:"oneof=min_objective secure"`
}

// DefaultParams returns the default search parameters.
func DefaultParams() Params {
	return Params{
		Budget:                 DefaultBudget(),
		LeavesInParallel:       1,
		MinImprovement:         0,
		RelativeMinImprovement: 0,
		StopCriterion:          StopMinObjective,
	}
}

// Perimeter is what one search optimizes.
type Perimeter struct {
	// ID names the perimeter in logs, traces and results.
	ID string

	// State is the state the chosen actions are activated in.
	State *crac.State

	// Cnecs are the Cnecs of every state the perimeter covers.
	Cnecs []*crac.Cnec

	// NetworkActions are the candidate network actions.
	NetworkActions []*crac.NetworkAction

	// Combinations are predefined sets of network actions offered as
	// single candidates.
	Combinations [][]*crac.NetworkAction

	// RangeActions are the range actions optimized on every leaf.
	RangeActions []*crac.RangeAction

	// BaseActions are applied to every leaf before its own actions.
	BaseActions []*crac.NetworkAction

	// PrePerimeterSetpoints are the range action setpoints at the start of
	// the perimeter.
	PrePerimeterSetpoints map[string]float64

	// PreviousTimeStepSetpoints are setpoints of the previous time step.
	PreviousTimeStepSetpoints map[string]float64

	// InitialMargins are MNEC margins before any optimization.
	InitialMargins map[string]float64
}

// Env holds the collaborators of a search.
type Env struct {
	// Pool leases networks positioned on the perimeter's starting variant.
	Pool *network.Pool

	Model     network.Model
	Optimizer *rangeopt.Optimizer
	Objective *objective.Evaluator
}

func (e Env) validate() error {
	switch {
	case e.Pool == nil:
		return fmt.Errorf("%w: no network pool", ErrInvalidEnv)
	case e.Model == nil:
		return fmt.Errorf("%w: no grid model", ErrInvalidEnv)
	case e.Optimizer == nil:
		return fmt.Errorf("%w: no range optimizer", ErrInvalidEnv)
	case e.Objective == nil:
		return fmt.Errorf("%w: no objective evaluator", ErrInvalidEnv)
	}
	return nil
}

// Stats summarizes a search.
type Stats struct {
	LeavesEvaluated int
	LeavesFailed    int
	LeavesPruned    int
	Depth           int
	Elapsed         time.Duration
	ExhaustedBy     string
}

// Result is the outcome of a search.
type Result struct {
	Outcome Outcome

	// Root is the leaf without network actions. Optimal is the best leaf.
	Root    *Leaf
	Optimal *Leaf

	// Activated are the network actions of Optimal.
	Activated []*crac.NetworkAction

	// Setpoints and Taps are the range action decisions of Optimal.
	Setpoints map[string]float64
	Taps      map[string]int

	// Objective is the score of Optimal.
	Objective *objective.Result

	// RangeStatus is the range optimization status of Optimal.
	RangeStatus rangeopt.Status

	Stats Stats
}

// SearchTree searches the network actions of one perimeter.
type SearchTree struct {
	perimeter Perimeter
	env       Env
	params    Params

	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *SearchTracer
	audit   *AuditLog

	mu     sync.Mutex
	order  int64
	seen   map[string]bool
	leaves []*Leaf
}

// NewSearchTree creates a search.
//
// Inputs:
//   - perimeter: What to optimize.
//   - env: Collaborators.
//   - params: Search parameters.
//
// Outputs:
//   - *SearchTree: The search, ready to Run.
func NewSearchTree(perimeter Perimeter, env Env, params Params) *SearchTree {
	if params.LeavesInParallel < 1 {
		params.LeavesInParallel = 1
	}
	if params.StopCriterion == "" {
		params.StopCriterion = StopMinObjective
	}
	return &SearchTree{
		perimeter: perimeter,
		env:       env,
		params:    params,
		logger:    slog.Default(),
		tracer:    NewSearchTracer(nil, false),
		audit:     NewAuditLog(),
		seen:      make(map[string]bool),
	}
}

// WithLogger sets the logger.
func (t *SearchTree) WithLogger(logger *slog.Logger) *SearchTree {
	if logger != nil {
		t.logger = logger
	}
	return t
}

// WithMetrics sets the metrics sink.
func (t *SearchTree) WithMetrics(m *observability.Metrics) *SearchTree {
	t.metrics = m
	return t
}

// WithTracer sets the tracer.
func (t *SearchTree) WithTracer(tracer *SearchTracer) *SearchTree {
	if tracer != nil {
		t.tracer = tracer
	}
	return t
}

// WithAudit sets the audit log leaf events are recorded to.
func (t *SearchTree) WithAudit(audit *AuditLog) *SearchTree {
	if audit != nil {
		t.audit = audit
	}
	return t
}

// Audit returns the audit log.
func (t *SearchTree) Audit() *AuditLog {
	return t.audit
}

// Leaves returns every leaf created, in creation order.
func (t *SearchTree) Leaves() []*Leaf {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Leaf(nil), t.leaves...)
}

func (t *SearchTree) nextOrder() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.order++
	return t.order
}

func (t *SearchTree) track(leaves ...*Leaf) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.leaves = append(t.leaves, leaves...)
}

// Run executes the search.
//
// Description:
//
//	The root is always evaluated. Each level blooms from the current
//	optimum, skips combinations already evaluated anywhere in the tree
//	and evaluates the rest in parallel. The budget is checked before each
//	leaf is dispatched, never during an evaluation. Leaves failing with a
//	non-fatal error are left out of the comparison.
//
// Outputs:
//   - *Result: The search result. On a fatal error it is returned with
//     OutcomeFailed alongside the error.
//   - error: Fatal errors (see IsFatal), ErrRootFailed, ErrInvalidEnv.
func (t *SearchTree) Run(ctx context.Context) (*Result, error) {
	if err := t.env.validate(); err != nil {
		return &Result{Outcome: OutcomeFailed}, err
	}
	budget := newBudgetTracker(t.params.Budget)
	ctx, span := t.tracer.StartSearch(ctx, t.perimeter.ID, t.params)
	logger := LoggerWithTrace(ctx, t.logger).With(slog.String("perimeter", t.perimeter.ID))

	res, err := t.run(ctx, budget, logger)
	res.Stats.Elapsed = budget.Elapsed()
	res.Stats.ExhaustedBy = budget.ExhaustedBy()
	t.metrics.RecordSearch(res.Outcome.String(), res.Stats.Elapsed)
	t.tracer.EndSearch(span, res, err)
	return res, err
}

func (t *SearchTree) run(ctx context.Context, budget *budgetTracker, logger *slog.Logger) (*Result, error) {
	root := newLeaf(nil, nil, t.nextOrder())
	t.track(root)
	t.seen[root.Key()] = true
	budget.ForceReserve()

	stats := Stats{}
	if err := t.evaluate(ctx, root, &stats); err != nil {
		logger.Error("root evaluation failed", slog.String("error", err.Error()))
		res := &Result{Outcome: OutcomeFailed, Root: root, Stats: stats}
		if IsFatal(err) {
			return res, err
		}
		return res, fmt.Errorf("%w: %w", ErrRootFailed, err)
	}

	optimal := root
	outcome := OutcomeOptimal
	candidates := sortedCandidates(t.perimeter.NetworkActions, t.perimeter.Combinations)
	for depth := 1; depth <= t.params.Budget.MaxDepth; depth++ {
		if t.params.StopCriterion == StopSecure && optimal.Cost() < 0 {
			logger.Debug("perimeter secure, stopping search", slog.Float64("cost", optimal.Cost()))
			break
		}

		children := t.bloom(optimal, candidates)
		if len(children) == 0 {
			break
		}
		evaluated, budgetHit, err := t.evaluateLevel(ctx, children, budget, &stats)
		if err != nil {
			logger.Error("search aborted", slog.Int("depth", depth), slog.String("error", err.Error()))
			return &Result{Outcome: OutcomeFailed, Root: root, Optimal: optimal, Stats: stats}, err
		}

		best := t.selectBest(evaluated, &stats)
		if best != nil && t.improves(optimal, best) {
			t.audit.Record(*NewAuditEntry(AuditActionSelect, best.ID).
				WithParent(optimal.ID).WithActions(best.Key()).WithCost(best.Cost()))
			logger.Info("search level improved",
				slog.Int("depth", depth),
				slog.String("leaf_id", best.ID),
				slog.String("actions", best.Key()),
				slog.Float64("cost", best.Cost()),
				slog.Float64("previous_cost", optimal.Cost()))
			optimal = best
			stats.Depth = depth
		} else {
			if best != nil {
				t.audit.Record(*NewAuditEntry(AuditActionPrune, best.ID).
					WithParent(optimal.ID).WithActions(best.Key()).WithCost(best.Cost()).
					WithDetails("insufficient improvement"))
				logger.Debug("search level rejected",
					slog.Int("depth", depth),
					slog.Float64("best_cost", best.Cost()),
					slog.Float64("cost", optimal.Cost()))
			}
			if budgetHit {
				outcome = OutcomeBestFoundBeforeBudget
				t.tracer.TraceBudgetExhaustion(ctx, budget)
			}
			break
		}
		if budgetHit {
			outcome = OutcomeBestFoundBeforeBudget
			t.tracer.TraceBudgetExhaustion(ctx, budget)
			break
		}
	}

	lr, _ := optimal.Result()
	return &Result{
		Outcome:     outcome,
		Root:        root,
		Optimal:     optimal,
		Activated:   optimal.Actions(),
		Setpoints:   lr.Optimization.Setpoints,
		Taps:        lr.Optimization.Taps,
		Objective:   lr.Objective,
		RangeStatus: lr.Optimization.Status,
		Stats:       stats,
	}, nil
}

// bloom creates the children of leaf whose combination was never seen.
func (t *SearchTree) bloom(leaf *Leaf, candidates [][]*crac.NetworkAction) []*Leaf {
	var fresh []*Leaf
	for _, child := range leaf.Bloom(candidates, t.nextOrder) {
		if t.seen[child.Key()] {
			continue
		}
		t.seen[child.Key()] = true
		fresh = append(fresh, child)
	}
	t.track(fresh...)
	t.audit.Record(*NewAuditEntry(AuditActionBloom, leaf.ID).
		WithActions(leaf.Key()).
		WithDetails(fmt.Sprintf("%d children", len(fresh))))
	return fresh
}

// evaluateLevel evaluates children in parallel and waits for all of them.
// It returns the Evaluated leaves in creation order.
func (t *SearchTree) evaluateLevel(ctx context.Context, children []*Leaf, budget *budgetTracker, stats *Stats) ([]*Leaf, bool, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.params.LeavesInParallel)

	var statsMu sync.Mutex
	budgetHit := false
	for _, child := range children {
		if gctx.Err() != nil {
			break
		}
		if !budget.Reserve() {
			budgetHit = true
			break
		}
		g.Go(func() error {
			var local Stats
			err := t.evaluate(gctx, child, &local)
			statsMu.Lock()
			stats.LeavesEvaluated += local.LeavesEvaluated
			stats.LeavesFailed += local.LeavesFailed
			statsMu.Unlock()
			if IsFatal(err) {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, budgetHit, err
	}
	if err := ctx.Err(); err != nil {
		return nil, budgetHit, err
	}

	var evaluated []*Leaf
	for _, child := range children {
		if child.Status() == LeafEvaluated {
			evaluated = append(evaluated, child)
		}
	}
	return evaluated, budgetHit, nil
}

// evaluate runs one leaf with tracing, metrics and audit.
func (t *SearchTree) evaluate(ctx context.Context, leaf *Leaf, stats *Stats) error {
	start := time.Now()
	ctx, span := t.tracer.StartLeaf(ctx, leaf)
	err := leaf.Evaluate(ctx, t.env, &t.perimeter)
	t.tracer.EndLeaf(span, leaf, err)

	entry := NewAuditEntry(AuditActionEvaluate, leaf.ID).WithActions(leaf.Key())
	if leaf.Parent() != nil {
		entry.WithParent(leaf.Parent().ID)
	}
	if err != nil {
		stats.LeavesFailed++
		t.metrics.RecordLeaf(LeafEvaluationError.String(), time.Since(start))
		t.audit.Record(*entry.WithAction(AuditActionError).WithDetails(err.Error()))
		if !IsFatal(err) {
			t.logger.Warn("leaf evaluation failed",
				slog.String("leaf_id", leaf.ID),
				slog.String("actions", leaf.Key()),
				slog.String("error", err.Error()))
		}
		return err
	}
	stats.LeavesEvaluated++
	t.metrics.RecordLeaf(LeafEvaluated.String(), time.Since(start))
	t.audit.Record(*entry.WithCost(leaf.Cost()))
	return nil
}

// selectBest returns the best of evaluated, nil if empty. Leaves
// dominated by a sibling with fewer actions and a cost at least as good
// are marked pruned.
func (t *SearchTree) selectBest(evaluated []*Leaf, stats *Stats) *Leaf {
	var best *Leaf
	for _, l := range evaluated {
		if best == nil || l.better(best) {
			best = l
		}
	}
	for _, l := range evaluated {
		for _, other := range evaluated {
			if other != l && len(other.all) < len(l.all) && other.Cost() <= l.Cost() {
				l.markPruned()
				stats.LeavesPruned++
				t.metrics.RecordLeaf("pruned", 0)
				t.audit.Record(*NewAuditEntry(AuditActionPrune, l.ID).
					WithActions(l.Key()).WithCost(l.Cost()).
					WithDetails("dominated by " + other.Key()))
				break
			}
		}
	}
	return best
}

// improves applies the absolute and relative minimum improvement.
func (t *SearchTree) improves(current, candidate *Leaf) bool {
	gain := current.Cost() - candidate.Cost()
	if math.IsNaN(gain) || gain <= 0 {
		return false
	}
	required := math.Max(t.params.MinImprovement, t.params.RelativeMinImprovement*math.Abs(current.Cost()))
	return gain >= required
}
