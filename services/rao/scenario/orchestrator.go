// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package scenario drives a whole remedial action optimization: the
// preventive perimeter first, then every contingency scenario, each
// perimeter starting from the decisions of the previous one.
package scenario

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/gridrao/services/rao/crac"
	"github.com/AleutianAI/gridrao/services/rao/linearproblem"
	"github.com/AleutianAI/gridrao/services/rao/network"
	"github.com/AleutianAI/gridrao/services/rao/objective"
	"github.com/AleutianAI/gridrao/services/rao/observability"
	"github.com/AleutianAI/gridrao/services/rao/rangeopt"
	"github.com/AleutianAI/gridrao/services/rao/searchtree"
	"github.com/AleutianAI/gridrao/services/rao/sensitivity"
)

// PostPreventiveVariant holds the initial situation with the preventive
// decisions applied. Every contingency scenario starts from it.
const PostPreventiveVariant = "post-preventive"

// Params configures a run.
type Params struct {
	Search    searchtree.Params
	Range     rangeopt.Params
	Objective objective.Params

	// CostPolicy aggregates perimeter costs. Empty means PolicyMax.
	CostPolicy objective.CostPolicy

	// ContingencyScenariosInParallel bounds the scenarios optimized at once.
	ContingencyScenariosInParallel int

	// MaxClones caps the network clones of one perimeter's pool. Zero
	// means Search.LeavesInParallel.
	MaxClones int

	// Combinations are predefined network action combinations, by ID,
	// offered as single candidates wherever all their actions are
	// available.
	Combinations [][]string

	// Tracing enables OpenTelemetry spans.
	Tracing bool
}

// DefaultParams returns the default run parameters.
func DefaultParams() Params {
	return Params{
		Search:                         searchtree.DefaultParams(),
		Range:                          rangeopt.DefaultParams(),
		Objective:                      objective.DefaultParams(),
		CostPolicy:                     objective.PolicyMax,
		ContingencyScenariosInParallel: 1,
	}
}

// Input is what one run starts from.
type Input struct {
	// Variant holds the initial situation. Empty means the working
	// variant of the network.
	Variant string

	// PreviousTimeStep holds range action setpoints chosen for the
	// previous time step, by range action ID.
	PreviousTimeStep map[string]float64
}

// Orchestrator runs the perimeters of a Crac.
//
// Description:
//
//	States are partitioned into perimeters. The preventive perimeter
//	covers the preventive state, every outage state and every
//	post-contingency state without remedial actions of its own. Each
//	auto or curative state with remedial actions starts a perimeter of
//	its contingency scenario, which also covers the following states of
//	that contingency until the next one with remedial actions.
//
//	Scenarios run in parallel once the preventive perimeter is done.
//	Within a scenario, perimeters run in instant order, each on a variant
//	holding the decisions of every earlier perimeter.
//
// Thread Safety: Safe for concurrent use. Runs share no state.
type Orchestrator struct {
	crac      *crac.Crac
	model     network.Model
	evaluator sensitivity.Evaluator
	optimizer *rangeopt.Optimizer
	objective *objective.Evaluator
	params    Params

	sink    ResultSink
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
}

// NewOrchestrator creates an orchestrator.
//
// Inputs:
//   - c: The Crac. Not mutated.
//   - model: Grid model provider.
//   - evaluator: Sensitivity and flow service.
//   - backend: LP solver.
//   - params: Run parameters.
//
// Outputs:
//   - *Orchestrator: Never nil. Results go nowhere until WithSink.
func NewOrchestrator(c *crac.Crac, model network.Model, evaluator sensitivity.Evaluator,
	backend linearproblem.Backend, params Params) *Orchestrator {

	if params.ContingencyScenariosInParallel < 1 {
		params.ContingencyScenariosInParallel = 1
	}
	if params.Search.LeavesInParallel < 1 {
		params.Search.LeavesInParallel = 1
	}
	if params.CostPolicy == "" {
		params.CostPolicy = objective.PolicyMax
	}
	o := &Orchestrator{
		crac:      c,
		model:     model,
		evaluator: evaluator,
		optimizer: rangeopt.NewOptimizer(model, evaluator, backend, params.Range),
		objective: objective.NewEvaluator(params.Objective),
		params:    params,
		sink:      discardSink{},
		logger:    slog.Default(),
		tracer:    noop.NewTracerProvider().Tracer(""),
	}
	if params.Tracing {
		o.tracer = otel.Tracer("gridrao.scenario")
	}
	return o
}

// WithSink sets where perimeter results are emitted.
func (o *Orchestrator) WithSink(sink ResultSink) *Orchestrator {
	if sink != nil {
		o.sink = sink
	}
	return o
}

// WithLogger sets the logger of the orchestrator and everything it runs.
func (o *Orchestrator) WithLogger(logger *slog.Logger) *Orchestrator {
	if logger != nil {
		o.logger = logger
		o.optimizer.WithLogger(logger)
	}
	return o
}

// WithMetrics sets the metrics of the orchestrator and everything it runs.
func (o *Orchestrator) WithMetrics(m *observability.Metrics) *Orchestrator {
	o.metrics = m
	o.optimizer.WithMetrics(m)
	return o
}

// Params returns the effective run parameters.
func (o *Orchestrator) Params() Params {
	return o.params
}

// Run optimizes every perimeter of the Crac on a copy of n.
//
// Inputs:
//   - ctx: Context for cancellation.
//   - n: The network. Not mutated; the run works on a clone.
//   - in: Starting variant and previous time step setpoints.
//
// Outputs:
//   - *RaoResult: Never nil. On error its Outcome is OutcomeFailed and
//     it holds whatever perimeters completed, but no aggregated costs.
//   - error: Fatal errors only (see IsFatal).
func (o *Orchestrator) Run(ctx context.Context, n network.Network, in Input) (*RaoResult, error) {
	start := time.Now()
	res := &RaoResult{RunID: uuid.NewString(), Outcome: searchtree.OutcomeFailed}
	if n == nil {
		return res, ErrNilNetwork
	}

	ctx, span := o.tracer.Start(ctx, "rao.run", trace.WithAttributes(
		attribute.String("rao.run_id", res.RunID),
		attribute.String("rao.crac", o.crac.ID),
		attribute.String("rao.cost_policy", string(o.params.CostPolicy)),
	))
	defer span.End()
	logger := searchtree.LoggerWithTrace(ctx, o.logger).With(slog.String("run_id", res.RunID))
	logger.Info("rao run started",
		slog.String("crac", o.crac.ID),
		slog.Int("contingencies", len(o.crac.Contingencies())),
		slog.Int("scenarios_in_parallel", o.params.ContingencyScenariosInParallel))

	err := o.run(ctx, n, in, res, logger)
	res.Elapsed = time.Since(start)
	o.metrics.RecordRun(res.Outcome.String())
	if err != nil {
		res.Outcome = searchtree.OutcomeFailed
		res.Costs = nil
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("rao run failed",
			slog.String("error", err.Error()),
			slog.Duration("elapsed", res.Elapsed))
		return res, err
	}

	last := o.crac.LastInstant()
	span.SetAttributes(
		attribute.String("rao.outcome", res.Outcome.String()),
		attribute.String("rao.status", res.Status.String()),
		attribute.Float64("rao.cost", res.Cost(last)),
	)
	span.SetStatus(codes.Ok, "")
	logger.Info("rao run completed",
		slog.String("outcome", res.Outcome.String()),
		slog.String("status", res.Status.String()),
		slog.Float64("initial_cost", res.Cost(nil)),
		slog.Float64("cost", res.Cost(last)),
		slog.Int("perimeters", len(res.Perimeters())),
		slog.Duration("elapsed", res.Elapsed))
	return res, nil
}

// runState is what the perimeters of one run share.
type runState struct {
	in             Input
	base           network.Network
	initialMargins map[string]float64
	logger         *slog.Logger

	// flight deduplicates concurrent sensitivity requests on base.
	flight singleflight.Group
	mu     sync.Mutex
	cache  map[string]*sensitivity.Result
}

func (o *Orchestrator) run(ctx context.Context, n network.Network, in Input, res *RaoResult, logger *slog.Logger) error {
	variant := in.Variant
	if variant == "" {
		variant = n.WorkingVariant()
	}
	base, err := o.model.Clone(n)
	if err != nil {
		return fmt.Errorf("%w: clone input network: %w", ErrNetworkSetup, err)
	}
	if err := base.SetWorkingVariant(variant); err != nil {
		return fmt.Errorf("%w: %w", ErrNetworkSetup, err)
	}
	rs := &runState{in: in, base: base, logger: logger, cache: make(map[string]*sensitivity.Result)}

	all := o.crac.Cnecs()
	initial, err := rs.sensitivity(ctx, o.evaluator, variant, all)
	if err != nil {
		return err
	}
	res.Initial = o.objective.Evaluate(objective.Input{Cnecs: all, Sensitivity: initial})
	rs.initialMargins = res.Initial.Margins
	logger.Info("initial situation evaluated",
		slog.Float64("cost", res.Initial.Cost()),
		slog.String("status", res.Initial.Status.String()))

	plan := o.plan(constrainedBy(o.crac, initial))

	res.Preventive, err = o.optimizePerimeter(ctx, rs, base, plan.preventive, initial)
	if err != nil {
		return err
	}
	if err := o.applyDecisions(base, variant, PostPreventiveVariant, res.Preventive); err != nil {
		return err
	}

	var postCnecs []*crac.Cnec
	for _, chain := range plan.scenarios {
		for _, pp := range chain {
			postCnecs = append(postCnecs, o.crac.CnecsForStates(pp.states)...)
		}
	}

	scenarios := make([][]*PerimeterResult, len(plan.scenarios))
	var cloneMu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.params.ContingencyScenariosInParallel)
	for i, chain := range plan.scenarios {
		g.Go(func() error {
			start, err := rs.sensitivity(gctx, o.evaluator, PostPreventiveVariant, postCnecs)
			if err != nil {
				return err
			}
			cloneMu.Lock()
			sn, err := o.model.Clone(base)
			cloneMu.Unlock()
			if err != nil {
				return fmt.Errorf("%w: clone post-preventive network: %w", ErrNetworkSetup, err)
			}
			scenarios[i], err = o.runScenario(gctx, rs, sn, chain, start)
			return err
		})
	}
	err = g.Wait()
	for _, s := range scenarios {
		res.PostContingency = append(res.PostContingency, s...)
	}
	sortPerimeters(res.PostContingency)
	if err != nil {
		return err
	}

	post := make([]objective.PerimeterCost, 0, len(res.PostContingency))
	for _, p := range res.PostContingency {
		post = append(post, p.PerimeterCost())
	}
	res.Costs, err = objective.NewCostComputer(o.params.CostPolicy,
		res.Initial.PerimeterCost(nil, ""), res.Preventive.PerimeterCost(), post)
	if err != nil {
		return err
	}
	res.Status = overallStatus(res.Perimeters())
	res.Outcome = overallOutcome(res.Perimeters())
	return nil
}

// sensitivity evaluates cnecs on variant, the working variant of base,
// once per run.
func (rs *runState) sensitivity(ctx context.Context, evaluator sensitivity.Evaluator, variant string, cnecs []*crac.Cnec) (*sensitivity.Result, error) {
	rs.mu.Lock()
	cached, ok := rs.cache[variant]
	rs.mu.Unlock()
	if ok {
		return cached, nil
	}
	v, err, shared := rs.flight.Do(variant, func() (any, error) {
		rs.mu.Lock()
		cached, ok := rs.cache[variant]
		rs.mu.Unlock()
		if ok {
			return cached, nil
		}
		r, err := evaluator.Evaluate(ctx, rs.base, cnecs, nil)
		if err != nil {
			return nil, err
		}
		rs.mu.Lock()
		rs.cache[variant] = r
		rs.mu.Unlock()
		return r, nil
	})
	if err != nil {
		if searchtree.IsFatal(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: variant %s: %w", ErrInitialSensitivity, variant, err)
	}
	rs.logger.Debug("starting situation evaluated",
		slog.String("variant", variant),
		slog.Bool("shared", shared))
	return v.(*sensitivity.Result), nil
}

// runScenario runs the perimeters of one contingency in instant order on
// sn, which the scenario owns.
func (o *Orchestrator) runScenario(ctx context.Context, rs *runState, sn network.Network,
	chain []perimeterPlan, start *sensitivity.Result) ([]*PerimeterResult, error) {

	current := PostPreventiveVariant
	out := make([]*PerimeterResult, 0, len(chain))
	for i, pp := range chain {
		pr, err := o.optimizePerimeter(ctx, rs, sn, pp, start)
		if err != nil {
			return out, err
		}
		out = append(out, pr)
		if i == len(chain)-1 {
			break
		}

		next := "after-" + pp.state.Instant.ID
		if err := o.applyDecisions(sn, current, next, pr); err != nil {
			return out, err
		}
		current = next
		start, err = o.evaluator.Evaluate(ctx, sn, o.crac.CnecsForStates(chain[i+1].states), nil)
		if err != nil {
			return out, fmt.Errorf("%w: variant %s: %w", ErrInitialSensitivity, current, err)
		}
	}
	return out, nil
}

// optimizePerimeter searches one perimeter on the working variant of ref.
func (o *Orchestrator) optimizePerimeter(ctx context.Context, rs *runState, ref network.Network,
	pp perimeterPlan, start *sensitivity.Result) (*PerimeterResult, error) {

	state := pp.state
	ctx, span := o.tracer.Start(ctx, "rao.perimeter", trace.WithAttributes(
		attribute.String("rao.state", state.ID()),
		attribute.String("rao.instant", state.Instant.ID),
		attribute.Int("rao.states", len(pp.states)),
	))
	defer span.End()
	logger := rs.logger.With(slog.String("perimeter", state.ID()))

	perimeter, err := o.perimeter(rs, ref, pp, constrainedBy(o.crac, start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	capacity := o.params.Search.LeavesInParallel
	pool := network.NewPool(o.model, ref, ref.WorkingVariant(), network.PoolConfig{
		Capacity:  capacity,
		MaxClones: o.params.MaxClones,
	}).WithLogger(logger).WithMetrics(o.metrics)
	defer pool.Shutdown()
	// one clone per leaf a level can evaluate at once
	warm := min(capacity, max(1, len(perimeter.NetworkActions)+len(perimeter.Combinations)))
	if err := pool.InitClones(warm); err != nil {
		logger.Warn("network pool pre-warm failed, cloning on lease instead",
			slog.String("error", err.Error()))
	}

	tree := searchtree.NewSearchTree(perimeter, searchtree.Env{
		Pool:      pool,
		Model:     o.model,
		Optimizer: o.optimizer,
		Objective: o.objective,
	}, o.params.Search).
		WithLogger(logger).
		WithMetrics(o.metrics).
		WithTracer(searchtree.NewSearchTracer(logger, o.params.Tracing))

	sr, err := tree.Run(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("perimeter %s: %w", state.ID(), err)
	}

	pr := &PerimeterResult{
		ID:            state.ID(),
		Instant:       state.Instant,
		ContingencyID: state.ContingencyID(),
		States:        stateIDs(pp.states),
		Outcome:       sr.Outcome,
		Forced:        actionIDs(perimeter.BaseActions),
		Activated:     actionIDs(sr.Activated),
		Setpoints:     sr.Setpoints,
		Taps:          sr.Taps,
		RangeStatus:   sr.RangeStatus,
		Objective:     sr.Objective,
		Stats:         sr.Stats,
		Audit:         tree.Audit().Summary(),
		Pool:          pool.Stats(),
	}
	span.SetAttributes(
		attribute.String("rao.outcome", pr.Outcome.String()),
		attribute.Float64("rao.cost", pr.Cost()),
		attribute.StringSlice("rao.activated", pr.Activated),
	)
	logger.Info("perimeter optimized",
		slog.String("outcome", pr.Outcome.String()),
		slog.Float64("cost", pr.Cost()),
		slog.Any("activated", pr.Activated),
		slog.Int("leaves", pr.Stats.LeavesEvaluated))

	if err := o.sink.Emit(ctx, pr); err != nil {
		return nil, fmt.Errorf("%w: perimeter %s: %w", ErrSinkFailed, state.ID(), err)
	}
	return pr, nil
}

// perimeter resolves the candidates of pp in the situation start
// describes.
func (o *Orchestrator) perimeter(rs *runState, ref network.Network, pp perimeterPlan, constrained crac.ConstraintFunc) (searchtree.Perimeter, error) {
	state := pp.state
	available := o.crac.AvailableNetworkActions(state, constrained)
	combinations, err := o.combinations(available)
	if err != nil {
		return searchtree.Perimeter{}, err
	}
	rangeActions := o.crac.AvailableRangeActions(state, constrained)
	pre, err := network.ReadSetpoints(o.model, ref, rangeActions)
	if err != nil {
		return searchtree.Perimeter{}, fmt.Errorf("%w: read setpoints: %w", ErrNetworkSetup, err)
	}
	return searchtree.Perimeter{
		ID:                        state.ID(),
		State:                     state,
		Cnecs:                     o.crac.CnecsForStates(pp.states),
		NetworkActions:            available,
		Combinations:              combinations,
		RangeActions:              rangeActions,
		BaseActions:               o.crac.ForcedNetworkActions(state, constrained),
		PrePerimeterSetpoints:     pre,
		PreviousTimeStepSetpoints: rs.in.PreviousTimeStep,
		InitialMargins:            rs.initialMargins,
	}, nil
}

// combinations returns the predefined combinations whose actions are all
// available.
func (o *Orchestrator) combinations(available []*crac.NetworkAction) ([][]*crac.NetworkAction, error) {
	ok := make(map[string]bool, len(available))
	for _, a := range available {
		ok[a.ID] = true
	}
	var out [][]*crac.NetworkAction
	for _, ids := range o.params.Combinations {
		combo := make([]*crac.NetworkAction, 0, len(ids))
		usable := len(ids) > 1
		for _, id := range ids {
			na, err := o.crac.NetworkAction(id)
			if err != nil {
				return nil, err
			}
			usable = usable && ok[id]
			combo = append(combo, na)
		}
		if usable {
			out = append(out, combo)
		}
	}
	return out, nil
}

// applyDecisions copies variant from into to, makes it the working
// variant of n and applies the decisions of pr.
func (o *Orchestrator) applyDecisions(n network.Network, from, to string, pr *PerimeterResult) error {
	if err := n.CloneVariant(from, to); err != nil {
		return fmt.Errorf("%w: %w", ErrNetworkSetup, err)
	}
	if err := n.SetWorkingVariant(to); err != nil {
		return fmt.Errorf("%w: %w", ErrNetworkSetup, err)
	}
	var actions []*crac.NetworkAction
	for _, id := range append(append([]string(nil), pr.Forced...), pr.Activated...) {
		na, err := o.crac.NetworkAction(id)
		if err != nil {
			return err
		}
		actions = append(actions, na)
	}
	if err := network.ApplyNetworkActions(o.model, n, actions); err != nil {
		return fmt.Errorf("%w: perimeter %s: %w", ErrNetworkSetup, pr.ID, err)
	}
	byID := make(map[string]*crac.RangeAction)
	for _, ra := range o.crac.RangeActions() {
		byID[ra.ID] = ra
	}
	if err := network.ApplySetpoints(o.model, n, byID, pr.Setpoints); err != nil {
		return fmt.Errorf("%w: perimeter %s: %w", ErrNetworkSetup, pr.ID, err)
	}
	return nil
}

// perimeterPlan is a perimeter before its candidates are resolved.
type perimeterPlan struct {
	// state is where the decisions are activated.
	state *crac.State

	// states are every state covered, state first.
	states []*crac.State
}

type runPlan struct {
	preventive perimeterPlan

	// scenarios hold one perimeter chain per contingency with remedial
	// actions after the outage, in contingency order.
	scenarios [][]perimeterPlan
}

// plan partitions the states of the Crac into perimeters.
func (o *Orchestrator) plan(constrained crac.ConstraintFunc) runPlan {
	prev := o.crac.PreventiveState()
	p := runPlan{preventive: perimeterPlan{state: prev, states: []*crac.State{prev}}}
	for _, co := range o.crac.Contingencies() {
		var chain []perimeterPlan
		for _, s := range o.crac.StatesOf(co.ID) {
			if !s.Instant.IsOutage() && o.crac.HasRemedialActions(s, constrained) {
				chain = append(chain, perimeterPlan{state: s, states: []*crac.State{s}})
				continue
			}
			if len(chain) == 0 {
				p.preventive.states = append(p.preventive.states, s)
				continue
			}
			last := &chain[len(chain)-1]
			last.states = append(last.states, s)
		}
		if len(chain) > 0 {
			p.scenarios = append(p.scenarios, chain)
		}
	}
	return p
}

// constrainedBy reports a Cnec as constrained when its margin in sens is
// negative. Cnecs without a value are secure.
func constrainedBy(c *crac.Crac, sens *sensitivity.Result) crac.ConstraintFunc {
	return func(id string) bool {
		cnec, err := c.Cnec(id)
		if err != nil {
			return false
		}
		if _, ok := sens.Value(id); !ok {
			return false
		}
		return sens.Margin(cnec) < 0
	}
}

func stateIDs(states []*crac.State) []string {
	out := make([]string, 0, len(states))
	for _, s := range states {
		out = append(out, s.ID())
	}
	return out
}

func actionIDs(actions []*crac.NetworkAction) []string {
	out := make([]string, 0, len(actions))
	for _, a := range actions {
		out = append(out, a.ID)
	}
	return out
}
