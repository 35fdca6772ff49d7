// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package rangeopt optimizes the range actions of a perimeter by iterating
// linear programs and sensitivity computations.
//
// # Description
//
// The linear program is a local linearization of a non-linear grid
// response. The optimizer solves it, applies the setpoints, recomputes
// sensitivities and repeats until the setpoints stop moving or the cost
// stops improving. It keeps the best iterate, not the last one, rounds
// phase shifters to taps and validates the rounded point once.
//
// # Thread Safety
//
// An Optimizer is safe for concurrent use. Each call mutates only the
// network it is given, which the caller must own exclusively.
package rangeopt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/gridrao/services/rao/crac"
	"github.com/AleutianAI/gridrao/services/rao/linearproblem"
	"github.com/AleutianAI/gridrao/services/rao/network"
	"github.com/AleutianAI/gridrao/services/rao/observability"
	"github.com/AleutianAI/gridrao/services/rao/sensitivity"
)

const tracerName = "gridrao.rangeopt"

// Status is the computation status of an optimization.
type Status int

const (
	// StatusOptimized means the loop ran and the result is valid.
	StatusOptimized Status = iota

	// StatusSensitivityFailure means a sensitivity computation diverged.
	// The objective function applies the failure overcost.
	StatusSensitivityFailure

	// StatusLpDegraded means the linear program had no solution. The
	// setpoints from before the failed iteration are returned.
	StatusLpDegraded
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusOptimized:
		return "optimized"
	case StatusSensitivityFailure:
		return "sensitivity_failure"
	case StatusLpDegraded:
		return "lp_degraded"
	default:
		return "unknown"
	}
}

// Params controls the iteration loop.
type Params struct {
	// MaxIterations bounds the number of LP solves.
	MaxIterations int `json:"max_iterations" yaml:"max_iterations" validate:"gte=1"`

	// ConvergenceTolerance stops the loop when the cost improves by less.
	ConvergenceTolerance float64 `json:"convergence_tolerance" yaml:"convergence_tolerance" validate:"gte=0"`

	// SetpointTolerance stops the loop when no setpoint moves by more.
	SetpointTolerance float64 `json:"setpoint_tolerance" yaml:"setpoint_tolerance" validate:"gte=0"`

	// Linear holds the formulation parameters.
	Linear linearproblem.Params `json:"linear" yaml:"linear"`
}

// DefaultParams returns the default loop parameters.
func DefaultParams() Params {
	return Params{
		MaxIterations:        10,
		ConvergenceTolerance: 0.01,
		SetpointTolerance:    1e-4,
		Linear:               linearproblem.DefaultParams(),
	}
}

// CostFunc scores a sensitivity result. Lower is better.
type CostFunc func(*sensitivity.Result) float64

// Input describes one perimeter optimization.
type Input struct {
	// Network is the leased network. It is left on the returned setpoints.
	Network network.Network

	// Cnecs are every Cnec of the perimeter states, optimized or monitored.
	Cnecs []*crac.Cnec

	// RangeActions are the range actions available in the perimeter.
	RangeActions []*crac.RangeAction

	// PrePerimeter holds the setpoints at the start of the perimeter, which
	// relative ranges and variation penalties refer to. Missing entries
	// use the setpoint read from Network.
	PrePerimeter map[string]float64

	// PreviousTimeStep holds setpoints chosen for the previous time step.
	PreviousTimeStep map[string]float64

	// InitialMargins are MNEC margins before any optimization.
	InitialMargins map[string]float64

	// Sensitivity is an optional result already computed on Network.
	Sensitivity *sensitivity.Result

	// Cost scores iterates. Nil uses the worst optimized margin.
	Cost CostFunc
}

// Result is the outcome of Optimize.
type Result struct {
	Status Status

	// Setpoints and Taps are the applied setpoints; Taps only for PSTs.
	Setpoints map[string]float64
	Taps      map[string]int

	// Sensitivity is the result at Setpoints.
	Sensitivity *sensitivity.Result

	Cost       float64
	Iterations int
	Detail     string
}

// Optimizer runs the iterating linear optimization.
type Optimizer struct {
	model     network.Model
	evaluator sensitivity.Evaluator
	backend   linearproblem.Backend
	params    Params
	logger    *slog.Logger
	metrics   *observability.Metrics
	tracer    trace.Tracer
}

// NewOptimizer creates an optimizer.
//
// Inputs:
//   - model: Grid model used to read and apply setpoints.
//   - evaluator: Sensitivity service.
//   - backend: LP backend.
//   - params: Loop parameters.
//
// Outputs:
//   - *Optimizer: The optimizer.
func NewOptimizer(model network.Model, evaluator sensitivity.Evaluator, backend linearproblem.Backend, params Params) *Optimizer {
	if params.MaxIterations <= 0 {
		params.MaxIterations = 1
	}
	return &Optimizer{
		model:     model,
		evaluator: evaluator,
		backend:   backend,
		params:    params,
		logger:    slog.Default(),
		tracer:    otel.Tracer(tracerName),
	}
}

// WithLogger sets the logger.
func (o *Optimizer) WithLogger(logger *slog.Logger) *Optimizer {
	if logger != nil {
		o.logger = logger
	}
	return o
}

// WithTracer sets the tracer. Defaults to the global provider.
func (o *Optimizer) WithTracer(tracer trace.Tracer) *Optimizer {
	if tracer != nil {
		o.tracer = tracer
	}
	return o
}

// WithMetrics sets the metrics sink.
func (o *Optimizer) WithMetrics(m *observability.Metrics) *Optimizer {
	o.metrics = m
	return o
}

// Params returns the loop parameters.
func (o *Optimizer) Params() Params {
	return o.params
}

// iterate is one evaluated point of the loop.
type iterate struct {
	setpoints map[string]float64
	sens      *sensitivity.Result
	cost      float64
}

// Optimize runs the loop on in.Network.
//
// Description:
//
//	Returns the best iterate seen, with PST setpoints rounded to taps and
//	validated by one final sensitivity computation. The network is left
//	on the returned setpoints.
//
// Outputs:
//   - *Result: The optimization result. Sensitivity failures and LP
//     failures are reported through Status.
//   - error: Context errors, *crac.ModelError for inconsistent domains,
//     linearproblem.ErrSolverUnavailable and sensitivity service errors.
func (o *Optimizer) Optimize(ctx context.Context, in Input) (*Result, error) {
	if in.Network == nil {
		return nil, ErrNilNetwork
	}
	ctx, span := o.tracer.Start(ctx, "rao.linear.optimize",
		trace.WithAttributes(
			attribute.String("rao.network_id", in.Network.ID()),
			attribute.Int("rao.range_actions", len(in.RangeActions)),
			attribute.Int("rao.cnecs", len(in.Cnecs)),
		))
	defer span.End()

	res, err := o.optimize(ctx, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("rao.status", res.Status.String()),
		attribute.Int("rao.iterations", res.Iterations),
		attribute.Float64("rao.cost", res.Cost),
	)
	o.metrics.RecordIterations(res.Iterations)
	return res, nil
}

func (o *Optimizer) optimize(ctx context.Context, in Input) (*Result, error) {
	ras := append([]*crac.RangeAction(nil), in.RangeActions...)
	sort.Slice(ras, func(i, j int) bool { return ras[i].ID < ras[j].ID })
	byID := make(map[string]*crac.RangeAction, len(ras))
	for _, ra := range ras {
		byID[ra.ID] = ra
	}

	cost := in.Cost
	if cost == nil {
		cost = WorstMarginCost(in.Cnecs)
	}

	start, err := network.ReadSetpoints(o.model, in.Network, ras)
	if err != nil {
		return nil, fmt.Errorf("read setpoints: %w", err)
	}
	refs := make(map[string]crac.DomainReference, len(ras))
	domains := make(map[string]linearproblem.Domain, len(ras))
	prePerimeter := make(map[string]float64, len(ras))
	for _, ra := range ras {
		ref := crac.DomainReference{PrePerimeter: start[ra.ID], Initial: ra.InitialSetpoint}
		if v, ok := in.PrePerimeter[ra.ID]; ok {
			ref.PrePerimeter = v
		}
		if v, ok := in.PreviousTimeStep[ra.ID]; ok {
			ref.PreviousTimeStep, ref.HasPreviousTimeStep = v, true
		}
		lo, hi, err := ra.Domain(ref)
		if err != nil {
			return nil, err
		}
		refs[ra.ID] = ref
		domains[ra.ID] = linearproblem.Domain{Min: lo, Max: hi}
		prePerimeter[ra.ID] = ref.PrePerimeter
	}

	sens := in.Sensitivity
	if sens == nil {
		if sens, err = o.evaluator.Evaluate(ctx, in.Network, in.Cnecs, ras); err != nil {
			return nil, err
		}
	}
	best := iterate{setpoints: start, sens: sens, cost: cost(sens)}
	if failedState(sens, in.Cnecs) != "" {
		return o.finish(best, StatusSensitivityFailure, 0, "sensitivity failed before optimization", nil), nil
	}

	if len(ras) == 0 {
		return o.finish(best, StatusOptimized, 0, "", nil), nil
	}

	var optimized, monitored []*crac.Cnec
	for _, c := range in.Cnecs {
		if c.Optimized {
			optimized = append(optimized, c)
		}
		if c.Monitored {
			monitored = append(monitored, c)
		}
	}

	status := StatusOptimized
	detail := ""
	last := best
	applied := start
	iterations := 0

	// step runs one iteration and reports whether the loop should stop.
	step := func(ctx context.Context, span trace.Span) (bool, error) {
		problem, err := linearproblem.Build(linearproblem.BuildInput{
			Cnecs:          optimized,
			Mnecs:          monitored,
			RangeActions:   ras,
			Sensitivity:    last.sens,
			Setpoints:      last.setpoints,
			Domains:        domains,
			References:     prePerimeter,
			InitialMargins: in.InitialMargins,
			Params:         o.params.Linear,
		})
		if err != nil {
			return true, fmt.Errorf("build linear problem: %w", err)
		}
		sol, err := o.backend.Solve(ctx, problem)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return true, err
			}
			if !errors.Is(err, linearproblem.ErrSolverUnavailable) {
				err = fmt.Errorf("%w: %w", linearproblem.ErrSolverUnavailable, err)
			}
			return true, err
		}
		o.metrics.RecordSolve(sol.Status.String())
		span.SetAttributes(attribute.String("rao.lp_status", sol.Status.String()))
		if sol.Status != linearproblem.SolveOptimal {
			status = StatusLpDegraded
			detail = fmt.Sprintf("iteration %d: lp %s: %s", iterations, sol.Status, sol.Detail)
			o.logger.Warn("linear problem has no solution, keeping previous setpoints",
				slog.String("network_id", in.Network.ID()),
				slog.Int("iteration", iterations),
				slog.String("lp_status", sol.Status.String()),
				slog.String("detail", sol.Detail))
			return true, nil
		}

		next := make(map[string]float64, len(ras))
		moved := 0.0
		for _, ra := range ras {
			v, _ := sol.Setpoint(ra.ID)
			d := domains[ra.ID]
			v = math.Min(math.Max(v, d.Min), d.Max)
			next[ra.ID] = v
			moved = math.Max(moved, math.Abs(v-last.setpoints[ra.ID]))
		}
		span.SetAttributes(attribute.Float64("rao.moved", moved))
		if moved <= o.params.SetpointTolerance {
			return true, nil
		}

		if err := network.ApplySetpoints(o.model, in.Network, byID, next); err != nil {
			return true, fmt.Errorf("%w: %w", ErrApplySetpoints, err)
		}
		applied = next
		nextSens, err := o.evaluator.Evaluate(ctx, in.Network, in.Cnecs, ras)
		if err != nil {
			return true, err
		}
		if failedState(nextSens, in.Cnecs) != "" {
			o.logger.Debug("iterate diverged, keeping best setpoints",
				slog.String("network_id", in.Network.ID()),
				slog.Int("iteration", iterations))
			span.SetAttributes(attribute.Bool("rao.diverged", true))
			return true, nil
		}
		cur := iterate{setpoints: next, sens: nextSens, cost: cost(nextSens)}
		improvement := best.cost - cur.cost
		span.SetAttributes(attribute.Float64("rao.cost", cur.cost))
		o.logger.Debug("linear iteration",
			slog.String("network_id", in.Network.ID()),
			slog.Int("iteration", iterations),
			slog.Float64("cost", cur.cost),
			slog.Float64("improvement", improvement))
		if cur.cost < best.cost {
			best = cur
		}
		last = cur
		return improvement < o.params.ConvergenceTolerance, nil
	}

	for iterations < o.params.MaxIterations {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		iterations++
		iterCtx, span := o.tracer.Start(ctx, "rao.linear.iteration",
			trace.WithAttributes(attribute.Int("rao.iteration", iterations)))
		stop, err := step(iterCtx, span)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()
			return nil, err
		}
		span.End()
		if stop {
			break
		}
	}

	return o.round(ctx, in, ras, byID, refs, best, applied, status, iterations, detail, cost)
}

// round moves PSTs to taps, re-applies the best iterate if needed and
// validates the rounded point.
func (o *Optimizer) round(ctx context.Context, in Input, ras []*crac.RangeAction, byID map[string]*crac.RangeAction,
	refs map[string]crac.DomainReference, best iterate, applied map[string]float64,
	status Status, iterations int, detail string, cost CostFunc) (*Result, error) {

	final := make(map[string]float64, len(best.setpoints))
	taps := make(map[string]int)
	rounded := false
	for _, ra := range ras {
		sp := best.setpoints[ra.ID]
		if !ra.IsPst() {
			final[ra.ID] = sp
			continue
		}
		angle, tap, err := roundPst(ra, sp, refs[ra.ID], best.sens, in.Cnecs)
		if err != nil {
			return nil, err
		}
		final[ra.ID] = angle
		taps[ra.ID] = tap
		if angle != sp {
			rounded = true
		}
	}

	if !sameSetpoints(final, applied) {
		if err := network.ApplySetpoints(o.model, in.Network, byID, final); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrApplySetpoints, err)
		}
	}

	out := best
	out.setpoints = final
	if rounded {
		sens, err := o.evaluator.Evaluate(ctx, in.Network, in.Cnecs, ras)
		if err != nil {
			return nil, err
		}
		out.sens = sens
		out.cost = cost(sens)
		if failedState(sens, in.Cnecs) != "" {
			status = StatusSensitivityFailure
			detail = "sensitivity failed on rounded setpoints"
		}
	}
	return o.finish(out, status, iterations, detail, taps), nil
}

func (o *Optimizer) finish(it iterate, status Status, iterations int, detail string, taps map[string]int) *Result {
	if taps == nil {
		taps = make(map[string]int)
	}
	return &Result{
		Status:      status,
		Setpoints:   it.setpoints,
		Taps:        taps,
		Sensitivity: it.sens,
		Cost:        it.cost,
		Iterations:  iterations,
		Detail:      detail,
	}
}

// WorstMarginCost returns a CostFunc equal to minus the worst margin over
// the optimized Cnecs. A failed state costs +Inf.
func WorstMarginCost(cnecs []*crac.Cnec) CostFunc {
	return func(r *sensitivity.Result) float64 {
		worst := math.Inf(1)
		for _, c := range cnecs {
			if !c.Optimized {
				continue
			}
			worst = math.Min(worst, r.Margin(c))
		}
		if math.IsInf(worst, 1) {
			return 0
		}
		return -worst
	}
}

// failedState returns the first failed state among the states of cnecs.
func failedState(r *sensitivity.Result, cnecs []*crac.Cnec) string {
	if r.Status == sensitivity.StatusFailure {
		return "all"
	}
	for _, c := range cnecs {
		if id := c.State.ID(); r.Failed(id) {
			return id
		}
	}
	return ""
}

func sameSetpoints(a, b map[string]float64) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if w, ok := b[k]; !ok || w != v {
			return false
		}
	}
	return true
}
