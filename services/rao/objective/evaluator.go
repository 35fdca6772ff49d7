// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package objective scores sensitivity results and aggregates perimeter
// costs into the functional cost of a whole run.
//
// The functional cost of a state is minus the worst margin over its
// optimized Cnecs, so negative costs mean secure. Virtual costs are
// penalties added on top: the sensitivity failure overcost and the MNEC
// violation cost.
package objective

import (
	"math"
	"sort"

	"github.com/AleutianAI/gridrao/services/rao/crac"
	"github.com/AleutianAI/gridrao/services/rao/sensitivity"
)

// Names of the virtual costs.
const (
	VirtualSensitivityFailure = "sensitivity-failure-cost"
	VirtualMnecViolation      = "mnec-violation-cost"
)

// Params configures the evaluator.
type Params struct {
	// SensitivityFailureOvercost is the cost of a perimeter whose
	// sensitivity computation failed.
	SensitivityFailureOvercost float64 `json:"sensitivity_failure_overcost" yaml:"sensitivity_failure_overcost" validate:"gte=0"`

	// MnecAcceptableMarginDecrease is how much an MNEC may lose before its
	// violation is charged.
	MnecAcceptableMarginDecrease float64 `json:"mnec_acceptable_margin_decrease" yaml:"mnec_acceptable_margin_decrease" validate:"gte=0"`

	// MnecViolationCost is charged per unit of MNEC violation.
	MnecViolationCost float64 `json:"mnec_violation_cost" yaml:"mnec_violation_cost" validate:"gte=0"`
}

// DefaultParams returns the default evaluator parameters.
func DefaultParams() Params {
	return Params{
		SensitivityFailureOvercost:   10000,
		MnecAcceptableMarginDecrease: 50,
		MnecViolationCost:            10,
	}
}

// StateCost is the cost of one state.
type StateCost struct {
	StateID string

	// HasCost is false when the state has no optimized Cnec. Such a state
	// is left out of every aggregate.
	HasCost bool

	Functional float64
	Status     sensitivity.ComputationStatus
}

// Result is the immutable score of one perimeter situation.
type Result struct {
	// Margins holds the margin of every evaluated Cnec by ID.
	Margins map[string]float64

	// States holds the cost of every state by ID.
	States map[string]StateCost

	// HasCost is false when no state has a cost and none failed.
	HasCost bool

	// FunctionalCost is the worst state cost.
	FunctionalCost float64

	// VirtualCosts holds each virtual cost by name.
	VirtualCosts map[string]float64

	// Limiting lists optimized Cnec IDs, worst margin first.
	Limiting []string

	// Status is the global computation status of the perimeter.
	Status sensitivity.ComputationStatus
}

// VirtualCost returns the sum of the virtual costs.
func (r *Result) VirtualCost() float64 {
	names := make([]string, 0, len(r.VirtualCosts))
	for name := range r.VirtualCosts {
		names = append(names, name)
	}
	sort.Strings(names)
	total := 0.0
	for _, name := range names {
		total += r.VirtualCosts[name]
	}
	return total
}

// Cost returns the functional plus the virtual cost.
func (r *Result) Cost() float64 {
	return r.FunctionalCost + r.VirtualCost()
}

// MinMargin returns the worst optimized margin, +Inf without optimized Cnecs.
func (r *Result) MinMargin() float64 {
	if len(r.Limiting) == 0 {
		return math.Inf(1)
	}
	return r.Margins[r.Limiting[0]]
}

// Failed reports whether any state of the perimeter failed.
func (r *Result) Failed() bool {
	return r.Status != sensitivity.StatusDefault
}

// PerimeterCost converts the result into the cost of a perimeter at instant.
func (r *Result) PerimeterCost(instant *crac.Instant, contingencyID string) PerimeterCost {
	return PerimeterCost{
		Instant:       instant,
		ContingencyID: contingencyID,
		HasCost:       r.HasCost,
		Functional:    r.FunctionalCost,
		Virtual:       r.VirtualCost(),
	}
}

// Evaluator scores sensitivity results.
//
// Thread Safety: Safe for concurrent use.
type Evaluator struct {
	params Params
}

// NewEvaluator creates an evaluator.
func NewEvaluator(params Params) *Evaluator {
	return &Evaluator{params: params}
}

// Params returns the evaluator parameters.
func (e *Evaluator) Params() Params {
	return e.params
}

// Input is what Evaluate scores.
type Input struct {
	// Cnecs are the Cnecs of the perimeter, optimized and monitored.
	Cnecs []*crac.Cnec

	// Sensitivity is the computation to score.
	Sensitivity *sensitivity.Result

	// InitialMargins are MNEC margins before optimization. A missing entry
	// means the MNEC was secure.
	InitialMargins map[string]float64
}

// Evaluate scores a perimeter.
//
// Description:
//
//	Each state costs minus the worst margin over its optimized Cnecs. A
//	failed state has no functional cost; the perimeter gets the failure
//	overcost once instead, so a perimeter whose every state failed costs
//	exactly the overcost. MNECs are charged MnecViolationCost per unit
//	below min(0, initial margin - acceptable decrease).
//
// Outputs:
//   - *Result: Never nil. Iteration is sorted, results are deterministic.
func (e *Evaluator) Evaluate(in Input) *Result {
	res := &Result{
		Margins:      make(map[string]float64),
		States:       make(map[string]StateCost),
		VirtualCosts: make(map[string]float64),
		Status:       sensitivity.StatusDefault,
	}

	cnecs := append([]*crac.Cnec(nil), in.Cnecs...)
	sort.Slice(cnecs, func(i, j int) bool { return cnecs[i].ID < cnecs[j].ID })

	failed := 0
	mnecViolation := 0.0
	for _, c := range cnecs {
		stateID := c.State.ID()
		sc, seen := res.States[stateID]
		if !seen {
			sc = StateCost{StateID: stateID, Status: in.Sensitivity.StatusFor(stateID), Functional: math.Inf(-1)}
			if sc.Status == sensitivity.StatusFailure {
				failed++
			}
		}
		if sc.Status == sensitivity.StatusFailure {
			res.States[stateID] = sc
			continue
		}

		margin := in.Sensitivity.Margin(c)
		res.Margins[c.ID] = margin
		if c.Optimized {
			sc.HasCost = true
			sc.Functional = math.Max(sc.Functional, -margin)
		}
		if c.Monitored {
			initial, ok := in.InitialMargins[c.ID]
			if !ok {
				initial = math.Inf(1)
			}
			floor := math.Min(0, initial-e.params.MnecAcceptableMarginDecrease)
			if margin < floor {
				mnecViolation += floor - margin
			}
		}
		res.States[stateID] = sc
	}

	res.FunctionalCost = math.Inf(-1)
	for id, sc := range res.States {
		if !sc.HasCost {
			sc.Functional = 0
			res.States[id] = sc
			continue
		}
		res.HasCost = true
		res.FunctionalCost = math.Max(res.FunctionalCost, sc.Functional)
	}
	if !res.HasCost {
		res.FunctionalCost = 0
	}

	if failed > 0 {
		res.HasCost = true
		res.VirtualCosts[VirtualSensitivityFailure] = e.params.SensitivityFailureOvercost
		res.Status = sensitivity.StatusPartialFailure
		if failed == len(res.States) {
			res.Status = sensitivity.StatusFailure
		}
	}
	if mnecViolation > 0 {
		res.VirtualCosts[VirtualMnecViolation] = e.params.MnecViolationCost * mnecViolation
	}

	for _, c := range cnecs {
		if _, ok := res.Margins[c.ID]; ok && c.Optimized {
			res.Limiting = append(res.Limiting, c.ID)
		}
	}
	sort.SliceStable(res.Limiting, func(i, j int) bool {
		return res.Margins[res.Limiting[i]] < res.Margins[res.Limiting[j]]
	})
	return res
}

// Cost returns a scoring function over sensitivity results for a fixed
// perimeter, usable by the range optimizer.
func (e *Evaluator) Cost(cnecs []*crac.Cnec, initialMargins map[string]float64) func(*sensitivity.Result) float64 {
	return func(r *sensitivity.Result) float64 {
		return e.Evaluate(Input{Cnecs: cnecs, Sensitivity: r, InitialMargins: initialMargins}).Cost()
	}
}
