// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package linearproblem

import (
	"fmt"
	"math"

	"github.com/AleutianAI/gridrao/services/rao/crac"
	"github.com/AleutianAI/gridrao/services/rao/sensitivity"
)

// Domain is the allowed setpoint interval of a range action.
type Domain struct {
	Min float64
	Max float64
}

// Params holds the cost and precision parameters of the formulation.
type Params struct {
	// Penalty per unit of setpoint variation, by range action kind.
	// A positive RangeAction.VariationCost overrides them.
	PstPenaltyCost       float64 `json:"pst_penalty_cost" yaml:"pst_penalty_cost" validate:"gte=0"`
	HvdcPenaltyCost      float64 `json:"hvdc_penalty_cost" yaml:"hvdc_penalty_cost" validate:"gte=0"`
	InjectionPenaltyCost float64 `json:"injection_penalty_cost" yaml:"injection_penalty_cost" validate:"gte=0"`

	// MnecAcceptableMarginDecrease is how much an overloaded MNEC may worsen.
	MnecAcceptableMarginDecrease float64 `json:"mnec_acceptable_margin_decrease" yaml:"mnec_acceptable_margin_decrease" validate:"gte=0"`

	// MnecViolationCost is the objective cost per unit of MNEC violation.
	MnecViolationCost float64 `json:"mnec_violation_cost" yaml:"mnec_violation_cost" validate:"gte=0"`

	// PrecisionBits is passed to RoundToPrecision.
	PrecisionBits int `json:"precision_bits" yaml:"precision_bits" validate:"gte=0,lte=52"`
}

// DefaultParams returns the default formulation parameters.
func DefaultParams() Params {
	return Params{
		PstPenaltyCost:               0.01,
		HvdcPenaltyCost:              0.001,
		InjectionPenaltyCost:         0.001,
		MnecAcceptableMarginDecrease: 50,
		MnecViolationCost:            10,
		PrecisionBits:                DefaultPrecisionBits,
	}
}

// PenaltyFor returns the variation penalty of a range action.
func (p Params) PenaltyFor(ra *crac.RangeAction) float64 {
	if ra.VariationCost > 0 {
		return ra.VariationCost
	}
	switch ra.Kind {
	case crac.KindPst:
		return p.PstPenaltyCost
	case crac.KindHvdc:
		return p.HvdcPenaltyCost
	default:
		return p.InjectionPenaltyCost
	}
}

// BuildInput is everything Build reads.
type BuildInput struct {
	// Cnecs are the optimized elements whose worst margin is maximized.
	Cnecs []*crac.Cnec

	// Mnecs are the monitored elements that must not degrade.
	Mnecs []*crac.Cnec

	// RangeActions are the controls of the perimeter.
	RangeActions []*crac.RangeAction

	// Sensitivity holds the values and sensitivities at the linearization point.
	Sensitivity *sensitivity.Result

	// Setpoints is the linearization point, by range action ID.
	Setpoints map[string]float64

	// Domains bound each setpoint, by range action ID.
	Domains map[string]Domain

	// References are the pre-perimeter setpoints variations are measured from.
	References map[string]float64

	// InitialMargins are the MNEC margins before optimization, by Cnec ID.
	// A missing entry means the MNEC was secure.
	InitialMargins map[string]float64

	Params Params
}

// Build formulates the linear problem of one iteration.
//
// Description:
//
//	Variables: a setpoint x_r and an absolute variation d_r per range
//	action, a worst margin m when there are CNECs, a violation v_c per MNEC.
//	For each CNEC side with threshold T and present value F0:
//
//	  upper: m + Σ s_r x_r <= T - F0 + Σ s_r x0_r
//	  lower: m - Σ s_r x_r <= F0 - T - Σ s_r x0_r
//
//	MNEC sides use the same linearization with the margin floor
//	min(0, initial margin - acceptable decrease) and the slack v_c.
//	Variations satisfy d_r >= |x_r - ref_r|. The objective is
//	-m + Σ penalty_r d_r + mnecCost Σ v_c.
//
//	Every coefficient and bound goes through RoundToPrecision.
//
// Outputs:
//   - *LinearProblem: The formulated problem.
//   - error: ErrMissingInput if a value, setpoint or domain is missing.
func Build(in BuildInput) (*LinearProblem, error) {
	if in.Sensitivity == nil {
		return nil, fmt.Errorf("%w: sensitivity result", ErrMissingInput)
	}
	bits := in.Params.PrecisionBits
	round := func(v float64) float64 { return RoundToPrecision(v, bits) }

	p := New()
	setpointVar := make(map[string]int, len(in.RangeActions))
	for _, ra := range in.RangeActions {
		dom, ok := in.Domains[ra.ID]
		if !ok {
			return nil, fmt.Errorf("%w: domain of %s", ErrMissingInput, ra.ID)
		}
		if _, ok := in.Setpoints[ra.ID]; !ok {
			return nil, fmt.Errorf("%w: setpoint of %s", ErrMissingInput, ra.ID)
		}
		ref, ok := in.References[ra.ID]
		if !ok {
			ref = in.Setpoints[ra.ID]
		}

		x := p.AddVariable(SetpointVariable(ra.ID), round(dom.Min), round(dom.Max))
		setpointVar[ra.ID] = x

		maxVariation := math.Max(math.Abs(dom.Max-ref), math.Abs(dom.Min-ref))
		d := p.AddVariable(VariationVariable(ra.ID), 0, round(maxVariation))
		p.SetCost(d, round(in.Params.PenaltyFor(ra)))

		// d >= x - ref and d >= ref - x
		p.AddConstraint("variation_up:"+ra.ID, math.Inf(-1), round(ref), Term{x, 1}, Term{d, -1})
		p.AddConstraint("variation_down:"+ra.ID, round(ref), math.Inf(1), Term{x, 1}, Term{d, 1})
	}

	// linear part of the flow: Σ s_r x_r, and its value at the linearization point
	linearize := func(cnec *crac.Cnec) ([]Term, float64) {
		terms := make([]Term, 0, len(in.RangeActions))
		offset := 0.0
		for _, ra := range in.RangeActions {
			s := round(in.Sensitivity.Sensitivity(cnec.ID, ra.ID))
			if s == 0 {
				continue
			}
			terms = append(terms, Term{setpointVar[ra.ID], s})
			offset += s * in.Setpoints[ra.ID]
		}
		return terms, offset
	}

	if len(in.Cnecs) > 0 {
		m := p.AddVariable(MinMarginVariable, math.Inf(-1), math.Inf(1))
		p.SetCost(m, -1)
		for _, cnec := range in.Cnecs {
			value, ok := in.Sensitivity.Value(cnec.ID)
			if !ok {
				return nil, fmt.Errorf("%w: value of cnec %s", ErrMissingInput, cnec.ID)
			}
			terms, offset := linearize(cnec)
			if upper, ok := cnec.UpperBound(); ok {
				row := append([]Term{{m, 1}}, terms...)
				p.AddConstraint("cnec_upper:"+cnec.ID, math.Inf(-1), round(upper-value+offset), row...)
			}
			if lower, ok := cnec.LowerBound(); ok {
				row := append([]Term{{m, 1}}, negate(terms)...)
				p.AddConstraint("cnec_lower:"+cnec.ID, math.Inf(-1), round(value-lower-offset), row...)
			}
		}
	}

	for _, mnec := range in.Mnecs {
		value, ok := in.Sensitivity.Value(mnec.ID)
		if !ok {
			return nil, fmt.Errorf("%w: value of mnec %s", ErrMissingInput, mnec.ID)
		}
		initial, ok := in.InitialMargins[mnec.ID]
		if !ok {
			initial = math.Inf(1)
		}
		floor := math.Min(0, initial-in.Params.MnecAcceptableMarginDecrease)

		v := p.AddVariable(MnecViolationVariable(mnec.ID), 0, math.Inf(1))
		p.SetCost(v, round(in.Params.MnecViolationCost))
		terms, offset := linearize(mnec)
		// margin >= floor - v
		if upper, ok := mnec.UpperBound(); ok {
			row := append([]Term{{v, -1}}, terms...)
			p.AddConstraint("mnec_upper:"+mnec.ID, math.Inf(-1), round(upper-floor-value+offset), row...)
		}
		if lower, ok := mnec.LowerBound(); ok {
			row := append([]Term{{v, -1}}, negate(terms)...)
			p.AddConstraint("mnec_lower:"+mnec.ID, math.Inf(-1), round(value-lower-floor-offset), row...)
		}
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func negate(terms []Term) []Term {
	out := make([]Term, len(terms))
	for i, t := range terms {
		out[i] = Term{t.Variable, -t.Coefficient}
	}
	return out
}
