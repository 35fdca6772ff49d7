// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package objective

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/gridrao/services/rao/crac"
	"github.com/AleutianAI/gridrao/services/rao/sensitivity"
)

var (
	preventive = &crac.Instant{ID: "preventive", Kind: crac.InstantPreventive, Order: 0}
	outage     = &crac.Instant{ID: "outage", Kind: crac.InstantOutage, Order: 1}
	auto       = &crac.Instant{ID: "auto", Kind: crac.InstantAuto, Order: 2}
	curative   = &crac.Instant{ID: "curative", Kind: crac.InstantCurative, Order: 3}

	coA = &crac.Contingency{ID: "co-a"}

	preventiveState = &crac.State{Instant: preventive}
	curativeState   = &crac.State{Instant: curative, Contingency: coA}
)

func TestEvaluate_WorstMargin(t *testing.T) {
	cnecs := []*crac.Cnec{
		{ID: "a", State: preventiveState, Max: crac.Float(100), Optimized: true},
		{ID: "b", State: preventiveState, Max: crac.Float(100), Optimized: true},
		{ID: "c", State: curativeState, Max: crac.Float(200), Optimized: true},
	}
	r := sensitivity.NewResult()
	r.SetValue("a", 90)
	r.SetValue("b", 110)
	r.SetValue("c", 150)

	res := NewEvaluator(DefaultParams()).Evaluate(Input{Cnecs: cnecs, Sensitivity: r})

	assert.True(t, res.HasCost)
	assert.InDelta(t, 10, res.FunctionalCost, 1e-9)
	assert.InDelta(t, 10, res.States["preventive"].Functional, 1e-9)
	assert.InDelta(t, -50, res.States[curativeState.ID()].Functional, 1e-9)
	assert.Equal(t, []string{"b", "a", "c"}, res.Limiting)
	assert.InDelta(t, -10, res.MinMargin(), 1e-9)
	assert.Zero(t, res.VirtualCost())
	assert.False(t, res.Failed())
}

func TestEvaluate_PureMnecStateHasNoCost(t *testing.T) {
	cnecs := []*crac.Cnec{
		{ID: "m", State: preventiveState, Max: crac.Float(100), Monitored: true},
	}
	r := sensitivity.NewResult()
	r.SetValue("m", 50)

	res := NewEvaluator(DefaultParams()).Evaluate(Input{Cnecs: cnecs, Sensitivity: r})
	assert.False(t, res.HasCost)
	assert.False(t, res.States["preventive"].HasCost)
	assert.Zero(t, res.Cost())
	assert.True(t, math.IsInf(res.MinMargin(), 1))
}

// A failed perimeter costs exactly the overcost.
func TestEvaluate_SensitivityFailure(t *testing.T) {
	cnecs := []*crac.Cnec{
		{ID: "c", State: curativeState, Max: crac.Float(200), Optimized: true},
	}
	r := sensitivity.NewResult()
	r.StateStatus[curativeState.ID()] = sensitivity.StatusFailure
	r.FinalizeStatus()

	params := DefaultParams()
	params.SensitivityFailureOvercost = 5000
	res := NewEvaluator(params).Evaluate(Input{Cnecs: cnecs, Sensitivity: r})

	assert.True(t, res.HasCost)
	assert.Equal(t, 5000.0, res.Cost())
	assert.Equal(t, sensitivity.StatusFailure, res.Status)
	assert.Equal(t, 5000.0, res.VirtualCosts[VirtualSensitivityFailure])
}

func TestEvaluate_PartialFailure(t *testing.T) {
	cnecs := []*crac.Cnec{
		{ID: "a", State: preventiveState, Max: crac.Float(100), Optimized: true},
		{ID: "c", State: curativeState, Max: crac.Float(200), Optimized: true},
	}
	r := sensitivity.NewResult()
	r.SetValue("a", 120)
	r.StateStatus["preventive"] = sensitivity.StatusDefault
	r.StateStatus[curativeState.ID()] = sensitivity.StatusFailure

	res := NewEvaluator(DefaultParams()).Evaluate(Input{Cnecs: cnecs, Sensitivity: r})
	assert.Equal(t, sensitivity.StatusPartialFailure, res.Status)
	assert.InDelta(t, 20+DefaultParams().SensitivityFailureOvercost, res.Cost(), 1e-9)
}

func TestEvaluate_MnecViolation(t *testing.T) {
	mnec := &crac.Cnec{ID: "m", State: preventiveState, Max: crac.Float(100), Monitored: true}
	tests := []struct {
		name    string
		value   float64
		initial map[string]float64
		want    float64
	}{
		{"secure mnec stays secure", 95, nil, 0},
		{"secure mnec overloaded", 104, nil, 40},
		{"overloaded mnec within decrease", 160, map[string]float64{"m": -20}, 0},
		{"overloaded mnec beyond decrease", 175, map[string]float64{"m": -20}, 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := sensitivity.NewResult()
			r.SetValue("m", tt.value)
			res := NewEvaluator(DefaultParams()).Evaluate(Input{Cnecs: []*crac.Cnec{mnec}, Sensitivity: r, InitialMargins: tt.initial})
			assert.InDelta(t, tt.want, res.VirtualCosts[VirtualMnecViolation], 1e-9)
		})
	}
}

func TestEvaluator_Cost(t *testing.T) {
	cnecs := []*crac.Cnec{{ID: "a", State: preventiveState, Max: crac.Float(100), Optimized: true}}
	r := sensitivity.NewResult()
	r.SetValue("a", 70)
	assert.InDelta(t, -30, NewEvaluator(DefaultParams()).Cost(cnecs, nil)(r), 1e-9)
}

func perimetersFixture() (PerimeterCost, PerimeterCost, []PerimeterCost) {
	initial := PerimeterCost{HasCost: true, Functional: 80}
	prev := PerimeterCost{Instant: preventive, HasCost: true, Functional: 5, Virtual: 1}
	post := []PerimeterCost{
		{Instant: curative, ContingencyID: "co-b", HasCost: true, Functional: 30},
		{Instant: outage, ContingencyID: "co-a", HasCost: true, Functional: 10, Virtual: 2},
		{Instant: auto, ContingencyID: "co-a", HasCost: true, Functional: 20},
		{Instant: curative, ContingencyID: "co-a", HasCost: false, Functional: 999},
	}
	return initial, prev, post
}

func TestMaxCostComputer(t *testing.T) {
	c := NewMaxCostComputer(perimetersFixture())

	assert.Equal(t, 80.0, c.ComputeFunctionalCost(nil))
	assert.Equal(t, 5.0, c.ComputeFunctionalCost(preventive))
	assert.Equal(t, 10.0, c.ComputeFunctionalCost(outage))
	assert.Equal(t, 20.0, c.ComputeFunctionalCost(auto))
	assert.Equal(t, 30.0, c.ComputeFunctionalCost(curative), "perimeters without cost are excluded")
	assert.Equal(t, 3.0, c.ComputeVirtualCost(curative))
	assert.Equal(t, 33.0, c.ComputeCost(curative))

	instants := []*crac.Instant{preventive, outage, auto, curative}
	for i := 1; i < len(instants); i++ {
		assert.GreaterOrEqual(t, c.ComputeFunctionalCost(instants[i]), c.ComputeFunctionalCost(instants[i-1]))
	}
}

func TestTotalCostComputer(t *testing.T) {
	c := NewTotalCostComputer(perimetersFixture())

	assert.Equal(t, 80.0, c.ComputeFunctionalCost(nil))
	assert.Equal(t, 5.0, c.ComputeFunctionalCost(preventive))
	assert.Equal(t, 35.0, c.ComputeFunctionalCost(auto))
	assert.Equal(t, 65.0, c.ComputeFunctionalCost(curative))
	assert.Equal(t, 68.0, c.ComputeCost(curative))
}

func TestCostComputer_Deterministic(t *testing.T) {
	initial, prev, post := perimetersFixture()
	reversed := make([]PerimeterCost, len(post))
	for i := range post {
		reversed[len(post)-1-i] = post[i]
	}
	a := NewTotalCostComputer(initial, prev, post)
	b := NewTotalCostComputer(initial, prev, reversed)
	assert.Equal(t, a.ComputeCost(curative), b.ComputeCost(curative))
}

func TestMaxCostComputer_NothingCounted(t *testing.T) {
	c := NewMaxCostComputer(PerimeterCost{}, PerimeterCost{Instant: preventive}, nil)
	assert.Zero(t, c.ComputeFunctionalCost(curative))
}

func TestNewCostComputer(t *testing.T) {
	initial, prev, post := perimetersFixture()

	c, err := NewCostComputer(PolicyMax, initial, prev, post)
	require.NoError(t, err)
	assert.IsType(t, &MaxCostComputer{}, c)

	c, err = NewCostComputer(PolicyTotal, initial, prev, post)
	require.NoError(t, err)
	assert.IsType(t, &TotalCostComputer{}, c)

	_, err = NewCostComputer("median", initial, prev, post)
	assert.ErrorIs(t, err, ErrUnknownPolicy)

	p, err := ParseCostPolicy("total")
	require.NoError(t, err)
	assert.Equal(t, PolicyTotal, p)
	_, err = ParseCostPolicy("sum")
	assert.ErrorIs(t, err, ErrUnknownPolicy)
}
