// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package linearproblem

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/gridrao/services/rao/crac"
	"github.com/AleutianAI/gridrao/services/rao/sensitivity"
)

var preventive = &crac.State{Instant: &crac.Instant{ID: "preventive", Kind: crac.InstantPreventive}}

func pst() *crac.RangeAction {
	return &crac.RangeAction{ID: "pst", Kind: crac.KindPst, NetworkElement: "pst"}
}

// overloadedInput is a 100 MW line carrying 120 MW, relieved by 5 MW per
// degree of phase shift.
func overloadedInput() BuildInput {
	line := &crac.Cnec{ID: "line", State: preventive, Max: crac.Float(100), Optimized: true}
	res := sensitivity.NewResult()
	res.SetValue("line", 120)
	res.SetSensitivity("line", "pst", -5)
	return BuildInput{
		Cnecs:        []*crac.Cnec{line},
		RangeActions: []*crac.RangeAction{pst()},
		Sensitivity:  res,
		Setpoints:    map[string]float64{"pst": 0},
		Domains:      map[string]Domain{"pst": {Min: -6, Max: 6}},
		References:   map[string]float64{"pst": 0},
		Params:       DefaultParams(),
	}
}

func solve(t *testing.T, in BuildInput) *Solution {
	t.Helper()
	p, err := Build(in)
	require.NoError(t, err)
	sol, err := NewSimplexBackend().Solve(context.Background(), p)
	require.NoError(t, err)
	return sol
}

func TestRoundToPrecision(t *testing.T) {
	tests := []struct {
		name string
		v    float64
		bits int
		want float64
	}{
		{"exact value kept", 3, 30, 3},
		{"zero", 0, 30, 0},
		{"noise dropped", 1 + math.Ldexp(1, -40), 30, 1},
		{"no rounding", 1 + math.Ldexp(1, -40), 0, 1 + math.Ldexp(1, -40)},
		{"infinity", math.Inf(1), 30, math.Inf(1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RoundToPrecision(tt.v, tt.bits))
		})
	}

	assert.InDelta(t, 0.1, RoundToPrecision(0.1, 30), 1e-6)
	assert.InDelta(t, -4.6, RoundToPrecision(-4.6, 30), 1e-5)
}

func TestBuild_Formulation(t *testing.T) {
	p, err := Build(overloadedInput())
	require.NoError(t, err)

	x, ok := p.VariableIndex(SetpointVariable("pst"))
	require.True(t, ok)
	assert.Equal(t, -6.0, p.Variables[x].Lower)
	assert.Equal(t, 6.0, p.Variables[x].Upper)

	m, ok := p.VariableIndex(MinMarginVariable)
	require.True(t, ok)
	assert.Equal(t, -1.0, p.Objective[m])

	d, ok := p.VariableIndex(VariationVariable("pst"))
	require.True(t, ok)
	assert.InDelta(t, 0.01, p.Objective[d], 1e-9)

	var cnecRow *Constraint
	for i := range p.Constraints {
		if p.Constraints[i].Name == "cnec_upper:line" {
			cnecRow = &p.Constraints[i]
		}
	}
	require.NotNil(t, cnecRow)
	// m - 5x <= 100 - 120
	assert.Equal(t, -20.0, cnecRow.Upper)
	assert.ElementsMatch(t, []Term{{m, 1}, {x, -5}}, cnecRow.Terms)
	assert.Len(t, p.Constraints, 3)
}

func TestBuild_MissingInput(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*BuildInput)
	}{
		{"no sensitivity", func(in *BuildInput) { in.Sensitivity = nil }},
		{"no domain", func(in *BuildInput) { in.Domains = nil }},
		{"no setpoint", func(in *BuildInput) { in.Setpoints = nil }},
		{"no value", func(in *BuildInput) { in.Sensitivity = sensitivity.NewResult() }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := overloadedInput()
			tt.mutate(&in)
			_, err := Build(in)
			assert.ErrorIs(t, err, ErrMissingInput)
		})
	}
}

func TestSimplex_RestoresOverloadedLine(t *testing.T) {
	sol := solve(t, overloadedInput())
	require.Equal(t, SolveOptimal, sol.Status, sol.Detail)

	x, _ := sol.Setpoint("pst")
	m, _ := sol.Value(MinMarginVariable)
	assert.InDelta(t, 6, x, 1e-6)
	assert.InDelta(t, 10, m, 1e-6)
	assert.InDelta(t, -10+0.06, sol.Objective, 1e-6)
}

func TestSimplex_BothSides(t *testing.T) {
	in := overloadedInput()
	in.Cnecs[0].Min = crac.Float(-100)
	sol := solve(t, in)
	require.Equal(t, SolveOptimal, sol.Status, sol.Detail)

	x, _ := sol.Setpoint("pst")
	assert.InDelta(t, 6, x, 1e-6)
}

func TestSimplex_CollapsedDomainIsExact(t *testing.T) {
	in := overloadedInput()
	in.Domains["pst"] = Domain{Min: 2, Max: 2}
	in.Setpoints["pst"] = 2
	in.References["pst"] = 2
	in.Sensitivity.SetValue("line", 110)

	sol := solve(t, in)
	require.Equal(t, SolveOptimal, sol.Status, sol.Detail)
	x, _ := sol.Setpoint("pst")
	assert.Equal(t, 2.0, x)
	m, _ := sol.Value(MinMarginVariable)
	assert.InDelta(t, -10, m, 1e-6)
}

func TestSimplex_MnecLimitsMovement(t *testing.T) {
	in := overloadedInput()
	mnec := &crac.Cnec{ID: "other", State: preventive, Max: crac.Float(80), Monitored: true}
	in.Mnecs = []*crac.Cnec{mnec}
	in.Sensitivity.SetValue("other", 60)
	in.Sensitivity.SetSensitivity("other", "pst", 5)
	in.InitialMargins = map[string]float64{"other": 20}
	in.Params.MnecAcceptableMarginDecrease = 0

	sol := solve(t, in)
	require.Equal(t, SolveOptimal, sol.Status, sol.Detail)

	// beyond 4 degrees the MNEC would overload
	x, _ := sol.Setpoint("pst")
	assert.InDelta(t, 4, x, 1e-6)
	v, _ := sol.Value(MnecViolationVariable("other"))
	assert.InDelta(t, 0, v, 1e-6)
}

func TestSimplex_Statuses(t *testing.T) {
	t.Run("infeasible", func(t *testing.T) {
		p := New()
		x := p.AddVariable("x", 0, 1)
		p.AddConstraint("x_at_least_2", 2, math.Inf(1), Term{x, 1})
		sol, err := NewSimplexBackend().Solve(context.Background(), p)
		require.NoError(t, err)
		assert.Equal(t, SolveInfeasible, sol.Status)
	})

	t.Run("empty bounds", func(t *testing.T) {
		p := New()
		p.AddVariable("x", 1, 0)
		sol, err := NewSimplexBackend().Solve(context.Background(), p)
		require.NoError(t, err)
		assert.Equal(t, SolveInfeasible, sol.Status)
	})

	t.Run("unbounded", func(t *testing.T) {
		p := New()
		x := p.AddVariable("x", math.Inf(-1), math.Inf(1))
		p.SetCost(x, -1)
		sol, err := NewSimplexBackend().Solve(context.Background(), p)
		require.NoError(t, err)
		assert.Equal(t, SolveUnbounded, sol.Status)
	})

	t.Run("invalid problem", func(t *testing.T) {
		p := New()
		p.AddConstraint("dangling", 0, 1, Term{7, 1})
		sol, err := NewSimplexBackend().Solve(context.Background(), p)
		require.NoError(t, err)
		assert.Equal(t, SolveError, sol.Status)
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := NewSimplexBackend().Solve(ctx, New())
		assert.ErrorIs(t, err, context.Canceled)
	})
}

type failingBackend struct {
	calls int
	err   error
}

func (f *failingBackend) Solve(context.Context, *LinearProblem) (*Solution, error) {
	f.calls++
	return nil, f.err
}

func TestGuardedBackend(t *testing.T) {
	t.Run("infrastructure errors are solver unavailable", func(t *testing.T) {
		inner := &failingBackend{err: errors.New("connection refused")}
		g := NewGuardedBackend(inner, sensitivity.NewCircuitBreaker(sensitivity.CircuitBreakerConfig{FailureThreshold: 2, OpenDuration: time.Hour}))

		for i := 0; i < 3; i++ {
			_, err := g.Solve(context.Background(), New())
			assert.ErrorIs(t, err, ErrSolverUnavailable)
		}
		assert.Equal(t, 2, inner.calls, "open circuit must not reach the backend")
		assert.Equal(t, sensitivity.CircuitOpen, g.Breaker().State())
	})

	t.Run("solutions pass through", func(t *testing.T) {
		g := NewGuardedBackend(NewSimplexBackend(), nil)
		p, err := Build(overloadedInput())
		require.NoError(t, err)
		sol, err := g.Solve(context.Background(), p)
		require.NoError(t, err)
		assert.Equal(t, SolveOptimal, sol.Status)
	})

	t.Run("cancellation passes through", func(t *testing.T) {
		inner := &failingBackend{err: context.Canceled}
		g := NewGuardedBackend(inner, sensitivity.NewCircuitBreaker(sensitivity.CircuitBreakerConfig{FailureThreshold: 1, OpenDuration: time.Hour}))
		_, err := g.Solve(context.Background(), New())
		assert.ErrorIs(t, err, context.Canceled)
		assert.NotErrorIs(t, err, ErrSolverUnavailable)
		assert.Equal(t, sensitivity.CircuitClosed, g.Breaker().State())
	})
}

func TestSolveStatus_String(t *testing.T) {
	assert.Equal(t, "optimal", SolveOptimal.String())
	assert.Equal(t, "infeasible", SolveInfeasible.String())
	assert.Equal(t, "unbounded", SolveUnbounded.String())
	assert.Equal(t, "error", SolveError.String())
}
