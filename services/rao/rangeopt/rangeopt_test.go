// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package rangeopt

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/AleutianAI/gridrao/services/rao/crac"
	"github.com/AleutianAI/gridrao/services/rao/dcmodel"
	"github.com/AleutianAI/gridrao/services/rao/linearproblem"
	"github.com/AleutianAI/gridrao/services/rao/network"
	"github.com/AleutianAI/gridrao/services/rao/sensitivity"
)

type fixture struct {
	c     *dcmodel.Case
	cnecs []*crac.Cnec
	pst   *crac.RangeAction
}

func loadFixture(t *testing.T) fixture {
	t.Helper()
	c, err := dcmodel.LoadCase("../dcmodel/testdata/three_bus.yaml")
	require.NoError(t, err)
	pst, err := c.Crac.RangeAction("pst-1")
	require.NoError(t, err)
	return fixture{
		c:     c,
		cnecs: c.Crac.CnecsForState(c.Crac.PreventiveState()),
		pst:   pst,
	}
}

func (f fixture) optimizer(backend linearproblem.Backend) *Optimizer {
	return NewOptimizer(f.c.Model, f.c.Model, backend, DefaultParams())
}

func (f fixture) input(n network.Network) Input {
	return Input{
		Network:        n,
		Cnecs:          f.cnecs,
		RangeActions:   []*crac.RangeAction{f.pst},
		InitialMargins: map[string]float64{"line-2-prev": 40},
	}
}

func TestOptimize_RelievesOverload(t *testing.T) {
	f := loadFixture(t)
	n := f.c.NewNetwork()

	res, err := f.optimizer(linearproblem.NewSimplexBackend()).Optimize(context.Background(), f.input(n))
	require.NoError(t, err)
	require.Equal(t, StatusOptimized, res.Status, res.Detail)

	assert.InDelta(t, 6, res.Setpoints["pst-1"], 1e-6)
	assert.Equal(t, 3, res.Taps["pst-1"])
	assert.Equal(t, 2, res.Iterations)

	// 120 - 5*6 + 0.1*36
	line, _ := f.c.Crac.Cnec("line-1-prev")
	assert.InDelta(t, 6.4, res.Sensitivity.Margin(line), 1e-6)
	assert.InDelta(t, -6.4, res.Cost, 1e-6)

	sp, err := f.c.Model.Setpoint(n, f.pst)
	require.NoError(t, err)
	assert.InDelta(t, 6, sp, 1e-6, "network is left on the result")
}

func TestOptimize_FixedPoint(t *testing.T) {
	f := loadFixture(t)
	n := f.c.NewNetwork()
	o := f.optimizer(linearproblem.NewSimplexBackend())

	first, err := o.Optimize(context.Background(), f.input(n))
	require.NoError(t, err)
	second, err := o.Optimize(context.Background(), f.input(n))
	require.NoError(t, err)

	assert.InDelta(t, first.Setpoints["pst-1"], second.Setpoints["pst-1"], 1e-9)
	assert.Equal(t, 1, second.Iterations)
	assert.InDelta(t, first.Cost, second.Cost, 1e-9)
}

func TestOptimize_CollapsedDomain(t *testing.T) {
	f := loadFixture(t)
	fixed := *f.pst
	fixed.Ranges = []crac.Range{{Type: crac.RangeRelativeToPreviousInstant, Min: 0, Max: 0}}

	in := f.input(f.c.NewNetwork())
	in.RangeActions = []*crac.RangeAction{&fixed}
	res, err := f.optimizer(linearproblem.NewSimplexBackend()).Optimize(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, StatusOptimized, res.Status)
	assert.Equal(t, 0.0, res.Setpoints["pst-1"])
	assert.Equal(t, 1, res.Iterations)
	assert.InDelta(t, 20, res.Cost, 1e-9)
}

func TestOptimize_NoRangeActions(t *testing.T) {
	f := loadFixture(t)
	in := f.input(f.c.NewNetwork())
	in.RangeActions = nil

	res, err := f.optimizer(linearproblem.NewSimplexBackend()).Optimize(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, StatusOptimized, res.Status)
	assert.Equal(t, 0, res.Iterations)
	assert.InDelta(t, 20, res.Cost, 1e-9)
}

type divergingEvaluator struct{}

func (divergingEvaluator) Evaluate(context.Context, network.Network, []*crac.Cnec, []*crac.RangeAction) (*sensitivity.Result, error) {
	r := sensitivity.NewResult()
	r.Status = sensitivity.StatusFailure
	return r, nil
}

func TestOptimize_SensitivityFailure(t *testing.T) {
	f := loadFixture(t)
	o := NewOptimizer(f.c.Model, divergingEvaluator{}, linearproblem.NewSimplexBackend(), DefaultParams())

	res, err := o.Optimize(context.Background(), f.input(f.c.NewNetwork()))
	require.NoError(t, err)
	assert.Equal(t, StatusSensitivityFailure, res.Status)
	assert.Equal(t, 0, res.Iterations)
	assert.Equal(t, 0.0, res.Setpoints["pst-1"])
}

type stubBackend struct {
	sol *linearproblem.Solution
	err error
}

func (s stubBackend) Solve(context.Context, *linearproblem.LinearProblem) (*linearproblem.Solution, error) {
	return s.sol, s.err
}

// scriptedBackend returns one PST setpoint per solve, repeating the last.
type scriptedBackend struct {
	setpoints []float64
	calls     int
}

func (s *scriptedBackend) Solve(context.Context, *linearproblem.LinearProblem) (*linearproblem.Solution, error) {
	i := min(s.calls, len(s.setpoints)-1)
	s.calls++
	return &linearproblem.Solution{
		Status: linearproblem.SolveOptimal,
		Values: map[string]float64{linearproblem.SetpointVariable("pst-1"): s.setpoints[i]},
	}, nil
}

func TestOptimize_KeepsBestIterate(t *testing.T) {
	f := loadFixture(t)
	n := f.c.NewNetwork()
	// 4 relieves line-1 (cost 1.6), -6 overloads it again (cost 53.6)
	backend := &scriptedBackend{setpoints: []float64{4, -6}}

	res, err := f.optimizer(backend).Optimize(context.Background(), f.input(n))
	require.NoError(t, err)
	require.Equal(t, StatusOptimized, res.Status, res.Detail)

	assert.Equal(t, 2, backend.calls)
	assert.Equal(t, 2, res.Iterations)
	assert.InDelta(t, 4, res.Setpoints["pst-1"], 1e-9)
	assert.Equal(t, 2, res.Taps["pst-1"])
	assert.InDelta(t, 1.6, res.Cost, 1e-9)

	sp, err := f.c.Model.Setpoint(n, f.pst)
	require.NoError(t, err)
	assert.InDelta(t, 4, sp, 1e-9, "the worse last iterate is undone on the network")
}

func TestOptimize_SpanPerIteration(t *testing.T) {
	f := loadFixture(t)
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	o := f.optimizer(linearproblem.NewSimplexBackend()).WithTracer(tp.Tracer("test"))
	res, err := o.Optimize(context.Background(), f.input(f.c.NewNetwork()))
	require.NoError(t, err)

	var root sdktrace.ReadOnlySpan
	var iterations []sdktrace.ReadOnlySpan
	for _, span := range recorder.Ended() {
		switch span.Name() {
		case "rao.linear.optimize":
			root = span
		case "rao.linear.iteration":
			iterations = append(iterations, span)
		}
	}
	require.NotNil(t, root)
	require.Len(t, iterations, res.Iterations)
	for _, span := range iterations {
		assert.Equal(t, root.SpanContext().SpanID(), span.Parent().SpanID())
	}
}

func TestOptimize_LpDegraded(t *testing.T) {
	f := loadFixture(t)
	backend := stubBackend{sol: &linearproblem.Solution{Status: linearproblem.SolveInfeasible, Detail: "no"}}

	res, err := f.optimizer(backend).Optimize(context.Background(), f.input(f.c.NewNetwork()))
	require.NoError(t, err)
	assert.Equal(t, StatusLpDegraded, res.Status)
	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, 0.0, res.Setpoints["pst-1"])
	assert.Contains(t, res.Detail, "infeasible")
}

func TestOptimize_Errors(t *testing.T) {
	f := loadFixture(t)

	t.Run("solver unavailable", func(t *testing.T) {
		_, err := f.optimizer(stubBackend{err: errors.New("connection reset")}).
			Optimize(context.Background(), f.input(f.c.NewNetwork()))
		assert.ErrorIs(t, err, linearproblem.ErrSolverUnavailable)
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := f.optimizer(linearproblem.NewSimplexBackend()).Optimize(ctx, f.input(f.c.NewNetwork()))
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("nil network", func(t *testing.T) {
		_, err := f.optimizer(linearproblem.NewSimplexBackend()).Optimize(context.Background(), Input{})
		assert.ErrorIs(t, err, ErrNilNetwork)
	})

	t.Run("empty domain", func(t *testing.T) {
		broken := *f.pst
		broken.Ranges = []crac.Range{{Type: crac.RangeAbsolute, Min: 5, Max: 9}}
		in := f.input(f.c.NewNetwork())
		in.RangeActions = []*crac.RangeAction{&broken}
		_, err := f.optimizer(linearproblem.NewSimplexBackend()).Optimize(context.Background(), in)
		var me *crac.ModelError
		assert.ErrorAs(t, err, &me)
	})
}

func TestRoundPst(t *testing.T) {
	f := loadFixture(t)
	line, _ := f.c.Crac.Cnec("line-1-prev")
	sens := sensitivity.NewResult()
	sens.SetValue("line-1-prev", 105)
	sens.SetSensitivity("line-1-prev", "pst-1", -5)
	free := crac.DomainReference{}

	t.Run("better margin wins", func(t *testing.T) {
		angle, tap, err := roundPst(f.pst, 3.1, free, sens, []*crac.Cnec{line})
		require.NoError(t, err)
		assert.Equal(t, 4.0, angle)
		assert.Equal(t, 2, tap)
	})

	t.Run("closer angle breaks ties", func(t *testing.T) {
		angle, tap, err := roundPst(f.pst, 3.1, free, sens, nil)
		require.NoError(t, err)
		assert.Equal(t, 4.0, angle)
		assert.Equal(t, 2, tap)
	})

	t.Run("lower tap breaks exact ties", func(t *testing.T) {
		angle, tap, err := roundPst(f.pst, 3, free, sens, nil)
		require.NoError(t, err)
		assert.Equal(t, 2.0, angle)
		assert.Equal(t, 1, tap)
	})

	t.Run("stays inside the tap domain", func(t *testing.T) {
		limited := *f.pst
		limited.Ranges = []crac.Range{{Type: crac.RangeAbsolute, Min: -3, Max: 1}}
		angle, tap, err := roundPst(&limited, 3.1, free, sens, []*crac.Cnec{line})
		require.NoError(t, err)
		assert.Equal(t, 2.0, angle)
		assert.Equal(t, 1, tap)
	})
}

func TestWorstMarginCost(t *testing.T) {
	f := loadFixture(t)
	r := sensitivity.NewResult()
	r.SetValue("line-1-prev", 130)
	r.SetValue("line-2-prev", 0)

	// line-2-prev is only monitored
	assert.InDelta(t, 30, WorstMarginCost(f.cnecs)(r), 1e-9)
	assert.Equal(t, 0.0, WorstMarginCost(nil)(r))
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "optimized", StatusOptimized.String())
	assert.Equal(t, "sensitivity_failure", StatusSensitivityFailure.String())
	assert.Equal(t, "lp_degraded", StatusLpDegraded.String())
}
