// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package searchtree

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/gridrao/services/rao/crac"
	"github.com/AleutianAI/gridrao/services/rao/dcmodel"
	"github.com/AleutianAI/gridrao/services/rao/linearproblem"
	"github.com/AleutianAI/gridrao/services/rao/network"
	"github.com/AleutianAI/gridrao/services/rao/objective"
	"github.com/AleutianAI/gridrao/services/rao/rangeopt"
	"github.com/AleutianAI/gridrao/services/rao/sensitivity"
)

func loadCase(t *testing.T, path string) *dcmodel.Case {
	t.Helper()
	c, err := dcmodel.LoadCase(path)
	require.NoError(t, err)
	return c
}

func newEnv(t *testing.T, c *dcmodel.Case, capacity int, evaluator sensitivity.Evaluator) Env {
	t.Helper()
	if evaluator == nil {
		evaluator = c.Model
	}
	pool := network.NewPool(c.Model, c.NewNetwork(), dcmodel.InitialVariant, network.PoolConfig{Capacity: capacity})
	t.Cleanup(pool.Shutdown)
	return Env{
		Pool:      pool,
		Model:     c.Model,
		Optimizer: rangeopt.NewOptimizer(c.Model, evaluator, linearproblem.NewSimplexBackend(), rangeopt.DefaultParams()),
		Objective: objective.NewEvaluator(objective.DefaultParams()),
	}
}

func perimeterOf(t *testing.T, c *dcmodel.Case, actionIDs ...string) Perimeter {
	t.Helper()
	state := c.Crac.PreventiveState()
	p := Perimeter{
		ID:           state.ID(),
		State:        state,
		Cnecs:        c.Crac.CnecsForState(state),
		RangeActions: c.Crac.AvailableRangeActions(state, nil),
	}
	for _, id := range actionIDs {
		na, err := c.Crac.NetworkAction(id)
		require.NoError(t, err)
		p.NetworkActions = append(p.NetworkActions, na)
	}
	return p
}

func action(t *testing.T, c *dcmodel.Case, id string) *crac.NetworkAction {
	t.Helper()
	na, err := c.Crac.NetworkAction(id)
	require.NoError(t, err)
	return na
}

func actionIDs(actions []*crac.NetworkAction) []string {
	out := make([]string, 0, len(actions))
	for _, a := range actions {
		out = append(out, a.ID)
	}
	return out
}

func params(depth int) Params {
	p := DefaultParams()
	p.Budget.MaxDepth = depth
	return p
}

// Equal costs go to the leaf with fewer actions.
func TestRun_FewerActionsWinTies(t *testing.T) {
	c := loadCase(t, "testdata/switches.yaml")
	p := perimeterOf(t, c, "na-1", "na-2", "na-3")
	p.Combinations = [][]*crac.NetworkAction{{action(t, c, "na-2"), action(t, c, "na-3")}}

	tree := NewSearchTree(p, newEnv(t, c, 2, nil), params(1))
	res, err := tree.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, OutcomeOptimal, res.Outcome)
	assert.Equal(t, []string{"na-1"}, actionIDs(res.Activated))
	assert.InDelta(t, 0, res.Objective.Cost(), 1e-9)

	var combo *Leaf
	for _, l := range tree.Leaves() {
		if l.Key() == "na-2+na-3" {
			combo = l
		}
	}
	require.NotNil(t, combo)
	assert.Equal(t, LeafEvaluated, combo.Status())
	assert.InDelta(t, 0, combo.Cost(), 1e-9)
	assert.True(t, combo.Pruned())
}

func TestSelectBest_TieBreak(t *testing.T) {
	a := &crac.NetworkAction{ID: "a"}
	b := &crac.NetworkAction{ID: "b"}
	tree := NewSearchTree(Perimeter{}, Env{}, DefaultParams())
	root := newLeaf(nil, nil, 0)

	evaluated := func(l *Leaf, cost float64) *Leaf {
		l.status = LeafEvaluated
		l.result = &LeafResult{Objective: &objective.Result{FunctionalCost: cost}}
		return l
	}
	two := evaluated(newLeaf(root, []*crac.NetworkAction{a, b}, 1), 3)
	one := evaluated(newLeaf(root, []*crac.NetworkAction{b}, 2), 3)
	later := evaluated(newLeaf(root, []*crac.NetworkAction{a}, 3), 3)

	var stats Stats
	best := tree.selectBest([]*Leaf{two, one, later}, &stats)
	assert.Same(t, one, best, "fewer actions, then creation order")
	assert.True(t, two.Pruned())
	assert.Equal(t, 1, stats.LeavesPruned)

	cheaper := evaluated(newLeaf(root, []*crac.NetworkAction{a, b}, 4), 1)
	assert.Same(t, cheaper, tree.selectBest([]*Leaf{one, cheaper}, &stats))
}

func TestRun_GoesDeeper(t *testing.T) {
	c := loadCase(t, "testdata/switches.yaml")
	p := perimeterOf(t, c, "na-1", "na-2", "na-3")

	tree := NewSearchTree(p, newEnv(t, c, 2, nil), params(2))
	res, err := tree.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, OutcomeOptimal, res.Outcome)
	assert.Equal(t, []string{"na-1", "na-2"}, actionIDs(res.Activated))
	assert.InDelta(t, -3, res.Objective.Cost(), 1e-9)
	assert.Equal(t, 2, res.Stats.Depth)

	// na-3 conflicts with na-1 and is never bloomed below it
	for _, l := range tree.Leaves() {
		if l.Depth() == 2 {
			assert.NotContains(t, l.Key(), "na-3")
		}
	}
}

// A level improving by less than the threshold is not kept or expanded.
func TestRun_MinImprovement(t *testing.T) {
	c := loadCase(t, "testdata/switches.yaml")
	p := perimeterOf(t, c, "na-1", "na-2")

	prm := params(2)
	prm.MinImprovement = 10
	tree := NewSearchTree(p, newEnv(t, c, 1, nil), prm)
	res, err := tree.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, OutcomeOptimal, res.Outcome)
	assert.Empty(t, res.Activated)
	assert.Same(t, res.Root, res.Optimal)
	assert.InDelta(t, 5, res.Objective.Cost(), 1e-9)
	assert.Len(t, tree.Leaves(), 3, "root and one level, nothing deeper")
	assert.NotEmpty(t, tree.Audit().EntriesByAction(AuditActionPrune))
}

func TestRun_RelativeMinImprovement(t *testing.T) {
	c := loadCase(t, "testdata/switches.yaml")
	p := perimeterOf(t, c, "na-1")

	prm := params(1)
	prm.RelativeMinImprovement = 1.5
	res, err := NewSearchTree(p, newEnv(t, c, 1, nil), prm).Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Activated, "gain 5 is below 1.5 * 5")

	prm.RelativeMinImprovement = 0.5
	res, err = NewSearchTree(p, newEnv(t, c, 1, nil), prm).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"na-1"}, actionIDs(res.Activated))
}

func TestRun_CumulativeActions(t *testing.T) {
	c := loadCase(t, "testdata/switches.yaml")
	p := perimeterOf(t, c, "na-1", "na-2", "na-3")
	p.Combinations = [][]*crac.NetworkAction{{action(t, c, "na-2"), action(t, c, "na-3")}}

	tree := NewSearchTree(p, newEnv(t, c, 2, nil), params(3))
	_, err := tree.Run(context.Background())
	require.NoError(t, err)

	for _, l := range tree.Leaves() {
		var want []*crac.NetworkAction
		if l.Parent() != nil {
			want = append(want, l.Parent().Actions()...)
		}
		want = append(want, l.Own()...)
		assert.Equal(t, actionIDs(want), actionIDs(l.Actions()), "leaf %s", l.Key())
	}
}

// trackingEvaluator fails the test if one network is evaluated by two
// goroutines at once.
type trackingEvaluator struct {
	inner    sensitivity.Evaluator
	mu       sync.Mutex
	inFlight map[string]bool
	overlaps int
	peak     int
}

func (e *trackingEvaluator) Evaluate(ctx context.Context, n network.Network, cnecs []*crac.Cnec, ras []*crac.RangeAction) (*sensitivity.Result, error) {
	e.mu.Lock()
	if e.inFlight[n.ID()] {
		e.overlaps++
	}
	e.inFlight[n.ID()] = true
	e.peak = max(e.peak, len(e.inFlight))
	e.mu.Unlock()

	time.Sleep(5 * time.Millisecond)
	res, err := e.inner.Evaluate(ctx, n, cnecs, ras)

	e.mu.Lock()
	delete(e.inFlight, n.ID())
	e.mu.Unlock()
	return res, err
}

func TestRun_ParallelLeavesOwnTheirNetwork(t *testing.T) {
	c := loadCase(t, "testdata/switches.yaml")
	p := perimeterOf(t, c, "na-1", "na-2", "na-3")
	p.Combinations = [][]*crac.NetworkAction{{action(t, c, "na-2"), action(t, c, "na-3")}}
	tracker := &trackingEvaluator{inner: c.Model, inFlight: make(map[string]bool)}

	prm := params(2)
	prm.LeavesInParallel = 3
	tree := NewSearchTree(p, newEnv(t, c, 3, tracker), prm)
	res, err := tree.Run(context.Background())
	require.NoError(t, err)

	assert.Zero(t, tracker.overlaps)
	assert.LessOrEqual(t, tracker.peak, 3)
	assert.Equal(t, []string{"na-1", "na-2"}, actionIDs(res.Activated), "parallelism does not change the result")
	for _, l := range tree.Leaves() {
		assert.NotEmpty(t, l.NetworkID())
	}
}

func TestRun_LeafErrorStaysLocal(t *testing.T) {
	c := loadCase(t, "testdata/switches.yaml")
	p := perimeterOf(t, c, "na-1", "na-bad")

	tree := NewSearchTree(p, newEnv(t, c, 2, nil), params(1))
	res, err := tree.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"na-1"}, actionIDs(res.Activated))
	assert.Equal(t, 1, res.Stats.LeavesFailed)
	for _, l := range tree.Leaves() {
		if l.Key() == "na-bad" {
			assert.Equal(t, LeafEvaluationError, l.Status())
			assert.ErrorIs(t, l.Err(), dcmodel.ErrUnknownElement)
			_, err := l.Result()
			assert.ErrorIs(t, err, ErrLeafNotEvaluated)
		}
	}
	assert.Zero(t, tree.env.Pool.Stats().Leased, "every network is released")
}

func TestRun_Budget(t *testing.T) {
	c := loadCase(t, "testdata/switches.yaml")

	t.Run("leaves", func(t *testing.T) {
		prm := params(2)
		prm.Budget.MaxLeaves = 2
		res, err := NewSearchTree(perimeterOf(t, c, "na-1", "na-2"), newEnv(t, c, 1, nil), prm).Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, OutcomeBestFoundBeforeBudget, res.Outcome)
		assert.Equal(t, "leaves", res.Stats.ExhaustedBy)
		assert.Equal(t, []string{"na-1"}, actionIDs(res.Activated))
		assert.Equal(t, 2, res.Stats.LeavesEvaluated)
	})

	t.Run("time", func(t *testing.T) {
		prm := params(2)
		prm.Budget.TimeLimit = time.Nanosecond
		var buf bytes.Buffer
		tracer := NewSearchTracer(slog.New(slog.NewTextHandler(&buf, nil)), false)
		res, err := NewSearchTree(perimeterOf(t, c, "na-1"), newEnv(t, c, 1, nil), prm).
			WithTracer(tracer).Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, OutcomeBestFoundBeforeBudget, res.Outcome, "the root is never reported as optimal")
		assert.Equal(t, "time", res.Stats.ExhaustedBy)
		assert.Empty(t, res.Activated)
		// the level evaluated nothing, so it did not improve either
		assert.Contains(t, buf.String(), "search budget exhausted")
		assert.Contains(t, buf.String(), "exhausted_by=time")
	})
}

func TestRun_StopSecure(t *testing.T) {
	c := loadCase(t, "../dcmodel/testdata/three_bus.yaml")
	p := perimeterOf(t, c, "open-line-2")

	prm := params(1)
	prm.StopCriterion = StopSecure
	tree := NewSearchTree(p, newEnv(t, c, 1, nil), prm)
	res, err := tree.Run(context.Background())
	require.NoError(t, err)
	assert.Less(t, res.Objective.Cost(), 0.0)
	assert.InDelta(t, 6, res.Setpoints["pst-1"], 1e-6)
	assert.Equal(t, 3, res.Taps["pst-1"])
	assert.Len(t, tree.Leaves(), 1)

	prm.StopCriterion = StopMinObjective
	tree = NewSearchTree(p, newEnv(t, c, 1, nil), prm)
	res, err = tree.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, tree.Leaves(), 2)
	assert.Empty(t, res.Activated, "opening line-2 overloads line-1")
}

func TestRun_FatalErrors(t *testing.T) {
	c := loadCase(t, "testdata/switches.yaml")

	t.Run("pool exhausted", func(t *testing.T) {
		res, err := NewSearchTree(perimeterOf(t, c, "na-1"), newEnv(t, c, 0, nil), params(1)).Run(context.Background())
		assert.ErrorIs(t, err, network.ErrPoolExhausted)
		require.NotNil(t, res)
		assert.Equal(t, OutcomeFailed, res.Outcome)
	})

	t.Run("invalid env", func(t *testing.T) {
		res, err := NewSearchTree(perimeterOf(t, c), Env{}, params(1)).Run(context.Background())
		assert.ErrorIs(t, err, ErrInvalidEnv)
		assert.Equal(t, OutcomeFailed, res.Outcome)
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		res, err := NewSearchTree(perimeterOf(t, c, "na-1"), newEnv(t, c, 1, nil), params(1)).Run(ctx)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, OutcomeFailed, res.Outcome)
	})
}

func TestBloom(t *testing.T) {
	c := loadCase(t, "testdata/switches.yaml")
	na1, na2, na3 := action(t, c, "na-1"), action(t, c, "na-2"), action(t, c, "na-3")

	var order int64
	next := func() int64 { order++; return order }
	root := newLeaf(nil, nil, next())
	child := newLeaf(root, []*crac.NetworkAction{na1}, next())

	children := child.Bloom([][]*crac.NetworkAction{
		{na1},      // already applied
		{na2},      // ok
		{na3},      // conflicts with na-1
		{na2},      // duplicate
		{na2, na2}, // repeats itself
		{},
	}, next)
	require.Len(t, children, 1)
	assert.Equal(t, "na-1+na-2", children[0].Key())
	assert.Equal(t, 2, children[0].Depth())
	assert.Same(t, child, children[0].Parent())
	assert.Equal(t, LeafCreated, children[0].Status())
}

func TestLeaf_EvaluateOnce(t *testing.T) {
	c := loadCase(t, "testdata/switches.yaml")
	env := newEnv(t, c, 1, nil)
	p := perimeterOf(t, c)
	leaf := newLeaf(nil, nil, 1)

	require.NoError(t, leaf.Evaluate(context.Background(), env, &p))
	assert.Equal(t, LeafEvaluated, leaf.Status())
	assert.InDelta(t, 5, leaf.Cost(), 1e-9)

	err := leaf.Evaluate(context.Background(), env, &p)
	assert.ErrorIs(t, err, ErrLeafAlreadyEvaluated)
	assert.Equal(t, LeafEvaluated, leaf.Status())
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"pool", network.ErrPoolExhausted, true},
		{"clone", network.ErrCloneFailed, false},
		{"solver", linearproblem.ErrSolverUnavailable, true},
		{"circuit", sensitivity.ErrCircuitOpen, true},
		{"model", &crac.ModelError{Kind: crac.ErrUnknownCnec, ID: "x"}, true},
		{"cancelled", context.Canceled, true},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsFatal(tt.err))
		})
	}
}

func TestAuditLog(t *testing.T) {
	c := loadCase(t, "testdata/switches.yaml")
	tree := NewSearchTree(perimeterOf(t, c, "na-1", "na-2"), newEnv(t, c, 1, nil), params(1))
	_, err := tree.Run(context.Background())
	require.NoError(t, err)

	log := tree.Audit()
	assert.True(t, log.Verify())
	assert.Equal(t, 3, log.Summary()[AuditActionEvaluate])
	assert.Len(t, log.EntriesByAction(AuditActionSelect), 1)

	root := tree.Leaves()[0]
	assert.NotEmpty(t, log.EntriesByLeaf(root.ID))

	log.entries[0].Details = "tampered"
	assert.False(t, log.Verify())
}
