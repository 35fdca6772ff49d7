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
	"context"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize/convex/lp"
)

// DefaultSimplexTolerance is the reduced-cost tolerance of the simplex.
const DefaultSimplexTolerance = 1e-10

// feasibilityTolerance absorbs rounding when checking rows with no free variable.
const feasibilityTolerance = 1e-9

// SimplexBackend solves problems in process with gonum's simplex.
//
// Description:
//
//	Fixed variables (Lower == Upper) are substituted as constants, which
//	makes collapsed domains exact. Remaining bounds and ranged rows become
//	rows of G x <= h, lp.Convert turns that into standard form and
//	lp.Simplex solves it.
//
// Thread Safety: Safe for concurrent use.
type SimplexBackend struct {
	Tolerance float64
}

// NewSimplexBackend returns a backend with the default tolerance.
func NewSimplexBackend() *SimplexBackend {
	return &SimplexBackend{Tolerance: DefaultSimplexTolerance}
}

// Solve implements Backend. It never returns an infrastructure error other
// than context cancellation; numerical trouble is SolveError.
func (b *SimplexBackend) Solve(ctx context.Context, p *LinearProblem) (sol *Solution, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return &Solution{Status: SolveError, Detail: err.Error()}, nil
	}
	defer func() {
		if r := recover(); r != nil {
			sol = &Solution{Status: SolveError, Detail: fmt.Sprintf("simplex panic: %v", r)}
			err = nil
		}
	}()

	values := make([]float64, len(p.Variables))
	col := make([]int, len(p.Variables))
	var free []int
	for i, v := range p.Variables {
		switch {
		case v.Lower > v.Upper+feasibilityTolerance:
			return &Solution{Status: SolveInfeasible, Detail: "empty bounds on " + v.Name}, nil
		case v.Lower >= v.Upper:
			values[i] = v.Lower
			col[i] = -1
		default:
			col[i] = len(free)
			free = append(free, i)
		}
	}

	var g [][]float64
	var h []float64
	addRow := func(row []float64, rhs float64) {
		g = append(g, row)
		h = append(h, rhs)
	}
	for _, i := range free {
		v := p.Variables[i]
		if !math.IsInf(v.Upper, 1) {
			row := make([]float64, len(free))
			row[col[i]] = 1
			addRow(row, v.Upper)
		}
		if !math.IsInf(v.Lower, -1) {
			row := make([]float64, len(free))
			row[col[i]] = -1
			addRow(row, -v.Lower)
		}
	}
	for _, c := range p.Constraints {
		row := make([]float64, len(free))
		constant := 0.0
		for _, t := range c.Terms {
			if col[t.Variable] < 0 {
				constant += t.Coefficient * values[t.Variable]
				continue
			}
			row[col[t.Variable]] += t.Coefficient
		}
		if isZero(row) {
			if constant > c.Upper+feasibilityTolerance || constant < c.Lower-feasibilityTolerance {
				return &Solution{Status: SolveInfeasible, Detail: "constraint " + c.Name + " cannot hold"}, nil
			}
			continue
		}
		if !math.IsInf(c.Upper, 1) {
			addRow(row, c.Upper-constant)
		}
		if !math.IsInf(c.Lower, -1) {
			neg := make([]float64, len(row))
			for j, a := range row {
				neg[j] = -a
			}
			addRow(neg, constant-c.Lower)
		}
	}

	cost := make([]float64, len(free))
	for _, i := range free {
		cost[col[i]] = p.Objective[i]
	}

	// a free variable in no row is unbounded unless it costs nothing
	used := make([]bool, len(free))
	for _, row := range g {
		for j, a := range row {
			if a != 0 {
				used[j] = true
			}
		}
	}
	var keep []int
	for j := range free {
		if used[j] {
			keep = append(keep, j)
			continue
		}
		if cost[j] != 0 {
			return &Solution{Status: SolveUnbounded, Detail: "unconstrained variable " + p.Variables[free[j]].Name}, nil
		}
		values[free[j]] = 0
	}

	if len(keep) > 0 {
		x, status, detail := b.simplex(g, h, cost, keep)
		if status != SolveOptimal {
			return &Solution{Status: status, Detail: detail}, nil
		}
		for k, j := range keep {
			values[free[j]] = x[k]
		}
	}

	out := &Solution{
		Status:    SolveOptimal,
		Values:    make(map[string]float64, len(p.Variables)),
		Objective: p.ObjectiveValue(values),
	}
	for i, v := range p.Variables {
		out.Values[v.Name] = values[i]
	}
	return out, nil
}

// simplex solves min cost·x s.t. g x <= h over the kept columns.
func (b *SimplexBackend) simplex(g [][]float64, h, cost []float64, keep []int) ([]float64, SolveStatus, string) {
	n := len(keep)
	flat := make([]float64, 0, len(g)*n)
	for _, row := range g {
		for _, j := range keep {
			flat = append(flat, row[j])
		}
	}
	c := make([]float64, n)
	for k, j := range keep {
		c[k] = cost[j]
	}
	gm := mat.NewDense(len(g), n, flat)

	tol := b.Tolerance
	if tol <= 0 {
		tol = DefaultSimplexTolerance
	}
	cStd, aStd, bStd := lp.Convert(c, gm, h, nil, nil)
	_, xStd, err := lp.Simplex(cStd, aStd, bStd, tol, nil)
	switch {
	case err == nil:
	case errors.Is(err, lp.ErrInfeasible):
		return nil, SolveInfeasible, err.Error()
	case errors.Is(err, lp.ErrUnbounded):
		return nil, SolveUnbounded, err.Error()
	default:
		return nil, SolveError, err.Error()
	}

	// x = x+ - x-
	x := make([]float64, n)
	for k := range x {
		x[k] = xStd[k] - xStd[n+k]
	}
	return x, SolveOptimal, ""
}

func isZero(row []float64) bool {
	for _, a := range row {
		if a != 0 {
			return false
		}
	}
	return true
}
