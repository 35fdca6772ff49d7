// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package linearproblem formulates and solves the linear program of one
// range-action optimization step.
//
// # Description
//
// The problem maximizes the worst margin over optimized CNECs, linearized
// around the present setpoints, while keeping monitored elements (MNECs)
// from degrading and penalizing setpoint movements. A LinearProblem is
// ephemeral: Build creates one per iteration and the Backend consumes it.
//
// # Thread Safety
//
// Build is pure. A LinearProblem must not be shared while it is mutated.
package linearproblem

import (
	"fmt"
	"math"
	"sort"
)

// Variable is a decision variable with box bounds. Bounds may be infinite.
type Variable struct {
	Name  string
	Lower float64
	Upper float64
}

// Term is a coefficient applied to a variable, by index.
type Term struct {
	Variable    int
	Coefficient float64
}

// Constraint is a ranged linear row: Lower <= Σ terms <= Upper.
// One side may be infinite.
type Constraint struct {
	Name  string
	Terms []Term
	Lower float64
	Upper float64
}

// LinearProblem is a minimization problem over named variables.
type LinearProblem struct {
	Variables   []Variable
	Constraints []Constraint

	// Objective holds the cost of each variable, minimized.
	Objective map[int]float64

	index map[string]int
}

// New returns an empty problem.
func New() *LinearProblem {
	return &LinearProblem{
		Objective: make(map[int]float64),
		index:     make(map[string]int),
	}
}

// AddVariable adds a variable and returns its index.
// Adding an existing name returns the existing index unchanged.
func (p *LinearProblem) AddVariable(name string, lower, upper float64) int {
	if i, ok := p.index[name]; ok {
		return i
	}
	p.Variables = append(p.Variables, Variable{Name: name, Lower: lower, Upper: upper})
	i := len(p.Variables) - 1
	p.index[name] = i
	return i
}

// VariableIndex returns the index of a named variable.
func (p *LinearProblem) VariableIndex(name string) (int, bool) {
	i, ok := p.index[name]
	return i, ok
}

// AddConstraint adds a ranged row. Terms with a zero coefficient are dropped.
func (p *LinearProblem) AddConstraint(name string, lower, upper float64, terms ...Term) {
	kept := make([]Term, 0, len(terms))
	for _, t := range terms {
		if t.Coefficient != 0 {
			kept = append(kept, t)
		}
	}
	p.Constraints = append(p.Constraints, Constraint{Name: name, Terms: kept, Lower: lower, Upper: upper})
}

// SetCost sets the objective coefficient of a variable.
func (p *LinearProblem) SetCost(variable int, cost float64) {
	if cost == 0 {
		delete(p.Objective, variable)
		return
	}
	p.Objective[variable] = cost
}

// ObjectiveValue evaluates the objective at values, indexed like Variables.
func (p *LinearProblem) ObjectiveValue(values []float64) float64 {
	idx := make([]int, 0, len(p.Objective))
	for i := range p.Objective {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	total := 0.0
	for _, i := range idx {
		total += p.Objective[i] * values[i]
	}
	return total
}

// Validate checks indices and bound ordering.
func (p *LinearProblem) Validate() error {
	for _, v := range p.Variables {
		if math.IsNaN(v.Lower) || math.IsNaN(v.Upper) {
			return fmt.Errorf("%w: variable %s has a NaN bound", ErrInvalidProblem, v.Name)
		}
	}
	for _, c := range p.Constraints {
		if math.IsNaN(c.Lower) || math.IsNaN(c.Upper) {
			return fmt.Errorf("%w: constraint %s has a NaN bound", ErrInvalidProblem, c.Name)
		}
		for _, t := range c.Terms {
			if t.Variable < 0 || t.Variable >= len(p.Variables) {
				return fmt.Errorf("%w: constraint %s references variable %d", ErrInvalidProblem, c.Name, t.Variable)
			}
			if math.IsNaN(t.Coefficient) || math.IsInf(t.Coefficient, 0) {
				return fmt.Errorf("%w: constraint %s has a non-finite coefficient", ErrInvalidProblem, c.Name)
			}
		}
	}
	for i := range p.Objective {
		if i < 0 || i >= len(p.Variables) {
			return fmt.Errorf("%w: objective references variable %d", ErrInvalidProblem, i)
		}
	}
	return nil
}

// Variable and constraint names.

// SetpointVariable names the setpoint variable of a range action.
func SetpointVariable(rangeActionID string) string { return "setpoint:" + rangeActionID }

// VariationVariable names the absolute variation variable of a range action.
func VariationVariable(rangeActionID string) string { return "variation:" + rangeActionID }

// MnecViolationVariable names the violation slack of an MNEC.
func MnecViolationVariable(cnecID string) string { return "mnec_violation:" + cnecID }

// MinMarginVariable names the worst-margin variable.
const MinMarginVariable = "min_margin"
