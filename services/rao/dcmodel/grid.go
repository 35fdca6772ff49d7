// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dcmodel is a small linearized grid model. It implements the
// network, model and sensitivity contracts so the optimizer can run end to
// end without an external load-flow engine.
//
// # Description
//
// Every monitored branch has a base value. Opening an element (by topology
// action or contingency) adds a fixed delta, as do HVDC inversions. Moving a
// setpoint away from its reference adds a linear term and an optional
// quadratic term; the quadratic term is what makes iterating the linear
// optimizer worthwhile.
//
//	value(b) = base(b)
//	         + sum over open elements e of openDelta(b, e)
//	         + sum over inverted elements e of invertDelta(b, e)
//	         + sum over setpoints s of sens(b, s)*(x_s - x0_s) + quad(b, s)*(x_s - x0_s)^2
//
// A branch that is itself open carries nothing.
package dcmodel

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/AleutianAI/gridrao/services/rao/crac"
)

// Branch is a monitored element and its response coefficients.
type Branch struct {
	ID          string
	BaseFlow    float64
	OpenDelta   map[string]float64
	InvertDelta map[string]float64
	Sensitivity map[string]float64
	Quadratic   map[string]float64

	// sorted keys, so sums do not depend on map iteration order
	openKeys   []string
	invertKeys []string
	setKeys    []string
}

func sortedKeys(maps ...map[string]float64) []string {
	seen := make(map[string]bool)
	var keys []string
	for _, m := range maps {
		for k := range m {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)
	return keys
}

// Grid is the immutable description of a case.
type Grid struct {
	branches map[string]*Branch

	// reference setpoints x0 of controllable elements
	reference map[string]float64

	// tap tables of phase shifters, by element
	taps map[string]*crac.TapTable

	divergentContingencies map[string]bool
	divergesWhenOpen       map[string]bool
}

// GridSpec describes a Grid.
type GridSpec struct {
	Branches               []*Branch
	ReferenceSetpoints     map[string]float64
	PstTaps                map[string]*crac.TapTable
	DivergentContingencies []string
	DivergesWhenOpen       []string
}

// NewGrid validates spec and builds a Grid.
func NewGrid(spec GridSpec) (*Grid, error) {
	g := &Grid{
		branches:               make(map[string]*Branch, len(spec.Branches)),
		reference:              make(map[string]float64, len(spec.ReferenceSetpoints)),
		taps:                   make(map[string]*crac.TapTable, len(spec.PstTaps)),
		divergentContingencies: make(map[string]bool),
		divergesWhenOpen:       make(map[string]bool),
	}
	for _, b := range spec.Branches {
		if b.ID == "" {
			return nil, fmt.Errorf("%w: branch without id", ErrInvalidCase)
		}
		if _, dup := g.branches[b.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate branch %s", ErrInvalidCase, b.ID)
		}
		b.openKeys = sortedKeys(b.OpenDelta)
		b.invertKeys = sortedKeys(b.InvertDelta)
		b.setKeys = sortedKeys(b.Sensitivity, b.Quadratic)
		g.branches[b.ID] = b
	}
	for k, v := range spec.ReferenceSetpoints {
		g.reference[k] = v
	}
	for k, v := range spec.PstTaps {
		if v == nil || len(v.Angles) == 0 {
			return nil, fmt.Errorf("%w: empty tap table for %s", ErrInvalidCase, k)
		}
		g.taps[k] = v
	}
	for _, c := range spec.DivergentContingencies {
		g.divergentContingencies[c] = true
	}
	for _, e := range spec.DivergesWhenOpen {
		g.divergesWhenOpen[e] = true
	}
	return g, nil
}

// Branch returns a branch by ID.
func (g *Grid) Branch(id string) (*Branch, bool) {
	b, ok := g.branches[id]
	return b, ok
}

// BranchIDs returns the sorted branch IDs.
func (g *Grid) BranchIDs() []string {
	ids := make([]string, 0, len(g.branches))
	for id := range g.branches {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Reference returns the reference setpoint of an element.
func (g *Grid) Reference(element string) float64 {
	return g.reference[element]
}

// Model implements network.Model and sensitivity.Evaluator on a Grid.
//
// Thread Safety: Safe for concurrent use on distinct networks.
type Model struct {
	grid        *Grid
	clones      atomic.Int64
	evaluations atomic.Int64
}

// NewModel creates a model for grid.
func NewModel(grid *Grid) *Model {
	return &Model{grid: grid}
}

// Grid returns the grid of the model.
func (m *Model) Grid() *Grid {
	return m.grid
}

// Evaluations returns the number of sensitivity computations run.
func (m *Model) Evaluations() int64 {
	return m.evaluations.Load()
}

// Clones returns the number of networks cloned.
func (m *Model) Clones() int64 {
	return m.clones.Load()
}
