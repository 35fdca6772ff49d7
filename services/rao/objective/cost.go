// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package objective

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/AleutianAI/gridrao/services/rao/crac"
)

// ErrUnknownPolicy is returned for an unsupported cost policy.
var ErrUnknownPolicy = errors.New("unknown cost policy")

// CostPolicy selects how perimeter costs are aggregated.
type CostPolicy string

const (
	// PolicyMax keeps the worst perimeter cost.
	PolicyMax CostPolicy = "max"

	// PolicyTotal sums perimeter costs.
	PolicyTotal CostPolicy = "total"
)

// ParseCostPolicy parses "max" or "total".
func ParseCostPolicy(s string) (CostPolicy, error) {
	switch p := CostPolicy(s); p {
	case PolicyMax, PolicyTotal:
		return p, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
	}
}

// PerimeterCost is the cost of one optimized perimeter.
type PerimeterCost struct {
	// Instant is the instant of the perimeter. Nil for the initial situation.
	Instant *crac.Instant

	// ContingencyID is empty for the preventive perimeter.
	ContingencyID string

	// HasCost is false for perimeters without optimized Cnecs.
	HasCost bool

	Functional float64
	Virtual    float64
}

// FunctionalCostComputer aggregates perimeter costs up to an instant.
//
// A nil instant asks for the cost before optimization.
type FunctionalCostComputer interface {
	ComputeFunctionalCost(instant *crac.Instant) float64
	ComputeVirtualCost(instant *crac.Instant) float64
	ComputeCost(instant *crac.Instant) float64
}

// perimeters holds the sorted inputs shared by both computers.
type perimeters struct {
	initial        PerimeterCost
	preventive     PerimeterCost
	postContingent []PerimeterCost
}

func newPerimeters(initial, preventive PerimeterCost, post []PerimeterCost) perimeters {
	sorted := append([]PerimeterCost(nil), post...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Instant.Order != b.Instant.Order {
			return a.Instant.Order < b.Instant.Order
		}
		return a.ContingencyID < b.ContingencyID
	})
	return perimeters{initial: initial, preventive: preventive, postContingent: sorted}
}

// included returns the perimeters counted at instant, in a fixed order.
func (p perimeters) included(instant *crac.Instant) []PerimeterCost {
	var out []PerimeterCost
	if p.preventive.HasCost {
		out = append(out, p.preventive)
	}
	for _, pc := range p.postContingent {
		if pc.HasCost && !pc.Instant.ComesAfter(instant) {
			out = append(out, pc)
		}
	}
	return out
}

func (p perimeters) virtual(instant *crac.Instant) float64 {
	if instant == nil {
		return p.initial.Virtual
	}
	total := 0.0
	for _, pc := range p.included(instant) {
		total += pc.Virtual
	}
	return total
}

// MaxCostComputer implements the Maximum policy: the cost at an instant is
// the worst of the preventive perimeter and every post-contingency
// perimeter not after it. Virtual costs are summed.
type MaxCostComputer struct {
	perimeters
}

// NewMaxCostComputer creates a Maximum computer.
func NewMaxCostComputer(initial, preventive PerimeterCost, post []PerimeterCost) *MaxCostComputer {
	return &MaxCostComputer{perimeters: newPerimeters(initial, preventive, post)}
}

// ComputeFunctionalCost implements FunctionalCostComputer. Zero when no
// perimeter has a cost.
func (c *MaxCostComputer) ComputeFunctionalCost(instant *crac.Instant) float64 {
	if instant == nil {
		return c.initial.Functional
	}
	worst := math.Inf(-1)
	for _, pc := range c.included(instant) {
		worst = math.Max(worst, pc.Functional)
	}
	if math.IsInf(worst, -1) {
		return 0
	}
	return worst
}

// ComputeVirtualCost implements FunctionalCostComputer.
func (c *MaxCostComputer) ComputeVirtualCost(instant *crac.Instant) float64 {
	return c.virtual(instant)
}

// ComputeCost implements FunctionalCostComputer.
func (c *MaxCostComputer) ComputeCost(instant *crac.Instant) float64 {
	return c.ComputeFunctionalCost(instant) + c.ComputeVirtualCost(instant)
}

// TotalCostComputer implements the Total policy: the preventive cost plus
// every post-contingency perimeter not after the instant.
type TotalCostComputer struct {
	perimeters
}

// NewTotalCostComputer creates a Total computer.
func NewTotalCostComputer(initial, preventive PerimeterCost, post []PerimeterCost) *TotalCostComputer {
	return &TotalCostComputer{perimeters: newPerimeters(initial, preventive, post)}
}

// ComputeFunctionalCost implements FunctionalCostComputer.
func (c *TotalCostComputer) ComputeFunctionalCost(instant *crac.Instant) float64 {
	if instant == nil {
		return c.initial.Functional
	}
	total := 0.0
	for _, pc := range c.included(instant) {
		total += pc.Functional
	}
	return total
}

// ComputeVirtualCost implements FunctionalCostComputer.
func (c *TotalCostComputer) ComputeVirtualCost(instant *crac.Instant) float64 {
	return c.virtual(instant)
}

// ComputeCost implements FunctionalCostComputer.
func (c *TotalCostComputer) ComputeCost(instant *crac.Instant) float64 {
	return c.ComputeFunctionalCost(instant) + c.ComputeVirtualCost(instant)
}

// NewCostComputer returns the computer of policy.
//
// Outputs:
//   - FunctionalCostComputer: The computer.
//   - error: ErrUnknownPolicy for anything but PolicyMax and PolicyTotal.
func NewCostComputer(policy CostPolicy, initial, preventive PerimeterCost, post []PerimeterCost) (FunctionalCostComputer, error) {
	switch policy {
	case PolicyMax:
		return NewMaxCostComputer(initial, preventive, post), nil
	case PolicyTotal:
		return NewTotalCostComputer(initial, preventive, post), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, policy)
	}
}
