// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package crac

import "math"

// PhysicalParameter is the monitored quantity of a Cnec.
type PhysicalParameter int

const (
	ParameterFlow PhysicalParameter = iota
	ParameterAngle
	ParameterVoltage
)

// String returns the parameter name.
func (p PhysicalParameter) String() string {
	switch p {
	case ParameterFlow:
		return "flow"
	case ParameterAngle:
		return "angle"
	case ParameterVoltage:
		return "voltage"
	default:
		return "unknown"
	}
}

// Unit of a Cnec threshold.
type Unit int

const (
	UnitMegawatt Unit = iota
	UnitAmpere
	UnitDegree
	UnitKilovolt
)

// String returns the unit symbol.
func (u Unit) String() string {
	switch u {
	case UnitMegawatt:
		return "MW"
	case UnitAmpere:
		return "A"
	case UnitDegree:
		return "deg"
	case UnitKilovolt:
		return "kV"
	default:
		return "?"
	}
}

// Cnec is a critical network element monitored in one state.
//
// An optimized Cnec counts in the objective function. A monitored Cnec
// (MNEC) only has to stay secure, or not get worse than it initially was.
// A Cnec may be both.
type Cnec struct {
	ID                string
	Name              string
	NetworkElement    string
	State             *State
	Parameter         PhysicalParameter
	Unit              Unit
	Min               *float64
	Max               *float64
	Optimized         bool
	Monitored         bool
	ReliabilityMargin float64
}

// Margin returns the distance between value and the closest threshold,
// reduced by the reliability margin. Negative means overloaded.
// A Cnec with no threshold has an infinite margin.
func (c *Cnec) Margin(value float64) float64 {
	margin := math.Inf(1)
	if upper, ok := c.UpperBound(); ok {
		margin = math.Min(margin, upper-value)
	}
	if lower, ok := c.LowerBound(); ok {
		margin = math.Min(margin, value-lower)
	}
	return margin
}

// UpperBound returns the effective upper threshold, if any.
func (c *Cnec) UpperBound() (float64, bool) {
	if c.Max == nil {
		return 0, false
	}
	return *c.Max - c.ReliabilityMargin, true
}

// LowerBound returns the effective lower threshold, if any.
func (c *Cnec) LowerBound() (float64, bool) {
	if c.Min == nil {
		return 0, false
	}
	return *c.Min + c.ReliabilityMargin, true
}

// String returns the Cnec ID.
func (c *Cnec) String() string {
	return c.ID
}

// Float returns a pointer to v, for threshold literals.
func Float(v float64) *float64 {
	return &v
}
