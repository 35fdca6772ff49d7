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

import (
	"fmt"
	"math"
)

// domainTolerance absorbs floating point noise when intersecting ranges.
const domainTolerance = 1e-9

// RangeType tells what a Range is relative to.
type RangeType int

const (
	// RangeAbsolute bounds the setpoint itself.
	RangeAbsolute RangeType = iota

	// RangeRelativeToPreviousInstant bounds the variation from the
	// setpoint at the start of the perimeter.
	RangeRelativeToPreviousInstant

	// RangeRelativeToInitialNetwork bounds the variation from the setpoint
	// of the initial network.
	RangeRelativeToInitialNetwork

	// RangeRelativeToPreviousTimeStep bounds the variation from the setpoint
	// chosen for the previous time step.
	RangeRelativeToPreviousTimeStep
)

// String returns the range type name.
func (t RangeType) String() string {
	switch t {
	case RangeAbsolute:
		return "absolute"
	case RangeRelativeToPreviousInstant:
		return "relative_to_previous_instant"
	case RangeRelativeToInitialNetwork:
		return "relative_to_initial_network"
	case RangeRelativeToPreviousTimeStep:
		return "relative_to_previous_time_step"
	default:
		return "unknown"
	}
}

// ParseRangeType parses a range type name as produced by String.
func ParseRangeType(s string) (RangeType, error) {
	for _, t := range []RangeType{
		RangeAbsolute,
		RangeRelativeToPreviousInstant,
		RangeRelativeToInitialNetwork,
		RangeRelativeToPreviousTimeStep,
	} {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown range type %q", s)
}

// Range is one bound pair of a RangeAction. PST ranges are in taps,
// other ranges in setpoint units (MW).
type Range struct {
	Type RangeType
	Min  float64
	Max  float64
}

// RangeActionKind is the tag of the RangeAction variant.
type RangeActionKind int

const (
	KindPst RangeActionKind = iota
	KindHvdc
	KindInjection
	KindRedispatch
)

// String returns the kind name.
func (k RangeActionKind) String() string {
	switch k {
	case KindPst:
		return "pst"
	case KindHvdc:
		return "hvdc"
	case KindInjection:
		return "injection"
	case KindRedispatch:
		return "redispatch"
	default:
		return "unknown"
	}
}

// ParseRangeActionKind parses a kind name as produced by String.
func ParseRangeActionKind(s string) (RangeActionKind, error) {
	for _, k := range []RangeActionKind{KindPst, KindHvdc, KindInjection, KindRedispatch} {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown range action kind %q", s)
}

// TapTable maps the taps of a phase shifter to angle setpoints.
// Angles[i] is the setpoint of tap LowTap+i.
type TapTable struct {
	LowTap int
	Angles []float64
}

// MinTap returns the lowest tap.
func (t *TapTable) MinTap() int { return t.LowTap }

// MaxTap returns the highest tap.
func (t *TapTable) MaxTap() int { return t.LowTap + len(t.Angles) - 1 }

// Setpoint returns the angle of a tap.
func (t *TapTable) Setpoint(tap int) (float64, error) {
	if tap < t.MinTap() || tap > t.MaxTap() {
		return 0, fmt.Errorf("tap %d outside [%d, %d]", tap, t.MinTap(), t.MaxTap())
	}
	return t.Angles[tap-t.LowTap], nil
}

// ClosestTap returns the tap whose angle is closest to setpoint.
// Ties go to the lowest tap.
func (t *TapTable) ClosestTap(setpoint float64) int {
	return t.closestTapIn(setpoint, t.MinTap(), t.MaxTap())
}

func (t *TapTable) closestTapIn(setpoint float64, minTap, maxTap int) int {
	best := minTap
	bestDistance := math.Inf(1)
	for tap := minTap; tap <= maxTap; tap++ {
		d := math.Abs(t.Angles[tap-t.LowTap] - setpoint)
		if d < bestDistance-domainTolerance {
			best = tap
			bestDistance = d
		}
	}
	return best
}

// TapsAround returns the two taps, within [minTap, maxTap], whose angles
// bracket setpoint. Both are equal when setpoint sits on a tap or outside
// the bracketed interval.
func (t *TapTable) TapsAround(setpoint float64, minTap, maxTap int) (int, int) {
	closest := t.closestTapIn(setpoint, minTap, maxTap)
	angle := t.Angles[closest-t.LowTap]
	if math.Abs(angle-setpoint) <= domainTolerance {
		return closest, closest
	}
	other := closest
	for _, candidate := range []int{closest - 1, closest + 1} {
		if candidate < minTap || candidate > maxTap {
			continue
		}
		a := t.Angles[candidate-t.LowTap]
		if (a-setpoint)*(angle-setpoint) < 0 {
			other = candidate
		}
	}
	if other < closest {
		return other, closest
	}
	return closest, other
}

// DomainReference carries the setpoints relative ranges are resolved against.
type DomainReference struct {
	// PrePerimeter is the setpoint at the start of the optimized perimeter.
	PrePerimeter float64

	// Initial is the setpoint in the initial network.
	Initial float64

	// PreviousTimeStep is the setpoint chosen for the previous time step.
	// Ignored unless HasPreviousTimeStep is set.
	PreviousTimeStep    float64
	HasPreviousTimeStep bool
}

// RangeAction is a continuous or tap-quantized control.
//
// The variant is tagged by Kind; Taps is only set for KindPst.
// Setpoints of a PST are angles, its Ranges are expressed in taps.
type RangeAction struct {
	ID              string
	Name            string
	Kind            RangeActionKind
	NetworkElement  string
	Operator        string
	Ranges          []Range
	Taps            *TapTable
	InitialSetpoint float64
	UsageRules      []UsageRule
	Group           string
	VariationCost   float64
}

// IsPst returns true for phase shifter range actions.
func (r *RangeAction) IsPst() bool {
	return r.Kind == KindPst
}

// String returns the range action ID.
func (r *RangeAction) String() string {
	return r.ID
}

// Domain returns the interval of allowed setpoints, the intersection of
// every range resolved against ref.
//
// Inputs:
//   - ref: Setpoints relative ranges refer to.
//
// Outputs:
//   - float64: Lowest allowed setpoint.
//   - float64: Highest allowed setpoint.
//   - error: *ModelError wrapping ErrEmptyDomain if the ranges do not intersect.
func (r *RangeAction) Domain(ref DomainReference) (float64, float64, error) {
	if r.IsPst() {
		return r.pstDomain(ref)
	}

	lo, hi := math.Inf(-1), math.Inf(1)
	for _, rg := range r.Ranges {
		var base float64
		switch rg.Type {
		case RangeAbsolute:
			base = 0
		case RangeRelativeToPreviousInstant:
			base = ref.PrePerimeter
		case RangeRelativeToInitialNetwork:
			base = ref.Initial
		case RangeRelativeToPreviousTimeStep:
			if !ref.HasPreviousTimeStep {
				continue
			}
			base = ref.PreviousTimeStep
		}
		lo = math.Max(lo, base+rg.Min)
		hi = math.Min(hi, base+rg.Max)
	}

	if math.IsInf(lo, 0) || math.IsInf(hi, 0) {
		return 0, 0, newModelError(ErrEmptyDomain, r.ID, "range action is unbounded")
	}
	if lo > hi+domainTolerance {
		return 0, 0, newModelError(ErrEmptyDomain, r.ID, "[%g, %g]", lo, hi)
	}
	if lo > hi {
		hi = lo
	}
	return lo, hi, nil
}

// TapDomain returns the allowed tap interval of a PST.
func (r *RangeAction) TapDomain(ref DomainReference) (int, int, error) {
	if !r.IsPst() || r.Taps == nil {
		return 0, 0, newModelError(ErrInvalidModel, r.ID, "not a phase shifter")
	}
	lo, hi := r.Taps.MinTap(), r.Taps.MaxTap()
	for _, rg := range r.Ranges {
		var base int
		switch rg.Type {
		case RangeAbsolute:
			base = 0
		case RangeRelativeToPreviousInstant:
			base = r.Taps.ClosestTap(ref.PrePerimeter)
		case RangeRelativeToInitialNetwork:
			base = r.Taps.ClosestTap(ref.Initial)
		case RangeRelativeToPreviousTimeStep:
			if !ref.HasPreviousTimeStep {
				continue
			}
			base = r.Taps.ClosestTap(ref.PreviousTimeStep)
		}
		lo = max(lo, base+int(math.Ceil(rg.Min-domainTolerance)))
		hi = min(hi, base+int(math.Floor(rg.Max+domainTolerance)))
	}
	if lo > hi {
		return 0, 0, newModelError(ErrEmptyDomain, r.ID, "taps [%d, %d]", lo, hi)
	}
	return lo, hi, nil
}

func (r *RangeAction) pstDomain(ref DomainReference) (float64, float64, error) {
	minTap, maxTap, err := r.TapDomain(ref)
	if err != nil {
		return 0, 0, err
	}
	a, _ := r.Taps.Setpoint(minTap)
	b, _ := r.Taps.Setpoint(maxTap)
	lo, hi := a, b
	for tap := minTap; tap <= maxTap; tap++ {
		angle, _ := r.Taps.Setpoint(tap)
		lo = math.Min(lo, angle)
		hi = math.Max(hi, angle)
	}
	return lo, hi, nil
}

// RoundToTap returns the angle of the closest tap allowed by ref.
// The result always lies inside Domain(ref).
func (r *RangeAction) RoundToTap(setpoint float64, ref DomainReference) (float64, int, error) {
	minTap, maxTap, err := r.TapDomain(ref)
	if err != nil {
		return 0, 0, err
	}
	tap := r.Taps.closestTapIn(setpoint, minTap, maxTap)
	angle, _ := r.Taps.Setpoint(tap)
	return angle, tap, nil
}
