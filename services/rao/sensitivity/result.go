// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sensitivity defines the contract of the flow and sensitivity
// service the optimizer linearizes the network with.
//
// An Evaluator returns, for a network and a set of Cnecs, the monitored
// values and their sensitivities to range action setpoints. Numeric
// divergence is not an error: it is reported per state through
// ComputationStatus so the search can assign an overcost and go on.
// A returned error means the service itself failed.
package sensitivity

import (
	"context"
	"math"

	"github.com/AleutianAI/gridrao/services/rao/crac"
	"github.com/AleutianAI/gridrao/services/rao/network"
)

// ComputationStatus is the outcome of a sensitivity computation.
type ComputationStatus int

const (
	// StatusDefault means every requested value was computed.
	StatusDefault ComputationStatus = iota

	// StatusPartialFailure means some states diverged.
	StatusPartialFailure

	// StatusFailure means the computation diverged.
	StatusFailure
)

// String returns the status name.
func (s ComputationStatus) String() string {
	switch s {
	case StatusDefault:
		return "default"
	case StatusPartialFailure:
		return "partial_failure"
	case StatusFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Evaluator is the sensitivity and flow service.
type Evaluator interface {
	// Evaluate computes values of cnecs and their sensitivities to ras on
	// the working variant of n.
	Evaluate(ctx context.Context, n network.Network, cnecs []*crac.Cnec, ras []*crac.RangeAction) (*Result, error)
}

// Result holds values and sensitivities for one network situation.
// It is not mutated after the Evaluator returns it.
type Result struct {
	// Status is the global computation status.
	Status ComputationStatus

	// StateStatus holds the status per state ID. States absent from the
	// map share the global status.
	StateStatus map[string]ComputationStatus

	// Values maps cnec ID to the monitored value (MW, A, deg or kV).
	Values map[string]float64

	// Sensitivities maps cnec ID, then range action ID, to d(value)/d(setpoint).
	Sensitivities map[string]map[string]float64
}

// NewResult returns an empty result with allocated maps.
func NewResult() *Result {
	return &Result{
		StateStatus:   make(map[string]ComputationStatus),
		Values:        make(map[string]float64),
		Sensitivities: make(map[string]map[string]float64),
	}
}

// Value returns the monitored value of a cnec.
func (r *Result) Value(cnecID string) (float64, bool) {
	v, ok := r.Values[cnecID]
	return v, ok
}

// Sensitivity returns d(value of cnec)/d(setpoint of ra), zero if unknown.
func (r *Result) Sensitivity(cnecID, rangeActionID string) float64 {
	return r.Sensitivities[cnecID][rangeActionID]
}

// StatusFor returns the computation status of a state.
func (r *Result) StatusFor(stateID string) ComputationStatus {
	if s, ok := r.StateStatus[stateID]; ok {
		return s
	}
	if r.Status == StatusPartialFailure {
		return StatusDefault
	}
	return r.Status
}

// Failed reports whether the computation failed for a state.
func (r *Result) Failed(stateID string) bool {
	return r.StatusFor(stateID) == StatusFailure
}

// Margin returns the margin of cnec, or -Inf when its value is missing or
// its state failed.
func (r *Result) Margin(cnec *crac.Cnec) float64 {
	if r.Failed(cnec.State.ID()) {
		return math.Inf(-1)
	}
	v, ok := r.Values[cnec.ID]
	if !ok {
		return math.Inf(-1)
	}
	return cnec.Margin(v)
}

// SetValue records a value. Not safe for concurrent use.
func (r *Result) SetValue(cnecID string, v float64) {
	r.Values[cnecID] = v
}

// SetSensitivity records a sensitivity. Not safe for concurrent use.
func (r *Result) SetSensitivity(cnecID, rangeActionID string, s float64) {
	row, ok := r.Sensitivities[cnecID]
	if !ok {
		row = make(map[string]float64)
		r.Sensitivities[cnecID] = row
	}
	row[rangeActionID] = s
}

// FinalizeStatus derives Status from StateStatus.
func (r *Result) FinalizeStatus() {
	failed, ok := 0, 0
	for _, s := range r.StateStatus {
		if s == StatusFailure {
			failed++
		} else {
			ok++
		}
	}
	switch {
	case failed == 0:
		r.Status = StatusDefault
	case ok == 0:
		r.Status = StatusFailure
	default:
		r.Status = StatusPartialFailure
	}
}

// Merge returns a result holding the entries of r overridden by other.
// Neither input is modified.
func (r *Result) Merge(other *Result) *Result {
	out := NewResult()
	for _, src := range []*Result{r, other} {
		if src == nil {
			continue
		}
		for k, v := range src.StateStatus {
			out.StateStatus[k] = v
		}
		for k, v := range src.Values {
			out.Values[k] = v
		}
		for k, row := range src.Sensitivities {
			cp := make(map[string]float64, len(row))
			for ra, s := range row {
				cp[ra] = s
			}
			out.Sensitivities[k] = cp
		}
	}
	out.FinalizeStatus()
	return out
}
