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
	"sort"
	"strconv"
	"strings"
)

// DiscreteActionKind is the tag of the DiscreteAction variant.
type DiscreteActionKind int

const (
	// ActionTopology opens or closes a switch or branch.
	ActionTopology DiscreteActionKind = iota

	// ActionInjectionSetpoint sets the output of a generator or load.
	ActionInjectionSetpoint

	// ActionPstSetpoint sets the tap of a phase shifter.
	ActionPstSetpoint

	// ActionHvdcInversion puts an HVDC line in inverted (or normal) direction.
	ActionHvdcInversion
)

// String returns the kind name.
func (k DiscreteActionKind) String() string {
	switch k {
	case ActionTopology:
		return "topology"
	case ActionInjectionSetpoint:
		return "injection_setpoint"
	case ActionPstSetpoint:
		return "pst_setpoint"
	case ActionHvdcInversion:
		return "hvdc_inversion"
	default:
		return "unknown"
	}
}

// ParseDiscreteActionKind parses a kind name as produced by String.
func ParseDiscreteActionKind(s string) (DiscreteActionKind, error) {
	for _, k := range []DiscreteActionKind{ActionTopology, ActionInjectionSetpoint, ActionPstSetpoint, ActionHvdcInversion} {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown discrete action kind %q", s)
}

// DiscreteAction is an atomic network mutation. It describes a target
// state, not a toggle, so applying it twice is the same as applying it once.
type DiscreteAction struct {
	Kind           DiscreteActionKind
	NetworkElement string

	// Open is the target of ActionTopology.
	Open bool

	// Inverted is the target of ActionHvdcInversion.
	Inverted bool

	// Setpoint is the target of ActionInjectionSetpoint (MW) and
	// ActionPstSetpoint (tap).
	Setpoint float64
}

// Key identifies the effect of the action.
func (a DiscreteAction) Key() string {
	var target string
	switch a.Kind {
	case ActionTopology:
		target = strconv.FormatBool(a.Open)
	case ActionHvdcInversion:
		target = strconv.FormatBool(a.Inverted)
	default:
		target = strconv.FormatFloat(a.Setpoint, 'g', -1, 64)
	}
	return a.Kind.String() + ":" + a.NetworkElement + "=" + target
}

// ConflictsWith reports whether both actions drive the same element to
// different targets.
func (a DiscreteAction) ConflictsWith(b DiscreteAction) bool {
	return a.NetworkElement == b.NetworkElement && a.Key() != b.Key()
}

// String returns the action key.
func (a DiscreteAction) String() string {
	return a.Key()
}

// NetworkAction is a named set of elementary actions applied together.
type NetworkAction struct {
	ID             string
	Name           string
	Operator       string
	Elementary     []DiscreteAction
	UsageRules     []UsageRule
	ActivationCost float64
}

// CanBeCombinedWith reports whether no elementary action of n conflicts
// with one of other.
func (n *NetworkAction) CanBeCombinedWith(other *NetworkAction) bool {
	for _, a := range n.Elementary {
		for _, b := range other.Elementary {
			if a.ConflictsWith(b) {
				return false
			}
		}
	}
	return true
}

// String returns the network action ID.
func (n *NetworkAction) String() string {
	return n.ID
}

// CombinationKey returns a canonical key for a set of network actions,
// independent of order and duplicates.
func CombinationKey(actions []*NetworkAction) string {
	ids := make([]string, 0, len(actions))
	seen := make(map[string]bool, len(actions))
	for _, a := range actions {
		if seen[a.ID] {
			continue
		}
		seen[a.ID] = true
		ids = append(ids, a.ID)
	}
	sort.Strings(ids)
	return strings.Join(ids, "+")
}
