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

import "fmt"

// UsageMethod tells how a remedial action may be used in a state.
type UsageMethod int

const (
	// UsageUnavailable means the action cannot be used. It is the zero value
	// so that an action without matching rule is never used.
	UsageUnavailable UsageMethod = iota

	// UsageAvailable means the optimizer may choose the action.
	UsageAvailable

	// UsageForced means the action is always applied (automatons).
	UsageForced
)

// String returns the method name.
func (m UsageMethod) String() string {
	switch m {
	case UsageAvailable:
		return "available"
	case UsageForced:
		return "forced"
	case UsageUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// ParseUsageMethod parses a method name as produced by String.
func ParseUsageMethod(s string) (UsageMethod, error) {
	switch s {
	case "available":
		return UsageAvailable, nil
	case "forced":
		return UsageForced, nil
	case "unavailable":
		return UsageUnavailable, nil
	default:
		return 0, fmt.Errorf("unknown usage method %q", s)
	}
}

// UsageRule scopes a remedial action to states.
//
// With only Instant set, the rule covers every state of that instant.
// With Contingency set, it covers the single post-contingency state.
// With Cnec set, it applies only while that Cnec is constrained.
type UsageRule struct {
	Method      UsageMethod
	Instant     string
	Contingency string
	Cnec        string
}

// IsDefinedFor reports whether the rule scopes state, ignoring the
// on-constraint condition.
func (u UsageRule) IsDefinedFor(state *State) bool {
	if state == nil || state.Instant == nil || state.Instant.ID != u.Instant {
		return false
	}
	if u.Contingency == "" {
		return true
	}
	return state.ContingencyID() == u.Contingency
}

// ConstraintFunc reports whether a Cnec is currently constrained
// (negative margin). A nil ConstraintFunc treats every Cnec as secure.
type ConstraintFunc func(cnecID string) bool

// ResolveUsage folds the rules matching state into one method.
// Unavailable wins over Forced, which wins over Available.
func ResolveUsage(rules []UsageRule, state *State, constrained ConstraintFunc) UsageMethod {
	matched := false
	forced := false
	for _, rule := range rules {
		if !rule.IsDefinedFor(state) {
			continue
		}
		if rule.Cnec != "" && (constrained == nil || !constrained(rule.Cnec)) {
			continue
		}
		switch rule.Method {
		case UsageUnavailable:
			return UsageUnavailable
		case UsageForced:
			forced = true
		}
		matched = true
	}
	switch {
	case forced:
		return UsageForced
	case matched:
		return UsageAvailable
	default:
		return UsageUnavailable
	}
}

// MethodFor returns the method of this single rule in state, or
// UsageUnavailable when the rule does not apply.
func (u UsageRule) MethodFor(state *State, constrained ConstraintFunc) UsageMethod {
	if !u.IsDefinedFor(state) {
		return UsageUnavailable
	}
	if u.Cnec != "" && (constrained == nil || !constrained(u.Cnec)) {
		return UsageUnavailable
	}
	return u.Method
}
