// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package crac holds the read-only Contingency list and Remedial Action
// Catalog: instants, contingencies, states, monitored elements (Cnecs) and
// the range and network actions available to the optimizer.
//
// A Crac is built once through Builder and never mutated afterwards, so it
// is safe to share between goroutines.
package crac

import "sort"

// Crac is an immutable, validated CRAC.
//
// Thread Safety: Safe for concurrent use (read-only after Build).
type Crac struct {
	ID string

	instants       []*Instant
	contingencies  []*Contingency
	states         []*State
	cnecs          []*Cnec
	rangeActions   []*RangeAction
	networkActions []*NetworkAction

	instantByID       map[string]*Instant
	contingencyByID   map[string]*Contingency
	stateByID         map[string]*State
	cnecByID          map[string]*Cnec
	cnecsByState      map[string][]*Cnec
	rangeActionByID   map[string]*RangeAction
	networkActionByID map[string]*NetworkAction
}

// Instants returns the instants sorted along the timeline.
func (c *Crac) Instants() []*Instant {
	return append([]*Instant(nil), c.instants...)
}

// Instant looks up an instant.
func (c *Crac) Instant(id string) (*Instant, error) {
	if i, ok := c.instantByID[id]; ok {
		return i, nil
	}
	return nil, newModelError(ErrUnknownInstant, id, "")
}

// PreventiveInstant returns the unique preventive instant.
func (c *Crac) PreventiveInstant() *Instant {
	return c.instants[0]
}

// InstantsOfKind returns the instants of a kind, in timeline order.
func (c *Crac) InstantsOfKind(kind InstantKind) []*Instant {
	var out []*Instant
	for _, i := range c.instants {
		if i.Kind == kind {
			out = append(out, i)
		}
	}
	return out
}

// LastInstant returns the latest instant of the timeline.
func (c *Crac) LastInstant() *Instant {
	return c.instants[len(c.instants)-1]
}

// Contingencies returns the contingencies sorted by ID.
func (c *Crac) Contingencies() []*Contingency {
	return append([]*Contingency(nil), c.contingencies...)
}

// Contingency looks up a contingency.
func (c *Crac) Contingency(id string) (*Contingency, error) {
	if co, ok := c.contingencyByID[id]; ok {
		return co, nil
	}
	return nil, newModelError(ErrUnknownContingency, id, "")
}

// States returns every state: preventive first, then post-contingency
// states by contingency ID and instant order.
func (c *Crac) States() []*State {
	return append([]*State(nil), c.states...)
}

// State looks up a state by ID.
func (c *Crac) State(id string) (*State, error) {
	if s, ok := c.stateByID[id]; ok {
		return s, nil
	}
	return nil, newModelError(ErrUnknownState, id, "")
}

// PreventiveState returns the preventive state.
func (c *Crac) PreventiveState() *State {
	return c.states[0]
}

// PostContingencyStates returns every state with a contingency.
func (c *Crac) PostContingencyStates() []*State {
	return append([]*State(nil), c.states[1:]...)
}

// StatesOf returns the states of a contingency in timeline order.
func (c *Crac) StatesOf(contingencyID string) []*State {
	var out []*State
	for _, s := range c.states {
		if s.ContingencyID() == contingencyID && !s.IsPreventive() {
			out = append(out, s)
		}
	}
	return out
}

// StateAt returns the state of a contingency at an instant.
func (c *Crac) StateAt(contingencyID, instantID string) (*State, bool) {
	s, ok := c.stateByID[StateID(contingencyID, instantID)]
	return s, ok
}

// Cnecs returns every Cnec in declaration order.
func (c *Crac) Cnecs() []*Cnec {
	return append([]*Cnec(nil), c.cnecs...)
}

// Cnec looks up a Cnec.
func (c *Crac) Cnec(id string) (*Cnec, error) {
	if cnec, ok := c.cnecByID[id]; ok {
		return cnec, nil
	}
	return nil, newModelError(ErrUnknownCnec, id, "")
}

// CnecsForState returns the Cnecs defined on state.
func (c *Crac) CnecsForState(state *State) []*Cnec {
	return append([]*Cnec(nil), c.cnecsByState[state.ID()]...)
}

// CnecsForStates returns the Cnecs defined on any of states.
func (c *Crac) CnecsForStates(states []*State) []*Cnec {
	var out []*Cnec
	for _, s := range states {
		out = append(out, c.cnecsByState[s.ID()]...)
	}
	return out
}

// RangeActions returns every range action in declaration order.
func (c *Crac) RangeActions() []*RangeAction {
	return append([]*RangeAction(nil), c.rangeActions...)
}

// RangeAction looks up a range action.
func (c *Crac) RangeAction(id string) (*RangeAction, error) {
	if ra, ok := c.rangeActionByID[id]; ok {
		return ra, nil
	}
	return nil, newModelError(ErrUnknownRangeAction, id, "")
}

// NetworkActions returns every network action in declaration order.
func (c *Crac) NetworkActions() []*NetworkAction {
	return append([]*NetworkAction(nil), c.networkActions...)
}

// NetworkAction looks up a network action.
func (c *Crac) NetworkAction(id string) (*NetworkAction, error) {
	if na, ok := c.networkActionByID[id]; ok {
		return na, nil
	}
	return nil, newModelError(ErrUnknownNetworkAction, id, "")
}

// RangeActionsFor returns the range actions whose usage in state resolves
// to method.
func (c *Crac) RangeActionsFor(state *State, method UsageMethod, constrained ConstraintFunc) []*RangeAction {
	var out []*RangeAction
	for _, ra := range c.rangeActions {
		if ResolveUsage(ra.UsageRules, state, constrained) == method {
			out = append(out, ra)
		}
	}
	return out
}

// NetworkActionsFor returns the network actions whose usage in state
// resolves to method.
func (c *Crac) NetworkActionsFor(state *State, method UsageMethod, constrained ConstraintFunc) []*NetworkAction {
	var out []*NetworkAction
	for _, na := range c.networkActions {
		if ResolveUsage(na.UsageRules, state, constrained) == method {
			out = append(out, na)
		}
	}
	return out
}

// HasRemedialActions reports whether any action is available or forced
// in state.
func (c *Crac) HasRemedialActions(state *State, constrained ConstraintFunc) bool {
	for _, m := range []UsageMethod{UsageAvailable, UsageForced} {
		if len(c.RangeActionsFor(state, m, constrained)) > 0 || len(c.NetworkActionsFor(state, m, constrained)) > 0 {
			return true
		}
	}
	return false
}

func sortStates(states []*State) {
	sort.SliceStable(states, func(i, j int) bool {
		a, b := states[i], states[j]
		if a.IsPreventive() != b.IsPreventive() {
			return a.IsPreventive()
		}
		if a.ContingencyID() != b.ContingencyID() {
			return a.ContingencyID() < b.ContingencyID()
		}
		return a.Instant.Order < b.Instant.Order
	})
}

// AvailableNetworkActions returns the network actions the optimizer may
// choose in state.
func (c *Crac) AvailableNetworkActions(state *State, constrained ConstraintFunc) []*NetworkAction {
	return c.NetworkActionsFor(state, UsageAvailable, constrained)
}

// AvailableRangeActions returns the range actions the optimizer may move
// in state.
func (c *Crac) AvailableRangeActions(state *State, constrained ConstraintFunc) []*RangeAction {
	return c.RangeActionsFor(state, UsageAvailable, constrained)
}

// ForcedNetworkActions returns the network actions applied unconditionally
// in state (automatons).
func (c *Crac) ForcedNetworkActions(state *State, constrained ConstraintFunc) []*NetworkAction {
	return c.NetworkActionsFor(state, UsageForced, constrained)
}

// Validate re-checks the cross references of the Crac. Build already
// performs these checks; Validate is for callers holding a Crac obtained
// from elsewhere.
func (c *Crac) Validate() error {
	if len(c.instants) == 0 || !c.instants[0].IsPreventive() {
		return newModelError(ErrInvalidModel, c.ID, "first instant must be preventive")
	}
	for _, cnec := range c.cnecs {
		if cnec.State == nil {
			return newModelError(ErrUnknownState, cnec.ID, "cnec without state")
		}
		if _, ok := c.stateByID[cnec.State.ID()]; !ok {
			return newModelError(ErrUnknownState, cnec.State.ID(), "referenced by cnec %s", cnec.ID)
		}
	}
	for _, ra := range c.rangeActions {
		if err := validateUsageRules(c, ra.ID, ra.UsageRules); err != nil {
			return err
		}
	}
	for _, na := range c.networkActions {
		if err := validateUsageRules(c, na.ID, na.UsageRules); err != nil {
			return err
		}
	}
	return nil
}
