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
	"sort"
)

// CnecSpec describes a Cnec before its state is resolved.
type CnecSpec struct {
	ID                string
	Name              string
	NetworkElement    string
	Instant           string
	Contingency       string
	Parameter         PhysicalParameter
	Unit              Unit
	Min               *float64
	Max               *float64
	Optimized         bool
	Monitored         bool
	ReliabilityMargin float64
}

// Builder assembles and validates a Crac.
//
// Instants must be added in timeline order; the first one must be the
// preventive instant.
//
// Thread Safety: Not safe for concurrent use.
type Builder struct {
	id             string
	instants       []*Instant
	contingencies  []*Contingency
	cnecs          []CnecSpec
	rangeActions   []*RangeAction
	networkActions []*NetworkAction
}

// NewBuilder starts a Crac with the given ID.
func NewBuilder(id string) *Builder {
	return &Builder{id: id}
}

// AddInstant appends an instant to the timeline.
func (b *Builder) AddInstant(id string, kind InstantKind) *Builder {
	b.instants = append(b.instants, &Instant{ID: id, Kind: kind, Order: len(b.instants)})
	return b
}

// AddContingency adds a contingency.
func (b *Builder) AddContingency(c *Contingency) *Builder {
	b.contingencies = append(b.contingencies, c)
	return b
}

// AddCnec adds a Cnec.
func (b *Builder) AddCnec(spec CnecSpec) *Builder {
	b.cnecs = append(b.cnecs, spec)
	return b
}

// AddRangeAction adds a range action.
func (b *Builder) AddRangeAction(ra *RangeAction) *Builder {
	b.rangeActions = append(b.rangeActions, ra)
	return b
}

// AddNetworkAction adds a network action.
func (b *Builder) AddNetworkAction(na *NetworkAction) *Builder {
	b.networkActions = append(b.networkActions, na)
	return b
}

// Build validates every reference and returns the Crac.
//
// Outputs:
//   - *Crac: The validated CRAC.
//   - error: *ModelError describing the first problem found.
func (b *Builder) Build() (*Crac, error) {
	c := &Crac{
		ID:                b.id,
		instantByID:       make(map[string]*Instant),
		contingencyByID:   make(map[string]*Contingency),
		stateByID:         make(map[string]*State),
		cnecByID:          make(map[string]*Cnec),
		cnecsByState:      make(map[string][]*Cnec),
		rangeActionByID:   make(map[string]*RangeAction),
		networkActionByID: make(map[string]*NetworkAction),
	}

	if err := b.buildInstants(c); err != nil {
		return nil, err
	}
	if err := b.buildStates(c); err != nil {
		return nil, err
	}
	if err := b.buildCnecs(c); err != nil {
		return nil, err
	}
	if err := b.buildRangeActions(c); err != nil {
		return nil, err
	}
	if err := b.buildNetworkActions(c); err != nil {
		return nil, err
	}
	return c, nil
}

func (b *Builder) buildInstants(c *Crac) error {
	if len(b.instants) == 0 || b.instants[0].Kind != InstantPreventive {
		return newModelError(ErrInvalidModel, b.id, "first instant must be preventive")
	}
	seenKinds := make(map[InstantKind]bool)
	prev := InstantPreventive
	for _, inst := range b.instants {
		if _, dup := c.instantByID[inst.ID]; dup {
			return newModelError(ErrDuplicateID, inst.ID, "instant")
		}
		if inst.Kind < prev {
			return newModelError(ErrInvalidModel, inst.ID, "instant %s declared after %s", inst.Kind, prev)
		}
		if inst.Kind != InstantCurative && seenKinds[inst.Kind] {
			return newModelError(ErrInvalidModel, inst.ID, "only curative instants may repeat")
		}
		seenKinds[inst.Kind] = true
		prev = inst.Kind
		c.instantByID[inst.ID] = inst
		c.instants = append(c.instants, inst)
	}
	return nil
}

func (b *Builder) buildStates(c *Crac) error {
	preventive := &State{Instant: c.instants[0]}
	c.states = append(c.states, preventive)
	c.stateByID[preventive.ID()] = preventive

	contingencies := append([]*Contingency(nil), b.contingencies...)
	sort.SliceStable(contingencies, func(i, j int) bool { return contingencies[i].ID < contingencies[j].ID })
	for _, co := range contingencies {
		if _, dup := c.contingencyByID[co.ID]; dup {
			return newModelError(ErrDuplicateID, co.ID, "contingency")
		}
		c.contingencyByID[co.ID] = co
		c.contingencies = append(c.contingencies, co)
		for _, inst := range c.instants[1:] {
			s := &State{Instant: inst, Contingency: co}
			c.states = append(c.states, s)
			c.stateByID[s.ID()] = s
		}
	}
	sortStates(c.states)
	return nil
}

func (b *Builder) buildCnecs(c *Crac) error {
	for _, spec := range b.cnecs {
		if _, dup := c.cnecByID[spec.ID]; dup {
			return newModelError(ErrDuplicateID, spec.ID, "cnec")
		}
		inst, err := c.Instant(spec.Instant)
		if err != nil {
			return newModelError(ErrUnknownInstant, spec.Instant, "referenced by cnec %s", spec.ID)
		}
		var state *State
		if inst.IsPreventive() {
			if spec.Contingency != "" {
				return newModelError(ErrInvalidModel, spec.ID, "preventive cnec with a contingency")
			}
			state = c.PreventiveState()
		} else {
			if spec.Contingency == "" {
				return newModelError(ErrInvalidModel, spec.ID, "post-contingency cnec without contingency")
			}
			s, ok := c.StateAt(spec.Contingency, spec.Instant)
			if !ok {
				return newModelError(ErrUnknownContingency, spec.Contingency, "referenced by cnec %s", spec.ID)
			}
			state = s
		}
		if spec.Min == nil && spec.Max == nil {
			return newModelError(ErrInvalidModel, spec.ID, "cnec has no threshold")
		}
		if spec.Min != nil && spec.Max != nil && *spec.Min > *spec.Max {
			return newModelError(ErrInvalidModel, spec.ID, "min threshold above max threshold")
		}
		if !spec.Optimized && !spec.Monitored {
			return newModelError(ErrInvalidModel, spec.ID, "cnec is neither optimized nor monitored")
		}
		cnec := &Cnec{
			ID:                spec.ID,
			Name:              spec.Name,
			NetworkElement:    spec.NetworkElement,
			State:             state,
			Parameter:         spec.Parameter,
			Unit:              spec.Unit,
			Min:               spec.Min,
			Max:               spec.Max,
			Optimized:         spec.Optimized,
			Monitored:         spec.Monitored,
			ReliabilityMargin: spec.ReliabilityMargin,
		}
		c.cnecs = append(c.cnecs, cnec)
		c.cnecByID[cnec.ID] = cnec
		c.cnecsByState[state.ID()] = append(c.cnecsByState[state.ID()], cnec)
	}
	return nil
}

func (b *Builder) buildRangeActions(c *Crac) error {
	for _, ra := range b.rangeActions {
		if _, dup := c.rangeActionByID[ra.ID]; dup {
			return newModelError(ErrDuplicateID, ra.ID, "range action")
		}
		if ra.IsPst() {
			if ra.Taps == nil || len(ra.Taps.Angles) == 0 {
				return newModelError(ErrInvalidModel, ra.ID, "phase shifter without tap table")
			}
		} else if !hasStaticBound(ra.Ranges) {
			return newModelError(ErrInvalidModel, ra.ID, "range action needs a range not relative to the previous time step")
		}
		if err := validateUsageRules(c, ra.ID, ra.UsageRules); err != nil {
			return err
		}
		ref := DomainReference{PrePerimeter: ra.InitialSetpoint, Initial: ra.InitialSetpoint}
		if _, _, err := ra.Domain(ref); err != nil {
			return err
		}
		c.rangeActions = append(c.rangeActions, ra)
		c.rangeActionByID[ra.ID] = ra
	}
	return nil
}

func hasStaticBound(ranges []Range) bool {
	for _, r := range ranges {
		if r.Type != RangeRelativeToPreviousTimeStep {
			return true
		}
	}
	return false
}

func (b *Builder) buildNetworkActions(c *Crac) error {
	for _, na := range b.networkActions {
		if _, dup := c.networkActionByID[na.ID]; dup {
			return newModelError(ErrDuplicateID, na.ID, "network action")
		}
		if len(na.Elementary) == 0 {
			return newModelError(ErrInvalidModel, na.ID, "network action without elementary action")
		}
		for i, a := range na.Elementary {
			for _, other := range na.Elementary[i+1:] {
				if a.ConflictsWith(other) {
					return newModelError(ErrInvalidModel, na.ID, "conflicting elementary actions on %s", a.NetworkElement)
				}
			}
		}
		if err := validateUsageRules(c, na.ID, na.UsageRules); err != nil {
			return err
		}
		c.networkActions = append(c.networkActions, na)
		c.networkActionByID[na.ID] = na
	}
	return nil
}

func validateUsageRules(c *Crac, owner string, rules []UsageRule) error {
	for _, rule := range rules {
		inst, err := c.Instant(rule.Instant)
		if err != nil {
			return newModelError(ErrUnknownInstant, rule.Instant, "usage rule of %s", owner)
		}
		if rule.Contingency != "" {
			if inst.IsPreventive() {
				return newModelError(ErrInvalidModel, owner, "preventive usage rule with a contingency")
			}
			if _, err := c.Contingency(rule.Contingency); err != nil {
				return newModelError(ErrUnknownContingency, rule.Contingency, "usage rule of %s", owner)
			}
		}
		if rule.Cnec != "" {
			if _, err := c.Cnec(rule.Cnec); err != nil {
				return newModelError(ErrUnknownCnec, rule.Cnec, "usage rule of %s", owner)
			}
		}
	}
	return nil
}
