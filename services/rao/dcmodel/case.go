// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dcmodel

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/gridrao/services/rao/crac"
)

// CaseFile is the YAML document describing a grid and its CRAC.
type CaseFile struct {
	ID                     string             `yaml:"id"`
	Instants               []InstantEntry     `yaml:"instants"`
	Contingencies          []ContingencyEntry `yaml:"contingencies"`
	Branches               []BranchEntry      `yaml:"branches"`
	ReferenceSetpoints     map[string]float64 `yaml:"reference_setpoints"`
	DivergentContingencies []string           `yaml:"divergent_contingencies"`
	DivergesWhenOpen       []string           `yaml:"diverges_when_open"`
	Cnecs                  []CnecEntry        `yaml:"cnecs"`
	RangeActions           []RangeActionEntry `yaml:"range_actions"`
	NetworkActions         []NetworkActEntry  `yaml:"network_actions"`
}

// InstantEntry is an instant of the timeline, listed in order.
type InstantEntry struct {
	ID   string `yaml:"id"`
	Kind string `yaml:"kind"`
}

// ContingencyEntry lists the elements lost by a contingency.
type ContingencyEntry struct {
	ID       string   `yaml:"id"`
	Name     string   `yaml:"name"`
	Elements []string `yaml:"elements"`
}

// BranchEntry holds the response coefficients of a monitored element.
type BranchEntry struct {
	ID          string             `yaml:"id"`
	BaseFlow    float64            `yaml:"base_flow"`
	OpenDelta   map[string]float64 `yaml:"open_delta"`
	InvertDelta map[string]float64 `yaml:"invert_delta"`
	Sensitivity map[string]float64 `yaml:"sensitivity"`
	Quadratic   map[string]float64 `yaml:"quadratic"`
}

// CnecEntry describes a Cnec.
type CnecEntry struct {
	ID                string   `yaml:"id"`
	Name              string   `yaml:"name"`
	Element           string   `yaml:"element"`
	Instant           string   `yaml:"instant"`
	Contingency       string   `yaml:"contingency"`
	Min               *float64 `yaml:"min"`
	Max               *float64 `yaml:"max"`
	Optimized         bool     `yaml:"optimized"`
	Monitored         bool     `yaml:"monitored"`
	ReliabilityMargin float64  `yaml:"reliability_margin"`
	Unit              string   `yaml:"unit"`
}

// UsageEntry is a usage rule.
type UsageEntry struct {
	Method      string `yaml:"method"`
	Instant     string `yaml:"instant"`
	Contingency string `yaml:"contingency"`
	Cnec        string `yaml:"cnec"`
}

// RangeEntry is one range of a range action.
type RangeEntry struct {
	Type string  `yaml:"type"`
	Min  float64 `yaml:"min"`
	Max  float64 `yaml:"max"`
}

// TapEntry is the tap table of a phase shifter.
type TapEntry struct {
	LowTap int       `yaml:"low_tap"`
	Angles []float64 `yaml:"angles"`
}

// RangeActionEntry describes a range action.
type RangeActionEntry struct {
	ID            string       `yaml:"id"`
	Name          string       `yaml:"name"`
	Kind          string       `yaml:"kind"`
	Element       string       `yaml:"element"`
	Operator      string       `yaml:"operator"`
	Ranges        []RangeEntry `yaml:"ranges"`
	Taps          *TapEntry    `yaml:"taps"`
	Usage         []UsageEntry `yaml:"usage"`
	Group         string       `yaml:"group"`
	VariationCost float64      `yaml:"variation_cost"`
}

// ElementaryEntry is one elementary action.
type ElementaryEntry struct {
	Kind     string  `yaml:"kind"`
	Element  string  `yaml:"element"`
	Open     bool    `yaml:"open"`
	Inverted bool    `yaml:"inverted"`
	Setpoint float64 `yaml:"setpoint"`
}

// NetworkActEntry describes a network action.
type NetworkActEntry struct {
	ID             string            `yaml:"id"`
	Name           string            `yaml:"name"`
	Operator       string            `yaml:"operator"`
	Elementary     []ElementaryEntry `yaml:"elementary"`
	Usage          []UsageEntry      `yaml:"usage"`
	ActivationCost float64           `yaml:"activation_cost"`
}

// Case is a loaded grid with its CRAC.
type Case struct {
	Grid  *Grid
	Model *Model
	Crac  *crac.Crac
}

// NewNetwork returns a fresh network of the case.
func (c *Case) NewNetwork() *Network {
	return c.Model.NewNetwork(c.Crac.ID)
}

// LoadCase reads and builds a YAML case file.
//
// Outputs:
//   - *Case: The grid, its model and CRAC.
//   - error: Read, parse or model errors. CRAC problems are *crac.ModelError.
func LoadCase(path string) (*Case, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read case: %w", err)
	}
	return ParseCase(data)
}

// ParseCase builds a case from YAML.
func ParseCase(data []byte) (*Case, error) {
	var f CaseFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCase, err)
	}
	return f.Build()
}

// Build turns the document into a Case.
func (f *CaseFile) Build() (*Case, error) {
	taps := make(map[string]*crac.TapTable)
	for _, ra := range f.RangeActions {
		if ra.Taps != nil {
			taps[ra.Element] = &crac.TapTable{LowTap: ra.Taps.LowTap, Angles: ra.Taps.Angles}
		}
	}

	spec := GridSpec{
		ReferenceSetpoints:     f.ReferenceSetpoints,
		PstTaps:                taps,
		DivergentContingencies: f.DivergentContingencies,
		DivergesWhenOpen:       f.DivergesWhenOpen,
	}
	for _, b := range f.Branches {
		spec.Branches = append(spec.Branches, &Branch{
			ID:          b.ID,
			BaseFlow:    b.BaseFlow,
			OpenDelta:   b.OpenDelta,
			InvertDelta: b.InvertDelta,
			Sensitivity: b.Sensitivity,
			Quadratic:   b.Quadratic,
		})
	}
	grid, err := NewGrid(spec)
	if err != nil {
		return nil, err
	}

	cb := crac.NewBuilder(f.ID)
	for _, inst := range f.Instants {
		kind, err := crac.ParseInstantKind(inst.Kind)
		if err != nil {
			return nil, fmt.Errorf("%w: instant %s: %v", ErrInvalidCase, inst.ID, err)
		}
		cb.AddInstant(inst.ID, kind)
	}
	for _, co := range f.Contingencies {
		cb.AddContingency(&crac.Contingency{ID: co.ID, Name: co.Name, Elements: co.Elements})
	}
	for _, c := range f.Cnecs {
		unit, err := parseUnit(c.Unit)
		if err != nil {
			return nil, fmt.Errorf("%w: cnec %s: %v", ErrInvalidCase, c.ID, err)
		}
		cb.AddCnec(crac.CnecSpec{
			ID:                c.ID,
			Name:              c.Name,
			NetworkElement:    c.Element,
			Instant:           c.Instant,
			Contingency:       c.Contingency,
			Parameter:         crac.ParameterFlow,
			Unit:              unit,
			Min:               c.Min,
			Max:               c.Max,
			Optimized:         c.Optimized,
			Monitored:         c.Monitored,
			ReliabilityMargin: c.ReliabilityMargin,
		})
	}
	for _, r := range f.RangeActions {
		ra, err := r.toRangeAction(grid)
		if err != nil {
			return nil, err
		}
		cb.AddRangeAction(ra)
	}
	for _, n := range f.NetworkActions {
		na, err := n.toNetworkAction()
		if err != nil {
			return nil, err
		}
		cb.AddNetworkAction(na)
	}
	c, err := cb.Build()
	if err != nil {
		return nil, err
	}
	return &Case{Grid: grid, Model: NewModel(grid), Crac: c}, nil
}

func parseUnit(s string) (crac.Unit, error) {
	switch s {
	case "", "MW":
		return crac.UnitMegawatt, nil
	case "A":
		return crac.UnitAmpere, nil
	case "deg":
		return crac.UnitDegree, nil
	case "kV":
		return crac.UnitKilovolt, nil
	default:
		return 0, fmt.Errorf("unknown unit %q", s)
	}
}

func toUsageRules(entries []UsageEntry) ([]crac.UsageRule, error) {
	rules := make([]crac.UsageRule, 0, len(entries))
	for _, u := range entries {
		method, err := crac.ParseUsageMethod(u.Method)
		if err != nil {
			return nil, err
		}
		rules = append(rules, crac.UsageRule{
			Method:      method,
			Instant:     u.Instant,
			Contingency: u.Contingency,
			Cnec:        u.Cnec,
		})
	}
	return rules, nil
}

func (r RangeActionEntry) toRangeAction(grid *Grid) (*crac.RangeAction, error) {
	kind, err := crac.ParseRangeActionKind(r.Kind)
	if err != nil {
		return nil, fmt.Errorf("%w: range action %s: %v", ErrInvalidCase, r.ID, err)
	}
	rules, err := toUsageRules(r.Usage)
	if err != nil {
		return nil, fmt.Errorf("%w: range action %s: %v", ErrInvalidCase, r.ID, err)
	}
	ra := &crac.RangeAction{
		ID:              r.ID,
		Name:            r.Name,
		Kind:            kind,
		NetworkElement:  r.Element,
		Operator:        r.Operator,
		InitialSetpoint: grid.Reference(r.Element),
		UsageRules:      rules,
		Group:           r.Group,
		VariationCost:   r.VariationCost,
	}
	for _, rg := range r.Ranges {
		t, err := crac.ParseRangeType(rg.Type)
		if err != nil {
			return nil, fmt.Errorf("%w: range action %s: %v", ErrInvalidCase, r.ID, err)
		}
		ra.Ranges = append(ra.Ranges, crac.Range{Type: t, Min: rg.Min, Max: rg.Max})
	}
	if r.Taps != nil {
		ra.Taps = grid.taps[r.Element]
	}
	return ra, nil
}

func (n NetworkActEntry) toNetworkAction() (*crac.NetworkAction, error) {
	rules, err := toUsageRules(n.Usage)
	if err != nil {
		return nil, fmt.Errorf("%w: network action %s: %v", ErrInvalidCase, n.ID, err)
	}
	na := &crac.NetworkAction{
		ID:             n.ID,
		Name:           n.Name,
		Operator:       n.Operator,
		UsageRules:     rules,
		ActivationCost: n.ActivationCost,
	}
	for _, e := range n.Elementary {
		kind, err := crac.ParseDiscreteActionKind(e.Kind)
		if err != nil {
			return nil, fmt.Errorf("%w: network action %s: %v", ErrInvalidCase, n.ID, err)
		}
		na.Elementary = append(na.Elementary, crac.DiscreteAction{
			Kind:           kind,
			NetworkElement: e.Element,
			Open:           e.Open,
			Inverted:       e.Inverted,
			Setpoint:       e.Setpoint,
		})
	}
	return na, nil
}
