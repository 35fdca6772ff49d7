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
	"context"
	"fmt"

	"github.com/AleutianAI/gridrao/services/rao/crac"
	"github.com/AleutianAI/gridrao/services/rao/network"
	"github.com/AleutianAI/gridrao/services/rao/sensitivity"
)

// Evaluate implements sensitivity.Evaluator.
//
// Description:
//
//	Values are computed on the working variant of n, with the elements of
//	each Cnec's contingency opened. States whose contingency is declared
//	divergent, or every state when a diverging element is open, get
//	StatusFailure and no values.
func (m *Model) Evaluate(ctx context.Context, n network.Network, cnecs []*crac.Cnec, ras []*crac.RangeAction) (*sensitivity.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dn, err := m.own(n)
	if err != nil {
		return nil, err
	}
	m.evaluations.Add(1)
	v := dn.snapshot()

	globalDivergence := false
	for e := range m.grid.divergesWhenOpen {
		if v.open[e] {
			globalDivergence = true
			break
		}
	}

	res := sensitivity.NewResult()
	for _, cnec := range cnecs {
		stateID := cnec.State.ID()
		co := cnec.State.ContingencyID()
		if globalDivergence || (co != "" && m.grid.divergentContingencies[co]) {
			res.StateStatus[stateID] = sensitivity.StatusFailure
			continue
		}
		if _, seen := res.StateStatus[stateID]; !seen {
			res.StateStatus[stateID] = sensitivity.StatusDefault
		}

		b, ok := m.grid.branches[cnec.NetworkElement]
		if !ok {
			return nil, fmt.Errorf("%w: cnec %s monitors %s", ErrUnknownElement, cnec.ID, cnec.NetworkElement)
		}
		outaged := contingencyElements(cnec.State)
		res.SetValue(cnec.ID, m.value(b, v, outaged))
		for _, ra := range ras {
			res.SetSensitivity(cnec.ID, ra.ID, m.sensitivityOf(b, v, outaged, ra.NetworkElement))
		}
	}
	res.FinalizeStatus()
	return res, nil
}

func contingencyElements(s *crac.State) map[string]bool {
	if s.Contingency == nil {
		return nil
	}
	out := make(map[string]bool, len(s.Contingency.Elements))
	for _, e := range s.Contingency.Elements {
		out[e] = true
	}
	return out
}

func isOpen(v *variant, outaged map[string]bool, element string) bool {
	return v.open[element] || outaged[element]
}

func (m *Model) value(b *Branch, v *variant, outaged map[string]bool) float64 {
	if isOpen(v, outaged, b.ID) {
		return 0
	}
	flow := b.BaseFlow
	for _, e := range b.openKeys {
		if isOpen(v, outaged, e) {
			flow += b.OpenDelta[e]
		}
	}
	for _, e := range b.invertKeys {
		if v.inverted[e] {
			flow += b.InvertDelta[e]
		}
	}
	for _, e := range b.setKeys {
		dx := m.shift(v, e)
		flow += b.Sensitivity[e]*dx + b.Quadratic[e]*dx*dx
	}
	return flow
}

func (m *Model) sensitivityOf(b *Branch, v *variant, outaged map[string]bool, element string) float64 {
	if isOpen(v, outaged, b.ID) {
		return 0
	}
	return b.Sensitivity[element] + 2*b.Quadratic[element]*m.shift(v, element)
}

func (m *Model) shift(v *variant, element string) float64 {
	x, ok := v.setpoints[element]
	if !ok {
		return 0
	}
	return x - m.grid.reference[element]
}
