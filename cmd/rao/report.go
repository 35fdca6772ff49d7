// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"github.com/AleutianAI/gridrao/services/rao/crac"
	"github.com/AleutianAI/gridrao/services/rao/scenario"
)

// report is the JSON rendering of a run.
type report struct {
	RunID     string  `json:"run_id"`
	Outcome   string  `json:"outcome"`
	Status    string  `json:"status"`
	Error     string  `json:"error,omitempty"`
	ElapsedMs float64 `json:"elapsed_ms"`

	// InitialCost is the cost before optimization.
	InitialCost float64 `json:"initial_cost"`

	// Costs holds the aggregated cost after each instant. Empty when the
	// run failed.
	Costs []instantCost `json:"costs,omitempty"`

	Perimeters []perimeterReport `json:"perimeters"`
}

type instantCost struct {
	Instant string  `json:"instant"`
	Cost    float64 `json:"cost"`
}

type perimeterReport struct {
	State         string             `json:"state"`
	Instant       string             `json:"instant"`
	ContingencyID string             `json:"contingency_id,omitempty"`
	Covers        []string           `json:"covers"`
	Outcome       string             `json:"outcome"`
	Status        string             `json:"status"`
	Forced        []string           `json:"forced,omitempty"`
	Activated     []string           `json:"activated"`
	Setpoints     map[string]float64 `json:"setpoints,omitempty"`
	Taps          map[string]int     `json:"taps,omitempty"`
	RangeStatus   string             `json:"range_status"`

	Cost           float64            `json:"cost"`
	FunctionalCost float64            `json:"functional_cost"`
	VirtualCosts   map[string]float64 `json:"virtual_costs,omitempty"`
	Limiting       []string           `json:"limiting,omitempty"`

	LeavesEvaluated int    `json:"leaves_evaluated"`
	LeavesFailed    int    `json:"leaves_failed"`
	LeavesPruned    int    `json:"leaves_pruned"`
	Depth           int    `json:"depth"`
	ExhaustedBy     string `json:"exhausted_by,omitempty"`
}

// newReport renders res. runErr is reported when the run failed.
func newReport(c *crac.Crac, res *scenario.RaoResult, runErr error) *report {
	r := &report{
		RunID:     res.RunID,
		Outcome:   res.Outcome.String(),
		Status:    res.Status.String(),
		ElapsedMs: float64(res.Elapsed.Microseconds()) / 1000,
	}
	if runErr != nil {
		r.Error = runErr.Error()
	}
	if res.Initial != nil {
		r.InitialCost = res.Cost(nil)
	}
	if res.Costs != nil {
		for _, inst := range c.Instants() {
			r.Costs = append(r.Costs, instantCost{Instant: inst.ID, Cost: res.Cost(inst)})
		}
	}

	r.Perimeters = make([]perimeterReport, 0, len(res.Perimeters()))
	for _, p := range res.Perimeters() {
		pr := perimeterReport{
			State:         p.ID,
			ContingencyID: p.ContingencyID,
			Covers:        p.States,
			Outcome:       p.Outcome.String(),
			Forced:        p.Forced,
			Activated:     p.Activated,
			Setpoints:     p.Setpoints,
			Taps:          p.Taps,
			RangeStatus:   p.RangeStatus.String(),

			LeavesEvaluated: p.Stats.LeavesEvaluated,
			LeavesFailed:    p.Stats.LeavesFailed,
			LeavesPruned:    p.Stats.LeavesPruned,
			Depth:           p.Stats.Depth,
			ExhaustedBy:     p.Stats.ExhaustedBy,
		}
		if pr.Activated == nil {
			pr.Activated = []string{}
		}
		if p.Instant != nil {
			pr.Instant = p.Instant.ID
		}
		if p.Objective != nil {
			pr.Status = p.Status().String()
			pr.Cost = p.Cost()
			pr.FunctionalCost = p.Objective.FunctionalCost
			pr.VirtualCosts = p.Objective.VirtualCosts
			pr.Limiting = p.Objective.Limiting
		}
		r.Perimeters = append(r.Perimeters, pr)
	}
	return r
}
