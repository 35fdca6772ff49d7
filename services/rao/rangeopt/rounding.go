// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rangeopt

import (
	"math"

	"github.com/AleutianAI/gridrao/services/rao/crac"
	"github.com/AleutianAI/gridrao/services/rao/sensitivity"
)

// roundPst moves a PST setpoint to one of the two allowed taps around it.
//
// Description:
//
//	The candidate with the better linearized worst margin wins. Ties go to
//	the angle closer to setpoint, then to the lower tap. The returned
//	angle always lies in the tap domain resolved against ref.
func roundPst(ra *crac.RangeAction, setpoint float64, ref crac.DomainReference,
	sens *sensitivity.Result, cnecs []*crac.Cnec) (float64, int, error) {

	minTap, maxTap, err := ra.TapDomain(ref)
	if err != nil {
		return 0, 0, err
	}
	lowTap, highTap := ra.Taps.TapsAround(setpoint, minTap, maxTap)
	if lowTap == highTap {
		angle, err := ra.Taps.Setpoint(lowTap)
		return angle, lowTap, err
	}

	lowAngle, _ := ra.Taps.Setpoint(lowTap)
	highAngle, _ := ra.Taps.Setpoint(highTap)
	lowMargin := linearizedWorstMargin(ra.ID, setpoint, lowAngle, sens, cnecs)
	highMargin := linearizedWorstMargin(ra.ID, setpoint, highAngle, sens, cnecs)

	switch {
	case highMargin > lowMargin+marginTieTolerance:
		return highAngle, highTap, nil
	case lowMargin > highMargin+marginTieTolerance:
		return lowAngle, lowTap, nil
	case math.Abs(highAngle-setpoint) < math.Abs(lowAngle-setpoint):
		return highAngle, highTap, nil
	default:
		return lowAngle, lowTap, nil
	}
}

const marginTieTolerance = 1e-9

// linearizedWorstMargin estimates the worst optimized margin after moving
// range action raID from setpoint to angle, all else unchanged.
func linearizedWorstMargin(raID string, setpoint, angle float64, sens *sensitivity.Result, cnecs []*crac.Cnec) float64 {
	worst := math.Inf(1)
	for _, c := range cnecs {
		if !c.Optimized {
			continue
		}
		v, ok := sens.Value(c.ID)
		if !ok || sens.Failed(c.State.ID()) {
			continue
		}
		v += sens.Sensitivity(c.ID, raID) * (angle - setpoint)
		worst = math.Min(worst, c.Margin(v))
	}
	return worst
}
