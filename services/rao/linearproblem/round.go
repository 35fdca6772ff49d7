// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package linearproblem

import "math"

// DefaultPrecisionBits is the number of low-order mantissa bits dropped
// from every coefficient and bound.
const DefaultPrecisionBits = 30

// RoundToPrecision drops the bits low-order bits of v's mantissa.
//
// Description:
//
//	Adding and subtracting v*2^bits forces the sum onto the coarser grid of
//	the larger operand. Near-zero noise in sensitivities then vanishes
//	instead of producing ill-conditioned rows.
//
// Non-finite values and bits <= 0 are returned unchanged.
func RoundToPrecision(v float64, bits int) float64 {
	if bits <= 0 || v == 0 || math.IsInf(v, 0) || math.IsNaN(v) {
		return v
	}
	// the conversion forbids fusing the product into the subtraction
	t := float64(v * math.Ldexp(1, bits))
	if math.IsInf(t, 0) {
		return v
	}
	return (v - t) + t
}
