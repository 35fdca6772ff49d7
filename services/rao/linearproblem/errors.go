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

import "errors"

// Sentinel errors for the linearproblem package.
var (
	// ErrInvalidProblem indicates a malformed problem (bad index, NaN bound).
	ErrInvalidProblem = errors.New("invalid linear problem")

	// ErrMissingInput indicates Build was called without a value, setpoint
	// or domain it needs.
	ErrMissingInput = errors.New("missing linear problem input")

	// ErrSolverUnavailable indicates the LP backend cannot serve requests.
	// The search treats it as resource exhaustion and aborts.
	ErrSolverUnavailable = errors.New("lp solver unavailable")
)
