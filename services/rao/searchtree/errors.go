// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package searchtree

import (
	"context"
	"errors"

	"github.com/AleutianAI/gridrao/services/rao/crac"
	"github.com/AleutianAI/gridrao/services/rao/linearproblem"
	"github.com/AleutianAI/gridrao/services/rao/network"
	"github.com/AleutianAI/gridrao/services/rao/sensitivity"
)

// Sentinel errors for the searchtree package.
var (
	// ErrRootFailed indicates the root leaf could not be evaluated. There is
	// no optimized situation to return.
	ErrRootFailed = errors.New("root leaf evaluation failed")

	// ErrLeafNotEvaluated is returned when reading the result of a leaf
	// that is not Evaluated.
	ErrLeafNotEvaluated = errors.New("leaf not evaluated")

	// ErrLeafAlreadyEvaluated is returned when evaluating a leaf twice.
	ErrLeafAlreadyEvaluated = errors.New("leaf already evaluated")

	// ErrInvalidEnv indicates a missing collaborator in Env.
	ErrInvalidEnv = errors.New("invalid search environment")
)

// IsFatal reports whether err must abort the whole search instead of
// failing a single leaf.
//
// Description:
//
//	Model errors and resource exhaustion (pool exhausted, solver or
//	sensitivity service unavailable, open circuit) are fatal. Context
//	errors are fatal too since nothing more can run. Everything else,
//	such as one failed clone, stays local to the leaf.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case crac.IsModelError(err),
		errors.Is(err, network.ErrPoolExhausted),
		errors.Is(err, linearproblem.ErrSolverUnavailable),
		errors.Is(err, sensitivity.ErrServiceUnavailable),
		errors.Is(err, sensitivity.ErrCircuitOpen),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return false
}
