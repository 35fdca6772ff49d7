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

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/gridrao/services/rao/sensitivity"
)

// SolveStatus is the outcome of an LP solve.
type SolveStatus int

const (
	SolveOptimal SolveStatus = iota
	SolveInfeasible
	SolveUnbounded
	SolveError
)

// String returns the status name used in logs and metrics.
func (s SolveStatus) String() string {
	switch s {
	case SolveOptimal:
		return "optimal"
	case SolveInfeasible:
		return "infeasible"
	case SolveUnbounded:
		return "unbounded"
	case SolveError:
		return "error"
	default:
		return "unknown"
	}
}

// Solution is the result of a solve. Values are set only when Optimal.
type Solution struct {
	Status    SolveStatus
	Values    map[string]float64
	Objective float64

	// Detail explains a non-optimal status.
	Detail string
}

// Value returns the value of a named variable.
func (s *Solution) Value(name string) (float64, bool) {
	v, ok := s.Values[name]
	return v, ok
}

// Setpoint returns the optimized setpoint of a range action.
func (s *Solution) Setpoint(rangeActionID string) (float64, bool) {
	return s.Value(SetpointVariable(rangeActionID))
}

// Backend solves linear problems.
//
// A returned error is an infrastructure failure (the solver cannot be
// reached or crashed). Problems without a solution are reported through
// Solution.Status with a nil error.
type Backend interface {
	Solve(ctx context.Context, p *LinearProblem) (*Solution, error)
}

// GuardedBackend wraps a Backend with a circuit breaker.
//
// Description:
//
//	Every infrastructure error, and every call rejected by an open circuit,
//	is returned wrapped in ErrSolverUnavailable. Context errors pass through
//	and do not count as failures.
//
// Thread Safety: Safe for concurrent use if the inner backend is.
type GuardedBackend struct {
	inner   Backend
	breaker *sensitivity.CircuitBreaker
	logger  *slog.Logger
}

// NewGuardedBackend wraps inner. A nil breaker gets the default configuration.
func NewGuardedBackend(inner Backend, breaker *sensitivity.CircuitBreaker) *GuardedBackend {
	if breaker == nil {
		breaker = sensitivity.NewCircuitBreaker(sensitivity.DefaultCircuitBreakerConfig())
	}
	return &GuardedBackend{inner: inner, breaker: breaker, logger: slog.Default()}
}

// WithLogger sets the logger.
func (g *GuardedBackend) WithLogger(logger *slog.Logger) *GuardedBackend {
	if logger != nil {
		g.logger = logger
	}
	return g
}

// Breaker returns the circuit breaker.
func (g *GuardedBackend) Breaker() *sensitivity.CircuitBreaker {
	return g.breaker
}

// Solve implements Backend.
func (g *GuardedBackend) Solve(ctx context.Context, p *LinearProblem) (*Solution, error) {
	var sol *Solution
	var ctxErr error
	err := g.breaker.Execute(func() error {
		var err error
		sol, err = g.inner.Solve(ctx, p)
		if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			ctxErr = err
			return nil
		}
		return err
	})
	if ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil {
		if errors.Is(err, sensitivity.ErrCircuitOpen) {
			g.logger.Warn("lp backend circuit open, rejecting solve")
		}
		return nil, fmt.Errorf("%w: %w", ErrSolverUnavailable, err)
	}
	return sol, nil
}
