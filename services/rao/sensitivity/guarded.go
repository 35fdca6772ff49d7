// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sensitivity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/gridrao/services/rao/crac"
	"github.com/AleutianAI/gridrao/services/rao/network"
)

// Guarded wraps an Evaluator with a circuit breaker.
//
// Once the breaker opens, Evaluate fails fast with an error wrapping both
// ErrServiceUnavailable and ErrCircuitOpen, which the search treats as
// fatal resource exhaustion. Context cancellation does not count as a
// service failure.
//
// Thread Safety: Safe for concurrent use if the wrapped Evaluator is.
type Guarded struct {
	inner   Evaluator
	breaker *CircuitBreaker
	logger  *slog.Logger
}

// NewGuarded wraps inner.
func NewGuarded(inner Evaluator, breaker *CircuitBreaker) *Guarded {
	if breaker == nil {
		breaker = NewCircuitBreaker(DefaultCircuitBreakerConfig())
	}
	return &Guarded{inner: inner, breaker: breaker, logger: slog.Default()}
}

// WithLogger sets the logger. Returns the evaluator for chaining.
func (g *Guarded) WithLogger(logger *slog.Logger) *Guarded {
	if logger != nil {
		g.logger = logger
	}
	return g
}

// Breaker returns the circuit breaker.
func (g *Guarded) Breaker() *CircuitBreaker {
	return g.breaker
}

// Evaluate implements Evaluator.
func (g *Guarded) Evaluate(ctx context.Context, n network.Network, cnecs []*crac.Cnec, ras []*crac.RangeAction) (*Result, error) {
	var res *Result
	var ctxErr error
	err := g.breaker.Execute(func() error {
		r, err := g.inner.Evaluate(ctx, n, cnecs, ras)
		if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			ctxErr = err
			return nil
		}
		res = r
		return err
	})
	if ctxErr != nil {
		return nil, ctxErr
	}
	if errors.Is(err, ErrCircuitOpen) {
		g.logger.Warn("sensitivity circuit open, rejecting computation",
			slog.String("network_id", n.ID()))
		return nil, fmt.Errorf("%w: %w", ErrServiceUnavailable, err)
	}
	if err != nil {
		return nil, fmt.Errorf("sensitivity computation: %w", err)
	}
	return res, nil
}
