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
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const searchTracerName = "gridrao.searchtree"

// SearchTracer provides OpenTelemetry tracing for searches.
//
// Thread Safety: Safe for concurrent use.
type SearchTracer struct {
	tracer  trace.Tracer
	logger  *slog.Logger
	enabled bool
}

// NewSearchTracer creates a tracer. A nil logger uses slog.Default().
// When disabled, spans are no-ops.
func NewSearchTracer(logger *slog.Logger, enabled bool) *SearchTracer {
	if logger == nil {
		logger = slog.Default()
	}
	return &SearchTracer{
		tracer:  otel.Tracer(searchTracerName),
		logger:  logger,
		enabled: enabled,
	}
}

// StartSearch starts the span of a whole search.
//
// Inputs:
//   - ctx: Parent context.
//   - perimeterID: The perimeter searched.
//   - params: Search parameters.
//
// Outputs:
//   - context.Context: Context with span.
//   - trace.Span: The span, a no-op when tracing is disabled.
func (t *SearchTracer) StartSearch(ctx context.Context, perimeterID string, params Params) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}
	ctx, span := t.tracer.Start(ctx, "rao.search",
		trace.WithAttributes(
			attribute.String("rao.perimeter", perimeterID),
			attribute.Int("rao.budget.max_depth", params.Budget.MaxDepth),
			attribute.Int("rao.budget.max_leaves", params.Budget.MaxLeaves),
			attribute.String("rao.budget.time_limit", params.Budget.TimeLimit.String()),
			attribute.Int("rao.leaves_in_parallel", params.LeavesInParallel),
			attribute.String("rao.stop_criterion", string(params.StopCriterion)),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	t.logger.InfoContext(ctx, "search started",
		slog.String("perimeter", perimeterID),
		slog.Int("max_depth", params.Budget.MaxDepth),
		slog.Int("leaves_in_parallel", params.LeavesInParallel),
	)
	return ctx, span
}

// EndSearch completes the search span.
func (t *SearchTracer) EndSearch(span trace.Span, res *Result, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	if res != nil {
		span.SetAttributes(
			attribute.String("rao.outcome", res.Outcome.String()),
			attribute.Int("rao.result.leaves_evaluated", res.Stats.LeavesEvaluated),
			attribute.Int("rao.result.leaves_failed", res.Stats.LeavesFailed),
			attribute.Int("rao.result.depth", res.Stats.Depth),
			attribute.String("rao.result.elapsed", res.Stats.Elapsed.String()),
		)
		if res.Objective != nil {
			span.SetAttributes(attribute.Float64("rao.result.cost", res.Objective.Cost()))
		}
	}
	span.End()

	if !t.enabled || res == nil {
		return
	}
	t.logger.Info("search completed",
		slog.String("outcome", res.Outcome.String()),
		slog.Int("leaves_evaluated", res.Stats.LeavesEvaluated),
		slog.Int("leaves_failed", res.Stats.LeavesFailed),
		slog.Int("depth", res.Stats.Depth),
		slog.Duration("elapsed", res.Stats.Elapsed),
	)
}

// StartLeaf starts the span of one leaf evaluation.
func (t *SearchTracer) StartLeaf(ctx context.Context, leaf *Leaf) (context.Context, trace.Span) {
	if !t.enabled {
		return ctx, noop.Span{}
	}
	return t.tracer.Start(ctx, "rao.leaf.evaluate",
		trace.WithAttributes(
			attribute.String("rao.leaf.id", leaf.ID),
			attribute.Int("rao.leaf.depth", leaf.Depth()),
			attribute.String("rao.leaf.actions", leaf.Key()),
		),
	)
}

// EndLeaf completes a leaf span.
func (t *SearchTracer) EndLeaf(span trace.Span, leaf *Leaf, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
		span.SetAttributes(attribute.Float64("rao.leaf.cost", leaf.Cost()))
	}
	span.SetAttributes(
		attribute.String("rao.leaf.status", leaf.Status().String()),
		attribute.String("rao.leaf.network_id", leaf.NetworkID()),
	)
	span.End()
}

// TraceBudgetExhaustion records that the budget refused a dispatch.
func (t *SearchTracer) TraceBudgetExhaustion(ctx context.Context, budget *budgetTracker) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent("budget_exhausted",
		trace.WithAttributes(
			attribute.String("rao.budget.exhausted_by", budget.ExhaustedBy()),
			attribute.Int64("rao.budget.leaves", budget.Leaves()),
		),
	)
	t.logger.WarnContext(ctx, "search budget exhausted",
		slog.String("exhausted_by", budget.ExhaustedBy()),
		slog.String("budget", budget.String()),
	)
}

// LoggerWithTrace returns a logger with trace_id and span_id when ctx
// carries a valid span.
func LoggerWithTrace(ctx context.Context, logger *slog.Logger) *slog.Logger {
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return logger
	}
	return logger.With(
		slog.String("trace_id", spanCtx.TraceID().String()),
		slog.String("span_id", spanCtx.SpanID().String()),
	)
}
