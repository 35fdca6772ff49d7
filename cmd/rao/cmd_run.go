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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/gridrao/services/rao/config"
	"github.com/AleutianAI/gridrao/services/rao/crac"
	"github.com/AleutianAI/gridrao/services/rao/dcmodel"
	"github.com/AleutianAI/gridrao/services/rao/linearproblem"
	"github.com/AleutianAI/gridrao/services/rao/scenario"
	"github.com/AleutianAI/gridrao/services/rao/sensitivity"
)

// Exit codes of the rao command.
const (
	exitFailure      = 1
	exitInvalidInput = 2
	exitRunFailed    = 3
)

// exitCode maps an error to the process exit code.
func exitCode(err error) int {
	var me *crac.ModelError
	switch {
	case errors.Is(err, config.ErrInvalidParameters),
		errors.Is(err, dcmodel.ErrInvalidCase),
		errors.As(err, &me):
		return exitInvalidInput
	case scenario.IsFatal(err):
		return exitRunFailed
	default:
		return exitFailure
	}
}

func newRunCmd(a *app) *cobra.Command {
	var output string
	var variant string
	cmd := &cobra.Command{
		Use:   "run [case file]",
		Short: "Optimize the remedial actions of a case file and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dcmodel.LoadCase(args[0])
			if err != nil {
				return err
			}
			res, err := a.optimize(cmd.Context(), c, scenario.Input{Variant: variant}, &logSink{logger: a.logger})
			// a failed run still reports its completed perimeters
			if werr := writeReport(cmd.OutOrStdout(), output, newReport(c.Crac, res, err)); werr != nil && err == nil {
				err = werr
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the JSON result to this file instead of stdout")
	cmd.Flags().StringVar(&variant, "variant", "", "Starting variant of the network")
	return cmd
}

// optimize runs the orchestrator on a fresh network of the case.
//
// Inputs:
//   - ctx: Context for cancellation.
//   - c: The case.
//   - in: Starting variant and previous time step setpoints.
//   - sink: Receives perimeter results as they complete. Nil discards them.
//
// Outputs:
//   - *scenario.RaoResult: Never nil.
//   - error: Fatal run errors.
func (a *app) optimize(ctx context.Context, c *dcmodel.Case, in scenario.Input, sink scenario.ResultSink) (*scenario.RaoResult, error) {
	params := a.current()
	var evaluator sensitivity.Evaluator = c.Model
	var backend linearproblem.Backend = linearproblem.NewSimplexBackend()
	if params.Sensitivity.CircuitBreakerEnabled {
		evaluator = sensitivity.NewGuarded(c.Model,
			sensitivity.NewCircuitBreaker(params.Sensitivity.CircuitBreaker)).WithLogger(a.logger)
		backend = linearproblem.NewGuardedBackend(backend,
			sensitivity.NewCircuitBreaker(params.Sensitivity.CircuitBreaker)).WithLogger(a.logger)
	}

	orch := scenario.NewOrchestrator(c.Crac, c.Model, evaluator, backend, params.ScenarioParams()).
		WithSink(sink).
		WithLogger(a.logger).
		WithMetrics(a.metrics)

	res, err := orch.Run(ctx, c.NewNetwork(), in)
	a.otel.RecordRun(ctx, res.Outcome.String(), res.Elapsed)
	if err != nil {
		a.logger.Error("optimization failed",
			slog.String("run_id", res.RunID),
			slog.String("error", err.Error()))
	}
	return res, err
}

func writeReport(stdout io.Writer, path string, r *report) error {
	w := stdout
	if path != "" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer f.Close()
		w = f
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// logSink logs each perimeter as it completes.
type logSink struct {
	logger *slog.Logger
}

// Emit implements scenario.ResultSink.
func (s *logSink) Emit(_ context.Context, p *scenario.PerimeterResult) error {
	s.logger.Info("perimeter optimized",
		slog.String("state", p.ID),
		slog.String("outcome", p.Outcome.String()),
		slog.Any("activated", p.Activated),
		slog.Float64("cost", p.Cost()),
		slog.Int("leaves", p.Stats.LeavesEvaluated))
	return nil
}
