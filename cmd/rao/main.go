// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command rao optimizes the remedial actions of a grid case.
//
// Usage:
//
//	rao run case.yaml
//	rao run case.yaml --config rao.yaml --output result.json
//	rao serve --addr :8080
//
// Example requests against the server:
//
//	# Health check
//	curl http://localhost:8080/v1/health
//
//	# Optimize a case
//	curl -X POST http://localhost:8080/v1/runs --data-binary @case.yaml
//
//	# Fetch a completed run
//	curl http://localhost:8080/v1/runs/<run_id>
//
//	# Fetch the perimeter covering a state. State IDs contain spaces and
//	# must be path-escaped.
//	curl http://localhost:8080/v1/runs/<run_id>/perimeters/co-b%20-%20curative
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/gridrao/services/rao/config"
	"github.com/AleutianAI/gridrao/services/rao/observability"
	"github.com/AleutianAI/gridrao/services/rao/telemetry"
)

const version = "0.1.0"

// app is what every subcommand shares once the root command has run.
//
// Thread Safety: params is replaced on configuration reload; read it
// through current() once serving.
type app struct {
	configPath string
	logLevel   string

	mu     sync.RWMutex
	params config.Parameters

	logger   *slog.Logger
	metrics  *observability.Metrics
	otel     *telemetry.Metrics
	shutdown func(context.Context) error
}

func newRootCmd(a *app, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "rao",
		Short:         "Search-tree remedial action optimizer",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd.Context(), stderr)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close()
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "Parameters file (YAML or JSON)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Override observability.log_level")

	root.AddCommand(newRunCmd(a), newServeCmd(a))
	return root
}

// setup loads the parameters then builds the logger and telemetry.
func (a *app) setup(ctx context.Context, stderr io.Writer) error {
	bootstrap := slog.New(slog.NewTextHandler(stderr, nil))
	params, err := config.Load(a.configPath, bootstrap)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		params.Observability.LogLevel = a.logLevel
		if err := params.Validate(); err != nil {
			return err
		}
	}
	a.params = params
	a.logger = newLogger(stderr, params)
	slog.SetDefault(a.logger)

	obs := params.Observability
	traceExporter := "none"
	if obs.TracingEnabled {
		traceExporter = obs.TraceExporter
	}
	metricExporter := "none"
	if obs.MetricsEnabled {
		metricExporter = obs.MetricExporter
		a.metrics = observability.Default()
	}
	a.shutdown, err = telemetry.Init(ctx, telemetry.Config{
		ServiceName:    obs.ServiceName,
		ServiceVersion: version,
		Environment:    envOr("RAO_ENV", "development"),
		TraceExporter:  traceExporter,
		MetricExporter: metricExporter,
		OTLPEndpoint:   obs.OTLPEndpoint,
		OTLPInsecure:   obs.OTLPInsecure,
		Output:         stderr,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	a.otel, err = telemetry.NewMetrics(otel.Meter("gridrao"))
	if err != nil {
		return err
	}
	a.logger.Debug("rao configured",
		slog.String("config", a.configPath),
		slog.String("cost_policy", string(params.CostPolicy)),
		slog.Bool("tracing", obs.TracingEnabled),
		slog.Bool("metrics", obs.MetricsEnabled))
	return nil
}

// current returns the parameters in effect.
func (a *app) current() config.Parameters {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.params
}

// setParams replaces the parameters used by runs started afterwards.
func (a *app) setParams(p config.Parameters) {
	a.mu.Lock()
	a.params = p
	a.mu.Unlock()
}

func (a *app) close() error {
	if a.shutdown == nil {
		return nil
	}
	return a.shutdown(context.Background())
}

func newLogger(w io.Writer, p config.Parameters) *slog.Logger {
	opts := &slog.HandlerOptions{Level: p.SlogLevel()}
	format := p.Observability.LogFormat
	if format == "auto" {
		format = "json"
		if isTerminal(w) {
			format = "text"
		}
	}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := &app{}
	root := newRootCmd(a, os.Stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		_ = a.close()
		stop()
		os.Exit(exitCode(err))
	}
}
