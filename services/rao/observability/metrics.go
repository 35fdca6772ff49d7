// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the remedial action
// optimizer.
//
// # Description
//
// Metrics include:
//   - Leaf evaluations by status and duration
//   - Linear problem solves by status, and optimizer iterations
//   - Network pool leases by outcome and clones created
//   - Perimeter searches by outcome and duration
//   - Whole runs by outcome
//
// # Integration
//
// The serve command exposes the default registry on /metrics.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// Every Record method accepts a nil receiver and does nothing.
package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "gridrao"

const (
	searchSubsystem = "search"
	linearSubsystem = "linear"
	poolSubsystem   = "pool"
	runSubsystem    = "run"
)

// knownLeafStatuses bounds the cardinality of the leaf status label.
var knownLeafStatuses = map[string]bool{
	"evaluated":        true,
	"evaluation_error": true,
	"pruned":           true,
}

// knownSolveStatuses bounds the cardinality of the LP status label.
var knownSolveStatuses = map[string]bool{
	"optimal":    true,
	"infeasible": true,
	"unbounded":  true,
	"error":      true,
}

// knownOutcomes bounds the cardinality of the outcome label.
var knownOutcomes = map[string]bool{
	"optimal":                  true,
	"best_found_before_budget": true,
	"failed":                   true,
}

func sanitize(known map[string]bool, v string) string {
	if known[v] {
		return v
	}
	return "unknown"
}

// Metrics holds the optimizer's Prometheus collectors.
type Metrics struct {
	// LeavesTotal counts leaf evaluations.
	// Labels: status (evaluated, evaluation_error, pruned)
	LeavesTotal *prometheus.CounterVec

	// LeafDurationSeconds measures the evaluation time of one leaf.
	LeafDurationSeconds prometheus.Histogram

	// SolvesTotal counts linear problem solves.
	// Labels: status (optimal, infeasible, unbounded, error)
	SolvesTotal *prometheus.CounterVec

	// IterationsPerOptimization measures iterated LP rounds per leaf.
	IterationsPerOptimization prometheus.Histogram

	// LeasesTotal counts network pool leases.
	// Labels: outcome (reused, cloned, failed)
	LeasesTotal *prometheus.CounterVec

	// ClonesActive tracks network clones alive in pools.
	ClonesActive prometheus.Gauge

	// SearchesTotal counts perimeter searches.
	// Labels: outcome (optimal, best_found_before_budget, failed)
	SearchesTotal *prometheus.CounterVec

	// SearchDurationSeconds measures the time of one perimeter search.
	SearchDurationSeconds prometheus.Histogram

	// RunsTotal counts optimizer runs.
	// Labels: outcome (optimal, best_found_before_budget, failed)
	RunsTotal *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg.
//
// Inputs:
//   - reg: Registerer to use. Nil means the default registry.
//
// Outputs:
//   - *Metrics: The registered collectors.
//
// Limitations:
//   - Panics if called twice on the same registry (duplicate registration).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		LeavesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: searchSubsystem,
				Name:      "leaves_total",
				Help:      "Total leaf evaluations by status",
			},
			[]string{"status"},
		),
		LeafDurationSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: searchSubsystem,
				Name:      "leaf_duration_seconds",
				Help:      "Leaf evaluation duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
		),
		SolvesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: linearSubsystem,
				Name:      "solves_total",
				Help:      "Total linear problem solves by status",
			},
			[]string{"status"},
		),
		IterationsPerOptimization: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: linearSubsystem,
				Name:      "iterations",
				Help:      "Iterations of the linear optimizer per leaf",
				Buckets:   []float64{1, 2, 3, 5, 8, 13, 20},
			},
		),
		LeasesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: poolSubsystem,
				Name:      "leases_total",
				Help:      "Total network leases by outcome",
			},
			[]string{"outcome"},
		),
		ClonesActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: poolSubsystem,
				Name:      "clones_active",
				Help:      "Network clones currently held by pools",
			},
		),
		SearchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: searchSubsystem,
				Name:      "searches_total",
				Help:      "Total perimeter searches by outcome",
			},
			[]string{"outcome"},
		),
		SearchDurationSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: searchSubsystem,
				Name:      "duration_seconds",
				Help:      "Perimeter search duration in seconds",
				Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 30, 120, 600},
			},
		),
		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: runSubsystem,
				Name:      "total",
				Help:      "Total optimizer runs by outcome",
			},
			[]string{"outcome"},
		),
	}
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// Default returns the process-wide metrics registered on the default
// registry. Safe to call many times.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// RecordLeaf records one leaf evaluation.
func (m *Metrics) RecordLeaf(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.LeavesTotal.WithLabelValues(sanitize(knownLeafStatuses, status)).Inc()
	if d > 0 {
		m.LeafDurationSeconds.Observe(d.Seconds())
	}
}

// RecordSolve records one LP solve.
func (m *Metrics) RecordSolve(status string) {
	if m == nil {
		return
	}
	m.SolvesTotal.WithLabelValues(sanitize(knownSolveStatuses, status)).Inc()
}

// RecordIterations records the iteration count of one range optimization.
func (m *Metrics) RecordIterations(n int) {
	if m == nil {
		return
	}
	m.IterationsPerOptimization.Observe(float64(n))
}

// RecordLease records a pool lease. outcome is reused, cloned or failed.
func (m *Metrics) RecordLease(outcome string) {
	if m == nil {
		return
	}
	switch outcome {
	case "reused", "cloned", "failed":
	default:
		outcome = "unknown"
	}
	m.LeasesTotal.WithLabelValues(outcome).Inc()
}

// RecordCloneCreated raises the active clone gauge.
func (m *Metrics) RecordCloneCreated() {
	if m == nil {
		return
	}
	m.ClonesActive.Inc()
}

// RecordClonesDropped lowers the active clone gauge.
func (m *Metrics) RecordClonesDropped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ClonesActive.Sub(float64(n))
}

// RecordSearch records one perimeter search.
func (m *Metrics) RecordSearch(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.SearchesTotal.WithLabelValues(sanitize(knownOutcomes, outcome)).Inc()
	m.SearchDurationSeconds.Observe(d.Seconds())
}

// RecordRun records one optimizer run.
func (m *Metrics) RecordRun(outcome string) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(sanitize(knownOutcomes, outcome)).Inc()
}
