// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	return NewMetrics(prometheus.NewRegistry())
}

func TestMetrics_RecordLeaf(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordLeaf("evaluated", 10*time.Millisecond)
	m.RecordLeaf("evaluated", 20*time.Millisecond)
	m.RecordLeaf("evaluation_error", 0)
	m.RecordLeaf("bogus", 0)

	if got := testutil.ToFloat64(m.LeavesTotal.WithLabelValues("evaluated")); got != 2 {
		t.Errorf("evaluated = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.LeavesTotal.WithLabelValues("evaluation_error")); got != 1 {
		t.Errorf("evaluation_error = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.LeavesTotal.WithLabelValues("unknown")); got != 1 {
		t.Errorf("unknown = %v, want 1", got)
	}
}

func TestMetrics_RecordLease(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordLease("cloned")
	m.RecordLease("cloned")
	m.RecordLease("reused")
	m.RecordCloneCreated()
	m.RecordCloneCreated()
	m.RecordClonesDropped(1)

	if got := testutil.ToFloat64(m.LeasesTotal.WithLabelValues("cloned")); got != 2 {
		t.Errorf("cloned = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ClonesActive); got != 1 {
		t.Errorf("clones_active = %v, want 1", got)
	}
}

func TestMetrics_RecordSolveAndSearch(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordSolve("optimal")
	m.RecordSolve("infeasible")
	m.RecordSearch("best_found_before_budget", time.Second)
	m.RecordIterations(3)

	if got := testutil.ToFloat64(m.SolvesTotal.WithLabelValues("optimal")); got != 1 {
		t.Errorf("optimal = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SearchesTotal.WithLabelValues("best_found_before_budget")); got != 1 {
		t.Errorf("searches = %v, want 1", got)
	}
}

func TestMetrics_NilReceiver(t *testing.T) {
	var m *Metrics
	m.RecordLeaf("evaluated", time.Second)
	m.RecordSolve("optimal")
	m.RecordIterations(1)
	m.RecordLease("cloned")
	m.RecordCloneCreated()
	m.RecordClonesDropped(1)
	m.RecordSearch("optimal", time.Second)
	m.RecordRun("optimal")
}

func TestMetrics_RecordRun(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordRun("failed")
	m.RecordRun("bogus")

	if got := testutil.ToFloat64(m.RunsTotal.WithLabelValues("failed")); got != 1 {
		t.Errorf("failed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RunsTotal.WithLabelValues("unknown")); got != 1 {
		t.Errorf("unknown = %v, want 1", got)
	}
}
