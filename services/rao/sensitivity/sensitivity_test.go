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
	"math"
	"testing"
	"time"

	"github.com/AleutianAI/gridrao/services/rao/crac"
	"github.com/AleutianAI/gridrao/services/rao/network"
)

type stubNetwork struct{}

func (stubNetwork) ID() string { return "stub" }
func (stubNetwork) VariantIDs() []string { return []string{"v"} }
func (stubNetwork) WorkingVariant() string { return "v" }
func (stubNetwork) SetWorkingVariant(string) error { return nil }
func (stubNetwork) CloneVariant(string, string) error { return nil }
func (stubNetwork) RemoveVariant(string) error { return nil }

type stubEvaluator struct {
	calls int
	err   error
	res   *Result
}

func (s *stubEvaluator) Evaluate(_ context.Context, _ network.Network, _ []*crac.Cnec, _ []*crac.RangeAction) (*Result, error) {
	s.calls++
	return s.res, s.err
}

func TestCircuitState_String(t *testing.T) {
	tests := []struct {
		state CircuitState
		want  string
	}{
		{CircuitClosed, "closed"},
		{CircuitOpen, "open"},
		{CircuitHalfOpen, "half-open"},
		{CircuitState(99), "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.state.String(); got != tt.want {
				t.Errorf("String() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestCircuitBreaker_OpensAfterFailures(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, OpenDuration: time.Hour})
	boom := errors.New("boom")

	for i := 0; i < 2; i++ {
		if err := cb.Execute(func() error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("Execute() error = %v, want boom", err)
		}
	}
	if cb.State() != CircuitOpen {
		t.Fatalf("State = %v, want open", cb.State())
	}
	called := false
	if err := cb.Execute(func() error { called = true; return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Execute() error = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Error("fn should not run while open")
	}
	if s := cb.Stats(); s.TotalRejections != 1 || s.TotalFailures != 2 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, OpenDuration: time.Minute})
	now := time.Now()
	cb.now = func() time.Time { return now }

	_ = cb.Execute(func() error { return errors.New("down") })
	if cb.State() != CircuitOpen {
		t.Fatalf("State = %v, want open", cb.State())
	}

	now = now.Add(2 * time.Minute)
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("probe Execute() error = %v", err)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("State = %v, want closed after successful probe", cb.State())
	}
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, OpenDuration: time.Minute})
	now := time.Now()
	cb.now = func() time.Time { return now }

	_ = cb.Execute(func() error { return errors.New("down") })
	now = now.Add(2 * time.Minute)
	_ = cb.Execute(func() error { return errors.New("still down") })
	if cb.State() != CircuitOpen {
		t.Errorf("State = %v, want open after failed probe", cb.State())
	}
	cb.Reset()
	if cb.State() != CircuitClosed {
		t.Errorf("State = %v, want closed after Reset", cb.State())
	}
}

func TestResult_StatusAndMargin(t *testing.T) {
	prev := &crac.State{Instant: &crac.Instant{ID: "preventive", Kind: crac.InstantPreventive}}
	cur := &crac.State{
		Instant:     &crac.Instant{ID: "curative", Kind: crac.InstantCurative, Order: 1},
		Contingency: &crac.Contingency{ID: "co"},
	}
	okCnec := &crac.Cnec{ID: "a", State: prev, Max: crac.Float(100)}
	failedCnec := &crac.Cnec{ID: "b", State: cur, Max: crac.Float(100)}

	r := NewResult()
	r.StateStatus[prev.ID()] = StatusDefault
	r.StateStatus[cur.ID()] = StatusFailure
	r.SetValue("a", 80)
	r.SetValue("b", 10)
	r.SetSensitivity("a", "pst", -2)
	r.FinalizeStatus()

	if r.Status != StatusPartialFailure {
		t.Errorf("Status = %v, want partial_failure", r.Status)
	}
	if got := r.Margin(okCnec); got != 20 {
		t.Errorf("Margin(a) = %v, want 20", got)
	}
	if got := r.Margin(failedCnec); !math.IsInf(got, -1) {
		t.Errorf("Margin(b) = %v, want -Inf", got)
	}
	if got := r.Sensitivity("a", "pst"); got != -2 {
		t.Errorf("Sensitivity = %v, want -2", got)
	}
	if got := r.Sensitivity("b", "pst"); got != 0 {
		t.Errorf("unknown Sensitivity = %v, want 0", got)
	}
	if r.StatusFor("unknown-state") != StatusDefault {
		t.Error("unknown state of a partial failure should be default")
	}
}

func TestResult_Merge(t *testing.T) {
	a := NewResult()
	a.StateStatus["s1"] = StatusDefault
	a.SetValue("c1", 1)
	b := NewResult()
	b.StateStatus["s2"] = StatusFailure
	b.SetValue("c1", 2)

	m := a.Merge(b)
	if v, _ := m.Value("c1"); v != 2 {
		t.Errorf("merged value = %v, want 2", v)
	}
	if m.Status != StatusPartialFailure {
		t.Errorf("merged Status = %v, want partial_failure", m.Status)
	}
	if v, _ := a.Value("c1"); v != 1 {
		t.Error("Merge mutated its receiver")
	}
}

func TestGuarded_Evaluate(t *testing.T) {
	t.Run("passes results through", func(t *testing.T) {
		inner := &stubEvaluator{res: NewResult()}
		g := NewGuarded(inner, nil)
		res, err := g.Evaluate(context.Background(), stubNetwork{}, nil, nil)
		if err != nil || res == nil {
			t.Fatalf("Evaluate() = %v, %v", res, err)
		}
	})

	t.Run("opens after repeated failures", func(t *testing.T) {
		inner := &stubEvaluator{err: errors.New("engine crashed")}
		g := NewGuarded(inner, NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, OpenDuration: time.Hour}))
		for i := 0; i < 2; i++ {
			if _, err := g.Evaluate(context.Background(), stubNetwork{}, nil, nil); err == nil {
				t.Fatal("expected error")
			}
		}
		_, err := g.Evaluate(context.Background(), stubNetwork{}, nil, nil)
		if !errors.Is(err, ErrServiceUnavailable) || !errors.Is(err, ErrCircuitOpen) {
			t.Errorf("Evaluate() error = %v, want ErrServiceUnavailable and ErrCircuitOpen", err)
		}
		if inner.calls != 2 {
			t.Errorf("inner calls = %d, want 2", inner.calls)
		}
	})

	t.Run("cancellation is not a service failure", func(t *testing.T) {
		inner := &stubEvaluator{err: context.Canceled}
		g := NewGuarded(inner, NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, OpenDuration: time.Hour}))
		_, err := g.Evaluate(context.Background(), stubNetwork{}, nil, nil)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Evaluate() error = %v, want context.Canceled", err)
		}
		if g.Breaker().State() != CircuitClosed {
			t.Error("breaker should stay closed on cancellation")
		}
	})
}
