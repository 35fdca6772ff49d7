// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package network defines the grid model contracts the optimizer works
// against, and the pool of independent network clones evaluated in
// parallel.
//
// A Network holds named variants; exactly one of them is the working
// variant, the one actions and setpoints are applied to. A Network is not
// safe for concurrent use: the Pool hands each clone to a single holder.
package network

import (
	"errors"

	"github.com/AleutianAI/gridrao/services/rao/crac"
)

// Sentinel errors for the network package.
var (
	// ErrPoolExhausted means the pool can never satisfy the lease (zero
	// capacity or shut down). It is fatal to the whole search.
	ErrPoolExhausted = errors.New("network pool exhausted")

	// ErrCloneFailed means one clone could not be created or positioned.
	// It fails only the lease attempt.
	ErrCloneFailed = errors.New("network clone failed")

	// ErrNotLeased is returned when releasing a network the pool did not lease.
	ErrNotLeased = errors.New("network not leased from this pool")

	// ErrUnknownVariant is returned for operations on a missing variant.
	ErrUnknownVariant = errors.New("unknown network variant")
)

// Network is a mutable grid model with named variants.
type Network interface {
	// ID identifies this network instance. Clones have distinct IDs.
	ID() string

	// VariantIDs lists the variants in creation order.
	VariantIDs() []string

	// WorkingVariant returns the variant mutations apply to.
	WorkingVariant() string

	// SetWorkingVariant switches the working variant.
	SetWorkingVariant(id string) error

	// CloneVariant copies variant src into dst, overwriting dst.
	CloneVariant(src, dst string) error

	// RemoveVariant deletes a variant. The working variant cannot be removed.
	RemoveVariant(id string) error
}

// Model is the grid model provider: it clones networks and mutates their
// working variant.
type Model interface {
	// Clone returns an independent copy of n with all its variants.
	Clone(n Network) (Network, error)

	// ApplyAction applies an elementary action. Applying the same action
	// twice leaves the network as applying it once.
	ApplyAction(n Network, action crac.DiscreteAction) error

	// ApplySetpoint moves a range action to value.
	ApplySetpoint(n Network, ra *crac.RangeAction, value float64) error

	// Setpoint reads the current setpoint of a range action.
	Setpoint(n Network, ra *crac.RangeAction) (float64, error)
}

// ApplyNetworkActions applies every elementary action of actions in order.
func ApplyNetworkActions(m Model, n Network, actions []*crac.NetworkAction) error {
	for _, na := range actions {
		for _, a := range na.Elementary {
			if err := m.ApplyAction(n, a); err != nil {
				return err
			}
		}
	}
	return nil
}

// ApplySetpoints applies range action setpoints keyed by range action ID.
// Keys missing from byID are ignored.
func ApplySetpoints(m Model, n Network, byID map[string]*crac.RangeAction, setpoints map[string]float64) error {
	for id, v := range setpoints {
		ra, ok := byID[id]
		if !ok {
			continue
		}
		if err := m.ApplySetpoint(n, ra, v); err != nil {
			return err
		}
	}
	return nil
}

// ReadSetpoints reads the current setpoint of every range action.
func ReadSetpoints(m Model, n Network, ras []*crac.RangeAction) (map[string]float64, error) {
	out := make(map[string]float64, len(ras))
	for _, ra := range ras {
		v, err := m.Setpoint(n, ra)
		if err != nil {
			return nil, err
		}
		out[ra.ID] = v
	}
	return out, nil
}
