// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dcmodel

import (
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/google/uuid"

	"github.com/AleutianAI/gridrao/services/rao/crac"
	"github.com/AleutianAI/gridrao/services/rao/network"
)

// Sentinel errors for the dcmodel package.
var (
	ErrInvalidCase    = errors.New("invalid grid case")
	ErrForeignNetwork = errors.New("network does not belong to this model")
	ErrRemoveWorking  = errors.New("cannot remove the working variant")
	ErrUnknownElement = errors.New("unknown network element")
)

// InitialVariant is the variant of a freshly created network.
const InitialVariant = "initial"

// variant is the mutable part of the grid.
type variant struct {
	open      map[string]bool
	inverted  map[string]bool
	setpoints map[string]float64
}

func newVariant() *variant {
	return &variant{
		open:      make(map[string]bool),
		inverted:  make(map[string]bool),
		setpoints: make(map[string]float64),
	}
}

func (v *variant) clone() *variant {
	return &variant{
		open:      maps.Clone(v.open),
		inverted:  maps.Clone(v.inverted),
		setpoints: maps.Clone(v.setpoints),
	}
}

// Network is a grid state with named variants.
//
// Thread Safety: Reads and variant bookkeeping are guarded, so a pool may
// clone it while another goroutine reads it. Mutations through Model are
// meant for a single holder.
type Network struct {
	id string

	mu       sync.RWMutex
	order    []string
	variants map[string]*variant
	working  string
}

// NewNetwork creates a network of m positioned on InitialVariant.
func (m *Model) NewNetwork(id string) *Network {
	if id == "" {
		id = "net-" + uuid.NewString()
	}
	return &Network{
		id:       id,
		order:    []string{InitialVariant},
		variants: map[string]*variant{InitialVariant: newVariant()},
		working:  InitialVariant,
	}
}

// ID implements network.Network.
func (n *Network) ID() string { return n.id }

// VariantIDs implements network.Network.
func (n *Network) VariantIDs() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]string(nil), n.order...)
}

// WorkingVariant implements network.Network.
func (n *Network) WorkingVariant() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.working
}

// SetWorkingVariant implements network.Network.
func (n *Network) SetWorkingVariant(id string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.variants[id]; !ok {
		return fmt.Errorf("%w: %s", network.ErrUnknownVariant, id)
	}
	n.working = id
	return nil
}

// CloneVariant implements network.Network.
func (n *Network) CloneVariant(src, dst string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	v, ok := n.variants[src]
	if !ok {
		return fmt.Errorf("%w: %s", network.ErrUnknownVariant, src)
	}
	if _, exists := n.variants[dst]; !exists {
		n.order = append(n.order, dst)
	}
	n.variants[dst] = v.clone()
	return nil
}

// RemoveVariant implements network.Network.
func (n *Network) RemoveVariant(id string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if id == n.working {
		return fmt.Errorf("%w: %s", ErrRemoveWorking, id)
	}
	if _, ok := n.variants[id]; !ok {
		return fmt.Errorf("%w: %s", network.ErrUnknownVariant, id)
	}
	delete(n.variants, id)
	for i, v := range n.order {
		if v == id {
			n.order = append(n.order[:i], n.order[i+1:]...)
			break
		}
	}
	return nil
}

// snapshot returns a copy of the working variant.
func (n *Network) snapshot() *variant {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.variants[n.working].clone()
}

// update runs fn on the working variant under the write lock.
func (n *Network) update(fn func(v *variant)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	fn(n.variants[n.working])
}

// IsOpen reports whether element is open in the working variant.
func (n *Network) IsOpen(element string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.variants[n.working].open[element]
}

// IsInverted reports whether an HVDC element is inverted in the working variant.
func (n *Network) IsInverted(element string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.variants[n.working].inverted[element]
}

func (m *Model) own(n network.Network) (*Network, error) {
	dn, ok := n.(*Network)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrForeignNetwork, n)
	}
	return dn, nil
}

// Clone implements network.Model.
func (m *Model) Clone(n network.Network) (network.Network, error) {
	src, err := m.own(n)
	if err != nil {
		return nil, err
	}
	src.mu.RLock()
	defer src.mu.RUnlock()

	c := &Network{
		id:       src.id + "/" + uuid.NewString()[:8],
		order:    append([]string(nil), src.order...),
		variants: make(map[string]*variant, len(src.variants)),
		working:  src.working,
	}
	for id, v := range src.variants {
		c.variants[id] = v.clone()
	}
	m.clones.Add(1)
	return c, nil
}

// ApplyAction implements network.Model. Every action sets a target state,
// so applying it twice is the same as once.
func (m *Model) ApplyAction(n network.Network, a crac.DiscreteAction) error {
	dn, err := m.own(n)
	if err != nil {
		return err
	}
	switch a.Kind {
	case crac.ActionTopology:
		dn.update(func(v *variant) { v.open[a.NetworkElement] = a.Open })
	case crac.ActionHvdcInversion:
		dn.update(func(v *variant) { v.inverted[a.NetworkElement] = a.Inverted })
	case crac.ActionInjectionSetpoint:
		dn.update(func(v *variant) { v.setpoints[a.NetworkElement] = a.Setpoint })
	case crac.ActionPstSetpoint:
		table, ok := m.grid.taps[a.NetworkElement]
		if !ok {
			return fmt.Errorf("%w: no tap table for %s", ErrUnknownElement, a.NetworkElement)
		}
		angle, err := table.Setpoint(int(a.Setpoint))
		if err != nil {
			return fmt.Errorf("pst action on %s: %w", a.NetworkElement, err)
		}
		dn.update(func(v *variant) { v.setpoints[a.NetworkElement] = angle })
	default:
		return fmt.Errorf("%w: action kind %v", ErrUnknownElement, a.Kind)
	}
	return nil
}

// ApplySetpoint implements network.Model.
func (m *Model) ApplySetpoint(n network.Network, ra *crac.RangeAction, value float64) error {
	dn, err := m.own(n)
	if err != nil {
		return err
	}
	dn.update(func(v *variant) { v.setpoints[ra.NetworkElement] = value })
	return nil
}

// Setpoint implements network.Model. An element never moved sits at its
// reference setpoint.
func (m *Model) Setpoint(n network.Network, ra *crac.RangeAction) (float64, error) {
	dn, err := m.own(n)
	if err != nil {
		return 0, err
	}
	dn.mu.RLock()
	defer dn.mu.RUnlock()
	if v, ok := dn.variants[dn.working].setpoints[ra.NetworkElement]; ok {
		return v, nil
	}
	return m.grid.Reference(ra.NetworkElement), nil
}
