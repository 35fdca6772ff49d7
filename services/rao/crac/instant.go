// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package crac

import (
	"fmt"
	"strings"
)

// InstantKind classifies an instant of the remedial action timeline.
type InstantKind int

const (
	// InstantPreventive is before any contingency occurs.
	InstantPreventive InstantKind = iota

	// InstantOutage is right after the contingency, before any action.
	InstantOutage

	// InstantAuto is when automatons act.
	InstantAuto

	// InstantCurative is when operators apply curative actions.
	InstantCurative
)

// String returns a human-readable kind name.
func (k InstantKind) String() string {
	switch k {
	case InstantPreventive:
		return "preventive"
	case InstantOutage:
		return "outage"
	case InstantAuto:
		return "auto"
	case InstantCurative:
		return "curative"
	default:
		return "unknown"
	}
}

// ParseInstantKind parses a kind name as produced by String.
func ParseInstantKind(s string) (InstantKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "preventive":
		return InstantPreventive, nil
	case "outage":
		return InstantOutage, nil
	case "auto":
		return InstantAuto, nil
	case "curative":
		return InstantCurative, nil
	default:
		return 0, fmt.Errorf("unknown instant kind %q", s)
	}
}

// Instant is one point of the preventive/outage/auto/curative timeline.
// Order is strictly increasing along the timeline.
type Instant struct {
	ID    string      `json:"id"`
	Kind  InstantKind `json:"kind"`
	Order int         `json:"order"`
}

// IsPreventive returns true for the preventive instant.
func (i *Instant) IsPreventive() bool { return i.Kind == InstantPreventive }

// IsOutage returns true for the outage instant.
func (i *Instant) IsOutage() bool { return i.Kind == InstantOutage }

// IsAuto returns true for the automaton instant.
func (i *Instant) IsAuto() bool { return i.Kind == InstantAuto }

// IsCurative returns true for curative instants.
func (i *Instant) IsCurative() bool { return i.Kind == InstantCurative }

// ComesBefore reports whether i is strictly earlier than other.
func (i *Instant) ComesBefore(other *Instant) bool { return i.Order < other.Order }

// ComesAfter reports whether i is strictly later than other.
func (i *Instant) ComesAfter(other *Instant) bool { return i.Order > other.Order }

// String returns the instant ID.
func (i *Instant) String() string { return i.ID }

// Contingency is a set of network elements lost simultaneously.
type Contingency struct {
	ID       string   `json:"id"`
	Name     string   `json:"name,omitempty"`
	Elements []string `json:"elements,omitempty"`
}

// State is an evaluation context: an instant, and the contingency that
// occurred (nil for the preventive state).
type State struct {
	Instant     *Instant
	Contingency *Contingency
}

// ID returns a stable identifier for the state. The preventive state is
// identified by its instant ID.
func (s *State) ID() string {
	if s.Contingency == nil {
		return s.Instant.ID
	}
	return StateID(s.Contingency.ID, s.Instant.ID)
}

// StateID builds the ID of a post-contingency state.
func StateID(contingencyID, instantID string) string {
	return contingencyID + " - " + instantID
}

// IsPreventive returns true if no contingency is attached.
func (s *State) IsPreventive() bool {
	return s.Contingency == nil
}

// ContingencyID returns the contingency ID, or "" for the preventive state.
func (s *State) ContingencyID() string {
	if s.Contingency == nil {
		return ""
	}
	return s.Contingency.ID
}

// String returns the state ID.
func (s *State) String() string {
	return s.ID()
}
