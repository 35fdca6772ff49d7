// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scenario

import (
	"errors"

	"github.com/AleutianAI/gridrao/services/rao/searchtree"
)

var (
	// ErrNilNetwork is returned when Run is given no network.
	ErrNilNetwork = errors.New("network must not be nil")

	// ErrInitialSensitivity is returned when the sensitivity service
	// cannot compute a starting situation at all.
	ErrInitialSensitivity = errors.New("initial sensitivity computation failed")

	// ErrNetworkSetup is returned when the starting network of a
	// perimeter cannot be prepared: cloning, creating its variant or
	// applying the decisions of the previous perimeter.
	ErrNetworkSetup = errors.New("perimeter network setup failed")

	// ErrSinkFailed is returned when the result sink rejects a result.
	ErrSinkFailed = errors.New("result sink failed")
)

// IsFatal reports whether err aborts a whole run.
//
// Description:
//
//	Model errors and resource exhaustion are fatal, as in the search
//	tree. So is any error that leaves a perimeter without a result: a
//	root that cannot be evaluated, a starting network that cannot be
//	prepared, or a sink that rejects a result.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return searchtree.IsFatal(err) ||
		errors.Is(err, searchtree.ErrRootFailed) ||
		errors.Is(err, ErrInitialSensitivity) ||
		errors.Is(err, ErrNetworkSetup) ||
		errors.Is(err, ErrSinkFailed)
}
