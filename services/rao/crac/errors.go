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
	"errors"
	"fmt"
)

// Sentinel errors for the crac package.
var (
	// Reference errors
	ErrUnknownCnec          = errors.New("unknown cnec")
	ErrUnknownRangeAction   = errors.New("unknown range action")
	ErrUnknownNetworkAction = errors.New("unknown network action")
	ErrUnknownState         = errors.New("unknown state")
	ErrUnknownInstant       = errors.New("unknown instant")
	ErrUnknownContingency   = errors.New("unknown contingency")

	// Consistency errors
	ErrDuplicateID  = errors.New("duplicate identifier")
	ErrEmptyDomain  = errors.New("range action domain is empty")
	ErrInvalidModel = errors.New("invalid crac model")
)

// ModelError reports a malformed CRAC or network reference.
//
// Model errors are fatal: the optimizer aborts immediately and never retries.
// Use errors.Is against the sentinel kinds above, or errors.As to get the ID.
type ModelError struct {
	Kind   error
	ID     string
	Detail string
}

// Error implements the error interface.
func (e *ModelError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("crac model error: %v %q", e.Kind, e.ID)
	}
	return fmt.Sprintf("crac model error: %v %q: %s", e.Kind, e.ID, e.Detail)
}

// Unwrap returns the sentinel kind.
func (e *ModelError) Unwrap() error {
	return e.Kind
}

func newModelError(kind error, id string, format string, args ...any) *ModelError {
	detail := ""
	if format != "" {
		detail = fmt.Sprintf(format, args...)
	}
	return &ModelError{Kind: kind, ID: id, Detail: detail}
}

// IsModelError reports whether err carries a *ModelError.
func IsModelError(err error) bool {
	var me *ModelError
	return errors.As(err, &me)
}
