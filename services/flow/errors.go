// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package flow

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the flow analysis engine.
var (
	// ErrMethodNotFound indicates the method was unresolvable anywhere
	// in the type hierarchy or the oracle's suggestions.
	ErrMethodNotFound = errors.New("method not found")

	// ErrInvalidIdentifier indicates a type or method name that is not
	// a syntactically plausible identifier.
	ErrInvalidIdentifier = errors.New("invalid identifier")

	// ErrOracleTimeout indicates one oracle invocation exceeded its
	// per-call budget. Localized to a single method.
	ErrOracleTimeout = errors.New("oracle invocation timed out")

	// ErrParse indicates the oracle's reply was unparsable.
	ErrParse = errors.New("oracle response unparsable")
)

// ResolutionError carries the chain of types visited while trying to
// resolve a method. Only a root-method ResolutionError fails a
// session; inner ones become error-status leaves.
type ResolutionError struct {
	TypeName   string
	MethodName string

	// Chain lists the types tried, in order: the requested type, its
	// supertypes, then any oracle suggestions.
	Chain []string

	Err error
}

func (e *ResolutionError) Error() string {
	msg := fmt.Sprintf("resolve %s.%s", e.TypeName, e.MethodName)
	if len(e.Chain) > 0 {
		msg += " (tried: " + strings.Join(e.Chain, " -> ") + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ResolutionError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrMethodNotFound
}
