// Copyright (C) 2026 Lucerne AI (jrossier@lucerne-ai.ch)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"context"
	"errors"
	"fmt"
)

// FaultKind is the error taxonomy shared across the service. Handlers
// map kinds to HTTP statuses; internal callers branch on kind, never on
// error strings.
type FaultKind string

const (
	// FaultValidation is an input or invariant violation. Surfaced to
	// the caller unchanged.
	FaultValidation FaultKind = "validation_error"

	// FaultConflict means the session store read-back check failed.
	// Retried once by the store; surfaced if it fails again.
	FaultConflict FaultKind = "conflict"

	// FaultIO is an external dependency failure. Stages with a declared
	// fallback degrade instead of propagating it.
	FaultIO FaultKind = "io_error"

	// FaultUnsafeContent means the redactor refused storage. The caller
	// must re-redact or drop; nothing was written.
	FaultUnsafeContent FaultKind = "unsafe_content"

	// FaultLoopDetected means the loop breaker forced the session to
	// cancelled.
	FaultLoopDetected FaultKind = "loop_detected"

	// FaultUnauthorized is surfaced verbatim with no state change.
	FaultUnauthorized FaultKind = "unauthorized"

	// FaultBusy means the per-session queue or the global concurrency
	// cap rejected the turn. Callers should retry after a short delay.
	FaultBusy FaultKind = "busy"
)

// Fault wraps an error with its taxonomy kind. Deadline expiry is not a
// kind of its own: it is an io_error with Cancelled set, so fallback
// policy stays uniform.
type Fault struct {
	Kind FaultKind

	// Op names the failing operation for logs, e.g. "session.save".
	Op string

	// Cancelled marks deadline expiry or caller cancellation.
	Cancelled bool

	Err error
}

func (f *Fault) Error() string {
	switch {
	case f.Err == nil:
		return fmt.Sprintf("%s: %s", f.Op, f.Kind)
	case f.Op == "":
		return fmt.Sprintf("%s: %v", f.Kind, f.Err)
	default:
		return fmt.Sprintf("%s: %s: %v", f.Op, f.Kind, f.Err)
	}
}

func (f *Fault) Unwrap() error { return f.Err }

// NewFault builds a Fault, folding context cancellation into the
// Cancelled flag.
func NewFault(kind FaultKind, op string, err error) *Fault {
	return &Fault{
		Kind:      kind,
		Op:        op,
		Cancelled: errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled),
		Err:       err,
	}
}

// Validationf builds a validation fault from a format string.
func Validationf(op, format string, args ...any) *Fault {
	return &Fault{Kind: FaultValidation, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the taxonomy kind from any error. Unclassified
// errors, plain context errors included, come back as io_error; nil
// maps to the empty kind.
func KindOf(err error) FaultKind {
	if err == nil {
		return ""
	}
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return FaultIO
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind FaultKind) bool {
	var f *Fault
	return errors.As(err, &f) && f.Kind == kind
}

// IsCancelled reports whether err stems from deadline expiry or caller
// cancellation, wrapped or not.
func IsCancelled(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var f *Fault
	return errors.As(err, &f) && f.Cancelled
}
