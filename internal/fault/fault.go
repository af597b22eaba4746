// SPDX-License-Identifier: MIT

// Package fault defines the error taxonomy shared by all lockerd components.
//
// Every externally visible failure wraps exactly one category sentinel so
// callers can branch with errors.Is without string matching.
package fault

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrConflict marks optimistic-version mismatches and claim-primitive
	// misses. Never retried internally.
	ErrConflict = errors.New("conflict")

	// ErrValidation marks schema violations, invalid state transitions and
	// malformed input. Non-retryable.
	ErrValidation = errors.New("validation")

	// ErrThrottled marks rate-limit rejections. Carries a retry-after hint.
	ErrThrottled = errors.New("throttled")

	// ErrTransient marks persistence I/O failures propagated unchanged.
	ErrTransient = errors.New("transient")

	// ErrNotFound marks lookups of rows that do not exist.
	ErrNotFound = errors.New("not found")

	// ErrFatal marks unrecoverable invariant violations.
	ErrFatal = errors.New("fatal")
)

// Conflictf wraps a formatted message in the conflict category.
func Conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

// Validationf wraps a formatted message in the validation category. The first
// argument names the offending field so callers can surface it verbatim.
func Validationf(field, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrValidation, field, fmt.Sprintf(format, args...))
}

// Transient wraps an I/O error in the transient category, preserving the
// original chain.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrTransient, op, err)
}

// ThrottledError is a rate-limit rejection with the delay after which the
// caller may retry.
type ThrottledError struct {
	Dimension  string
	RetryAfter time.Duration
	Blocked    bool
}

func (e *ThrottledError) Error() string {
	if e.Blocked {
		return fmt.Sprintf("throttled: %s blocked, retry after %s", e.Dimension, e.RetryAfter)
	}
	return fmt.Sprintf("throttled: %s, retry after %s", e.Dimension, e.RetryAfter)
}

func (e *ThrottledError) Unwrap() error { return ErrThrottled }

// Category returns the stable machine-readable category for err, or "internal"
// if the error carries no category.
func Category(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrThrottled):
		return "throttled"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrTransient):
		return "transient"
	case errors.Is(err, ErrFatal):
		return "fatal"
	default:
		return "internal"
	}
}
