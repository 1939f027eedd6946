// Package kgsmerr defines the closed set of error kinds every component in
// kgsm-core propagates, so orchestrators at the process boundary can map a
// failure to a stable exit code (spec §7) without string-matching messages.
package kgsmerr

import (
	"errors"
	"fmt"
)

// Kind is one of the error kinds enumerated in spec §7.
type Kind string

const (
	NotFound   Kind = "NotFound"
	Invalid    Kind = "Invalid"
	Permission Kind = "Permission"
	IO         Kind = "IO"
	Dependency Kind = "Dependency"
	State      Kind = "State"
	Timeout    Kind = "Timeout"
	Upstream   Kind = "Upstream"
)

// Error carries a kind, the component that raised it, a human message, and
// an optional wrapped cause.
type Error struct {
	Kind      Kind
	Component string
	Message   string
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Component, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Component, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with no wrapped cause.
func New(kind Kind, component, message string) *Error {
	return &Error{Kind: kind, Component: component, Message: message}
}

// Wrap builds an *Error wrapping cause. If cause is already a *Error, its
// kind is preserved unless kind is explicitly non-empty.
func Wrap(kind Kind, component, message string, cause error) *Error {
	if kind == "" {
		kind = KindOf(cause)
	}
	return &Error{Kind: kind, Component: component, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err, walking the unwrap chain. Returns ""
// if no *Error is found anywhere in the chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// ExitCode maps a Kind to the stable subset of exit codes from spec §6.
// Codes not covered by a Kind (5, 7, 27, 28, 29) are selected by
// callers that know the more specific context (e.g. "blueprint not found"
// vs "instance not found" both being NotFound).
func ExitCode(k Kind) int {
	switch k {
	case NotFound:
		return 1
	case Invalid:
		return 8
	case Permission:
		return 16
	case IO:
		return 1
	case Dependency:
		return 21
	case State:
		return 1
	case Timeout:
		return 1
	case Upstream:
		return 1
	default:
		return 1
	}
}
