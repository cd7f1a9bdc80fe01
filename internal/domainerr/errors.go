// Package domainerr implements the error taxonomy every subsystem maps
// its failures into. It stays on the standard library errors/fmt
// wrapping idiom the teacher uses throughout its monitoring packages
// rather than reaching for a third-party errors library — see
// DESIGN.md for why.
package domainerr

import (
	"errors"
	"fmt"
)

// Kind is one of the taxonomy entries from the error handling design.
type Kind string

const (
	UnknownSensor                Kind = "unknown_sensor"
	UnknownShelter               Kind = "unknown_shelter"
	UnknownAlert                 Kind = "unknown_alert"
	OutOfRange                   Kind = "out_of_range"
	RateLimited                  Kind = "rate_limited"
	StaleAppend                  Kind = "stale_append"
	BackendUnavailable           Kind = "backend_unavailable"
	EvaluationDeferred           Kind = "evaluation_deferred"
	NoPath                       Kind = "no_path"
	UnknownEndpoint              Kind = "unknown_endpoint"
	Conflict                     Kind = "conflict"
	PermanentNotificationFailure Kind = "permanent_notification_failure"
)

// Error is a typed, wrapped domain failure. Op names the operation
// that failed (e.g. "timeseries.Append"); Err is the underlying cause,
// when one exists.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a Kind-only Error (no wrapped cause).
func New(op string, kind Kind) *Error {
	return &Error{Op: op, Kind: kind}
}

// Wrap builds an Error that wraps an underlying cause.
func Wrap(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind == kind
	}
	return false
}

// Retryable reports whether the taxonomy marks this Kind as
// automatically retryable by its owning subsystem.
func Retryable(kind Kind) bool {
	switch kind {
	case BackendUnavailable, Conflict:
		return true
	default:
		return false
	}
}
