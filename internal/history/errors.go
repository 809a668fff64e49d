package history

import (
	"errors"
	"fmt"
)

// Sentinel errors for history operations.
//
// These errors can be checked using errors.Is() for specific handling:
//
//	if errors.Is(err, history.ErrUnavailable) {
//	    // re-queue and wait for the backend
//	}
var (
	// ErrUnavailable marks a transient backend failure: no reachable host,
	// connection refused or timeout. Points hit by it are re-queued.
	ErrUnavailable = errors.New("history: backend unavailable")

	// ErrPartialWrite indicates the backend stored some points of a batch
	// and rejected the rest.
	ErrPartialWrite = errors.New("history: partial write")

	// ErrInvalidValue marks a null, NaN or undefined value that cannot be stored.
	ErrInvalidValue = errors.New("history: invalid value")

	// ErrNotTracked indicates the datapoint has no enabled logging policy.
	ErrNotTracked = errors.New("history: datapoint not tracked")

	// ErrInvalidPolicy indicates a policy failed validation.
	ErrInvalidPolicy = errors.New("history: invalid policy")

	// ErrStopped indicates the pipeline is no longer running.
	ErrStopped = errors.New("history: pipeline stopped")

	// ErrInvalidQuery indicates malformed history query options.
	ErrInvalidQuery = errors.New("history: invalid query")

	// ErrUnsupported indicates the backend lacks a requested capability.
	ErrUnsupported = errors.New("history: not supported by backend")
)

// FieldType is the stored type of a series' value field as reported by the backend.
type FieldType string

// Field types reported in conflicts.
const (
	FieldFloat   FieldType = "float"
	FieldInteger FieldType = "integer"
	FieldString  FieldType = "string"
	FieldBoolean FieldType = "boolean"
)

// ConflictError is returned by a backend when a written value's type
// disagrees with the type already stored for the series.
//
// Adapters build it from whatever their server reports; the pipeline only
// looks at the structured fields.
type ConflictError struct {
	// Series is the offending series, when the backend names it.
	Series string

	// Existing is the type already stored.
	Existing FieldType

	// Submitted is the type of the rejected value.
	Submitted FieldType
}

func (e *ConflictError) Error() string {
	if e.Series == "" {
		return fmt.Sprintf("history: field type conflict: %s submitted, %s stored", e.Submitted, e.Existing)
	}
	return fmt.Sprintf("history: field type conflict on %q: %s submitted, %s stored", e.Series, e.Submitted, e.Existing)
}

// AsConflict reports whether err carries a *ConflictError.
func AsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
