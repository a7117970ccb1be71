package protocol

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an error for wire transport. Each typed error
// below maps to exactly one kind so clients can discriminate without
// the concrete type.
type ErrorKind string

// Error kind constants.
const (
	KindValidation ErrorKind = "validation"
	KindNotFound   ErrorKind = "not_found"
	KindConflict   ErrorKind = "conflict"
	KindState      ErrorKind = "state"
	KindInternal   ErrorKind = "internal"
)

// ValidationError rejects a malformed request synchronously at call time.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NotFoundError rejects a reference to an unknown run, session, or runner.
type NotFoundError struct {
	Kind string // "run", "session", "runner"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// ConflictError rejects an operation that collides with existing state:
// a duplicate online runner identity, an already-claimed run, or an
// already-existing session.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string {
	return e.Reason
}

// StateError rejects an operation illegal in the target's current
// lifecycle state. The target's state is left unchanged.
type StateError struct {
	Kind   string // "run" or "session"
	ID     string
	Status string
	Op     string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s %s %s in status %s", e.Op, e.Kind, e.ID, e.Status)
}

// KindOf maps an error to its wire kind, unwrapping as needed.
// Unrecognized errors are internal.
func KindOf(err error) ErrorKind {
	var (
		ve *ValidationError
		nf *NotFoundError
		ce *ConflictError
		se *StateError
	)
	switch {
	case errors.As(err, &ve):
		return KindValidation
	case errors.As(err, &nf):
		return KindNotFound
	case errors.As(err, &ce):
		return KindConflict
	case errors.As(err, &se):
		return KindState
	default:
		return KindInternal
	}
}

// WireError is an error reconstituted on the client side from an ERROR
// response payload. It preserves the kind for discrimination.
type WireError struct {
	Kind    ErrorKind
	Message string
}

func (e *WireError) Error() string {
	return e.Message
}
