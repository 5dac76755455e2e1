package domain

import "errors"

// Sentinel errors shared across repositories and use cases.
var (
	// ErrNotFound signals that a lookup matched no row.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateCorrelationID signals a unique-constraint hit on a
	// message correlation id; callers translate it into an idempotent
	// lookup of the existing message.
	ErrDuplicateCorrelationID = errors.New("duplicate correlation id")
)
