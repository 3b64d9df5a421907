// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

var (
	// ErrOverloaded indicates the model backend reported transient capacity
	// exhaustion. The dispatcher retries exactly once on the backup model.
	ErrOverloaded = errors.New("model overloaded")

	// ErrNoAnswer indicates the backend returned a response without any
	// usable answer text.
	ErrNoAnswer = errors.New("no answer text")

	// ErrIntegrity indicates a sealed blob failed authentication on open.
	// A replay that hits this must abort, never continue with partial text.
	ErrIntegrity = errors.New("integrity check failed")

	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")
)
