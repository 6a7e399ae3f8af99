package registry

import "errors"

var (
	// ErrNotFound indicates that a referenced flag or segment does not exist.
	// Evaluation paths translate this into a fail-closed false; it only
	// surfaces as an error on administrative operations.
	ErrNotFound = errors.New("not found")

	// ErrValidation indicates a malformed definition (percentage out of range,
	// self or cyclic dependency, unknown segment kind). It is raised
	// synchronously at define/register time, never during evaluation.
	ErrValidation = errors.New("validation failed")
)
