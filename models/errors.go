package models

import "errors"

// Error taxonomy shared across packages. Callers check with errors.Is.
var (
	// ErrValidation marks bad input. No side effect has happened.
	ErrValidation = errors.New("validation error")
	// ErrTransient marks network or 5xx failures from external collaborators.
	ErrTransient = errors.New("transient external failure")
	// ErrDataInconsistency marks a conflict not explained by a concurrent commit.
	ErrDataInconsistency = errors.New("data inconsistency")
	// ErrPermanent marks faults that retrying cannot fix, such as missing credentials.
	ErrPermanent = errors.New("permanent fault")
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("not found")
)
