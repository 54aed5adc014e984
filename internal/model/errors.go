package model

import "errors"

// Error categories. Packages wrap these with context, callers test with
// errors.Is.
var (
	// ErrValidation marks bad input: chunk config, metadata, dimensions.
	ErrValidation = errors.New("validation error")
	// ErrProvider marks an embedding provider failure or timeout.
	ErrProvider = errors.New("embedding provider error")
	// ErrCapacityExceeded is returned when the vector index is full.
	ErrCapacityExceeded = errors.New("index capacity exceeded")
	// ErrConsistency marks an orphaned index handle or document row.
	ErrConsistency = errors.New("consistency error")
	// ErrIO marks a persistence failure.
	ErrIO = errors.New("persistence error")
	// ErrNotFound is returned for unknown ids and handles.
	ErrNotFound = errors.New("not found")
)
