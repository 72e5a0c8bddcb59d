package persistence

import "errors"

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("persistence: not found")
	// ErrDuplicate is returned when a unique constraint rejects a write.
	ErrDuplicate = errors.New("persistence: duplicate")
	// ErrConstraintViolation is returned when a record fails a schema constraint.
	ErrConstraintViolation = errors.New("persistence: constraint violation")
	// ErrCorrupt is returned when stored data cannot be decoded. Callers should
	// treat this as fatal rather than silently dropping scan data.
	ErrCorrupt = errors.New("persistence: corrupt data")
)
