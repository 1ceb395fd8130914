package catalog

import "errors"

var (
	// ErrAlreadyExists is returned by Create when the table is already
	// present in either the active or idle map.
	ErrAlreadyExists = errors.New("table already exists")

	// ErrNotFound is returned when an operation names a table that isn't
	// in the expected map.
	ErrNotFound = errors.New("table not found")
)
