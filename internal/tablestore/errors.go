package tablestore

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates the table has no row in the metadata database.
var ErrNotFound = errors.New("tablestore: not found")

// ErrAlreadyExists indicates a table with that name is already registered.
var ErrAlreadyExists = errors.New("tablestore: already exists")

// ErrWriterOpen indicates a writer handle for the table is already open in
// this process; tablestore enforces a single open writer per table, the
// same invariant mddb.MDDB enforces for its own locker.
var ErrWriterOpen = errors.New("tablestore: writer already open")

// Error is the uniform error type tablestore returns, following
// pkg/mddb/errors.go's "cause (table=X op=Y)" context-wrapping shape.
type Error struct {
	Table string
	Op    string
	Err   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Table == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v (table=%s)", e.Op, e.Err, e.Table)
}

func (e *Error) Unwrap() error { return e.Err }

func wrapErr(op, table string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Table: table, Op: op, Err: err}
}
