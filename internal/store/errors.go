package store

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownTable is returned by writes to a table the registry doesn't declare.
	ErrUnknownTable = errors.New("unknown table")

	// ErrMissingKey is returned by writes of a record without its table's key field.
	ErrMissingKey = errors.New("missing key")

	// ErrVersionDowngrade is returned by Open when the database on disk was
	// written by a newer schema version than the registry being opened.
	ErrVersionDowngrade = errors.New("schema version downgrade")

	// ErrNotFound is returned when a queue entry doesn't exist.
	ErrNotFound = errors.New("not found")
)

// UnknownTableError reports a write to an undeclared table.
type UnknownTableError struct {
	Table string
}

func (e *UnknownTableError) Error() string {
	return fmt.Sprintf("unknown table %q", e.Table)
}

func (e *UnknownTableError) Unwrap() error { return ErrUnknownTable }

// MissingKeyError reports a record that lacks a usable primary key.
type MissingKeyError struct {
	Table    string
	KeyField string
	Err      error
}

func (e *MissingKeyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("table %q: missing key %q: %v", e.Table, e.KeyField, e.Err)
	}
	return fmt.Sprintf("table %q: missing key %q", e.Table, e.KeyField)
}

func (e *MissingKeyError) Unwrap() error { return ErrMissingKey }
