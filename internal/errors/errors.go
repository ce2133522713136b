// Package errors re-exports github.com/cockroachdb/errors and defines the
// sentinel errors shared by the maintenance scheduler packages.
//
// Wrap sentinels to add context while keeping errors.Is checks working:
//
//	return errors.Wrapf(errors.ErrNotFound, "schedule %s", id)
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

var (
	New       = crdb.New
	Newf      = crdb.Newf
	Wrap      = crdb.Wrap
	Wrapf     = crdb.Wrapf
	WithStack = crdb.WithStack
	WithHint  = crdb.WithHint
	Mark      = crdb.Mark
)

var (
	Is        = crdb.Is
	IsAny     = crdb.IsAny
	As        = crdb.As
	Unwrap    = crdb.Unwrap
	UnwrapAll = crdb.UnwrapAll
)

var (
	// ErrNotFound indicates the requested resource does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates the input was malformed or invalid
	ErrInvalidRequest = New("invalid request")

	// ErrConflict indicates a uniqueness conflict, e.g. a task already
	// generated for the same schedule occurrence
	ErrConflict = New("resource conflict")
)

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsConflict reports whether err is or wraps ErrConflict.
func IsConflict(err error) bool {
	return err != nil && Is(err, ErrConflict)
}
