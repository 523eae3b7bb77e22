// Package pmerr provides the error taxonomy shared by the metadata core.
// This is a leaf package with no internal dependencies so that every layer
// (index, headers, attribute log, journal) can return the same codes.
//
// Import graph: pmerr <- linix, meta, attrlog, journal <- pmfs
package pmerr

import (
	"errors"
	"fmt"
)

// ErrorCode represents the class of failure.
type ErrorCode int

const (
	// CodeNoSpace indicates index growth or block allocation ran out of room.
	CodeNoSpace ErrorCode = iota + 1

	// CodeOutOfRange indicates an index or address outside the current bounds.
	CodeOutOfRange

	// CodeInvalidState indicates an operation against an object that was
	// already reclaimed. Callers treat it as a harmless no-op.
	CodeInvalidState

	// CodeConsistency indicates on-media state that contradicts an invariant
	// (checksum mismatch, unexpected non-IDLE journal slot). Fatal to the
	// operation in progress; must be surfaced for recovery.
	CodeConsistency

	// CodeInvalidArgument indicates a malformed request.
	CodeInvalidArgument

	// CodeCorrupted indicates the region itself is unreadable (bad magic,
	// bad superblock checksum, wrong version).
	CodeCorrupted
)

// Sentinel errors for errors.Is comparisons.
var (
	ErrNoSpace         = &Error{Code: CodeNoSpace}
	ErrOutOfRange      = &Error{Code: CodeOutOfRange}
	ErrInvalidState    = &Error{Code: CodeInvalidState}
	ErrConsistency     = &Error{Code: CodeConsistency}
	ErrInvalidArgument = &Error{Code: CodeInvalidArgument}
	ErrCorrupted       = &Error{Code: CodeCorrupted}
)

// String returns a human-readable name for the error code.
func (c ErrorCode) String() string {
	switch c {
	case CodeNoSpace:
		return "NoSpace"
	case CodeOutOfRange:
		return "OutOfRange"
	case CodeInvalidState:
		return "InvalidState"
	case CodeConsistency:
		return "ConsistencyViolation"
	case CodeInvalidArgument:
		return "InvalidArgument"
	case CodeCorrupted:
		return "Corrupted"
	default:
		return fmt.Sprintf("Unknown(%d)", c)
	}
}

// Error is a core error carrying a code, the failing operation and, when
// relevant, the region offset it concerns.
type Error struct {
	Code    ErrorCode
	Op      string
	Offset  uint64
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Code.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Offset != 0 {
		msg += fmt.Sprintf(" (offset: %#x)", e.Offset)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code, so callers can compare against
// the sentinels regardless of Op/Offset.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New creates an error with the given code.
func New(code ErrorCode, op, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Op:      op,
		Message: fmt.Sprintf(format, args...),
	}
}

// AtOffset creates an error bound to a region offset.
func AtOffset(code ErrorCode, op string, offset uint64, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Op:      op,
		Offset:  offset,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps err with a code and operation name.
func Wrap(code ErrorCode, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// CodeOf extracts the code of err, or 0 when err is not a core error.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return 0
}

// IsConsistency reports whether err signals on-media corruption.
func IsConsistency(err error) bool {
	return errors.Is(err, ErrConsistency)
}
