package csi

import (
	"errors"
	"fmt"
)

// Decode errors. Callers match them with errors.Is; the positional details
// live in *DecodeError.
var (
	// ErrMalformedStream indicates a token pattern that cannot appear at this position.
	ErrMalformedStream = errors.New("malformed stream")

	// ErrUnknownEncoding indicates an impossible decimal-scale selector.
	ErrUnknownEncoding = errors.New("unknown encoding")

	// ErrConditionSyntax indicates a malformed filter condition text.
	ErrConditionSyntax = errors.New("condition syntax error")

	// ErrLockStepViolation indicates columns of one array id diverged in sample count.
	ErrLockStepViolation = errors.New("lock-step violation")

	// ErrFollowValueMissing indicates a following variable had no source value yet.
	ErrFollowValueMissing = errors.New("follow value missing")
)

// DecodeError carries the approximate stream position of a decode anomaly.
type DecodeError struct {
	Kind   error
	Record int64 // 1-based record number, 0 when unknown
	Column int   // column within the record, 0 when unknown
	Offset int64 // byte offset in the input, -1 when unknown
	Msg    string
}

// NewDecodeError creates a DecodeError of the given kind.
func NewDecodeError(kind error, record int64, column int, offset int64, format string, args ...interface{}) *DecodeError {
	return &DecodeError{
		Kind:   kind,
		Record: record,
		Column: column,
		Offset: offset,
		Msg:    fmt.Sprintf(format, args...),
	}
}

func (e *DecodeError) Error() string {
	pos := fmt.Sprintf("record %d column %d", e.Record, e.Column)
	if e.Offset >= 0 {
		pos += fmt.Sprintf(" (byte %d)", e.Offset)
	}
	if e.Msg == "" {
		return fmt.Sprintf("%v at %s", e.Kind, pos)
	}
	return fmt.Sprintf("%v at %s: %s", e.Kind, pos, e.Msg)
}

func (e *DecodeError) Unwrap() error {
	return e.Kind
}

// Fatal reports whether err must stop decoding under the given policy.
// Configuration defects are always fatal, stream noise only in strict mode,
// and a missing follow value never is.
func Fatal(err error, sloppy bool) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrFollowValueMissing):
		return false
	case errors.Is(err, ErrMalformedStream), errors.Is(err, ErrLockStepViolation):
		return !sloppy
	default:
		return true
	}
}
