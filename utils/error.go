package utils

import (
	"errors"
	"fmt"
)

var ErrorRecordNotFound = errors.New("record not found")

// ValidationError marks bad input (missing row fields, unparseable dates or
// titles). Import callers collect these per row and keep going.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func NewValidationError(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ConflictError marks write contention on a period key. The caller must
// retry or fail loudly, never drop the write.
type ConflictError struct {
	Key string
	Err error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflicting write on %s: %v", e.Key, e.Err)
}

func (e *ConflictError) Unwrap() error { return e.Err }

func IsConflictError(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

func ErrorPanic(err error) {
	if err != nil {
		panic(err)
	}
}
