package core

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for missing records and for records owned by
	// another account. Callers cannot tell the two apart.
	ErrNotFound = errors.New("not found")

	// ErrInvalidStateTransition is returned when a batch is asked to move to a
	// status its current status does not allow.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrStorageUnavailable is returned once transient storage errors have
	// exhausted their retries.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrMalformedRuleSet is returned by NewRuleSet for an inconsistent rule table.
	ErrMalformedRuleSet = errors.New("malformed rule set")

	// ErrEmptyContent is returned by SubmitContent when no bytes were uploaded.
	ErrEmptyContent = errors.New("empty file")

	// ErrInvalidInput marks caller mistakes such as a missing account.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflict is returned by a repository when a unique key is taken.
	ErrConflict = errors.New("conflict")

	// ErrNotSubmitted is returned when exporting a batch that has no
	// committed submissions yet.
	ErrNotSubmitted = errors.New("batch not submitted")
)

// CSV format error codes.
const (
	CsvCodeEmpty          = "CSV001"
	CsvCodeMalformed      = "CSV002"
	CsvCodeHeaderMismatch = "CSV003"
	CsvCodeNoRows         = "CSV004"
	CsvCodeTooManyRows    = "CSV005"
)

// CsvFormatError is a fatal intake failure. A batch that hits one ends in
// FailedCsvValidation and is never retried.
type CsvFormatError struct {
	Code    string
	Message string
}

func (e *CsvFormatError) Error() string {
	return fmt.Sprintf("invalid csv (%s): %s", e.Code, e.Message)
}

func newCsvError(code, format string, args ...any) *CsvFormatError {
	return &CsvFormatError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// TransitionError records the statuses involved in a rejected transition.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s -> %s", ErrInvalidStateTransition, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidStateTransition
}
