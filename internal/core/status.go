package core

// status.go holds the batch lifecycle.
//
//	Processing ──┬──> FailedCsvValidation
//	             ├──> FailedValidation
//	             └──> PassedValidation ──> Submitted
//
// Every other move is rejected with ErrInvalidStateTransition.

import (
	"encoding/json"
	"fmt"
)

// Status is the lifecycle state of a batch.
type Status string

const (
	StatusProcessing          Status = "Processing"
	StatusFailedCsvValidation Status = "FailedCsvValidation"
	StatusFailedValidation    Status = "FailedValidation"
	StatusPassedValidation    Status = "PassedValidation"
	StatusSubmitted           Status = "Submitted"
)

var allStatuses = []Status{
	StatusProcessing,
	StatusFailedCsvValidation,
	StatusFailedValidation,
	StatusPassedValidation,
	StatusSubmitted,
}

var transitions = map[Status][]Status{
	StatusProcessing: {
		StatusFailedCsvValidation,
		StatusFailedValidation,
		StatusPassedValidation,
	},
	StatusPassedValidation: {StatusSubmitted},
}

// ParseStatus converts a stored status name back to a Status.
func ParseStatus(s string) (Status, error) {
	for _, st := range allStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown batch status %q", s)
}

// UnmarshalJSON rejects unknown status names.
func (s *Status) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	st, err := ParseStatus(raw)
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// CanTransition reports whether a batch may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates a move and returns the new status.
func Transition(from, to Status) (Status, error) {
	if !CanTransition(from, to) {
		return from, &TransitionError{From: from, To: to}
	}
	return to, nil
}

// Terminal reports whether polling clients can stop waiting. Only
// Processing is still moving on its own.
func (s Status) Terminal() bool {
	return s != StatusProcessing
}

// DeriveStatus computes the outcome of a validation pass from its rows.
func DeriveStatus(rows []Row) Status {
	for _, r := range rows {
		if r.HasErrors() {
			return StatusFailedValidation
		}
	}
	return StatusPassedValidation
}
