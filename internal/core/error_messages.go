package core

// error_messages.go maps operational errors to messages a user can act on.
//
// Row validation problems are not errors in this sense; they are stored on
// rows and columns. What ends up here is everything that aborts a request.
//
// # Intake (CSV001-CSV099)
//
//	CSV001 - Empty file
//	CSV002 - File could not be read as CSV or XLSX
//	CSV003 - Header row missing required columns
//	CSV004 - No data rows
//	CSV005 - Too many rows
//
// # Batches (BAT001-BAT099)
//
//	BAT001 - Batch, row or column not found (also for other accounts' batches)
//	BAT002 - Batch is not in a status that allows the operation
//	BAT003 - Batch has not been submitted yet
//	BAT004 - Request is missing required input
//
// # Storage (STO001-STO099)
//
//	STO001 - Storage unavailable after retries
//	STO002 - Storage timed out
//	STO003 - Conflicting write
//
// # Capacity (RATE001-RATE099)
//
//	RATE001 - Too many requests
//	RATE002 - Too many batches being validated
//
// # Request (REQ001-REQ099)
//
//	REQ001 - Request cancelled
//	REQ002 - Request timed out
//	REQ003 - File too large
//
// ERR000 is the fallback. Check the logs for the technical error when a
// user quotes it.

import (
	"errors"
	"fmt"
	"strings"
)

// UserMessage is user-facing error information.
type UserMessage struct {
	Message string // What happened
	Action  string // What to do about it
	Code    string // Support reference
}

type sentinelMessage struct {
	err error
	msg UserMessage
}

// sentinelMessages are checked with errors.Is, in order.
var sentinelMessages = []sentinelMessage{
	{ErrNotFound, UserMessage{"Batch, row or column not found", "Check the batch reference and try again", "BAT001"}},
	{ErrInvalidStateTransition, UserMessage{"This batch cannot do that in its current status", "Check the batch status before trying again", "BAT002"}},
	{ErrNotSubmitted, UserMessage{"This batch has not been submitted yet", "Submit the batch before downloading it", "BAT003"}},
	{ErrInvalidInput, UserMessage{"Some required information is missing", "Check the request and try again", "BAT004"}},
	{ErrEmptyContent, UserMessage{"The uploaded file is empty", "Upload a CSV file with a header row and data rows", "CSV001"}},
	{ErrStorageUnavailable, UserMessage{"The service is temporarily unavailable", "Your data has not been lost. Try again in a few minutes", "STO001"}},
	{ErrConflict, UserMessage{"Another change to this batch happened at the same time", "Try again", "STO003"}},
	{ErrTooManyBatches, UserMessage{"The system is busy checking other files", "Wait a moment and try again", "RATE002"}},
}

type errorPattern struct {
	pattern string
	msg     UserMessage
}

// errorPatterns match the lower-cased error text. First match wins, so
// specific patterns come first.
var errorPatterns = []errorPattern{
	{"context canceled", UserMessage{"Request was cancelled", "Try again", "REQ001"}},
	{"context deadline exceeded", UserMessage{"Request timed out", "Try again with a smaller file", "REQ002"}},
	{"request body too large", UserMessage{"File exceeds the maximum size", "Split the file into smaller files", "REQ003"}},
	{"file too large", UserMessage{"File exceeds the maximum size", "Split the file into smaller files", "REQ003"}},
	{"timeout", UserMessage{"Storage timed out", "Try again in a few moments", "STO002"}},
	{"rate limit", UserMessage{"Too many requests", "Wait a moment before trying again", "RATE001"}},
}

var csvActions = map[string]string{
	CsvCodeEmpty:          "Upload a CSV file with a header row and data rows",
	CsvCodeMalformed:      "Save the file as CSV (comma separated, UTF-8) and upload it again",
	CsvCodeHeaderMismatch: "Use the column headings from the template and upload the file again",
	CsvCodeNoRows:         "Add at least one data row under the header row",
	CsvCodeTooManyRows:    "Split the file into smaller files",
}

var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Try again or contact support",
	Code:    "ERR000",
}

// MapError converts an error into a user message. Typed and sentinel errors
// are matched first, then known error text, then the ERR000 fallback.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	var csvErr *CsvFormatError
	if errors.As(err, &csvErr) {
		return UserMessage{Message: csvErr.Message, Action: csvActions[csvErr.Code], Code: csvErr.Code}
	}
	for _, sm := range sentinelMessages {
		if errors.Is(err, sm.err) {
			return sm.msg
		}
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}
	return defaultMessage
}

// FormatUserError renders "Message (Code: XXX). Action".
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err maps to something more specific than
// the ERR000 fallback.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}
