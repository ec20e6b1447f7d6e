package core

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Column describes one column of the intake schema.
type Column struct {
	Key      string // Field key used by rules: "collection_date"
	Header   string // Header text as it appears in the file
	Required bool   // Column must be present in the header row
}

// HeaderIndex maps column keys to their position in a CSV record.
type HeaderIndex map[string]int

// Field is one raw cell of a row, keyed by column.
type Field struct {
	Column string `json:"column"`
	Value  string `json:"value"`
}

// RawRow is a tokenized data record before validation.
type RawRow struct {
	RowID  int     // 1-based ordinal after the header
	Fields []Field // In schema column order
}

// Get returns the raw value for a column key.
func (r RawRow) Get(key string) string {
	for _, f := range r.Fields {
		if f.Column == key {
			return f.Value
		}
	}
	return ""
}

// SubmissionKeys are the indexed attributes of a validated row used for
// filtering committed submissions.
type SubmissionKeys struct {
	CollectionDate time.Time `json:"collectionDate"`
	EWCCodes       []string  `json:"ewcCodes"`
	ProducerName   string    `json:"producerName"`
	ExternalRef    string    `json:"externalRef,omitempty"`
}

// RowValue is the materialized payload of a valid row.
type RowValue struct {
	Payload json.RawMessage `json:"payload"`
	Keys    SubmissionKeys  `json:"keys"`
}

// FieldError is a format violation on a single column.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StructuralError is a violation spanning two or more columns.
type StructuralError struct {
	Fields  []string `json:"fields"`
	Code    string   `json:"code"`
	Message string   `json:"message"`
}

// Row is a validated data record. It carries either a Value or errors,
// never both.
type Row struct {
	BatchID          uuid.UUID         `json:"batchId"`
	RowID            int               `json:"rowId"`
	RawFields        []Field           `json:"rawFields"`
	Value            *RowValue         `json:"value,omitempty"`
	FieldErrors      []FieldError      `json:"fieldErrors,omitempty"`
	StructuralErrors []StructuralError `json:"structuralErrors,omitempty"`
}

// Valid reports whether the row passed every rule.
func (r Row) Valid() bool {
	return r.Value != nil && len(r.FieldErrors) == 0 && len(r.StructuralErrors) == 0
}

// HasErrors reports whether any rule failed for the row.
func (r Row) HasErrors() bool {
	return len(r.FieldErrors) > 0 || len(r.StructuralErrors) > 0
}

// ErrorColumn aggregates the rows of a batch that have an error in one column.
type ErrorColumn struct {
	BatchID   uuid.UUID `json:"batchId"`
	ColumnRef string    `json:"columnRef"` // Spreadsheet letter: "A", "B", ... "AA"
	Field     string    `json:"field"`
	Header    string    `json:"header"`
	Count     int       `json:"count"`
	ErrorCode string    `json:"errorCode"`
	Message   string    `json:"message"`
}

// Batch is one uploaded file and everything derived from it.
type Batch struct {
	ID           uuid.UUID     `json:"id"`
	AccountID    string        `json:"accountId"`
	Status       Status        `json:"status"`
	FileName     string        `json:"fileName"`
	ContentRef   string        `json:"contentRef,omitempty"`
	ContentKey   string        `json:"-"`
	Headers      []string      `json:"headers,omitempty"`
	RowCount     int           `json:"rowCount"`
	ErrorSummary []ErrorColumn `json:"errorSummary,omitempty"`
	CsvError     *CsvError     `json:"csvError,omitempty"`
	ValidatedOn  time.Time     `json:"validatedOn,omitzero"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
	SubmittedAt  *time.Time    `json:"submittedAt,omitempty"`
}

// CsvError is the persisted form of a tokenizer failure.
type CsvError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Submission is a committed, first-class record created from a valid row.
type Submission struct {
	ID        uuid.UUID       `json:"id"`
	AccountID string          `json:"accountId"`
	BatchID   uuid.UUID       `json:"batchId"`
	RowID     int             `json:"rowId"`
	Keys      SubmissionKeys  `json:"keys"`
	Payload   json.RawMessage `json:"payload"`
	RawFields []Field         `json:"rawFields"`
	CreatedAt time.Time       `json:"createdAt"`
}

// SubmissionID derives the idempotent identifier of the submission created
// from a row. Re-deriving it for the same batch and row always yields the
// same id.
func SubmissionID(batchID uuid.UUID, rowID int) uuid.UUID {
	return uuid.NewSHA1(batchID, []byte("row:"+strconv.Itoa(rowID)))
}

// Job is the unit of background work: validate one batch.
type Job struct {
	BatchID   uuid.UUID `json:"batchId"`
	AccountID string    `json:"accountId"`
}
