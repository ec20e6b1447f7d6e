package core

import "time"

// Page size limits applied by Normalize.
const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// PageRequest selects one page of an ordered result.
type PageRequest struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

// Normalize clamps the request to valid values.
func (r *PageRequest) Normalize() {
	if r.Page < 1 {
		r.Page = 1
	}
	if r.PageSize < 1 {
		r.PageSize = DefaultPageSize
	}
	if r.PageSize > MaxPageSize {
		r.PageSize = MaxPageSize
	}
}

// Offset is the number of records to skip.
func (r PageRequest) Offset() int {
	return (r.Page - 1) * r.PageSize
}

// PageResult holds one page of data with its pagination metadata.
type PageResult[T any] struct {
	Data       []T `json:"data"`
	Total      int `json:"total"`
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalPages int `json:"total_pages"`
}

// NewPageResult fills in TotalPages. A nil slice is returned as empty.
func NewPageResult[T any](data []T, total int, req PageRequest) PageResult[T] {
	totalPages := 1
	if req.PageSize > 0 {
		totalPages = total / req.PageSize
		if total%req.PageSize != 0 {
			totalPages++
		}
		if totalPages < 1 {
			totalPages = 1
		}
	}
	if data == nil {
		data = []T{}
	}
	return PageResult[T]{
		Data:       data,
		Total:      total,
		Page:       req.Page,
		PageSize:   req.PageSize,
		TotalPages: totalPages,
	}
}

// paginate slices an already ordered, already filtered set in memory.
func paginate[T any](all []T, req PageRequest) PageResult[T] {
	req.Normalize()
	start := req.Offset()
	if start > len(all) {
		start = len(all)
	}
	end := start + req.PageSize
	if end > len(all) {
		end = len(all)
	}
	return NewPageResult(append([]T(nil), all[start:end]...), len(all), req)
}

// RowQuery selects rows of a batch.
type RowQuery struct {
	PageRequest
	OnlyInvalid bool
}

// SubmissionFilter narrows committed submissions. Set fields are combined
// with AND.
type SubmissionFilter struct {
	CollectionDate *time.Time // Exact calendar day
	EWCCode        string     // Any of the submission's codes, exact match
	ProducerName   string     // Case-insensitive substring
	ExternalRef    string     // Exact match
}

// SubmissionQuery selects a page of a batch's submissions. Results are
// always ordered by row ordinal.
type SubmissionQuery struct {
	PageRequest
	Filter SubmissionFilter
}
