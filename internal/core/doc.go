// Package core provides the business logic for bulk waste-movement intake.
//
// This package holds all domain logic independent of any transport or
// storage. The HTTP layer, the job queue workers and tests all drive the
// same [Service].
//
// # Architecture
//
// The package is organized around several key concepts:
//
//   - Tokenizer: Turns an uploaded CSV or XLSX file into raw rows keyed by
//     column, or fails the whole file with a [CsvFormatError].
//   - RuleSet: An immutable table of field and cross-field rules, injected
//     at construction. [RuleSet.Validate] checks one row.
//   - Aggregate: Groups row errors by column for the drill-down summary.
//   - Status: The batch state machine. Every status change goes through
//     [Transition].
//   - Repository: Storage of batches, rows, error columns and submissions.
//
// # Batch Lifecycle
//
// A batch is created by [Service.SubmitContent] in Processing and queued.
// [Service.ProcessBatch] runs in a queue worker:
//
//  1. The stored content is tokenized. A format error ends the batch in
//     FailedCsvValidation.
//  2. Rows are validated in parallel, each within its own time budget.
//  3. Rows and error columns are saved before the status moves to
//     PassedValidation or FailedValidation.
//
// Clients poll [Service.GetBatchStatus] until it reports a terminal status.
// A PassedValidation batch is committed by [Service.FinalizeBatch], which
// is idempotent: a second call returns the same submission ids.
//
// # Rules
//
// Rules are declared, not coded into the pipeline:
//
//	rs, err := core.NewRuleSet("v1", columns, []core.Rule{
//	    core.Required("producer_name", "Producer name"),
//	    core.CalendarDate("collection_date", "Collection date"),
//	}, materialize)
//
// Field rules run first. Cross-field rules only run when every field they
// read passed.
//
// # Error Handling
//
// Row problems are data, stored on rows and columns. Errors that abort a
// request are mapped to user messages with [MapError]. Each category has a
// code for support reference:
//
//   - CSV001-CSV005: File format errors
//   - BAT001-BAT004: Batch lookups and state
//   - STO001-STO003: Storage
//   - RATE001-RATE002: Capacity
//   - REQ001-REQ003: Request cancelled, timed out or too large
//
// Transient storage errors are retried by [RetryingRepository] before they
// surface as [ErrStorageUnavailable].
package core
