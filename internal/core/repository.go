package core

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists batches, their rows and error columns, and committed
// submissions. Every read is scoped to an account; a record owned by another
// account is reported as ErrNotFound.
//
// Implementations must make CompleteValidation and CommitSubmissions
// all-or-nothing: readers never see a partially written set.
type Repository interface {
	// SaveBatch inserts or replaces a batch by ID.
	SaveBatch(ctx context.Context, b Batch) error
	GetBatch(ctx context.Context, accountID string, batchID uuid.UUID) (Batch, error)
	// FindBatchByContentRef returns the account's batch created for a
	// content reference, or ErrNotFound.
	FindBatchByContentRef(ctx context.Context, accountID, contentRef string) (Batch, error)
	ListBatches(ctx context.Context, accountID string, page PageRequest) (PageResult[Batch], error)

	// CompleteValidation replaces the rows and error columns of b and stores
	// b with its terminal status, in one atomic step, but only while the
	// stored batch is still Processing. It reports false and writes nothing
	// when another delivery got there first.
	CompleteValidation(ctx context.Context, b Batch, rows []Row, cols []ErrorColumn) (bool, error)
	GetRow(ctx context.Context, accountID string, batchID uuid.UUID, rowID int) (Row, error)
	GetColumn(ctx context.Context, accountID string, batchID uuid.UUID, field string) (ErrorColumn, error)
	ListRows(ctx context.Context, accountID string, batchID uuid.UUID, q RowQuery) (PageResult[Row], error)

	// CommitSubmissions inserts the submissions and moves the batch from
	// PassedValidation to Submitted in one atomic step. On a batch that is
	// already Submitted it writes nothing and returns the stored
	// submissions in row order. Any other status fails with
	// ErrInvalidStateTransition.
	CommitSubmissions(ctx context.Context, accountID string, batchID uuid.UUID, subs []Submission) ([]Submission, error)
	ListSubmissions(ctx context.Context, accountID string, batchID uuid.UUID, q SubmissionQuery) (PageResult[Submission], error)
}

// ContentStore keeps the raw bytes of uploads.
type ContentStore interface {
	Put(ctx context.Context, key string, content []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// Enqueuer hands a job to background workers. Delivery is at least once.
type Enqueuer interface {
	Enqueue(ctx context.Context, job Job) error
}
