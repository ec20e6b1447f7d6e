package core

// retry.go wraps a Repository so that transient storage failures are
// retried with exponential backoff and never surface as validation results.
// When the attempts run out the caller gets ErrStorageUnavailable.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
)

// RetryPolicy bounds the backoff applied to transient storage errors.
type RetryPolicy struct {
	Attempts uint64        // Retries after the first try
	Base     time.Duration // First delay, doubled on each retry
	Max      time.Duration // Cap on a single delay
}

// DefaultRetryPolicy is used for zero fields of a RetryPolicy.
var DefaultRetryPolicy = RetryPolicy{Attempts: 4, Base: 100 * time.Millisecond, Max: 2 * time.Second}

// TransientFunc reports whether an error is worth retrying.
type TransientFunc func(error) bool

// IsNetworkError is the storage-agnostic transient check: connection level
// failures only.
func IsNetworkError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr)
}

// RetryingRepository decorates a Repository with bounded retries.
type RetryingRepository struct {
	next      Repository
	policy    RetryPolicy
	transient TransientFunc
}

var _ Repository = (*RetryingRepository)(nil)

// NewRetryingRepository wraps next. A nil transient func retries network
// errors only.
func NewRetryingRepository(next Repository, policy RetryPolicy, transient TransientFunc) *RetryingRepository {
	if policy.Attempts == 0 {
		policy.Attempts = DefaultRetryPolicy.Attempts
	}
	if policy.Base <= 0 {
		policy.Base = DefaultRetryPolicy.Base
	}
	if policy.Max <= 0 {
		policy.Max = DefaultRetryPolicy.Max
	}
	if transient == nil {
		transient = IsNetworkError
	}
	return &RetryingRepository{next: next, policy: policy, transient: transient}
}

func (r *RetryingRepository) backoff() retry.Backoff {
	b := retry.NewExponential(r.policy.Base)
	b = retry.WithCappedDuration(r.policy.Max, b)
	b = retry.WithJitterPercent(10, b)
	return retry.WithMaxRetries(r.policy.Attempts, b)
}

func withRetry[T any](ctx context.Context, r *RetryingRepository, op string, fn func(context.Context) (T, error)) (T, error) {
	var (
		out      T
		attempts int
		lastErr  error
	)
	err := retry.Do(ctx, r.backoff(), func(ctx context.Context) error {
		attempts++
		v, err := fn(ctx)
		if err == nil {
			out = v
			return nil
		}
		if ctx.Err() == nil && r.transient(err) {
			lastErr = err
			slog.Warn("transient storage error", "op", op, "attempt", attempts, "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		if lastErr != nil && errors.Is(err, lastErr) {
			return out, fmt.Errorf("%w: %s failed after %d attempts: %w", ErrStorageUnavailable, op, attempts, err)
		}
		return out, err
	}
	return out, nil
}

func (r *RetryingRepository) exec(ctx context.Context, op string, fn func(context.Context) error) error {
	_, err := withRetry(ctx, r, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func (r *RetryingRepository) SaveBatch(ctx context.Context, b Batch) error {
	return r.exec(ctx, "save batch", func(ctx context.Context) error { return r.next.SaveBatch(ctx, b) })
}

func (r *RetryingRepository) GetBatch(ctx context.Context, accountID string, batchID uuid.UUID) (Batch, error) {
	return withRetry(ctx, r, "get batch", func(ctx context.Context) (Batch, error) {
		return r.next.GetBatch(ctx, accountID, batchID)
	})
}

func (r *RetryingRepository) FindBatchByContentRef(ctx context.Context, accountID, contentRef string) (Batch, error) {
	return withRetry(ctx, r, "find batch", func(ctx context.Context) (Batch, error) {
		return r.next.FindBatchByContentRef(ctx, accountID, contentRef)
	})
}

func (r *RetryingRepository) ListBatches(ctx context.Context, accountID string, page PageRequest) (PageResult[Batch], error) {
	return withRetry(ctx, r, "list batches", func(ctx context.Context) (PageResult[Batch], error) {
		return r.next.ListBatches(ctx, accountID, page)
	})
}

func (r *RetryingRepository) CompleteValidation(ctx context.Context, b Batch, rows []Row, cols []ErrorColumn) (bool, error) {
	return withRetry(ctx, r, "complete validation", func(ctx context.Context) (bool, error) {
		return r.next.CompleteValidation(ctx, b, rows, cols)
	})
}

func (r *RetryingRepository) GetRow(ctx context.Context, accountID string, batchID uuid.UUID, rowID int) (Row, error) {
	return withRetry(ctx, r, "get row", func(ctx context.Context) (Row, error) {
		return r.next.GetRow(ctx, accountID, batchID, rowID)
	})
}

func (r *RetryingRepository) GetColumn(ctx context.Context, accountID string, batchID uuid.UUID, field string) (ErrorColumn, error) {
	return withRetry(ctx, r, "get column", func(ctx context.Context) (ErrorColumn, error) {
		return r.next.GetColumn(ctx, accountID, batchID, field)
	})
}

func (r *RetryingRepository) ListRows(ctx context.Context, accountID string, batchID uuid.UUID, q RowQuery) (PageResult[Row], error) {
	return withRetry(ctx, r, "list rows", func(ctx context.Context) (PageResult[Row], error) {
		return r.next.ListRows(ctx, accountID, batchID, q)
	})
}

func (r *RetryingRepository) CommitSubmissions(ctx context.Context, accountID string, batchID uuid.UUID, subs []Submission) ([]Submission, error) {
	return withRetry(ctx, r, "commit submissions", func(ctx context.Context) ([]Submission, error) {
		return r.next.CommitSubmissions(ctx, accountID, batchID, subs)
	})
}

func (r *RetryingRepository) ListSubmissions(ctx context.Context, accountID string, batchID uuid.UUID, q SubmissionQuery) (PageResult[Submission], error) {
	return withRetry(ctx, r, "list submissions", func(ctx context.Context) (PageResult[Submission], error) {
		return r.next.ListSubmissions(ctx, accountID, batchID, q)
	})
}
