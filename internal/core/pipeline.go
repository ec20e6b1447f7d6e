package core

// pipeline.go runs one batch from Processing to a terminal status.
//
// Stages run strictly in order for a batch: tokenize, validate rows in a
// bounded pool, aggregate once every row is back, then persist rows,
// columns and the status in one write. The write only lands while the
// batch is still Processing, so a late delivery cannot overwrite a result
// or a Submitted batch.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/JonMunkholm/bulkwaste/internal/logging"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ProcessBatch validates one queued batch. Jobs for batches that are
// unknown or no longer Processing are acknowledged without work, which
// makes redelivery safe. A returned error asks the queue to redeliver.
func (s *Service) ProcessBatch(ctx context.Context, job Job) error {
	log := logging.WithFields(ctx, "batch_id", job.BatchID, "account_id", job.AccountID)

	b, err := s.repo.GetBatch(ctx, job.AccountID, job.BatchID)
	if errors.Is(err, ErrNotFound) {
		log.Warn("dropping job for unknown batch")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load batch: %w", err)
	}
	if b.Status != StatusProcessing {
		log.Debug("batch already processed", "status", b.Status)
		return nil
	}

	if err := s.limiter.Acquire(ctx); err != nil {
		return err
	}
	defer s.limiter.Release()

	start := time.Now()
	content, err := s.content.Get(ctx, b.ContentKey)
	if err != nil {
		return fmt.Errorf("load content %s: %w", b.ContentKey, err)
	}

	// The upload day is the reference date, so a redelivered job validates
	// exactly as the first delivery did.
	env := Env{Today: DateOf(b.CreatedAt.In(s.opts.Location))}
	b.ValidatedOn = env.Today

	tok, err := s.tokenizer.Tokenize(content)
	if err != nil {
		var csvErr *CsvFormatError
		if !errors.As(err, &csvErr) {
			return fmt.Errorf("tokenize: %w", err)
		}
		log.Info("batch failed csv validation", "code", csvErr.Code, "reason", csvErr.Message)
		b.CsvError = &CsvError{Code: csvErr.Code, Message: csvErr.Message}
		_, err := s.finish(ctx, b, StatusFailedCsvValidation, nil, nil)
		return err
	}

	rows, err := s.validateRows(ctx, b.ID, tok.Rows, env)
	if err != nil {
		return fmt.Errorf("validate rows: %w", err)
	}
	cols := s.rules.Aggregate(b.ID, rows)
	status := DeriveStatus(rows)

	b.Headers = tok.Headers
	b.RowCount = len(rows)
	b.ErrorSummary = cols
	applied, err := s.finish(ctx, b, status, rows, cols)
	if err != nil || !applied {
		return err
	}

	log.Info("batch validated",
		"status", status,
		"rows", len(rows),
		"error_columns", len(cols),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// finish stores the result with its terminal status. It is the only place
// the pipeline writes a status. A false result means another delivery
// already completed the batch and this one was discarded.
func (s *Service) finish(ctx context.Context, b Batch, to Status, rows []Row, cols []ErrorColumn) (bool, error) {
	next, err := Transition(b.Status, to)
	if err != nil {
		return false, err
	}
	b.Status = next
	b.UpdatedAt = s.opts.Now().UTC()
	applied, err := s.repo.CompleteValidation(ctx, b, rows, cols)
	if err != nil {
		return false, fmt.Errorf("complete validation: %w", err)
	}
	if !applied {
		logging.WithFields(ctx, "batch_id", b.ID).Info("batch already processed by another delivery, result discarded")
	}
	return applied, nil
}

// validateRows runs the rule set over every row with at most RowWorkers
// rows in flight. The output keeps input order.
func (s *Service) validateRows(ctx context.Context, batchID uuid.UUID, raw []RawRow, env Env) ([]Row, error) {
	rows := make([]Row, len(raw))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.RowWorkers)
	for i := range raw {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			rows[i] = s.validateRow(gctx, raw[i], env)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for i := range rows {
		rows[i].BatchID = batchID
	}
	return rows, nil
}

// validateRow bounds a single row by RowTimeout. A row that overruns is
// reported as invalid and its evaluation is abandoned; the worker slot is
// freed either way.
func (s *Service) validateRow(ctx context.Context, raw RawRow, env Env) Row {
	done := make(chan Row, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("panic validating row", "row", raw.RowID, "panic", r)
				done <- s.rules.rowFailure(raw, CodeRowPanic, "This row could not be checked. Check the values and try again")
			}
		}()
		done <- s.rules.Validate(raw, env)
	}()

	timer := time.NewTimer(s.opts.RowTimeout)
	defer timer.Stop()

	select {
	case row := <-done:
		return row
	case <-timer.C:
		slog.Warn("row validation timed out", "row", raw.RowID, "timeout", s.opts.RowTimeout)
		return s.rules.rowFailure(raw, CodeRowTimeout, "This row took too long to check. Try again with fewer rows")
	case <-ctx.Done():
		return s.rules.rowFailure(raw, CodeRowTimeout, "Validation was cancelled")
	}
}
