// Package queue delivers batch validation jobs to background workers.
//
// Two drivers share the same contract: Local keeps jobs in a buffered
// channel inside the process, Redis keeps them in a list so they survive a
// restart. Both deliver at least once. A handler that returns an error (or
// panics) gets the job again after RetryDelay, up to MaxDeliveries times.
// After the last failed delivery Local drops the job, while Redis parks it
// in a dead list that the next Recover drains back into pending.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/JonMunkholm/bulkwaste/internal/core"
	"github.com/JonMunkholm/bulkwaste/internal/logging"
	"github.com/google/uuid"
)

// ErrClosed is returned by Enqueue once the queue has stopped.
var ErrClosed = errors.New("queue closed")

// Handler processes one job. A returned error asks for redelivery.
type Handler func(ctx context.Context, job core.Job) error

// Defaults for zero Options fields.
const (
	DefaultWorkers       = 2
	DefaultMaxDeliveries = 5
	DefaultRetryDelay    = 2 * time.Second
	DefaultBuffer        = 256
)

// Options tunes a queue.
type Options struct {
	Workers       int           // Jobs handled concurrently
	MaxDeliveries int           // Attempts per job before it is given up
	RetryDelay    time.Duration // Wait before a failed job is delivered again
	Buffer        int           // Local only: pending jobs held in memory
}

func (o *Options) setDefaults() {
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.MaxDeliveries <= 0 {
		o.MaxDeliveries = DefaultMaxDeliveries
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.Buffer <= 0 {
		o.Buffer = DefaultBuffer
	}
}

// envelope is one delivery of a job.
type envelope struct {
	ID       string   `json:"id"`
	Job      core.Job `json:"job"`
	Delivery int      `json:"delivery"` // 1 on first delivery
}

func newEnvelope(job core.Job) envelope {
	return envelope{ID: uuid.NewString(), Job: job, Delivery: 1}
}

func (e envelope) encode() (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}
	return string(b), nil
}

func decodeEnvelope(s string) (envelope, error) {
	var e envelope
	if err := json.Unmarshal([]byte(s), &e); err != nil {
		return envelope{}, fmt.Errorf("decode job: %w", err)
	}
	if e.Job.BatchID == uuid.Nil {
		return envelope{}, fmt.Errorf("decode job: missing batch id")
	}
	if e.Delivery < 1 {
		e.Delivery = 1
	}
	return e, nil
}

// handle runs h for one delivery and converts a panic into an error so the
// worker goroutine survives.
func handle(ctx context.Context, h Handler, env envelope) (err error) {
	ctx = logging.ContextWith(ctx, "job_id", env.ID, "delivery", env.Delivery)
	defer func() {
		if r := recover(); r != nil {
			logging.FromContext(ctx).Error("panic in job handler",
				"batch_id", env.Job.BatchID,
				"panic", r,
			)
			err = fmt.Errorf("job handler panic: %v", r)
		}
	}()
	return h(ctx, env.Job)
}

// revive resets the delivery count of a dead job's payload.
func revive(payload string) (string, error) {
	env, err := decodeEnvelope(payload)
	if err != nil {
		return "", err
	}
	env.Delivery = 1
	return env.encode()
}

// shouldRetry logs a failed delivery and reports whether another is allowed.
// The batch of a job that is given up stays Processing until it is queued
// again.
func shouldRetry(env envelope, err error, max int) bool {
	log := slog.With("job_id", env.ID, "batch_id", env.Job.BatchID, "delivery", env.Delivery)
	if env.Delivery >= max {
		log.Error("job failed its final delivery, batch stays Processing", "error", err)
		return false
	}
	log.Warn("job failed, will redeliver", "error", err)
	return true
}
