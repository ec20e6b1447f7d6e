package core

// batch_limiter.go bounds how many batches are validated at once.
//
// Each slot is a token in a buffered channel. A worker that cannot get a
// slot within maxWait gives up with ErrTooManyBatches; the job stays queued
// and is redelivered. WaitForDrain blocks until every slot is free, which
// lets shutdown wait for in-flight batches.

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// ErrTooManyBatches is returned when no validation slot freed up in time.
var ErrTooManyBatches = errors.New("too many batches in progress, please try again later")

const (
	DefaultMaxConcurrentBatches = 4
	DefaultSlotWait             = 30 * time.Second
)

// BatchLimiter is a counting semaphore over batch validation.
type BatchLimiter struct {
	slots   chan struct{}
	maxWait time.Duration
	active  atomic.Int64
}

// NewBatchLimiter allows maxConcurrent batches at a time.
func NewBatchLimiter(maxConcurrent int, maxWait time.Duration) *BatchLimiter {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentBatches
	}
	if maxWait <= 0 {
		maxWait = DefaultSlotWait
	}
	return &BatchLimiter{
		slots:   make(chan struct{}, maxConcurrent),
		maxWait: maxWait,
	}
}

// Acquire takes a slot, waiting up to maxWait. Release must follow a nil
// return.
func (l *BatchLimiter) Acquire(ctx context.Context) error {
	timer := time.NewTimer(l.maxWait)
	defer timer.Stop()

	select {
	case l.slots <- struct{}{}:
		l.active.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrTooManyBatches
	}
}

// Release frees a slot taken by Acquire.
func (l *BatchLimiter) Release() {
	l.active.Add(-1)
	<-l.slots
}

// ActiveCount is the number of batches holding a slot.
func (l *BatchLimiter) ActiveCount() int {
	return int(l.active.Load())
}

// WaitForDrain blocks until no slot is held or ctx ends.
func (l *BatchLimiter) WaitForDrain(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if l.ActiveCount() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// LimiterStatus is a snapshot for health output.
type LimiterStatus struct {
	Active        int `json:"active"`
	Available     int `json:"available"`
	MaxConcurrent int `json:"max_concurrent"`
}

// Status returns the current limiter state.
func (l *BatchLimiter) Status() LimiterStatus {
	return LimiterStatus{
		Active:        l.ActiveCount(),
		Available:     cap(l.slots) - len(l.slots),
		MaxConcurrent: cap(l.slots),
	}
}
