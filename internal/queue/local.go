package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/JonMunkholm/bulkwaste/internal/core"
)

// Local is an in-process queue backed by a buffered channel. Jobs are lost
// if the process exits; use Redis when that matters.
type Local struct {
	jobs chan envelope
	opts Options

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup // workers and pending redeliveries
}

var _ core.Enqueuer = (*Local)(nil)

// NewLocal returns a stopped queue. Jobs enqueued before Start wait in the
// buffer.
func NewLocal(opts Options) *Local {
	opts.setDefaults()
	return &Local{
		jobs: make(chan envelope, opts.Buffer),
		opts: opts,
		done: make(chan struct{}),
	}
}

// Enqueue blocks until the job is buffered, ctx ends or the queue closes.
func (q *Local) Enqueue(ctx context.Context, job core.Job) error {
	return q.push(ctx, newEnvelope(job))
}

func (q *Local) push(ctx context.Context, env envelope) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case q.jobs <- env:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start launches the workers. They run until Close or until ctx ends.
func (q *Local) Start(ctx context.Context, h Handler) {
	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-q.done:
					return
				case env := <-q.jobs:
					q.run(ctx, h, env)
				}
			}
		}()
	}
}

func (q *Local) run(ctx context.Context, h Handler, env envelope) {
	err := handle(ctx, h, env)
	if err == nil || !shouldRetry(env, err, q.opts.MaxDeliveries) {
		return
	}
	env.Delivery++

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		timer := time.NewTimer(q.opts.RetryDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
			_ = q.push(ctx, env)
		case <-q.done:
		case <-ctx.Done():
		}
	}()
}

// Close stops accepting jobs and waits for running handlers to return.
// Jobs still buffered are discarded.
func (q *Local) Close() {
	q.closeOnce.Do(func() { close(q.done) })
	q.wg.Wait()
	if n := q.Pending(); n > 0 {
		slog.Warn("discarding queued jobs", "count", n)
	}
}

// Pending reports the number of buffered jobs.
func (q *Local) Pending() int {
	return len(q.jobs)
}
