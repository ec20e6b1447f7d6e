package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/JonMunkholm/bulkwaste/internal/core"
	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces the queue's Redis keys.
const DefaultKeyPrefix = "bulkwaste:jobs"

// pollTimeout bounds one blocking pop so workers notice shutdown.
const pollTimeout = 2 * time.Second

// Redis is a reliable list queue. A worker atomically moves a job from the
// pending list to the processing list and removes it only after the handler
// returns, so a crash leaves the job in processing for Recover to put back.
// A job that fails its last delivery is parked in the dead list, and
// Recover gives it a fresh set of deliveries.
type Redis struct {
	client     *redis.Client
	opts       Options
	pending    string
	processing string
	dead       string

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ core.Enqueuer = (*Redis)(nil)

// NewRedis returns a queue using keys under prefix.
func NewRedis(client *redis.Client, prefix string, opts Options) *Redis {
	opts.setDefaults()
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Redis{
		client:     client,
		opts:       opts,
		pending:    prefix + ":pending",
		processing: prefix + ":processing",
		dead:       prefix + ":dead",
		done:       make(chan struct{}),
	}
}

// NewRedisClient parses a redis:// URL and checks the server answers.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (q *Redis) Enqueue(ctx context.Context, job core.Job) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	payload, err := newEnvelope(job).encode()
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.pending, payload).Err(); err != nil {
		return fmt.Errorf("enqueue batch %s: %w", job.BatchID, err)
	}
	return nil
}

// Recover moves jobs left in the processing list back to pending, then
// revives dead jobs with their delivery count reset. Call it once at
// startup, before Start, when no other instance is consuming.
func (q *Redis) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		err := q.client.LMove(ctx, q.processing, q.pending, "RIGHT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return n, fmt.Errorf("recover jobs: %w", err)
		}
		n++
	}

	for {
		payload, err := q.client.RPop(ctx, q.dead).Result()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("revive jobs: %w", err)
		}
		next, err := revive(payload)
		if err != nil {
			slog.Error("discarding malformed dead job", "payload", payload, "error", err)
			continue
		}
		if err := q.client.LPush(ctx, q.pending, next).Err(); err != nil {
			_ = q.client.RPush(ctx, q.dead, payload).Err()
			return n, fmt.Errorf("revive jobs: %w", err)
		}
		n++
	}
}

// Start launches the workers. They run until Close or until ctx ends.
func (q *Redis) Start(ctx context.Context, h Handler) {
	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.work(ctx, h)
		}()
	}
}

func (q *Redis) work(ctx context.Context, h Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.done:
			return
		default:
		}

		payload, err := q.client.BLMove(ctx, q.pending, q.processing, "RIGHT", "LEFT", pollTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("redis pop failed", "queue", q.pending, "error", err)
			q.sleep(ctx, q.opts.RetryDelay)
			continue
		}

		q.process(ctx, h, payload)
	}
}

func (q *Redis) process(ctx context.Context, h Handler, payload string) {
	env, err := decodeEnvelope(payload)
	if err != nil {
		slog.Error("discarding malformed job", "payload", payload, "error", err)
		q.ack(ctx, payload)
		return
	}

	err = handle(ctx, h, env)
	if err == nil {
		q.ack(ctx, payload)
		return
	}
	if !shouldRetry(env, err, q.opts.MaxDeliveries) {
		q.bury(ctx, payload)
		return
	}

	q.sleep(ctx, q.opts.RetryDelay)
	env.Delivery++
	next, err := env.encode()
	if err != nil {
		q.ack(ctx, payload)
		return
	}
	_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, q.processing, 1, payload)
		p.LPush(ctx, q.pending, next)
		return nil
	})
	if err != nil {
		// The job stays in processing and comes back on the next Recover.
		slog.Error("requeue failed", "job_id", env.ID, "error", err)
	}
}

func (q *Redis) ack(ctx context.Context, payload string) {
	if err := q.client.LRem(ctx, q.processing, 1, payload).Err(); err != nil {
		slog.Error("ack failed", "queue", q.processing, "error", err)
	}
}

// bury moves a job that used up its deliveries to the dead list.
func (q *Redis) bury(ctx context.Context, payload string) {
	_, err := q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, q.processing, 1, payload)
		p.LPush(ctx, q.dead, payload)
		return nil
	})
	if err != nil {
		// Still in processing, so the next Recover picks it up anyway.
		slog.Error("dead-letter failed", "queue", q.dead, "error", err)
	}
}

func (q *Redis) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	case <-q.done:
	}
}

// Close stops the workers and waits for running handlers to return.
func (q *Redis) Close() {
	q.closeOnce.Do(func() { close(q.done) })
	q.wg.Wait()
}

// Depth reports the lengths of the pending, processing and dead lists.
func (q *Redis) Depth(ctx context.Context) (pending, processing, dead int64, err error) {
	pipe := q.client.Pipeline()
	p := pipe.LLen(ctx, q.pending)
	r := pipe.LLen(ctx, q.processing)
	d := pipe.LLen(ctx, q.dead)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, 0, fmt.Errorf("queue depth: %w", err)
	}
	return p.Val(), r.Val(), d.Val(), nil
}
