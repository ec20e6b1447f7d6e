package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/JonMunkholm/bulkwaste/internal/config"
	"github.com/JonMunkholm/bulkwaste/internal/content"
	"github.com/JonMunkholm/bulkwaste/internal/core"
	"github.com/JonMunkholm/bulkwaste/internal/database"
	"github.com/JonMunkholm/bulkwaste/internal/logging"
	"github.com/JonMunkholm/bulkwaste/internal/queue"
	"github.com/JonMunkholm/bulkwaste/internal/schema"
	"github.com/JonMunkholm/bulkwaste/internal/web"
)

// jobQueue is what main needs from either queue driver.
type jobQueue interface {
	core.Enqueuer
	Start(ctx context.Context, h queue.Handler)
	Close()
}

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"db_max_conns", cfg.Database.MaxConns,
		"queue_driver", cfg.Queue.Driver,
		"content_driver", cfg.Content.Driver,
		"max_concurrent_batches", cfg.Upload.MaxConcurrent,
		"rate_limit_enabled", cfg.Rate.Enabled,
	)

	ctx := context.Background()

	if cfg.Database.AutoMigrate {
		if err := database.MigrateUp(cfg.Database.URL); err != nil {
			slog.Error("failed to apply migrations", "error", err)
			os.Exit(1)
		}
		slog.Info("migrations applied")
	}

	pool, err := connect(ctx, cfg.Database)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	repo := core.NewRetryingRepository(database.NewStore(pool), core.RetryPolicy{
		Attempts: uint64(cfg.Retry.Attempts),
		Base:     cfg.Retry.BaseDelay,
		Max:      cfg.Retry.MaxDelay,
	}, database.IsTransient)

	store, err := newContentStore(ctx, cfg.Content)
	if err != nil {
		slog.Error("failed to create content store", "error", err)
		os.Exit(1)
	}

	jobs, err := newQueue(ctx, cfg.Queue)
	if err != nil {
		slog.Error("failed to create job queue", "error", err)
		os.Exit(1)
	}

	loc, _ := cfg.Schema.Location()
	holidays, _ := cfg.Schema.HolidayDates()
	ruleOpts := schema.DefaultOptions()
	ruleOpts.MinLeadDays = cfg.Schema.MinLeadDays
	ruleOpts.MaxAheadDays = cfg.Schema.MaxAheadDays
	ruleOpts.Holidays = holidays
	rules, err := schema.NewWasteRuleSet(ruleOpts)
	if err != nil {
		slog.Error("failed to build rule set", "error", err)
		os.Exit(1)
	}

	service := core.NewService(repo, store, jobs, rules, core.Options{
		RowWorkers:           cfg.Upload.RowWorkers,
		RowTimeout:           cfg.Upload.RowTimeout,
		MaxRows:              cfg.Upload.MaxRows,
		MaxConcurrentBatches: cfg.Upload.MaxConcurrent,
		SlotWait:             cfg.Upload.MaxWaitTime,
		PollInterval:         cfg.Poll.Interval,
		PollGiveUp:           cfg.Poll.GiveUp,
		Location:             loc,
	})
	slog.Info("rule set loaded", "version", schema.WasteVersion, "columns", len(rules.Columns()))

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	jobs.Start(workerCtx, service.ProcessBatch)

	server := web.NewServer(service, cfg)

	// Graceful shutdown
	done := make(chan struct{})
	go func() {
		defer close(done)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// Stop intake first so no new jobs arrive
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}

		status := service.LimiterStatus()
		if status.Active > 0 {
			slog.Info("waiting for batches to finish", "active", status.Active)
		}
		stopped := make(chan struct{})
		go func() {
			jobs.Close()
			close(stopped)
		}()
		select {
		case <-stopped:
			slog.Info("job queue stopped")
		case <-shutdownCtx.Done():
			slog.Warn("batches did not finish in time", "error", shutdownCtx.Err())
		}
		if err := service.WaitForBatches(shutdownCtx); err != nil {
			slog.Warn("batches did not finish in time", "error", err)
		}
		stopWorkers()
	}()

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server stopped", "error", err)
		stopWorkers()
		os.Exit(1)
	}
	<-done
	slog.Info("server stopped")
}

// connect opens the pool with the configured limits and verifies it.
func connect(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, err
	}
	poolConfig.MaxConns = int32(cfg.MaxConns)
	poolConfig.MinConns = int32(cfg.MinConns)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if u, err := url.Parse(cfg.URL); err == nil {
		slog.Info("connected to database", "name", strings.TrimPrefix(u.Path, "/"))
	} else {
		slog.Info("connected to database")
	}
	return pool, nil
}

func newContentStore(ctx context.Context, cfg config.ContentConfig) (core.ContentStore, error) {
	if cfg.Driver != "s3" {
		slog.Warn("content store is in memory, uploads are lost on restart")
		return content.NewMemory(), nil
	}
	s3, err := content.NewS3(ctx, content.S3Config{
		Bucket:       cfg.Bucket,
		Prefix:       cfg.Prefix,
		Region:       cfg.Region,
		Endpoint:     cfg.Endpoint,
		UsePathStyle: cfg.Endpoint != "",
	})
	if err != nil {
		return nil, err
	}
	return s3, nil
}

func newQueue(ctx context.Context, cfg config.QueueConfig) (jobQueue, error) {
	opts := queue.Options{
		Workers:       cfg.Workers,
		MaxDeliveries: cfg.MaxDeliveries,
		RetryDelay:    cfg.RetryDelay,
	}
	if cfg.Driver != "redis" {
		return queue.NewLocal(opts), nil
	}

	client, err := queue.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	q := queue.NewRedis(client, cfg.KeyPrefix, opts)
	n, err := q.Recover(ctx)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		slog.Info("requeued unfinished jobs", "count", n)
	}
	if pending, processing, dead, err := q.Depth(ctx); err == nil {
		slog.Info("job queue ready", "pending", pending, "processing", processing, "dead", dead)
	}
	return q, nil
}
