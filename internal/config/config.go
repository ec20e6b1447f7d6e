// Package config provides centralized configuration management for the service.
// Settings come from environment variables (or an optional config file) with
// sensible defaults, and are validated on startup to fail fast on
// misconfiguration.
package config

import "time"

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Upload   UploadConfig
	Queue    QueueConfig
	Content  ContentConfig
	Retry    RetryConfig
	Poll     PollConfig
	Schema   SchemaConfig
	Rate     RateLimitConfig
	Security SecurityConfig
	CORS     CORSConfig
	Logging  LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	// ReadTimeout is the maximum duration for reading request body (default: 15s)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"15s"`

	// WriteTimeout is the maximum duration for writing response (default: 60s)
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"60s"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RequestTimeout is the middleware timeout for requests (default: 60s)
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"60s"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string (required)
	// Supports both DATABASE_URL and DB_URL env vars for compatibility
	URL string `env:"DATABASE_URL" envAlt:"DB_URL" required:"true"`

	// MaxConns is the maximum number of connections in the pool (default: 20)
	MaxConns int `env:"DB_MAX_CONNS" default:"20"`

	// MinConns is the minimum number of connections to keep open (default: 4)
	MinConns int `env:"DB_MIN_CONNS" default:"4"`

	// MaxConnLifetime is the maximum lifetime of a connection (default: 1h)
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`

	// MaxConnIdleTime is the maximum idle time before a connection is closed (default: 30m)
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`

	// AutoMigrate applies pending migrations on startup (default: true)
	AutoMigrate bool `env:"DB_AUTO_MIGRATE" default:"true"`
}

// UploadConfig holds batch intake and validation settings.
type UploadConfig struct {
	// MaxFileSize is the maximum allowed file size in bytes (default: 20MB)
	MaxFileSize int64 `env:"UPLOAD_MAX_FILE_SIZE" default:"20971520"`

	// MaxRows is the maximum number of data rows per file, 0 for no limit (default: 50000)
	MaxRows int `env:"UPLOAD_MAX_ROWS" default:"50000"`

	// RowWorkers is the number of rows validated in parallel (default: 8)
	RowWorkers int `env:"UPLOAD_ROW_WORKERS" default:"8"`

	// RowTimeout bounds validation of a single row (default: 2s)
	RowTimeout time.Duration `env:"UPLOAD_ROW_TIMEOUT" default:"2s"`

	// MaxConcurrent is the maximum number of batches validated at once (default: 5)
	MaxConcurrent int `env:"UPLOAD_MAX_CONCURRENT" default:"5"`

	// MaxWaitTime is how long a job waits for a validation slot (default: 30s)
	MaxWaitTime time.Duration `env:"UPLOAD_MAX_WAIT_TIME" default:"30s"`
}

// QueueConfig selects and tunes the job queue.
type QueueConfig struct {
	// Driver is "local" (in-process) or "redis" (default: local)
	Driver string `env:"QUEUE_DRIVER" default:"local"`

	// RedisURL is the redis:// URL used by the redis driver
	RedisURL string `env:"REDIS_URL"`

	// KeyPrefix namespaces the redis lists (default: bulkwaste:jobs)
	KeyPrefix string `env:"QUEUE_KEY_PREFIX" default:"bulkwaste:jobs"`

	// Workers is the number of jobs handled concurrently (default: 2)
	Workers int `env:"QUEUE_WORKERS" default:"2"`

	// MaxDeliveries is the number of attempts per job (default: 5)
	MaxDeliveries int `env:"QUEUE_MAX_DELIVERIES" default:"5"`

	// RetryDelay is the wait before a failed job is redelivered (default: 5s)
	RetryDelay time.Duration `env:"QUEUE_RETRY_DELAY" default:"5s"`
}

// ContentConfig selects where raw uploads are archived.
type ContentConfig struct {
	// Driver is "memory" or "s3" (default: memory)
	Driver string `env:"CONTENT_DRIVER" default:"memory"`

	// Bucket is the S3 bucket for the s3 driver
	Bucket string `env:"CONTENT_BUCKET"`

	// Prefix is prepended to every object key (default: uploads/)
	Prefix string `env:"CONTENT_PREFIX" default:"uploads/"`

	// Endpoint overrides the S3 endpoint, for MinIO and LocalStack
	Endpoint string `env:"CONTENT_ENDPOINT"`

	// Region is the AWS region (default: eu-west-2)
	Region string `env:"CONTENT_REGION" envAlt:"AWS_REGION" default:"eu-west-2"`
}

// RetryConfig bounds retries of transient storage errors.
type RetryConfig struct {
	// Attempts is the number of retries after the first try (default: 4)
	Attempts int `env:"STORAGE_RETRY_ATTEMPTS" default:"4"`

	// BaseDelay is the first backoff delay, doubled per retry (default: 100ms)
	BaseDelay time.Duration `env:"STORAGE_RETRY_BASE_DELAY" default:"100ms"`

	// MaxDelay caps a single backoff delay (default: 2s)
	MaxDelay time.Duration `env:"STORAGE_RETRY_MAX_DELAY" default:"2s"`
}

// PollConfig holds the cadence suggested to clients polling batch status.
type PollConfig struct {
	// Interval is the suggested delay between polls (default: 3s)
	Interval time.Duration `env:"POLL_INTERVAL" default:"3s"`

	// GiveUp is the suggested total wait before a client stops polling (default: 5m)
	GiveUp time.Duration `env:"POLL_GIVE_UP" default:"5m"`
}

// SchemaConfig tunes the waste-movement rules.
type SchemaConfig struct {
	// Timezone decides the upload day used as the reference date (default: Europe/London)
	Timezone string `env:"SCHEMA_TIMEZONE" default:"Europe/London"`

	// MinLeadDays is the earliest collection date, in days after upload (default: 1)
	MinLeadDays int `env:"SCHEMA_MIN_LEAD_DAYS" default:"1"`

	// MaxAheadDays is the latest collection date, in days after upload (default: 365)
	MaxAheadDays int `env:"SCHEMA_MAX_AHEAD_DAYS" default:"365"`

	// Holidays is a comma-separated list of YYYY-MM-DD non-working days
	Holidays []string `env:"SCHEMA_HOLIDAYS"`
}

// RateLimitConfig holds rate limiting settings per time window.
type RateLimitConfig struct {
	// Enabled controls whether rate limiting is active (default: true)
	Enabled bool `env:"RATE_LIMIT_ENABLED" default:"true"`

	// RequestsPerMinute is the default rate limit per IP (default: 100)
	RequestsPerMinute int `env:"RATE_LIMIT_REQUESTS_PER_MINUTE" default:"100"`

	// UploadLimit is requests per minute for the upload endpoint (default: 10)
	UploadLimit int `env:"RATE_LIMIT_UPLOAD" default:"10"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	// TrustedProxies is a comma-separated list of trusted proxy CIDRs
	TrustedProxies []string `env:"TRUSTED_PROXIES"`

	// EnableCSP enables Content-Security-Policy headers (default: true)
	EnableCSP bool `env:"SECURITY_ENABLE_CSP" default:"true"`

	// RequireAPIKey rejects requests without a valid X-API-Key (default: false)
	RequireAPIKey bool `env:"REQUIRE_API_KEY" default:"false"`

	// APIKeys is a comma-separated list of accepted API keys
	APIKeys []string `env:"API_KEYS"`
}

// CORSConfig holds cross-origin settings for browser clients.
type CORSConfig struct {
	// AllowedOrigins is a comma-separated list of origins; empty disables CORS
	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	if c.Host == "" {
		return ":" + itoa(c.Port)
	}
	return c.Host + ":" + itoa(c.Port)
}

// itoa converts an int to string without importing strconv in this file.
func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var b [20]byte
	n := len(b)
	neg := i < 0
	if neg {
		i = -i
	}
	for i > 0 {
		n--
		b[n] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		n--
		b[n] = '-'
	}
	return string(b[n:])
}
