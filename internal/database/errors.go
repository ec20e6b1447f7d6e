package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/JonMunkholm/bulkwaste/internal/core"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const pgDuplicateKeyCode = "23505"

// mapError translates driver errors to the repository's domain errors.
// pgx.ErrNoRows becomes core.ErrNotFound and a unique violation becomes
// core.ErrConflict. Other errors are returned unchanged.
func mapError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return core.ErrNotFound
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgDuplicateKeyCode {
		return fmt.Errorf("%w: %s", core.ErrConflict, pgErr.ConstraintName)
	}

	return err
}

// IsTransient reports whether a Postgres error is worth retrying: lost
// connections, serialization failures, deadlocks and server restarts.
// Constraint violations and bad SQL are permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"53300", // too_many_connections
			"57P01", // admin_shutdown
			"57P02", // crash_shutdown
			"57P03": // cannot_connect_now
			return true
		}
		// Class 08: connection exception
		return strings.HasPrefix(pgErr.Code, "08")
	}

	if pgconn.SafeToRetry(err) {
		return true
	}
	return core.IsNetworkError(err)
}
