package database

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/JonMunkholm/bulkwaste/internal/core"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestMapError(t *testing.T) {
	other := errors.New("syntax error")

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"nil", nil, nil},
		{"no rows", pgx.ErrNoRows, core.ErrNotFound},
		{"wrapped no rows", fmt.Errorf("get batch: %w", pgx.ErrNoRows), core.ErrNotFound},
		{"unique violation", &pgconn.PgError{Code: "23505", ConstraintName: "batches_content_ref_key"}, core.ErrConflict},
		{"foreign key violation", &pgconn.PgError{Code: "23503"}, nil},
		{"other", other, other},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mapError(tt.err)
			switch {
			case tt.err == nil:
				if got != nil {
					t.Errorf("mapError(nil) = %v, want nil", got)
				}
			case tt.want == nil:
				if got != tt.err {
					t.Errorf("mapError() = %v, want the error unchanged", got)
				}
			case !errors.Is(got, tt.want):
				t.Errorf("mapError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, true},
		{"connection failure", &pgconn.PgError{Code: "08006"}, true},
		{"wrapped connection failure", fmt.Errorf("save rows: %w", &pgconn.PgError{Code: "08003"}), true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"undefined table", &pgconn.PgError{Code: "42P01"}, false},
		{"network", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, true},
		{"canceled", context.Canceled, false},
		{"deadline", fmt.Errorf("query: %w", context.DeadlineExceeded), false},
		{"not found", pgx.ErrNoRows, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
