package utils

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestWithTx_RejectsNilDB(t *testing.T) {
	err := WithTx(context.Background(), nil, nil, nil)
	if err == nil {
		t.Fatalf("expected error for nil db")
	}
}

func TestPostgresDriverRegistered(t *testing.T) {
	if !slices.Contains(sql.Drivers(), PostgresDriver) {
		t.Fatalf("expected %q driver registered by this package, got %v", PostgresDriver, sql.Drivers())
	}
}

func TestPoolDefaults(t *testing.T) {
	got := PostgresPoolConfig{MaxOpenConns: 10}.withDefaults()
	if got.MaxIdleConns != 10 {
		t.Fatalf("expected idle to follow open conns, got %d", got.MaxIdleConns)
	}
	if got.PingTimeout != 5*time.Second {
		t.Fatalf("expected default ping timeout, got %s", got.PingTimeout)
	}
}

func TestClassifyPgError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"deadline", context.DeadlineExceeded, "deadline_exceeded"},
		{"unique", fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"}), "unique_violation"},
		{"check", &pgconn.PgError{Code: "23514"}, "check_violation"},
		{"serialization", &pgconn.PgError{Code: "40001"}, "serialization_failure"},
		{"lock", &pgconn.PgError{Code: "55P03"}, "lock_not_available"},
		{"other pg", &pgconn.PgError{Code: "42P01"}, "db"},
		{"plain", errors.New("boom"), "unknown"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifyPgError(tc.err); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}
