// Package testpg provides a migrated Postgres database for integration tests.
//
// DATABASE_URL points the tests at an existing server. Otherwise, when
// DISPATCH_IT_DOCKER=1, a postgres:16-alpine container is started with
// testcontainers. With neither set the calling test is skipped.
package testpg

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"call-dispatcher/internal/migrations"
	"call-dispatcher/pkg/utils"
)

var (
	containerOnce sync.Once
	containerDSN  string
	containerErr  error
)

// Open returns a pool on a freshly truncated schema. The pool is closed when
// the test ends; a started container lives for the whole test binary.
func Open(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		if os.Getenv("DISPATCH_IT_DOCKER") != "1" {
			t.Skip("set DATABASE_URL or DISPATCH_IT_DOCKER=1 to run Postgres integration tests")
		}
		containerOnce.Do(func() {
			containerDSN, containerErr = startContainer(ctx)
		})
		require.NoError(t, containerErr, "start postgres container")
		dsn = containerDSN
	}

	db, err := utils.OpenPostgres(ctx, dsn, utils.PostgresPoolConfig{MaxOpenConns: 32})
	require.NoError(t, err, "open postgres")
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, migrations.Apply(ctx, db), "apply migrations")
	Reset(t, db)
	return db
}

// Reset empties every table in dependency order.
func Reset(t *testing.T, db *sql.DB) {
	t.Helper()
	_, err := db.ExecContext(context.Background(),
		`TRUNCATE TABLE dispatch_records, work_items, line_resources, audit_events CASCADE`)
	require.NoError(t, err, "truncate")
}

func startContainer(ctx context.Context) (string, error) {
	container, err := pgmodule.Run(ctx,
		"postgres:16-alpine",
		pgmodule.WithDatabase("dispatch_test"),
		pgmodule.WithUsername("test"),
		pgmodule.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		return "", err
	}
	return container.ConnectionString(ctx, "sslmode=disable")
}
