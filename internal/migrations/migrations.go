// Package migrations holds the Postgres schema as embedded SQL files.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

//go:embed *.sql
var files embed.FS

// Files returns the migration file names in apply order.
func Files() ([]string, error) {
	names, err := fs.Glob(files, "*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// Apply runs every migration in order. Each file is idempotent
// (IF NOT EXISTS), so Apply is safe to call on every start.
func Apply(ctx context.Context, db *sql.DB) error {
	names, err := Files()
	if err != nil {
		return fmt.Errorf("migrations: list: %w", err)
	}
	for _, name := range names {
		body, err := files.ReadFile(name)
		if err != nil {
			return fmt.Errorf("migrations: read %s: %w", name, err)
		}
		stmt := strings.TrimSpace(string(body))
		if stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrations: apply %s: %w", name, err)
		}
	}
	return nil
}
