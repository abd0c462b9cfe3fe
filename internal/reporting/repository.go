package reporting

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PGRepo reads the export straight from Postgres.
type PGRepo struct {
	db *sql.DB
}

func NewPGRepo(db *sql.DB) *PGRepo { return &PGRepo{db: db} }

func (r *PGRepo) ListDispatches(ctx context.Context, f ExportFilter) ([]ExportRow, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if !f.Range.From.IsZero() {
		where = append(where, "d.created_at >= "+arg(f.Range.From))
	}
	if !f.Range.To.IsZero() {
		where = append(where, "d.created_at < "+arg(f.Range.To))
	}
	if f.Status != "" {
		where = append(where, "d.status = "+arg(string(f.Status)))
	}
	if f.LineID != "" {
		where = append(where, "d.line_id = "+arg(f.LineID))
	}

	var b strings.Builder
	b.WriteString(`
SELECT d.id, d.work_item_id, COALESCE(w.name, ''), d.phone_number, d.line_id, COALESCE(l.phone_number, ''),
       d.status, COALESCE(d.external_call_id, ''), d.attempts, COALESCE(d.last_error, ''),
       d.created_at, d.updated_at
FROM dispatch_records d
LEFT JOIN work_items w ON w.id = d.work_item_id
LEFT JOIN line_resources l ON l.id = d.line_id
`)
	if len(where) > 0 {
		b.WriteString("WHERE ")
		b.WriteString(strings.Join(where, " AND "))
		b.WriteString("\n")
	}
	b.WriteString("ORDER BY d.created_at ASC, d.id ASC\n")
	if f.Limit > 0 {
		b.WriteString("LIMIT " + arg(f.Limit) + "\n")
	}

	rows, err := r.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ExportRow
	for rows.Next() {
		var row ExportRow
		if err := rows.Scan(
			&row.DispatchID,
			&row.WorkItemID,
			&row.ContactName,
			&row.PhoneNumber,
			&row.LineID,
			&row.LineNumber,
			&row.Status,
			&row.ExternalCallID,
			&row.Attempts,
			&row.LastError,
			&row.CreatedAt,
			&row.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
