package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"call-dispatcher/internal/calls"
	"call-dispatcher/pkg/utils"
)

// NOTE: PGStore assumes the tables from internal/migrations:
//   - work_items
//   - line_resources (CHECK used_today <= daily_limit)
//   - dispatch_records (UNIQUE work_item_id)

// insertChunk keeps multi-row inserts well under the 65535 bind parameter cap.
const insertChunk = 500

// PGStore is the Postgres-backed Store.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	opts := &sql.TxOptions{Isolation: sql.LevelReadCommitted}
	return utils.WithTx(ctx, s.db, opts, func(ctx context.Context, tx *sql.Tx) error {
		return fn(ctx, &pgTx{tx: tx})
	})
}

func (s *PGStore) InsertWorkItems(ctx context.Context, items []calls.WorkItem) error {
	if len(items) == 0 {
		return nil
	}
	return utils.WithTx(ctx, s.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		for start := 0; start < len(items); start += insertChunk {
			end := min(start+insertChunk, len(items))
			if err := insertWorkItems(ctx, tx, items[start:end]); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertWorkItems(ctx context.Context, tx *sql.Tx, items []calls.WorkItem) error {
	var b strings.Builder
	b.WriteString("INSERT INTO work_items (id, name, phone_number, status, created_at) VALUES ")
	args := make([]any, 0, len(items)*5)
	for i, it := range items {
		if i > 0 {
			b.WriteString(",")
		}
		n := i * 5
		fmt.Fprintf(&b, "($%d,$%d,$%d,$%d,$%d)", n+1, n+2, n+3, n+4, n+5)
		args = append(args, it.ID, it.Name, it.PhoneNumber, string(calls.WorkItemPending), it.CreatedAt)
	}
	_, err := tx.ExecContext(ctx, b.String(), args...)
	return err
}

func (s *PGStore) DeletePending(ctx context.Context) (int64, error) {
	const q = `DELETE FROM work_items WHERE status = 'pending'`
	res, err := s.db.ExecContext(ctx, q)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) ClaimPending(ctx context.Context, limit int) ([]calls.WorkItem, error) {
	const q = `
SELECT id, name, phone_number, status, created_at
FROM work_items
WHERE status = 'pending'
ORDER BY created_at ASC, id ASC
LIMIT $1
FOR UPDATE SKIP LOCKED
`
	rows, err := t.tx.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]calls.WorkItem, 0, limit)
	for rows.Next() {
		var it calls.WorkItem
		if err := rows.Scan(&it.ID, &it.Name, &it.PhoneNumber, &it.Status, &it.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (t *pgTx) AllocateLine(ctx context.Context) (calls.LineResource, bool, error) {
	// Lowest usage first spreads load; id breaks ties deterministically.
	const q = `
SELECT id, phone_number, is_active, used_today, daily_limit
FROM line_resources
WHERE is_active = true AND used_today < daily_limit
ORDER BY used_today ASC, id ASC
LIMIT 1
FOR UPDATE SKIP LOCKED
`
	var l calls.LineResource
	err := t.tx.QueryRowContext(ctx, q).Scan(&l.ID, &l.PhoneNumber, &l.IsActive, &l.UsedToday, &l.DailyLimit)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return calls.LineResource{}, false, nil
		}
		return calls.LineResource{}, false, err
	}
	return l, true, nil
}

func (t *pgTx) InsertDispatch(ctx context.Context, rec calls.DispatchRecord) error {
	const q = `
INSERT INTO dispatch_records (
  id, work_item_id, phone_number, status, line_id, attempts, created_at, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8
)
`
	_, err := t.tx.ExecContext(ctx, q,
		rec.ID,
		rec.WorkItemID,
		rec.PhoneNumber,
		string(rec.Status),
		rec.LineID,
		rec.Attempts,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if utils.PgErrorCode(err) == utils.PgUniqueViolation {
		return fmt.Errorf("%w: %w", ErrDuplicateDispatch, err)
	}
	return err
}

func (t *pgTx) IncrementLineUsage(ctx context.Context, lineID string) error {
	const q = `
UPDATE line_resources
SET used_today = used_today + 1
WHERE id = $1 AND used_today < daily_limit
`
	res, err := t.tx.ExecContext(ctx, q, lineID)
	if err != nil {
		if utils.PgErrorCode(err) == utils.PgCheckViolation {
			return fmt.Errorf("%w: %w", ErrLineQuotaExceeded, err)
		}
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("%w: line %s", ErrLineQuotaExceeded, lineID)
	}
	return nil
}

func (t *pgTx) MarkDispatched(ctx context.Context, workItemID string, at time.Time) error {
	const q = `
UPDATE work_items
SET status = 'dispatched', dispatched_at = $2
WHERE id = $1 AND status = 'pending'
`
	res, err := t.tx.ExecContext(ctx, q, workItemID, at)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("%w: %s", ErrWorkItemNotPending, workItemID)
	}
	return nil
}

func (s *PGStore) UpsertLine(ctx context.Context, l calls.LineResource) error {
	// Lowering daily_limit clamps used_today so the CHECK constraint holds.
	const q = `
INSERT INTO line_resources (id, phone_number, is_active, used_today, daily_limit)
VALUES ($1,$2,$3,0,$4)
ON CONFLICT (id)
DO UPDATE SET phone_number = EXCLUDED.phone_number,
              is_active = EXCLUDED.is_active,
              daily_limit = EXCLUDED.daily_limit,
              used_today = LEAST(line_resources.used_today, EXCLUDED.daily_limit)
`
	_, err := s.db.ExecContext(ctx, q, l.ID, l.PhoneNumber, l.IsActive, l.DailyLimit)
	return err
}

func (s *PGStore) ListLines(ctx context.Context) ([]calls.LineResource, error) {
	const q = `
SELECT id, phone_number, is_active, used_today, daily_limit
FROM line_resources
ORDER BY id ASC
`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []calls.LineResource
	for rows.Next() {
		var l calls.LineResource
		if err := rows.Scan(&l.ID, &l.PhoneNumber, &l.IsActive, &l.UsedToday, &l.DailyLimit); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *PGStore) ResetDailyUsage(ctx context.Context) (int64, error) {
	const q = `UPDATE line_resources SET used_today = 0 WHERE used_today <> 0`
	res, err := s.db.ExecContext(ctx, q)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
