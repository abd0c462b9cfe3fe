package reconcile

import (
	"context"
	"database/sql"
	"time"

	"call-dispatcher/internal/calls"
	"call-dispatcher/pkg/utils"
)

// PGRepo updates dispatch_records in Postgres.
type PGRepo struct {
	db *sql.DB
}

func NewPGRepo(db *sql.DB) *PGRepo {
	return &PGRepo{db: db}
}

func (r *PGRepo) ApplyStatus(ctx context.Context, externalCallID string, status calls.DispatchStatus, errText string, at time.Time) (bool, bool, error) {
	// The target CTE sees the pre-update row, so matched and changed come
	// back in one round trip.
	const q = `
WITH target AS (
  SELECT id FROM dispatch_records WHERE external_call_id = $1
),
upd AS (
  UPDATE dispatch_records d
  SET status = $2,
      last_error = COALESCE(NULLIF($3, ''), d.last_error),
      updated_at = $4
  FROM target
  WHERE d.id = target.id
    AND (d.status <> $2 OR ($3 <> '' AND d.last_error IS DISTINCT FROM $3))
  RETURNING d.id
)
SELECT (SELECT count(*) FROM target), (SELECT count(*) FROM upd)
`
	var matched, changed int
	if err := r.db.QueryRowContext(ctx, q, externalCallID, string(status), errText, at).Scan(&matched, &changed); err != nil {
		return false, false, err
	}
	return matched > 0, changed > 0, nil
}

func (r *PGRepo) RecordGatewayOutcomes(ctx context.Context, outcomes []calls.GatewayOutcome, at time.Time) error {
	const q = `
UPDATE dispatch_records
SET attempts = attempts + 1,
    last_error = COALESCE(NULLIF($2, ''), last_error),
    external_call_id = COALESCE(NULLIF($3, ''), external_call_id),
    status = CASE WHEN $3 <> '' AND status = 'queued' THEN 'initiated' ELSE status END,
    updated_at = $4
WHERE id = $1
`
	return utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, q)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, o := range outcomes {
			if _, err := stmt.ExecContext(ctx, o.DispatchID, o.Error, o.ExternalCallID, at); err != nil {
				return err
			}
		}
		return nil
	})
}
