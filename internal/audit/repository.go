package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PGRepo appends to audit_events. There is deliberately no update path.
type PGRepo struct {
	db *sql.DB
}

func NewPGRepo(db *sql.DB) *PGRepo {
	return &PGRepo{db: db}
}

func (r *PGRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO audit_events (id, type, actor_user_id, actor_role, ip_address, message, metadata, created_at)
VALUES ($1,$2,NULLIF($3,''),NULLIF($4,''),NULLIF($5,''),$6,$7,$8)
`
	var meta []byte
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("audit: encode metadata: %w", err)
		}
		meta = b
	}
	_, err := r.db.ExecContext(ctx, q,
		e.ID,
		string(e.Type),
		e.ActorUserID,
		e.ActorRole,
		e.IPAddress,
		e.Message,
		meta,
		e.CreatedAt,
	)
	return err
}

func (r *PGRepo) List(ctx context.Context, limit int) ([]Event, error) {
	const q = `
SELECT id, type, COALESCE(actor_user_id,''), COALESCE(actor_role,''), COALESCE(ip_address,''),
       COALESCE(message,''), metadata, created_at
FROM audit_events
ORDER BY created_at DESC, id DESC
LIMIT $1
`
	rows, err := r.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e    Event
			meta []byte
		)
		if err := rows.Scan(&e.ID, &e.Type, &e.ActorUserID, &e.ActorRole, &e.IPAddress, &e.Message, &meta, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, fmt.Errorf("audit: decode metadata for %s: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
