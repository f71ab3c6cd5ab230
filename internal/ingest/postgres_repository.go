package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// A pending row is replaced, a queued row is left alone and reported as a
// duplicate by returning no rows.
const insertRequest = `
INSERT INTO push_requests (
request_id,
user_id,
template_code,
priority,
payload_json,
status,
created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (request_id) DO UPDATE
SET user_id = EXCLUDED.user_id,
template_code = EXCLUDED.template_code,
priority = EXCLUDED.priority,
payload_json = EXCLUDED.payload_json,
created_at = EXCLUDED.created_at
WHERE push_requests.status = 'pending'
RETURNING request_id
`

const markQueued = `
UPDATE push_requests SET status = 'queued' WHERE request_id = $1
`

type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

func (r *PostgresRepository) Create(ctx context.Context, rec Record) (bool, error) {
	var id string
	err := r.pool.QueryRow(ctx, insertRequest,
		rec.RequestID,
		rec.UserID,
		rec.TemplateCode,
		rec.Priority,
		rec.Payload,
		StatusPending,
		rec.CreatedAt,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return true, nil
		}
		return false, fmt.Errorf("insert push request: %w", err)
	}
	return false, nil
}

func (r *PostgresRepository) MarkQueued(ctx context.Context, requestID string) error {
	if _, err := r.pool.Exec(ctx, markQueued, requestID); err != nil {
		return fmt.Errorf("mark push request queued: %w", err)
	}
	return nil
}
