package status

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/push-service/internal/push"
)

var ErrNotFound = errors.New("notification status not found")

// Record is the latest known outcome of a notification.
type Record struct {
	NotificationID string      `json:"notification_id"`
	Status         push.Status `json:"status"`
	Error          string      `json:"error,omitempty"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

type Repository interface {
	Upsert(ctx context.Context, outcome push.Outcome) error
	Get(ctx context.Context, notificationID string) (Record, error)
}

// Older outcomes never overwrite newer ones, so redelivered events are harmless.
const upsertStatus = `
INSERT INTO notification_statuses (
notification_id,
status,
error,
updated_at
) VALUES ($1,$2,$3,$4)
ON CONFLICT (notification_id) DO UPDATE
SET status = EXCLUDED.status, error = EXCLUDED.error, updated_at = EXCLUDED.updated_at
WHERE notification_statuses.updated_at <= EXCLUDED.updated_at
`

const selectStatus = `
SELECT notification_id, status, error, updated_at
FROM notification_statuses
WHERE notification_id = $1
`

type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

func (r *PostgresRepository) Upsert(ctx context.Context, outcome push.Outcome) error {
	if _, err := r.pool.Exec(ctx, upsertStatus,
		outcome.NotificationID,
		string(outcome.Status),
		outcome.Error,
		outcome.Timestamp,
	); err != nil {
		return fmt.Errorf("upsert status: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, notificationID string) (Record, error) {
	var (
		rec    Record
		status string
	)
	err := r.pool.QueryRow(ctx, selectStatus, notificationID).Scan(&rec.NotificationID, &status, &rec.Error, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("select status: %w", err)
	}
	rec.Status = push.Status(status)
	return rec, nil
}
