package ingest

import (
	"context"
	"time"

	"github.com/example/push-service/internal/queue"
)

const (
	MinPriority = 0
	MaxPriority = queue.MaxPriority
)

const (
	StatusPending = "pending"
	StatusQueued  = "queued"
)

// Record is the ledger row written for every accepted push request.
type Record struct {
	RequestID    string
	UserID       string
	TemplateCode string
	Priority     int
	Payload      []byte
	Status       string
	CreatedAt    time.Time
}

type Repository interface {
	// Create stores rec as pending. duplicate is true only when a record with
	// the same request id was already published; a pending record is
	// overwritten so a failed enqueue can be retried.
	Create(ctx context.Context, rec Record) (duplicate bool, err error)
	// MarkQueued records that the request reached the broker.
	MarkQueued(ctx context.Context, requestID string) error
}
