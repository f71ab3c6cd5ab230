// Package idempotency records which notification requests have been delivered.
package idempotency

import (
	"context"
	"time"
)

const DefaultTTL = 24 * time.Hour

// Store is consulted before delivery and written once delivery succeeded.
// IsProcessed must fail with push.ErrStoreUnavailable rather than report false
// when the backing store cannot be reached.
type Store interface {
	IsProcessed(ctx context.Context, requestID string) (bool, error)
	MarkProcessed(ctx context.Context, requestID string, ttl time.Duration) error
}

func Key(requestID string) string {
	return "processed:" + requestID
}
