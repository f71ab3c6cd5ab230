package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/push-service/internal/push"
)

type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// NewRedisClient connects and pings so a bad address fails at startup.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

func (s *RedisStore) IsProcessed(ctx context.Context, requestID string) (bool, error) {
	n, err := s.client.Exists(ctx, Key(requestID)).Result()
	if err != nil {
		return false, push.StoreUnavailable(fmt.Errorf("exists %s: %w", Key(requestID), err))
	}
	return n == 1, nil
}

func (s *RedisStore) MarkProcessed(ctx context.Context, requestID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if err := s.client.Set(ctx, Key(requestID), "1", ttl).Err(); err != nil {
		return push.StoreUnavailable(fmt.Errorf("set %s: %w", Key(requestID), err))
	}
	return nil
}
