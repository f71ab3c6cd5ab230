package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps records in process memory. It is meant for local runs and
// tests; records do not survive a restart.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]time.Time
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (s *MemoryStore) IsProcessed(_ context.Context, requestID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	expires, ok := s.records[Key(requestID)]
	if !ok {
		return false, nil
	}
	if !s.now().Before(expires) {
		delete(s.records, Key(requestID))
		return false, nil
	}
	return true, nil
}

func (s *MemoryStore) MarkProcessed(_ context.Context, requestID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[Key(requestID)] = s.now().Add(ttl)
	return nil
}
