package lock

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process lease store useful for tests.
// It is not intended for production use: it cannot coordinate across
// instances, which is the whole point of the durable stores.
type MemoryStore struct {
	mu     sync.Mutex
	leases map[string]memLease
	// Clock is injectable for deterministic expiry tests.
	Clock func() time.Time
}

type memLease struct {
	holder    string
	expiresAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		leases: make(map[string]memLease),
		Clock:  time.Now,
	}
}

func (s *MemoryStore) TryAcquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Clock()
	if cur, ok := s.leases[key]; ok && cur.expiresAt.After(now) && cur.holder != holder {
		return false, nil
	}
	s.leases[key] = memLease{holder: holder, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *MemoryStore) Release(ctx context.Context, key, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.leases[key]; ok && cur.holder == holder {
		delete(s.leases, key)
	}
	return nil
}

// Holder reports the current holder of key, for test assertions.
func (s *MemoryStore) Holder(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.leases[key]
	if !ok || !cur.expiresAt.After(s.Clock()) {
		return "", false
	}
	return cur.holder, true
}
