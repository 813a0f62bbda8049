package lock

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps leases as plain keys with a TTL.
//
// SET NX PX gives the atomic absent-or-expired acquisition for free: Redis
// itself expires lapsed leases, so "absent" covers both cases. Release is a
// compare-and-delete Lua script so a holder can never delete a lease that
// was reassigned after its own expired.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: "lease:"}
}

var releaseIfHolderScript = redis.NewScript(`
-- KEYS[1] = lease key
-- ARGV[1] = holder id
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

func (s *RedisStore) TryAcquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	if s.rdb == nil {
		return false, errors.New("lock: redis client is nil")
	}
	return s.rdb.SetNX(ctx, s.prefix+key, holder, ttl).Result()
}

func (s *RedisStore) Release(ctx context.Context, key, holder string) error {
	if s.rdb == nil {
		return errors.New("lock: redis client is nil")
	}
	return releaseIfHolderScript.Run(ctx, s.rdb, []string{s.prefix + key}, holder).Err()
}
