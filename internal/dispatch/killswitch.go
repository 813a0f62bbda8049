package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

const killSwitchKey = "scheduler:disabled"

// KillSwitch is the platform-wide emergency stop. When enabled, dispatch
// ticks and push triggers become no-ops; calls already in flight finish
// normally.
type KillSwitch interface {
	Enabled(ctx context.Context) bool
	Set(ctx context.Context, enabled bool) error
}

// RedisKillSwitch stores the flag in Redis so one toggle stops every
// instance.
//
// Reads fail open: if Redis is unreachable the scheduler keeps running.
// Missing a daily care call is worse than a delayed stop.
type RedisKillSwitch struct {
	rdb *redis.Client
	log *slog.Logger
}

func NewRedisKillSwitch(rdb *redis.Client, log *slog.Logger) *RedisKillSwitch {
	return &RedisKillSwitch{rdb: rdb, log: log}
}

func (k *RedisKillSwitch) Enabled(ctx context.Context) bool {
	_, err := k.rdb.Get(ctx, killSwitchKey).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			k.log.Error("kill-switch read failed, assuming disabled", "err", err)
		}
		return false
	}
	return true
}

func (k *RedisKillSwitch) Set(ctx context.Context, enabled bool) error {
	if enabled {
		return k.rdb.Set(ctx, killSwitchKey, "1", 0).Err()
	}
	return k.rdb.Del(ctx, killSwitchKey).Err()
}

// MemoryKillSwitch is an in-process switch useful for tests.
type MemoryKillSwitch struct {
	mu sync.Mutex
	on bool
}

func NewMemoryKillSwitch() *MemoryKillSwitch { return &MemoryKillSwitch{} }

func (k *MemoryKillSwitch) Enabled(ctx context.Context) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.on
}

func (k *MemoryKillSwitch) Set(ctx context.Context, enabled bool) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.on = enabled
	return nil
}
