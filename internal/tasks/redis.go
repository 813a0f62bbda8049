package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	dueSetKey   = "tasks:due"
	idemPrefix  = "tasks:idem:"
	idemKeyTTL  = 48 * time.Hour
	popBatchMax = 100
)

// enqueueScript claims the idempotency key and schedules the task in one
// atomic step, so a crash between the two can never strand a claimed key
// without its task.
var enqueueScript = redis.NewScript(`
-- KEYS[1] = idempotency key
-- KEYS[2] = due zset
-- ARGV[1] = idem ttl_ms
-- ARGV[2] = fire_at unix
-- ARGV[3] = task json
--
-- Returns 1 when scheduled, 0 on duplicate key.
if redis.call('SET', KEYS[1], '1', 'NX', 'PX', ARGV[1]) then
  redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
  return 1
end
return 0
`)

// popDueScript atomically removes and returns tasks whose fire time has
// arrived. Atomic remove means two dispatcher instances never deliver the
// same member twice.
var popDueScript = redis.NewScript(`
-- KEYS[1] = due zset
-- ARGV[1] = now unix
-- ARGV[2] = max batch
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
if #due > 0 then
  redis.call('ZREM', KEYS[1], unpack(due))
end
return due
`)

// RedisQueue is a durable delayed-task queue over a sorted set.
type RedisQueue struct {
	rdb *redis.Client
}

func NewRedisQueue(rdb *redis.Client) *RedisQueue {
	return &RedisQueue{rdb: rdb}
}

func (q *RedisQueue) Enqueue(ctx context.Context, t Task) (*TaskRef, error) {
	if t.TargetPath == "" || t.FireAt.IsZero() {
		return nil, ErrInvalidTask
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.IdempotencyKey == "" {
		t.IdempotencyKey = t.ID
	}

	member, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}

	res, err := enqueueScript.Run(ctx, q.rdb,
		[]string{idemPrefix + t.IdempotencyKey, dueSetKey},
		idemKeyTTL.Milliseconds(),
		t.FireAt.Unix(),
		member,
	).Int()
	if err != nil {
		return nil, fmt.Errorf("enqueue task: %w", err)
	}
	if res == 0 {
		// Duplicate idempotency key: success-by-dedup.
		return nil, nil
	}
	return &TaskRef{ID: t.ID}, nil
}

// PopDue removes and returns tasks due at or before now.
func (q *RedisQueue) PopDue(ctx context.Context, now time.Time) ([]Task, error) {
	raw, err := popDueScript.Run(ctx, q.rdb, []string{dueSetKey}, now.Unix(), popBatchMax).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("pop due tasks: %w", err)
	}

	out := make([]Task, 0, len(raw))
	for _, m := range raw {
		var t Task
		if err := json.Unmarshal([]byte(m), &t); err != nil {
			// A corrupt member is dropped, not requeued; it would never
			// parse on a later attempt either.
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// Dispatcher drains due tasks and routes them to registered handlers.
type Dispatcher struct {
	queue    *RedisQueue
	log      *slog.Logger
	interval time.Duration
	handlers map[string]HandlerFunc
}

func NewDispatcher(queue *RedisQueue, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		queue:    queue,
		log:      log,
		interval: time.Second,
		handlers: make(map[string]HandlerFunc),
	}
}

// Handle registers a handler for a target path. Not safe to call after Run.
func (d *Dispatcher) Handle(targetPath string, fn HandlerFunc) {
	d.handlers[targetPath] = fn
}

// Run drains the queue until ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.drain(ctx)
		}
	}
}

func (d *Dispatcher) drain(ctx context.Context) {
	due, err := d.queue.PopDue(ctx, time.Now())
	if err != nil {
		d.log.Error("task pop failed", "err", err)
		return
	}

	for _, t := range due {
		fn, ok := d.handlers[t.TargetPath]
		if !ok {
			d.log.Error("no handler for task target", "target", t.TargetPath, "task_id", t.ID)
			continue
		}
		// Handler errors are logged and dropped: every target re-validates
		// its own guards, and the scheduling layers above (retry chain,
		// poll sweep) converge without redelivery.
		if err := fn(ctx, t.Payload); err != nil {
			d.log.Error("task handler failed", "target", t.TargetPath, "task_id", t.ID, "err", err)
		}
	}
}
