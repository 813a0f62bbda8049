package tasks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is an in-memory Enqueuer useful for tests.
// It honors the same idempotency-dedup contract as the Redis queue.
type MemoryQueue struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	tasks []Task
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{seen: make(map[string]struct{})}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, t Task) (*TaskRef, error) {
	if t.TargetPath == "" || t.FireAt.IsZero() {
		return nil, ErrInvalidTask
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.IdempotencyKey == "" {
		t.IdempotencyKey = t.ID
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, dup := q.seen[t.IdempotencyKey]; dup {
		return nil, nil
	}
	q.seen[t.IdempotencyKey] = struct{}{}
	q.tasks = append(q.tasks, t)
	return &TaskRef{ID: t.ID}, nil
}

// PopDue removes and returns tasks due at or before now, for test-driven
// delivery.
func (q *MemoryQueue) PopDue(now time.Time) []Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due, rest []Task
	for _, t := range q.tasks {
		if !t.FireAt.After(now) {
			due = append(due, t)
		} else {
			rest = append(rest, t)
		}
	}
	q.tasks = rest
	sort.Slice(due, func(i, j int) bool { return due[i].FireAt.Before(due[j].FireAt) })
	return due
}

// All returns pending tasks, for test assertions.
func (q *MemoryQueue) All() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Task(nil), q.tasks...)
}
