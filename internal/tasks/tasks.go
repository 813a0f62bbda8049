package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Task is a delayed, idempotency-keyed delivery to an internal target.
// It models the external task-dispatch collaborator (Cloud Tasks and
// friends): fire-at semantics, at-least-once delivery, dedup by key.
type Task struct {
	ID string `json:"id"`

	// TargetPath routes the task to a registered handler (mirrors the
	// HTTP trigger endpoints).
	TargetPath string `json:"target_path"`

	Payload json.RawMessage `json:"payload"`

	FireAt time.Time `json:"fire_at"`

	// IdempotencyKey dedups enqueues: a second Enqueue with the same key
	// is success-by-dedup (nil ref), not an error and not a second task.
	IdempotencyKey string `json:"idempotency_key"`
}

// TaskRef identifies an accepted task.
type TaskRef struct {
	ID string `json:"id"`
}

var ErrInvalidTask = errors.New("tasks: target path and fire time are required")

// Enqueuer is the dispatch contract.
//
// A nil *TaskRef with nil error means the idempotency key was already used;
// callers must treat that as success.
type Enqueuer interface {
	Enqueue(ctx context.Context, t Task) (*TaskRef, error)
}

// HandlerFunc consumes a delivered task payload.
// Handlers must be idempotent: delivery is at-least-once, and every target
// re-validates its own guards.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) error
