package tasks

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestMemoryQueue_DedupsByIdempotencyKey(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	fireAt := time.Now().Add(time.Minute)

	task := Task{
		TargetPath:     "/tasks/call-dispatch",
		Payload:        json.RawMessage(`{"patient_id":"p1"}`),
		FireAt:         fireAt,
		IdempotencyKey: "call:p1:morning:2025-06-01",
	}

	ref, err := q.Enqueue(ctx, task)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if ref == nil {
		t.Fatalf("expected ref on first enqueue")
	}

	// Re-delivery of the same key must be success-by-dedup, not a second task.
	ref, err = q.Enqueue(ctx, task)
	if err != nil {
		t.Fatalf("duplicate enqueue must not error: %v", err)
	}
	if ref != nil {
		t.Fatalf("expected nil ref on duplicate key")
	}

	if got := len(q.All()); got != 1 {
		t.Fatalf("expected 1 pending task, got %d", got)
	}
}

func TestMemoryQueue_RejectsInvalidTask(t *testing.T) {
	q := NewMemoryQueue()

	if _, err := q.Enqueue(context.Background(), Task{FireAt: time.Now()}); err == nil {
		t.Fatalf("expected error for missing target path")
	}
	if _, err := q.Enqueue(context.Background(), Task{TargetPath: "/x"}); err == nil {
		t.Fatalf("expected error for missing fire time")
	}
}

func TestMemoryQueue_PopDueRespectsFireAt(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	now := time.Now()

	mustEnqueue(t, q, ctx, Task{TargetPath: "/a", FireAt: now.Add(-time.Minute), IdempotencyKey: "a"})
	mustEnqueue(t, q, ctx, Task{TargetPath: "/b", FireAt: now.Add(time.Hour), IdempotencyKey: "b"})

	due := q.PopDue(now)
	if len(due) != 1 || due[0].TargetPath != "/a" {
		t.Fatalf("expected only the past-due task, got %+v", due)
	}

	// The future task stays queued.
	if got := len(q.All()); got != 1 {
		t.Fatalf("expected 1 remaining task, got %d", got)
	}

	// Popping again at the later instant delivers it.
	due = q.PopDue(now.Add(2 * time.Hour))
	if len(due) != 1 || due[0].TargetPath != "/b" {
		t.Fatalf("expected the delayed task, got %+v", due)
	}
}

func mustEnqueue(t *testing.T, q *MemoryQueue, ctx context.Context, task Task) {
	t.Helper()
	if _, err := q.Enqueue(ctx, task); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
}
