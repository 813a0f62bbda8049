package callrecord

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestClaim_ExactlyOnce(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()

	rec := &CallRecord{
		ID:          "c1",
		PatientID:   "p1",
		ScheduledAt: time.Now(),
		Status:      StatusScheduled,
		IsRetry:     true,
	}
	if err := repo.Create(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}

	const n = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	won := 0

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.Claim(ctx, "c1", StatusScheduled, StatusInProgress)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if ok {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if won != 1 {
		t.Fatalf("expected exactly one successful claim, got %d", won)
	}
	got, err := repo.GetByID(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusInProgress {
		t.Fatalf("expected in_progress, got %s", got.Status)
	}
}

func TestClaim_WrongFromStatusFails(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()

	rec := &CallRecord{ID: "c1", PatientID: "p1", Status: StatusCompleted}
	if err := repo.Create(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}

	ok, err := repo.Claim(ctx, "c1", StatusInProgress, StatusNoAnswer)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if ok {
		t.Fatalf("expected claim rejection on status mismatch")
	}
}

func TestMarkPendingResponsesMissed_Idempotent(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()

	rec := &CallRecord{
		ID:        "c1",
		PatientID: "p1",
		Status:    StatusFailed,
		Responses: []MedicineResponse{
			{MedicineID: "m1", Response: ResponseTaken},
			{MedicineID: "m2", Response: ResponsePending},
			{MedicineID: "m3", Response: ResponsePending},
		},
	}
	if err := repo.Create(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Terminal path can be hit repeatedly; the outcome must not change.
	for i := 0; i < 3; i++ {
		if err := repo.MarkPendingResponsesMissed(ctx, "c1"); err != nil {
			t.Fatalf("mark missed: %v", err)
		}
	}

	got, err := repo.GetByID(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Responses) != 3 {
		t.Fatalf("expected 3 responses (no appends), got %d", len(got.Responses))
	}
	if got.Responses[0].Response != ResponseTaken {
		t.Fatalf("taken response must not be rewritten")
	}
	for _, r := range got.Responses[1:] {
		if r.Response != ResponseMissed {
			t.Fatalf("expected missed, got %s", r.Response)
		}
	}
}

func TestCountNonRetryBetween_UsesPatientDay(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()

	tokyo, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		t.Fatalf("load tz: %v", err)
	}

	// 23:30 Tokyo on March 1st.
	at := time.Date(2025, 3, 1, 23, 30, 0, 0, tokyo)
	if err := repo.Create(ctx, &CallRecord{ID: "c1", PatientID: "p1", ScheduledAt: at, Status: StatusCompleted}); err != nil {
		t.Fatalf("create: %v", err)
	}

	from, to := DayBounds(at, tokyo)
	n, err := repo.CountNonRetryBetween(ctx, "p1", from, to)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 call on March 1st Tokyo, got %d", n)
	}

	// The same instant is March 1st 14:30 UTC; the next Tokyo day must be empty.
	from, to = DayBounds(at.Add(time.Hour), tokyo)
	n, err = repo.CountNonRetryBetween(ctx, "p1", from, to)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 calls on March 2nd Tokyo, got %d", n)
	}
}

func TestListDueRetries_OrderIsDeterministic(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()
	now := time.Now()

	for _, id := range []string{"b", "a", "c"} {
		rec := &CallRecord{
			ID:          id,
			PatientID:   "p1",
			ScheduledAt: now.Add(-time.Minute),
			Status:      StatusScheduled,
			IsRetry:     true,
		}
		if err := repo.Create(ctx, rec); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	due, err := repo.ListDueRetries(ctx, now)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(due) != 3 {
		t.Fatalf("expected 3 due retries, got %d", len(due))
	}
	for i, want := range []string{"a", "b", "c"} {
		if due[i].ID != want {
			t.Fatalf("expected order a,b,c; got %v at %d", due[i].ID, i)
		}
	}
}
