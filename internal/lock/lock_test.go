package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestService_MutualExclusion(t *testing.T) {
	store := NewMemoryStore()

	const n = 16
	var wg sync.WaitGroup
	var won int32
	var mu sync.Mutex

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc := NewService(store)
			ok, err := svc.Acquire(context.Background(), "k", 30*time.Second)
			if err != nil {
				t.Errorf("acquire: %v", err)
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
		t.Fatalf("expected exactly one winner, got %d", won)
	}
}

func TestService_ReacquireAfterRelease(t *testing.T) {
	store := NewMemoryStore()
	a := NewService(store)
	b := NewService(store)
	ctx := context.Background()

	ok, err := a.Acquire(ctx, "k", 30*time.Second)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}

	if ok, _ := b.Acquire(ctx, "k", 30*time.Second); ok {
		t.Fatalf("expected contention while lease is live")
	}

	if err := a.Release(ctx, "k"); err != nil {
		t.Fatalf("release: %v", err)
	}

	if ok, _ := b.Acquire(ctx, "k", 30*time.Second); !ok {
		t.Fatalf("expected acquire after release")
	}
}

func TestService_ExpiredLeaseIsTakeable(t *testing.T) {
	now := time.Now()
	store := NewMemoryStore()
	store.Clock = func() time.Time { return now }

	a := NewService(store)
	b := NewService(store)
	ctx := context.Background()

	if ok, _ := a.Acquire(ctx, "k", 30*time.Second); !ok {
		t.Fatalf("expected acquire")
	}
	if ok, _ := b.Acquire(ctx, "k", 30*time.Second); ok {
		t.Fatalf("expected contention")
	}

	// Holder crashes; lease self-heals at expiry.
	now = now.Add(31 * time.Second)

	if ok, _ := b.Acquire(ctx, "k", 30*time.Second); !ok {
		t.Fatalf("expected acquire after ttl elapsed")
	}
}

func TestService_ReleaseDoesNotStealReassignedLease(t *testing.T) {
	now := time.Now()
	store := NewMemoryStore()
	store.Clock = func() time.Time { return now }

	a := NewService(store)
	b := NewService(store)
	ctx := context.Background()

	if ok, _ := a.Acquire(ctx, "k", 10*time.Second); !ok {
		t.Fatalf("expected acquire")
	}

	now = now.Add(11 * time.Second)
	if ok, _ := b.Acquire(ctx, "k", 30*time.Second); !ok {
		t.Fatalf("expected takeover of expired lease")
	}

	// The stale holder's release must not drop b's lease.
	if err := a.Release(ctx, "k"); err != nil {
		t.Fatalf("release: %v", err)
	}
	holder, ok := store.Holder("k")
	if !ok || holder != b.HolderID() {
		t.Fatalf("expected lease still held by b, got holder=%q ok=%v", holder, ok)
	}
}

func TestWithLock_RunsAndReleases(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store)
	ctx := context.Background()

	ran := false
	acquired, err := svc.WithLock(ctx, "k", 30*time.Second, func(ctx context.Context) error {
		ran = true
		if _, held := store.Holder("k"); !held {
			t.Errorf("expected lease held inside fn")
		}
		return nil
	})
	if err != nil || !acquired {
		t.Fatalf("acquired=%v err=%v", acquired, err)
	}
	if !ran {
		t.Fatalf("expected fn to run")
	}
	if _, held := store.Holder("k"); held {
		t.Fatalf("expected lease released after fn")
	}
}

func TestWithLock_ReleasesOnError(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store)

	boom := errors.New("boom")
	acquired, err := svc.WithLock(context.Background(), "k", 30*time.Second, func(ctx context.Context) error {
		return boom
	})
	if !acquired {
		t.Fatalf("expected acquired")
	}
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error surfaced, got %v", err)
	}
	if _, held := store.Holder("k"); held {
		t.Fatalf("expected lease released after error")
	}
}

func TestWithLock_ContentionSkipsFn(t *testing.T) {
	store := NewMemoryStore()
	a := NewService(store)
	b := NewService(store)
	ctx := context.Background()

	if ok, _ := a.Acquire(ctx, "k", 30*time.Second); !ok {
		t.Fatalf("expected acquire")
	}

	acquired, err := b.WithLock(ctx, "k", 30*time.Second, func(ctx context.Context) error {
		t.Errorf("fn must not run under contention")
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if acquired {
		t.Fatalf("expected not acquired")
	}
}
