package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store is the persistence contract for lease rows.
//
// Implementations must provide an atomic "absent-or-expired" acquisition:
// two concurrent TryAcquire calls for the same key must never both succeed.
// The store, not in-process state, is the only cross-instance
// synchronization primitive.
type Store interface {
	// TryAcquire writes the lease row if no live lease exists for key,
	// and reports whether holder now owns it.
	TryAcquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)

	// Release deletes the lease row only if holder still owns it.
	// Releasing a lease that expired and was reassigned is a no-op.
	Release(ctx context.Context, key, holder string) error
}

var ErrInvalidKey = errors.New("lock: key is required")

// Service hands out short-lived named leases.
//
// Leases, not mutexes: a crashed holder leaks the lock only until the TTL
// elapses, trading a bounded window of non-exclusivity for liveness. Keep
// TTLs short (30-60s) and scoped to one call-initiation or one
// retry-scheduling decision.
type Service struct {
	store    Store
	holderID string
}

func NewService(store Store) *Service {
	return &Service{
		store:    store,
		holderID: uuid.NewString(),
	}
}

// HolderID identifies this instance in lease rows. Useful in logs when
// diagnosing contention.
func (s *Service) HolderID() string { return s.holderID }

// Acquire attempts to take the lease for key.
// Losing the race returns (false, nil): contention is expected, not an error.
func (s *Service) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, ErrInvalidKey
	}
	if ttl <= 0 {
		return false, fmt.Errorf("lock: ttl must be > 0, got %s", ttl)
	}
	return s.store.TryAcquire(ctx, key, s.holderID, ttl)
}

// Release gives the lease back. Safe to call after expiry; a lease taken
// over by another holder is left alone.
func (s *Service) Release(ctx context.Context, key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	return s.store.Release(ctx, key, s.holderID)
}

// WithLock runs fn while holding the lease for key and releases it on every
// exit path, including panics. Returns acquired=false (and runs nothing)
// when another instance holds the lease.
func (s *Service) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) (acquired bool, err error) {
	ok, err := s.Acquire(ctx, key, ttl)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	defer func() {
		// Release must not mask fn's error; release failure is recoverable
		// via TTL expiry anyway.
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		relErr := s.store.Release(relCtx, key, s.holderID)
		if err == nil && relErr != nil {
			err = fmt.Errorf("lock: release %q: %w", key, relErr)
		}
	}()

	return true, fn(ctx)
}

// PatientCallKey is the lease serializing call initiation for one patient.
func PatientCallKey(patientID string) string { return "call:" + patientID }

// PatientRetryKey is the lease serializing retry scheduling for one patient.
func PatientRetryKey(patientID string) string { return "retry:" + patientID }
