package callrecord

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("call record not found")

// Repository is the persistence contract for call records.
//
// Claim is the idempotency primitive: an atomic compare-and-set on status
// that exactly one of several racing writers can win. It sits beneath the
// lease layer because leases expire and ticks can overlap a lease boundary.
type Repository interface {
	Create(ctx context.Context, rec *CallRecord) error
	GetByID(ctx context.Context, id string) (*CallRecord, error)

	// Claim transitions status from -> to only if the record is still in
	// from. Returns false (no error) when another writer got there first.
	Claim(ctx context.Context, id string, from, to Status) (bool, error)

	UpdateStatus(ctx context.Context, id string, status Status) error

	// SetInProgress records the provider session id alongside the
	// in_progress transition.
	SetInProgress(ctx context.Context, id, providerSessionID string) error

	// SetCompletion stores the webhook's result on an already-finalized
	// record.
	SetCompletion(ctx context.Context, id string, c Completion) error

	// MarkPendingResponsesMissed flips every still-pending response on the
	// record to missed. Idempotent: repeated calls leave non-pending
	// entries alone and never append duplicates.
	MarkPendingResponsesMissed(ctx context.Context, id string) error

	// CountNonRetryBetween counts non-retry records for the patient with
	// scheduled_at in [from, to). Used for the once-per-day guard.
	CountNonRetryBetween(ctx context.Context, patientID string, from, to time.Time) (int, error)

	// HasCompletedBetween reports whether the patient completed any call
	// with scheduled_at in [from, to).
	HasCompletedBetween(ctx context.Context, patientID string, from, to time.Time) (bool, error)

	// FindPendingRetry returns the patient's pending retry
	// (status=scheduled, is_retry=true), or nil when none exists.
	FindPendingRetry(ctx context.Context, patientID string) (*CallRecord, error)

	// ListDueRetries returns pending retries with scheduled_at <= now,
	// ordered by scheduled_at then id so per-tick dedup is deterministic.
	ListDueRetries(ctx context.Context, now time.Time) ([]CallRecord, error)

	// ListStalledInProgress returns in_progress records whose last update
	// is older than before. Poll-mode timeout detection.
	ListStalledInProgress(ctx context.Context, before time.Time) ([]CallRecord, error)
}
