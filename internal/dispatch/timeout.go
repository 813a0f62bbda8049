package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"carecall-platform/internal/callrecord"
	"carecall-platform/internal/directory"
	"carecall-platform/internal/retry"
)

// TimeoutDetector finalizes calls that never reported back: the provider
// dropped the webhook, or the call is still ringing past any plausible
// conversation length.
//
// It races the completion webhook on purpose; the record's claim decides
// the winner, so firing it against an already-finalized call is a no-op.
type TimeoutDetector struct {
	records  callrecord.Repository
	patients directory.PatientRepository
	retries  RetryScheduler
	log      *slog.Logger

	callTimeout time.Duration
	clock       func() time.Time
}

// RetryScheduler is the slice of the retry handler the detector needs.
type RetryScheduler interface {
	ScheduleRetry(ctx context.Context, callID string, reason retry.Reason) error
}

func NewTimeoutDetector(records callrecord.Repository, patients directory.PatientRepository, retries RetryScheduler, callTimeout time.Duration, log *slog.Logger) *TimeoutDetector {
	if callTimeout <= 0 {
		callTimeout = 10 * time.Minute
	}
	return &TimeoutDetector{
		records:     records,
		patients:    patients,
		retries:     retries,
		log:         log,
		callTimeout: callTimeout,
		clock:       time.Now,
	}
}

// SetClock overrides the clock, for tests.
func (d *TimeoutDetector) SetClock(clock func() time.Time) { d.clock = clock }

// HandleTimeout settles one suspected-stalled call. Safe under at-least-once
// delivery: anything other than a live in_progress record is a no-op.
func (d *TimeoutDetector) HandleTimeout(ctx context.Context, callID string) error {
	rec, err := d.records.GetByID(ctx, callID)
	if err != nil {
		if errors.Is(err, callrecord.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load call record: %w", err)
	}
	if rec.Status != callrecord.StatusInProgress {
		return nil
	}

	claimed, err := d.records.Claim(ctx, rec.ID, callrecord.StatusInProgress, callrecord.StatusNoAnswer)
	if err != nil {
		return fmt.Errorf("claim timeout: %w", err)
	}
	if !claimed {
		// The webhook landed between our read and the claim.
		return nil
	}

	d.log.Warn("call timed out without completion",
		"call_id", rec.ID, "patient_id", rec.PatientID)

	// A completed call earlier the same local day means the patient was
	// reached; the stalled record is bookkeeping, not a missed patient.
	completed, err := d.completedToday(ctx, rec)
	if err != nil {
		d.log.Error("completed-today check failed", "patient_id", rec.PatientID, "err", err)
	}
	if completed {
		return nil
	}

	if err := d.retries.ScheduleRetry(ctx, rec.ID, retry.ReasonNoAnswer); err != nil {
		return fmt.Errorf("schedule timeout retry: %w", err)
	}
	return nil
}

// SweepStalled finds and settles every in_progress record older than the
// call timeout. Poll-mode backstop for environments without a delayed
// task queue, and a safety net when timeout tasks are lost.
func (d *TimeoutDetector) SweepStalled(ctx context.Context) error {
	cutoff := d.clock().UTC().Add(-d.callTimeout)
	stalled, err := d.records.ListStalledInProgress(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("list stalled calls: %w", err)
	}

	for i := range stalled {
		if err := d.HandleTimeout(ctx, stalled[i].ID); err != nil {
			d.log.Error("stalled-call settlement failed", "call_id", stalled[i].ID, "err", err)
		}
	}
	return nil
}

func (d *TimeoutDetector) completedToday(ctx context.Context, rec *callrecord.CallRecord) (bool, error) {
	loc := time.UTC
	if patient, err := d.patients.FindByID(ctx, rec.PatientID); err == nil {
		if l, lerr := time.LoadLocation(patient.Timezone); lerr == nil {
			loc = l
		}
	}
	from, to := callrecord.DayBounds(d.clock().UTC(), loc)
	return d.records.HasCompletedBetween(ctx, rec.PatientID, from, to)
}
