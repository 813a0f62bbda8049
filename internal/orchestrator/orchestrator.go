package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"carecall-platform/internal/callrecord"
	"carecall-platform/internal/directory"
	"carecall-platform/internal/lock"
	"carecall-platform/internal/retry"
	"carecall-platform/internal/tasks"
	"carecall-platform/internal/telephony"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// TimeoutCheckPath is the task target for delayed call-timeout checks.
const TimeoutCheckPath = "/tasks/timeout-check"

// DueCall is a (patient, slot) pair whose fire time has arrived.
type DueCall struct {
	PatientID string
	Slot      string
}

// RetryScheduler is the retry handler's surface the orchestrator needs.
type RetryScheduler interface {
	ScheduleRetry(ctx context.Context, callID string, reason retry.Reason) error
}

// Config wires the orchestrator's collaborators.
type Config struct {
	Locks     *lock.Service
	Records   callrecord.Repository
	Patients  directory.PatientRepository
	Medicines directory.MedicineRepository
	Provider  telephony.CallProvider

	// Tasks is optional; without it timeout detection falls back to the
	// poll sweep.
	Tasks tasks.Enqueuer

	Log *slog.Logger

	BatchSize   int           // due calls processed concurrently per group (default 50)
	LockTTL     time.Duration // per-patient lease duration (default 60s)
	CallTimeout time.Duration // in_progress age before timeout check (default 10m)
}

// Orchestrator initiates call attempts under per-patient leases.
//
// Consistency invariants:
// - at most one live attempt per patient (lease call:<patient>)
// - at most one non-retry record per patient per local day (double-checked
//   under the lease; test patients exempt)
// - every lease is released on all exit paths
type Orchestrator struct {
	locks     *lock.Service
	records   callrecord.Repository
	patients  directory.PatientRepository
	medicines directory.MedicineRepository
	provider  telephony.CallProvider
	tasksq    tasks.Enqueuer
	log       *slog.Logger

	retries RetryScheduler

	batchSize   int
	lockTTL     time.Duration
	callTimeout time.Duration

	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func New(cfg Config) *Orchestrator {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}
	lockTTL := cfg.LockTTL
	if lockTTL <= 0 {
		lockTTL = 60 * time.Second
	}
	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = 10 * time.Minute
	}

	return &Orchestrator{
		locks:       cfg.Locks,
		records:     cfg.Records,
		patients:    cfg.Patients,
		medicines:   cfg.Medicines,
		provider:    cfg.Provider,
		tasksq:      cfg.Tasks,
		log:         cfg.Log,
		batchSize:   batchSize,
		lockTTL:     lockTTL,
		callTimeout: callTimeout,
		clock:       time.Now,
	}
}

// SetRetryScheduler breaks the construction cycle with the retry handler,
// which itself needs the orchestrator to place retry calls.
func (o *Orchestrator) SetRetryScheduler(rs RetryScheduler) { o.retries = rs }

// SetClock overrides the clock, for tests.
func (o *Orchestrator) SetClock(clock func() time.Time) { o.clock = clock }

// ProcessBatch initiates every due call, batchSize at a time. Failure
// domains are isolated: one patient's error never cancels or blocks a
// sibling's attempt.
func (o *Orchestrator) ProcessBatch(ctx context.Context, due []DueCall) {
	for start := 0; start < len(due); start += o.batchSize {
		end := start + o.batchSize
		if end > len(due) {
			end = len(due)
		}
		group := due[start:end]

		var g errgroup.Group
		g.SetLimit(o.batchSize)
		for _, dc := range group {
			dc := dc
			g.Go(func() error {
				if err := o.InitiateCall(ctx, dc); err != nil {
					o.log.Error("call initiation failed",
						"patient_id", dc.PatientID,
						"slot", dc.Slot,
						"err", err,
					)
				}
				// Errors stay inside this goroutine: returning one would
				// cancel siblings via the group.
				return nil
			})
		}
		_ = g.Wait()
	}
}

// InitiateCall places one new (non-retry) call attempt.
//
// Lost lease contention is a skip, not an error: another instance is
// handling this patient this tick.
func (o *Orchestrator) InitiateCall(ctx context.Context, due DueCall) error {
	key := lock.PatientCallKey(due.PatientID)
	acquired, err := o.locks.WithLock(ctx, key, o.lockTTL, func(ctx context.Context) error {
		return o.initiateLocked(ctx, due)
	})
	if err != nil {
		return err
	}
	if !acquired {
		o.log.Debug("patient lease held elsewhere, skipping", "patient_id", due.PatientID)
	}
	return nil
}

func (o *Orchestrator) initiateLocked(ctx context.Context, due DueCall) error {
	now := o.clock().UTC()

	patient, err := o.patients.FindByID(ctx, due.PatientID)
	if err != nil {
		return fmt.Errorf("load patient: %w", err)
	}
	if patient.IsPaused {
		o.log.Debug("patient paused, skipping", "patient_id", patient.ID)
		return nil
	}

	// Double-check the daily limit now that the lease is held: the batch
	// was assembled before the lease was won, and another instance may
	// have called in between. Test patients bypass the limit so staff can
	// exercise the flow repeatedly.
	if !patient.IsTest {
		loc := patientLocation(patient)
		from, to := callrecord.DayBounds(now, loc)
		n, err := o.records.CountNonRetryBetween(ctx, patient.ID, from, to)
		if err != nil {
			return fmt.Errorf("daily limit check: %w", err)
		}
		if n > 0 {
			o.log.Debug("patient already called today, skipping", "patient_id", patient.ID)
			return nil
		}
	}

	meds, err := o.medicines.FindActiveByPatient(ctx, patient.ID)
	if err != nil {
		return fmt.Errorf("load medicines: %w", err)
	}
	if len(meds) == 0 {
		o.log.Debug("no active medicines, skipping", "patient_id", patient.ID)
		return nil
	}

	rec := newCallRecord(patient.ID, now, meds)
	if err := o.records.Create(ctx, rec); err != nil {
		return fmt.Errorf("create call record: %w", err)
	}

	return o.placeAndTransition(ctx, rec, patient, meds)
}

// InitiateRetryCall places a retry attempt on a record the retry handler
// already created and claimed. No daily-limit check: a retry is allowed
// even after a completed non-retry call earlier that day, because its job
// is to finish the earlier attempt's unanswered medicines.
func (o *Orchestrator) InitiateRetryCall(ctx context.Context, rec *callrecord.CallRecord, patient *directory.Patient, meds []directory.Medicine) error {
	return o.placeAndTransition(ctx, rec, patient, meds)
}

// placeAndTransition dials the provider and moves the record to
// in_progress. Any failure after the record exists marks it failed and
// hands it to the retry chain; such failures are handled here, not
// propagated.
func (o *Orchestrator) placeAndTransition(ctx context.Context, rec *callrecord.CallRecord, patient *directory.Patient, meds []directory.Medicine) error {
	medNames := make([]string, 0, len(meds))
	for _, m := range meds {
		medNames = append(medNames, m.Name)
	}

	result, err := o.provider.PlaceCall(ctx, telephony.PlaceCallRequest{
		CallID: rec.ID,
		Phone:  patient.Phone,
		Patient: telephony.PatientContext{
			PatientID:   patient.ID,
			PatientName: patient.FullName,
			Timezone:    patient.Timezone,
			Medicines:   medNames,
		},
	})
	if err != nil {
		o.failAttempt(ctx, rec, err)
		return nil
	}

	if err := o.records.SetInProgress(ctx, rec.ID, result.ProviderSessionID); err != nil {
		o.failAttempt(ctx, rec, err)
		return nil
	}

	o.enqueueTimeoutCheck(ctx, rec.ID)

	o.log.Info("call placed",
		"patient_id", patient.ID,
		"call_id", rec.ID,
		"provider", o.provider.Name(),
		"provider_session_id", result.ProviderSessionID,
		"is_retry", rec.IsRetry,
	)
	return nil
}

func (o *Orchestrator) failAttempt(ctx context.Context, rec *callrecord.CallRecord, cause error) {
	o.log.Error("call attempt failed", "call_id", rec.ID, "patient_id", rec.PatientID, "err", cause)

	if err := o.records.UpdateStatus(ctx, rec.ID, callrecord.StatusFailed); err != nil {
		o.log.Error("mark call failed", "call_id", rec.ID, "err", err)
	}

	reason := retry.ReasonFailed
	if errors.Is(cause, telephony.ErrDialCapacity) {
		reason = retry.ReasonBusy
	}
	if o.retries == nil {
		return
	}
	if err := o.retries.ScheduleRetry(ctx, rec.ID, reason); err != nil {
		o.log.Error("schedule retry", "call_id", rec.ID, "err", err)
	}
}

func (o *Orchestrator) enqueueTimeoutCheck(ctx context.Context, callID string) {
	if o.tasksq == nil {
		return
	}
	payload := fmt.Appendf(nil, `{"call_id":%q}`, callID)
	_, err := o.tasksq.Enqueue(ctx, tasks.Task{
		TargetPath:     TimeoutCheckPath,
		Payload:        payload,
		FireAt:         o.clock().Add(o.callTimeout),
		IdempotencyKey: "timeout:" + callID,
	})
	if err != nil {
		// The poll sweep will still catch a stalled call.
		o.log.Error("enqueue timeout check", "call_id", callID, "err", err)
	}
}

// HandleCompletion applies the completion webhook. The transition out of
// in_progress is claim-guarded: if the timeout detector already won, this
// is a no-op and no duplicate retry is scheduled.
func (o *Orchestrator) HandleCompletion(ctx context.Context, p telephony.CompletionPayload) error {
	rec, err := o.records.GetByID(ctx, p.CallID)
	if err != nil {
		return fmt.Errorf("load call record: %w", err)
	}

	target := callrecord.StatusCompleted
	switch {
	case p.Declined():
		target = callrecord.StatusDeclined
	case p.Status == telephony.CompletionStatusNoAnswer:
		target = callrecord.StatusNoAnswer
	}

	claimed, err := o.records.Claim(ctx, rec.ID, callrecord.StatusInProgress, target)
	if err != nil {
		return fmt.Errorf("claim completion: %w", err)
	}
	if !claimed {
		o.log.Debug("completion lost finalization race", "call_id", rec.ID, "status", target)
		return nil
	}

	if err := o.records.SetCompletion(ctx, rec.ID, mergeCompletion(rec, p)); err != nil {
		return fmt.Errorf("store completion: %w", err)
	}

	if o.retries != nil {
		switch {
		case p.Declined():
			// Terminal by patient choice; no retry reason covers it.
		case target == callrecord.StatusNoAnswer:
			if err := o.retries.ScheduleRetry(ctx, rec.ID, retry.ReasonNoAnswer); err != nil {
				o.log.Error("schedule no-answer retry", "call_id", rec.ID, "err", err)
			}
		case p.ReScheduled:
			if err := o.retries.ScheduleRetry(ctx, rec.ID, retry.ReasonReScheduled); err != nil {
				o.log.Error("schedule re-scheduled retry", "call_id", rec.ID, "err", err)
			}
		}
	}
	return nil
}

// --- helpers ---

func newCallRecord(patientID string, now time.Time, meds []directory.Medicine) *callrecord.CallRecord {
	responses := make([]callrecord.MedicineResponse, 0, len(meds))
	for _, m := range meds {
		responses = append(responses, callrecord.MedicineResponse{
			MedicineID:   m.ID,
			MedicineName: m.Name,
			Response:     callrecord.ResponsePending,
		})
	}
	return &callrecord.CallRecord{
		ID:          uuid.NewString(),
		PatientID:   patientID,
		ScheduledAt: now,
		Status:      callrecord.StatusScheduled,
		Responses:   responses,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// mergeCompletion builds a fresh response snapshot from the record's
// medicine list and the webhook's results. A new value list, never an
// in-place mutation: concurrent readers of the old snapshot stay correct.
func mergeCompletion(rec *callrecord.CallRecord, p telephony.CompletionPayload) callrecord.Completion {
	byMedicine := make(map[string]string, len(p.MedicineResponses))
	for _, mr := range p.MedicineResponses {
		byMedicine[mr.MedicineID] = mr.Response
	}

	responses := make([]callrecord.MedicineResponse, 0, len(rec.Responses))
	for _, existing := range rec.Responses {
		out := existing
		if v, ok := byMedicine[existing.MedicineID]; ok {
			out.Response = callrecord.Response(v)
		}
		responses = append(responses, out)
	}

	return callrecord.Completion{
		Responses:         responses,
		DurationSeconds:   p.DurationSeconds,
		Mood:              p.Mood,
		Complaints:        p.Complaints,
		VitalsChecked:     p.VitalsChecked,
		TerminationReason: p.TerminationReason,
	}
}

func patientLocation(p *directory.Patient) *time.Location {
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
