package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"carecall-platform/internal/callconfig"
	"carecall-platform/internal/callrecord"
	"carecall-platform/internal/directory"
	"carecall-platform/internal/lock"
	"carecall-platform/internal/notify"
	"carecall-platform/internal/tasks"

	"github.com/google/uuid"
)

// RetryDispatchPath is the task target for delayed retry dispatch.
const RetryDispatchPath = "/tasks/retry-dispatch"

// Reason classifies why an attempt failed, and picks the backoff before the
// next one.
type Reason string

const (
	ReasonNoAnswer    Reason = "no_answer"
	ReasonReScheduled Reason = "re_scheduled"
	ReasonBusy        Reason = "busy"
	ReasonFailed      Reason = "failed"
)

// DefaultDelay is the reason-specific wait before the retry fires. A
// re-scheduled call waits longest (the patient asked for later); a busy
// provider clears fastest.
func DefaultDelay(r Reason) time.Duration {
	switch r {
	case ReasonNoAnswer:
		return 30 * time.Minute
	case ReasonReScheduled:
		return 60 * time.Minute
	case ReasonBusy:
		return 15 * time.Minute
	default:
		return 10 * time.Minute
	}
}

// CallInitiator places a retry attempt on an already-claimed record.
// Implemented by the orchestrator; the interface lives here to break the
// construction cycle between the two.
type CallInitiator interface {
	InitiateRetryCall(ctx context.Context, rec *callrecord.CallRecord, patient *directory.Patient, meds []directory.Medicine) error
}

// Config wires the handler's collaborators.
type Config struct {
	Locks     *lock.Service
	Records   callrecord.Repository
	Configs   callconfig.Repository
	Patients  directory.PatientRepository
	Medicines directory.MedicineRepository
	Notifier  notify.Sender

	// Tasks is optional; without it due retries are picked up by the poll
	// sweep via ProcessRetries.
	Tasks tasks.Enqueuer

	Log *slog.Logger

	LockTTL time.Duration // per-patient retry lease (default 60s)
}

// Handler owns the retry chain: deciding whether a failed attempt earns
// another call, creating the retry record, and dispatching due retries.
//
// Three gates protect every scheduling decision, in order: policy
// (retry_enabled and the reason whitelist), single-pending (at most one
// scheduled retry per patient), and budget (retry_count vs max_retries).
// Gates two and three run under the patient's retry lease.
type Handler struct {
	locks     *lock.Service
	records   callrecord.Repository
	configs   callconfig.Repository
	patients  directory.PatientRepository
	medicines directory.MedicineRepository
	notifier  notify.Sender
	tasksq    tasks.Enqueuer
	log       *slog.Logger

	initiator CallInitiator

	lockTTL time.Duration
	clock   func() time.Time
}

func NewHandler(cfg Config, initiator CallInitiator) *Handler {
	lockTTL := cfg.LockTTL
	if lockTTL <= 0 {
		lockTTL = 60 * time.Second
	}
	return &Handler{
		locks:     cfg.Locks,
		records:   cfg.Records,
		configs:   cfg.Configs,
		patients:  cfg.Patients,
		medicines: cfg.Medicines,
		notifier:  cfg.Notifier,
		tasksq:    cfg.Tasks,
		log:       cfg.Log,
		initiator: initiator,
		lockTTL:   lockTTL,
		clock:     time.Now,
	}
}

// SetClock overrides the clock, for tests.
func (h *Handler) SetClock(clock func() time.Time) { h.clock = clock }

// ScheduleRetry decides the fate of a failed attempt: schedule the next
// one, or close the chain out as missed.
//
// Ineligible and duplicate requests are quiet no-ops; callers fire this
// from error paths and must not fail because retry policy said no.
func (h *Handler) ScheduleRetry(ctx context.Context, callID string, reason Reason) error {
	rec, err := h.records.GetByID(ctx, callID)
	if err != nil {
		return fmt.Errorf("load failed attempt: %w", err)
	}

	cfg, err := h.configs.GetByPatient(ctx, rec.PatientID)
	if err != nil {
		if errors.Is(err, callconfig.ErrNotFound) {
			h.log.Debug("no call config, retry skipped", "patient_id", rec.PatientID)
			return nil
		}
		return fmt.Errorf("load call config: %w", err)
	}

	// Gate 1: policy. Checked before the lease; it needs no coordination.
	if !cfg.RetryEnabled || !cfg.RetryAllowedFor(string(reason)) {
		h.log.Debug("retry not allowed by policy",
			"patient_id", rec.PatientID, "reason", reason)
		return nil
	}

	key := lock.PatientRetryKey(rec.PatientID)
	acquired, err := h.locks.WithLock(ctx, key, h.lockTTL, func(ctx context.Context) error {
		return h.scheduleLocked(ctx, rec, cfg, reason)
	})
	if err != nil {
		return err
	}
	if !acquired {
		// Another instance is already deciding this patient's retry; its
		// single-pending gate makes our contribution redundant.
		h.log.Debug("retry lease held elsewhere, skipping", "patient_id", rec.PatientID)
	}
	return nil
}

func (h *Handler) scheduleLocked(ctx context.Context, rec *callrecord.CallRecord, cfg *callconfig.CallConfig, reason Reason) error {
	// Gate 2: single pending retry per patient.
	pending, err := h.records.FindPendingRetry(ctx, rec.PatientID)
	if err != nil {
		return fmt.Errorf("pending retry check: %w", err)
	}
	if pending != nil {
		h.log.Debug("pending retry already exists",
			"patient_id", rec.PatientID, "pending_call_id", pending.ID)
		return nil
	}

	// Gate 3: budget. Exhausted chains close out as missed.
	if rec.RetryCount >= cfg.MaxRetries {
		return h.closeChain(ctx, rec)
	}

	delay := DefaultDelay(reason)
	if cfg.RetryIntervalMinutes > 0 {
		// A configured interval overrides every reason-specific default.
		delay = time.Duration(cfg.RetryIntervalMinutes) * time.Minute
	}

	now := h.clock().UTC()
	next := &callrecord.CallRecord{
		ID:             uuid.NewString(),
		PatientID:      rec.PatientID,
		ScheduledAt:    now.Add(delay),
		Status:         callrecord.StatusScheduled,
		RetryCount:     rec.RetryCount + 1,
		IsRetry:        true,
		OriginalCallID: rec.LineageRootID(),
		Responses:      resetResponses(rec.Responses),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := h.records.Create(ctx, next); err != nil {
		return fmt.Errorf("create retry record: %w", err)
	}

	h.enqueueDispatch(ctx, next)

	h.log.Info("retry scheduled",
		"patient_id", rec.PatientID,
		"failed_call_id", rec.ID,
		"retry_call_id", next.ID,
		"retry_count", next.RetryCount,
		"reason", reason,
		"fire_at", next.ScheduledAt,
	)
	return nil
}

// closeChain gives up on the lineage: alert the family and settle the root
// record's still-pending medicines as missed.
func (h *Handler) closeChain(ctx context.Context, rec *callrecord.CallRecord) error {
	rootID := rec.LineageRootID()
	h.log.Info("retry budget exhausted, closing chain",
		"patient_id", rec.PatientID, "root_call_id", rootID, "retry_count", rec.RetryCount)

	h.notifier.MissedCall(ctx, rec.PatientID, rootID)

	if err := h.records.MarkPendingResponsesMissed(ctx, rootID); err != nil {
		return fmt.Errorf("settle missed responses: %w", err)
	}
	return nil
}

func (h *Handler) enqueueDispatch(ctx context.Context, rec *callrecord.CallRecord) {
	if h.tasksq == nil {
		return
	}
	payload := fmt.Appendf(nil, `{"call_id":%q}`, rec.ID)
	_, err := h.tasksq.Enqueue(ctx, tasks.Task{
		TargetPath:     RetryDispatchPath,
		Payload:        payload,
		FireAt:         rec.ScheduledAt,
		IdempotencyKey: fmt.Sprintf("retry:%s:%d", rec.ID, rec.RetryCount),
	})
	if err != nil {
		// ProcessRetries will still pick the record up once it is due.
		h.log.Error("enqueue retry dispatch", "call_id", rec.ID, "err", err)
	}
}

// ProcessRetries dispatches every due retry. Per-patient, only the first
// due retry survives a tick; later duplicates are settled as failed so the
// single-pending invariant self-heals even if a bug let two slip in.
func (h *Handler) ProcessRetries(ctx context.Context) error {
	now := h.clock().UTC()
	due, err := h.records.ListDueRetries(ctx, now)
	if err != nil {
		return fmt.Errorf("list due retries: %w", err)
	}

	seen := make(map[string]bool, len(due))
	for i := range due {
		rec := due[i]
		if seen[rec.PatientID] {
			h.log.Warn("duplicate pending retry, marking failed",
				"patient_id", rec.PatientID, "call_id", rec.ID)
			if err := h.records.UpdateStatus(ctx, rec.ID, callrecord.StatusFailed); err != nil {
				h.log.Error("mark duplicate retry failed", "call_id", rec.ID, "err", err)
			}
			continue
		}
		seen[rec.PatientID] = true

		if err := h.dispatchOne(ctx, &rec); err != nil {
			h.log.Error("retry dispatch failed",
				"patient_id", rec.PatientID, "call_id", rec.ID, "err", err)
			if err := h.records.UpdateStatus(ctx, rec.ID, callrecord.StatusFailed); err != nil {
				h.log.Error("mark retry failed", "call_id", rec.ID, "err", err)
			}
		}
	}
	return nil
}

// DispatchByID dispatches one due retry, for push-mode task delivery.
// A record that is no longer a due scheduled retry is a quiet no-op; the
// task layer redelivers at-least-once.
func (h *Handler) DispatchByID(ctx context.Context, callID string) error {
	rec, err := h.records.GetByID(ctx, callID)
	if err != nil {
		if errors.Is(err, callrecord.ErrNotFound) {
			return nil
		}
		return err
	}
	if !rec.IsPendingRetry() || rec.ScheduledAt.After(h.clock().UTC()) {
		return nil
	}
	if err := h.dispatchOne(ctx, rec); err != nil {
		if uerr := h.records.UpdateStatus(ctx, rec.ID, callrecord.StatusFailed); uerr != nil {
			h.log.Error("mark retry failed", "call_id", rec.ID, "err", uerr)
		}
		return err
	}
	return nil
}

func (h *Handler) dispatchOne(ctx context.Context, rec *callrecord.CallRecord) error {
	// The claim is the cross-instance guard here: ticks may overlap, and
	// push tasks redeliver. Exactly one dispatcher wins the record.
	claimed, err := h.records.Claim(ctx, rec.ID, callrecord.StatusScheduled, callrecord.StatusInProgress)
	if err != nil {
		return fmt.Errorf("claim retry: %w", err)
	}
	if !claimed {
		return nil
	}

	patient, err := h.patients.FindByID(ctx, rec.PatientID)
	if err != nil {
		return fmt.Errorf("load patient: %w", err)
	}
	if patient.IsPaused {
		// Not a failure: revert the claim and let the retry fire after the
		// pause lifts. Pausing defers retries, it does not cancel them.
		if err := h.records.UpdateStatus(ctx, rec.ID, callrecord.StatusScheduled); err != nil {
			return fmt.Errorf("revert paused retry: %w", err)
		}
		h.log.Debug("patient paused, retry deferred", "patient_id", patient.ID, "call_id", rec.ID)
		return nil
	}

	meds, err := h.medicines.FindActiveByPatient(ctx, patient.ID)
	if err != nil {
		return fmt.Errorf("load medicines: %w", err)
	}
	if len(meds) == 0 {
		return fmt.Errorf("no active medicines for patient %s", patient.ID)
	}

	claimedRec := *rec
	claimedRec.Status = callrecord.StatusInProgress
	return h.initiator.InitiateRetryCall(ctx, &claimedRec, patient, meds)
}

func resetResponses(src []callrecord.MedicineResponse) []callrecord.MedicineResponse {
	out := make([]callrecord.MedicineResponse, 0, len(src))
	for _, mr := range src {
		mr.Response = callrecord.ResponsePending
		out = append(out, mr)
	}
	return out
}
