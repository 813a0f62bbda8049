package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"carecall-platform/internal/callconfig"
	"carecall-platform/internal/directory"
	"carecall-platform/internal/notify"
	"carecall-platform/internal/orchestrator"
	"carecall-platform/internal/tasks"
)

// CallDispatchPath is the task target for precomputed call triggers.
const CallDispatchPath = "/tasks/call-dispatch"

// CallTriggerPayload is the push trigger for one (patient, slot) firing.
type CallTriggerPayload struct {
	PatientID string `json:"patient_id"`
	Slot      string `json:"slot"`
}

// CallIDPayload addresses a single call record (retry dispatch, timeout
// check).
type CallIDPayload struct {
	CallID string `json:"call_id"`
}

// Triggers a precomputed trigger may fire late (queue backlog) or early
// (clock skew); outside this window around the slot's fire time the
// trigger is stale and dropped.
const (
	triggerEarlyGrace = 2 * time.Minute
	triggerLateGrace  = 15 * time.Minute
)

// RetryDispatcher fires one due retry by record id.
type RetryDispatcher interface {
	DispatchByID(ctx context.Context, callID string) error
}

// Pusher is the push dispatch strategy: a daily planning pass precomputes
// every (patient, slot) fire time into the delayed task queue, and the
// trigger handler re-validates everything at fire time.
//
// Deterministic idempotency keys make the planning pass safe to rerun:
// call:<patient>:<slot>:<local-date> dedups against the previous run.
type Pusher struct {
	configs  callconfig.Repository
	patients directory.PatientRepository
	queue    tasks.Enqueuer
	orch     BatchInitiator
	retries  RetryDispatcher
	timeouts *TimeoutDetector
	kill     KillSwitch
	notifier notify.Sender
	log      *slog.Logger

	clock func() time.Time
}

func NewPusher(
	configs callconfig.Repository,
	patients directory.PatientRepository,
	queue tasks.Enqueuer,
	orch BatchInitiator,
	retries RetryDispatcher,
	timeouts *TimeoutDetector,
	kill KillSwitch,
	notifier notify.Sender,
	log *slog.Logger,
) *Pusher {
	return &Pusher{
		configs:  configs,
		patients: patients,
		queue:    queue,
		orch:     orch,
		retries:  retries,
		timeouts: timeouts,
		kill:     kill,
		notifier: notifier,
		log:      log,
		clock:    time.Now,
	}
}

// SetClock overrides the clock, for tests.
func (p *Pusher) SetClock(clock func() time.Time) { p.clock = clock }

// RegisterDay enqueues a trigger for every active slot firing on the
// calendar day containing day (per patient timezone). Returns the number
// of triggers newly scheduled; rerunning is safe, duplicates dedup away.
func (p *Pusher) RegisterDay(ctx context.Context, day time.Time) (int, error) {
	cfgs, err := p.configs.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active configs: %w", err)
	}

	now := p.clock()
	scheduled := 0
	for i := range cfgs {
		cfg := &cfgs[i]
		localDate := day.In(cfg.Location()).Format("2006-01-02")

		for slot, at := range cfg.FireTimes(day) {
			if at.Before(now) {
				continue
			}
			payload, err := json.Marshal(CallTriggerPayload{PatientID: cfg.PatientID, Slot: string(slot)})
			if err != nil {
				return scheduled, fmt.Errorf("marshal trigger: %w", err)
			}
			ref, err := p.queue.Enqueue(ctx, tasks.Task{
				TargetPath:     CallDispatchPath,
				Payload:        payload,
				FireAt:         at,
				IdempotencyKey: fmt.Sprintf("call:%s:%s:%s", cfg.PatientID, slot, localDate),
			})
			if err != nil {
				p.log.Error("trigger enqueue failed",
					"patient_id", cfg.PatientID, "slot", slot, "err", err)
				continue
			}
			if ref != nil {
				scheduled++
			}
		}
	}

	p.log.Info("day triggers registered", "scheduled", scheduled, "configs", len(cfgs))
	return scheduled, nil
}

// HandleCallTrigger fires one precomputed (patient, slot) trigger. The
// world may have changed since planning, so every guard is re-checked
// against the current config before dialing.
func (p *Pusher) HandleCallTrigger(ctx context.Context, payload json.RawMessage) error {
	if p.kill.Enabled(ctx) {
		p.log.Warn("kill switch enabled, dropping call trigger")
		return nil
	}

	var trigger CallTriggerPayload
	if err := json.Unmarshal(payload, &trigger); err != nil {
		return fmt.Errorf("decode call trigger: %w", err)
	}

	cfg, err := p.configs.GetByPatient(ctx, trigger.PatientID)
	if err != nil {
		if errors.Is(err, callconfig.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load call config: %w", err)
	}
	if !cfg.IsActive {
		return nil
	}

	// Fire-time guard: the slot must still exist and still point at (about)
	// this moment. A rescheduled slot's old trigger dies here; the planning
	// pass or poll fallback covers the new time.
	now := p.clock()
	at, ok := cfg.FireTimes(now)[callconfig.Slot(trigger.Slot)]
	if !ok {
		p.log.Debug("trigger slot no longer scheduled",
			"patient_id", trigger.PatientID, "slot", trigger.Slot)
		return nil
	}
	if now.Before(at.Add(-triggerEarlyGrace)) || now.After(at.Add(triggerLateGrace)) {
		p.log.Debug("stale call trigger dropped",
			"patient_id", trigger.PatientID, "slot", trigger.Slot, "fire_at", at)
		return nil
	}

	if !admit(ctx, p.patients, p.notifier, p.log, trigger.PatientID) {
		return nil
	}
	return p.orch.InitiateCall(ctx, orchestrator.DueCall{PatientID: trigger.PatientID, Slot: trigger.Slot})
}

// HandleRetryTrigger fires one due retry task.
func (p *Pusher) HandleRetryTrigger(ctx context.Context, payload json.RawMessage) error {
	if p.kill.Enabled(ctx) {
		p.log.Warn("kill switch enabled, dropping retry trigger")
		return nil
	}

	var body CallIDPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return fmt.Errorf("decode retry trigger: %w", err)
	}
	return p.retries.DispatchByID(ctx, body.CallID)
}

// HandleTimeoutCheck settles one suspected-stalled call. Runs even under
// the kill switch: settlement is bookkeeping, not dialing.
func (p *Pusher) HandleTimeoutCheck(ctx context.Context, payload json.RawMessage) error {
	var body CallIDPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return fmt.Errorf("decode timeout check: %w", err)
	}
	return p.timeouts.HandleTimeout(ctx, body.CallID)
}
