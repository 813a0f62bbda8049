package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"carecall-platform/internal/callconfig"
	"carecall-platform/internal/directory"
	"carecall-platform/internal/notify"
	"carecall-platform/internal/orchestrator"

	"github.com/robfig/cron/v3"
)

// BatchInitiator is the orchestrator surface dispatch drives.
type BatchInitiator interface {
	ProcessBatch(ctx context.Context, due []orchestrator.DueCall)
	InitiateCall(ctx context.Context, due orchestrator.DueCall) error
}

// RetryDrainer drains due retries on poll ticks.
type RetryDrainer interface {
	ProcessRetries(ctx context.Context) error
}

// Poller is the pull dispatch strategy: a cron tick scans every active
// call config and fires the slots whose local wall-clock minute matches.
//
// It also drains due retries and sweeps stalled calls, so a deployment
// without a task queue still converges on its own.
type Poller struct {
	configs  callconfig.Repository
	patients directory.PatientRepository
	orch     BatchInitiator
	retries  RetryDrainer
	timeouts *TimeoutDetector
	kill     KillSwitch
	notifier notify.Sender
	log      *slog.Logger

	tickSpec string
	clock    func() time.Time
}

func NewPoller(
	configs callconfig.Repository,
	patients directory.PatientRepository,
	orch BatchInitiator,
	retries RetryDrainer,
	timeouts *TimeoutDetector,
	kill KillSwitch,
	notifier notify.Sender,
	tickSpec string,
	log *slog.Logger,
) *Poller {
	if tickSpec == "" {
		tickSpec = "* * * * *"
	}
	return &Poller{
		configs:  configs,
		patients: patients,
		orch:     orch,
		retries:  retries,
		timeouts: timeouts,
		kill:     kill,
		notifier: notifier,
		log:      log,
		tickSpec: tickSpec,
		clock:    time.Now,
	}
}

// SetClock overrides the clock, for tests.
func (p *Poller) SetClock(clock func() time.Time) { p.clock = clock }

// Run ticks on the configured cron spec until ctx is canceled.
func (p *Poller) Run(ctx context.Context) error {
	c := cron.New()
	_, err := c.AddFunc(p.tickSpec, func() {
		if err := p.Tick(ctx); err != nil {
			p.log.Error("dispatch tick failed", "err", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid tick spec %q: %w", p.tickSpec, err)
	}

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// Tick runs one dispatch cycle: match slots, place calls, drain retries,
// sweep stalled calls.
func (p *Poller) Tick(ctx context.Context) error {
	if p.kill.Enabled(ctx) {
		p.log.Warn("kill switch enabled, skipping dispatch tick")
		return nil
	}

	now := p.clock()

	cfgs, err := p.configs.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active configs: %w", err)
	}

	var due []orchestrator.DueCall
	for i := range cfgs {
		cfg := &cfgs[i]
		slot, ok := cfg.MatchesMinute(now)
		if !ok {
			continue
		}
		if !admit(ctx, p.patients, p.notifier, p.log, cfg.PatientID) {
			continue
		}
		due = append(due, orchestrator.DueCall{PatientID: cfg.PatientID, Slot: string(slot)})
	}

	if len(due) > 0 {
		p.log.Info("dispatching due calls", "count", len(due))
		p.orch.ProcessBatch(ctx, due)
	}

	if err := p.retries.ProcessRetries(ctx); err != nil {
		p.log.Error("retry drain failed", "err", err)
	}
	if err := p.timeouts.SweepStalled(ctx); err != nil {
		p.log.Error("stalled sweep failed", "err", err)
	}
	return nil
}

// admit filters a matched patient before dialing. An unusable phone number
// is a permanent failure: the patient is paused and the family alerted,
// instead of burning a retry chain every day.
func admit(ctx context.Context, patients directory.PatientRepository, notifier notify.Sender, log *slog.Logger, patientID string) bool {
	patient, err := patients.FindByID(ctx, patientID)
	if err != nil {
		log.Error("patient lookup failed", "patient_id", patientID, "err", err)
		return false
	}
	if patient.IsPaused {
		return false
	}
	if !ValidPhone(patient.Phone) {
		log.Warn("invalid phone, pausing patient", "patient_id", patientID, "phone", patient.Phone)
		if err := patients.SetPaused(ctx, patientID, true); err != nil {
			log.Error("pause patient failed", "patient_id", patientID, "err", err)
		}
		notifier.InvalidPhone(ctx, patientID, patient.Phone)
		return false
	}
	return true
}

// ValidPhone checks the E.164 shape the voice provider accepts: a leading
// plus and 8 to 15 digits.
func ValidPhone(phone string) bool {
	if len(phone) < 9 || len(phone) > 16 || phone[0] != '+' {
		return false
	}
	for _, r := range phone[1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
