package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"carecall-platform/internal/callrecord"
	"carecall-platform/internal/directory"
	"carecall-platform/internal/lock"
	"carecall-platform/internal/retry"
	"carecall-platform/internal/tasks"
	"carecall-platform/internal/telephony"
)

var testNow = time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

type stubRetries struct {
	mu    sync.Mutex
	calls []scheduledRetry
}

type scheduledRetry struct {
	CallID string
	Reason retry.Reason
}

func (s *stubRetries) ScheduleRetry(ctx context.Context, callID string, reason retry.Reason) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, scheduledRetry{CallID: callID, Reason: reason})
	return nil
}

func (s *stubRetries) all() []scheduledRetry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]scheduledRetry(nil), s.calls...)
}

type fixture struct {
	orch     *Orchestrator
	records  *callrecord.MemoryRepo
	dir      *directory.MemoryDirectory
	provider *telephony.MockProvider
	queue    *tasks.MemoryQueue
	retries  *stubRetries
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		records:  callrecord.NewMemoryRepo(),
		dir:      directory.NewMemoryDirectory(),
		provider: telephony.NewMockProvider(log),
		queue:    tasks.NewMemoryQueue(),
		retries:  &stubRetries{},
	}
	f.records.Clock = func() time.Time { return testNow }

	f.orch = New(Config{
		Locks:       lock.NewService(lock.NewMemoryStore()),
		Records:     f.records,
		Patients:    f.dir,
		Medicines:   f.dir,
		Provider:    f.provider,
		Tasks:       f.queue,
		Log:         log,
		CallTimeout: 10 * time.Minute,
	})
	f.orch.SetClock(func() time.Time { return testNow })
	f.orch.SetRetryScheduler(f.retries)
	return f
}

func (f *fixture) addPatient(id string, mutate func(*directory.Patient)) {
	p := directory.Patient{
		ID:       id,
		FullName: "Asha Rao",
		Phone:    "+14155550100",
		Timezone: "Asia/Kolkata",
	}
	if mutate != nil {
		mutate(&p)
	}
	f.dir.PutPatient(p)
	f.dir.PutMedicines(id,
		directory.Medicine{ID: "m1", PatientID: id, Name: "Metformin", Slot: "morning", IsActive: true},
		directory.Medicine{ID: "m2", PatientID: id, Name: "Lisinopril", Slot: "morning", IsActive: true},
	)
}

func TestInitiateCall_PlacesCallAndStoresRecord(t *testing.T) {
	f := newFixture(t)
	f.addPatient("p1", nil)

	if err := f.orch.InitiateCall(context.Background(), DueCall{PatientID: "p1", Slot: "morning"}); err != nil {
		t.Fatalf("initiate: %v", err)
	}

	recs := f.records.All()
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	rec := recs[0]
	if rec.Status != callrecord.StatusInProgress {
		t.Fatalf("expected in_progress, got %s", rec.Status)
	}
	if rec.ProviderSessionID == "" {
		t.Fatalf("expected provider session id")
	}
	if rec.IsRetry {
		t.Fatalf("fresh call must not be a retry")
	}
	if len(rec.Responses) != 2 {
		t.Fatalf("expected 2 medicine responses, got %d", len(rec.Responses))
	}
	for _, mr := range rec.Responses {
		if mr.Response != callrecord.ResponsePending {
			t.Fatalf("snapshot must start pending, got %s", mr.Response)
		}
	}

	if placed := f.provider.Placed(); len(placed) != 1 || placed[0].CallID != rec.ID {
		t.Fatalf("expected one dial for %s, got %+v", rec.ID, placed)
	}

	pending := f.queue.All()
	if len(pending) != 1 {
		t.Fatalf("expected a timeout-check task, got %d", len(pending))
	}
	task := pending[0]
	if task.TargetPath != TimeoutCheckPath {
		t.Fatalf("unexpected task target %s", task.TargetPath)
	}
	if task.IdempotencyKey != "timeout:"+rec.ID {
		t.Fatalf("unexpected idempotency key %s", task.IdempotencyKey)
	}
	if want := testNow.Add(10 * time.Minute); !task.FireAt.Equal(want) {
		t.Fatalf("timeout fire at %v, want %v", task.FireAt, want)
	}
}

func TestInitiateCall_OncePerLocalDay(t *testing.T) {
	f := newFixture(t)
	f.addPatient("p1", nil)
	ctx := context.Background()

	due := DueCall{PatientID: "p1", Slot: "morning"}
	if err := f.orch.InitiateCall(ctx, due); err != nil {
		t.Fatalf("first initiate: %v", err)
	}
	if err := f.orch.InitiateCall(ctx, due); err != nil {
		t.Fatalf("second initiate: %v", err)
	}

	if got := len(f.records.All()); got != 1 {
		t.Fatalf("expected the daily limit to hold, got %d records", got)
	}
	if got := len(f.provider.Placed()); got != 1 {
		t.Fatalf("expected 1 dial, got %d", got)
	}
}

func TestInitiateCall_TestPatientBypassesDailyLimit(t *testing.T) {
	f := newFixture(t)
	f.addPatient("p1", func(p *directory.Patient) { p.IsTest = true })
	ctx := context.Background()

	due := DueCall{PatientID: "p1", Slot: "morning"}
	for i := 0; i < 3; i++ {
		if err := f.orch.InitiateCall(ctx, due); err != nil {
			t.Fatalf("initiate %d: %v", i, err)
		}
	}

	if got := len(f.records.All()); got != 3 {
		t.Fatalf("test patient should bypass the daily limit, got %d records", got)
	}
}

// Two instances racing the same patient: the shared lease store lets exactly
// one of them win, and the loser must not dial.
func TestInitiateCall_ConcurrentInstancesSingleWinner(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	records := callrecord.NewMemoryRepo()
	records.Clock = func() time.Time { return testNow }
	dir := directory.NewMemoryDirectory()
	dir.PutPatient(directory.Patient{ID: "p1", FullName: "Asha Rao", Phone: "+14155550100", Timezone: "UTC"})
	dir.PutMedicines("p1", directory.Medicine{ID: "m1", PatientID: "p1", Name: "Metformin", IsActive: true})
	provider := telephony.NewMockProvider(log)
	leases := lock.NewMemoryStore()

	const instances = 8
	orchs := make([]*Orchestrator, instances)
	for i := range orchs {
		orchs[i] = New(Config{
			Locks:     lock.NewService(leases),
			Records:   records,
			Patients:  dir,
			Medicines: dir,
			Provider:  provider,
			Log:       log,
		})
		orchs[i].SetClock(func() time.Time { return testNow })
	}

	var wg sync.WaitGroup
	start := make(chan struct{})
	for _, o := range orchs {
		wg.Add(1)
		go func(o *Orchestrator) {
			defer wg.Done()
			<-start
			if err := o.InitiateCall(context.Background(), DueCall{PatientID: "p1", Slot: "morning"}); err != nil {
				t.Errorf("initiate: %v", err)
			}
		}(o)
	}
	close(start)
	wg.Wait()

	if got := len(records.All()); got != 1 {
		t.Fatalf("expected exactly 1 record across instances, got %d", got)
	}
	if got := len(provider.Placed()); got != 1 {
		t.Fatalf("expected exactly 1 dial across instances, got %d", got)
	}
}

func TestInitiateCall_SkipsPausedPatient(t *testing.T) {
	f := newFixture(t)
	f.addPatient("p1", func(p *directory.Patient) { p.IsPaused = true })

	if err := f.orch.InitiateCall(context.Background(), DueCall{PatientID: "p1", Slot: "morning"}); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if got := len(f.records.All()); got != 0 {
		t.Fatalf("paused patient must not produce a record, got %d", got)
	}
}

func TestInitiateCall_SkipsPatientWithoutActiveMedicines(t *testing.T) {
	f := newFixture(t)
	f.dir.PutPatient(directory.Patient{ID: "p1", FullName: "Asha Rao", Phone: "+14155550100", Timezone: "UTC"})
	f.dir.PutMedicines("p1", directory.Medicine{ID: "m1", PatientID: "p1", Name: "Metformin", IsActive: false})

	if err := f.orch.InitiateCall(context.Background(), DueCall{PatientID: "p1", Slot: "morning"}); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if got := len(f.records.All()); got != 0 {
		t.Fatalf("expected no record without active medicines, got %d", got)
	}
}

func TestInitiateCall_ProviderFailureRoutesToRetry(t *testing.T) {
	f := newFixture(t)
	f.addPatient("p1", nil)
	f.provider.Fail = errors.New("twilio: 500")

	if err := f.orch.InitiateCall(context.Background(), DueCall{PatientID: "p1", Slot: "morning"}); err != nil {
		t.Fatalf("initiate must not propagate a handled dial failure: %v", err)
	}

	recs := f.records.All()
	if len(recs) != 1 || recs[0].Status != callrecord.StatusFailed {
		t.Fatalf("expected one failed record, got %+v", recs)
	}
	calls := f.retries.all()
	if len(calls) != 1 || calls[0].Reason != retry.ReasonFailed || calls[0].CallID != recs[0].ID {
		t.Fatalf("expected failed-reason retry for %s, got %+v", recs[0].ID, calls)
	}
}

func TestInitiateCall_DialCapacityUsesBusyReason(t *testing.T) {
	f := newFixture(t)
	f.addPatient("p1", nil)
	f.provider.Fail = telephony.ErrDialCapacity

	if err := f.orch.InitiateCall(context.Background(), DueCall{PatientID: "p1", Slot: "morning"}); err != nil {
		t.Fatalf("initiate: %v", err)
	}

	calls := f.retries.all()
	if len(calls) != 1 || calls[0].Reason != retry.ReasonBusy {
		t.Fatalf("expected busy-reason retry, got %+v", calls)
	}
}

func TestProcessBatch_IsolatesFailures(t *testing.T) {
	f := newFixture(t)
	f.addPatient("p1", nil)
	// p2 has no directory entry at all; its lookup fails.
	f.addPatient("p3", nil)

	f.orch.ProcessBatch(context.Background(), []DueCall{
		{PatientID: "p1", Slot: "morning"},
		{PatientID: "p2", Slot: "morning"},
		{PatientID: "p3", Slot: "morning"},
	})

	if got := len(f.records.All()); got != 2 {
		t.Fatalf("expected the healthy patients to be called, got %d records", got)
	}
}

func placeCall(t *testing.T, f *fixture, patientID string) callrecord.CallRecord {
	t.Helper()
	if err := f.orch.InitiateCall(context.Background(), DueCall{PatientID: patientID, Slot: "morning"}); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	recs := f.records.All()
	if len(recs) == 0 {
		t.Fatalf("no record created")
	}
	return recs[len(recs)-1]
}

func TestHandleCompletion_Completed(t *testing.T) {
	f := newFixture(t)
	f.addPatient("p1", nil)
	rec := placeCall(t, f, "p1")

	err := f.orch.HandleCompletion(context.Background(), telephony.CompletionPayload{
		CallID: rec.ID,
		Status: telephony.CompletionStatusCompleted,
		MedicineResponses: []telephony.MedicineResult{
			{MedicineID: "m1", Response: "taken"},
		},
		Mood:            "cheerful",
		DurationSeconds: 95,
		VitalsChecked:   true,
	})
	if err != nil {
		t.Fatalf("handle completion: %v", err)
	}

	got, err := f.records.GetByID(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if got.Status != callrecord.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.DurationSeconds != 95 || got.Mood != "cheerful" || !got.VitalsChecked {
		t.Fatalf("completion details not stored: %+v", got)
	}
	byID := map[string]callrecord.Response{}
	for _, mr := range got.Responses {
		byID[mr.MedicineID] = mr.Response
	}
	if byID["m1"] != callrecord.ResponseTaken {
		t.Fatalf("expected m1 taken, got %s", byID["m1"])
	}
	// m2 was not mentioned by the webhook; it stays pending.
	if byID["m2"] != callrecord.ResponsePending {
		t.Fatalf("expected m2 pending, got %s", byID["m2"])
	}
	if got := len(f.retries.all()); got != 0 {
		t.Fatalf("completed call must not schedule a retry, got %d", got)
	}
}

func TestHandleCompletion_NoAnswerSchedulesRetry(t *testing.T) {
	f := newFixture(t)
	f.addPatient("p1", nil)
	rec := placeCall(t, f, "p1")

	err := f.orch.HandleCompletion(context.Background(), telephony.CompletionPayload{
		CallID: rec.ID,
		Status: telephony.CompletionStatusNoAnswer,
	})
	if err != nil {
		t.Fatalf("handle completion: %v", err)
	}

	got, _ := f.records.GetByID(context.Background(), rec.ID)
	if got.Status != callrecord.StatusNoAnswer {
		t.Fatalf("expected no_answer, got %s", got.Status)
	}
	calls := f.retries.all()
	if len(calls) != 1 || calls[0].Reason != retry.ReasonNoAnswer {
		t.Fatalf("expected no_answer retry, got %+v", calls)
	}
}

func TestHandleCompletion_DeclinedIsTerminal(t *testing.T) {
	f := newFixture(t)
	f.addPatient("p1", nil)
	rec := placeCall(t, f, "p1")

	err := f.orch.HandleCompletion(context.Background(), telephony.CompletionPayload{
		CallID:            rec.ID,
		Status:            telephony.CompletionStatusNoAnswer,
		TerminationReason: telephony.TerminationReasonDeclined,
	})
	if err != nil {
		t.Fatalf("handle completion: %v", err)
	}

	got, _ := f.records.GetByID(context.Background(), rec.ID)
	if got.Status != callrecord.StatusDeclined {
		t.Fatalf("expected declined, got %s", got.Status)
	}
	if got := len(f.retries.all()); got != 0 {
		t.Fatalf("declined call must not schedule a retry, got %d", got)
	}
}

func TestHandleCompletion_ReScheduledRequestsLaterCall(t *testing.T) {
	f := newFixture(t)
	f.addPatient("p1", nil)
	rec := placeCall(t, f, "p1")

	err := f.orch.HandleCompletion(context.Background(), telephony.CompletionPayload{
		CallID:      rec.ID,
		Status:      telephony.CompletionStatusCompleted,
		ReScheduled: true,
	})
	if err != nil {
		t.Fatalf("handle completion: %v", err)
	}

	calls := f.retries.all()
	if len(calls) != 1 || calls[0].Reason != retry.ReasonReScheduled {
		t.Fatalf("expected re_scheduled retry, got %+v", calls)
	}
}

// The timeout detector finalized first; the late webhook must not overwrite
// its verdict or double-schedule a retry.
func TestHandleCompletion_LosesFinalizationRace(t *testing.T) {
	f := newFixture(t)
	f.addPatient("p1", nil)
	rec := placeCall(t, f, "p1")

	if err := f.records.UpdateStatus(context.Background(), rec.ID, callrecord.StatusNoAnswer); err != nil {
		t.Fatalf("simulate timeout win: %v", err)
	}

	err := f.orch.HandleCompletion(context.Background(), telephony.CompletionPayload{
		CallID:          rec.ID,
		Status:          telephony.CompletionStatusCompleted,
		DurationSeconds: 60,
	})
	if err != nil {
		t.Fatalf("handle completion: %v", err)
	}

	got, _ := f.records.GetByID(context.Background(), rec.ID)
	if got.Status != callrecord.StatusNoAnswer {
		t.Fatalf("late webhook must not override, got %s", got.Status)
	}
	if got.DurationSeconds != 0 {
		t.Fatalf("late webhook must not store completion details")
	}
	if got := len(f.retries.all()); got != 0 {
		t.Fatalf("lost race must not schedule a retry, got %d", got)
	}
}
