package callrecord

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo is an in-memory repository useful for tests.
// It is not intended for production use, but it honors the same contract,
// including atomic Claim under its mutex.
type MemoryRepo struct {
	mu      sync.Mutex
	records map[string]*CallRecord
	// Clock is injectable for deterministic tests.
	Clock func() time.Time
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		records: make(map[string]*CallRecord),
		Clock:   time.Now,
	}
}

func (r *MemoryRepo) Create(ctx context.Context, rec *CallRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := cloneRecord(rec)
	r.records[rec.ID] = cp
	return nil
}

func (r *MemoryRepo) GetByID(ctx context.Context, id string) (*CallRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (r *MemoryRepo) Claim(ctx context.Context, id string, from, to Status) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return false, ErrNotFound
	}
	if rec.Status != from {
		return false, nil
	}
	rec.Status = to
	rec.UpdatedAt = r.Clock().UTC()
	return true, nil
}

func (r *MemoryRepo) UpdateStatus(ctx context.Context, id string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	rec.UpdatedAt = r.Clock().UTC()
	return nil
}

func (r *MemoryRepo) SetInProgress(ctx context.Context, id, providerSessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return ErrNotFound
	}
	rec.Status = StatusInProgress
	rec.ProviderSessionID = providerSessionID
	rec.UpdatedAt = r.Clock().UTC()
	return nil
}

func (r *MemoryRepo) SetCompletion(ctx context.Context, id string, c Completion) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return ErrNotFound
	}
	rec.Responses = append([]MedicineResponse(nil), c.Responses...)
	rec.DurationSeconds = c.DurationSeconds
	rec.Mood = c.Mood
	rec.Complaints = c.Complaints
	rec.VitalsChecked = c.VitalsChecked
	rec.TerminationReason = c.TerminationReason
	rec.UpdatedAt = r.Clock().UTC()
	return nil
}

func (r *MemoryRepo) MarkPendingResponsesMissed(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return ErrNotFound
	}
	for i := range rec.Responses {
		if rec.Responses[i].Response == ResponsePending {
			rec.Responses[i].Response = ResponseMissed
		}
	}
	rec.UpdatedAt = r.Clock().UTC()
	return nil
}

func (r *MemoryRepo) CountNonRetryBetween(ctx context.Context, patientID string, from, to time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, rec := range r.records {
		if rec.PatientID == patientID && !rec.IsRetry && inWindow(rec.ScheduledAt, from, to) {
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepo) HasCompletedBetween(ctx context.Context, patientID string, from, to time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rec := range r.records {
		if rec.PatientID == patientID && rec.Status == StatusCompleted && inWindow(rec.ScheduledAt, from, to) {
			return true, nil
		}
	}
	return false, nil
}

func (r *MemoryRepo) FindPendingRetry(ctx context.Context, patientID string) (*CallRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var found *CallRecord
	for _, rec := range r.records {
		if rec.PatientID != patientID || !rec.IsPendingRetry() {
			continue
		}
		if found == nil || rec.ScheduledAt.Before(found.ScheduledAt) {
			found = rec
		}
	}
	if found == nil {
		return nil, nil
	}
	return cloneRecord(found), nil
}

func (r *MemoryRepo) ListDueRetries(ctx context.Context, now time.Time) ([]CallRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []CallRecord
	for _, rec := range r.records {
		if rec.IsPendingRetry() && !rec.ScheduledAt.After(now) {
			out = append(out, *cloneRecord(rec))
		}
	}
	sortRecords(out)
	return out, nil
}

func (r *MemoryRepo) ListStalledInProgress(ctx context.Context, before time.Time) ([]CallRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []CallRecord
	for _, rec := range r.records {
		if rec.Status == StatusInProgress && rec.UpdatedAt.Before(before) {
			out = append(out, *cloneRecord(rec))
		}
	}
	sortRecords(out)
	return out, nil
}

// All returns every record, for test assertions.
func (r *MemoryRepo) All() []CallRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]CallRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *cloneRecord(rec))
	}
	sortRecords(out)
	return out
}

func inWindow(t, from, to time.Time) bool {
	return !t.Before(from) && t.Before(to)
}

func sortRecords(recs []CallRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].ScheduledAt.Equal(recs[j].ScheduledAt) {
			return recs[i].ID < recs[j].ID
		}
		return recs[i].ScheduledAt.Before(recs[j].ScheduledAt)
	})
}

func cloneRecord(rec *CallRecord) *CallRecord {
	cp := *rec
	cp.Responses = append([]MedicineResponse(nil), rec.Responses...)
	return &cp
}
