package callconfig

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo is an in-memory repository useful for tests.
// It is not intended for production use.
type MemoryRepo struct {
	mu      sync.Mutex
	configs map[string]*CallConfig
	Clock   func() time.Time
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		configs: make(map[string]*CallConfig),
		Clock:   time.Now,
	}
}

func (r *MemoryRepo) GetByPatient(ctx context.Context, patientID string) (*CallConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg, ok := r.configs[patientID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *cfg
	cp.RetryOnlyForStatuses = append([]string(nil), cfg.RetryOnlyForStatuses...)
	return &cp, nil
}

func (r *MemoryRepo) ListActive(ctx context.Context) ([]CallConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []CallConfig
	for _, cfg := range r.configs {
		if cfg.IsActive {
			cp := *cfg
			cp.RetryOnlyForStatuses = append([]string(nil), cfg.RetryOnlyForStatuses...)
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PatientID < out[j].PatientID })
	return out, nil
}

func (r *MemoryRepo) Upsert(ctx context.Context, cfg *CallConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *cfg
	cp.RetryOnlyForStatuses = append([]string(nil), cfg.RetryOnlyForStatuses...)
	cp.UpdatedAt = r.Clock().UTC()
	r.configs[cfg.PatientID] = &cp
	return nil
}

func (r *MemoryRepo) SetSlot(ctx context.Context, patientID string, slot Slot, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg, ok := r.configs[patientID]
	if !ok {
		return ErrNotFound
	}
	cfg.setSlotValue(slot, value)
	cfg.UpdatedAt = r.Clock().UTC()
	return nil
}
