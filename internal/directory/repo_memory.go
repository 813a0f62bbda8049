package directory

import (
	"context"
	"sync"
)

// MemoryDirectory is an in-memory directory useful for tests.
// It is not intended for production use.
type MemoryDirectory struct {
	mu        sync.Mutex
	patients  map[string]*Patient
	medicines map[string][]Medicine
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		patients:  make(map[string]*Patient),
		medicines: make(map[string][]Medicine),
	}
}

func (d *MemoryDirectory) PutPatient(p Patient) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := p
	d.patients[p.ID] = &cp
}

func (d *MemoryDirectory) PutMedicines(patientID string, meds ...Medicine) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.medicines[patientID] = append([]Medicine(nil), meds...)
}

func (d *MemoryDirectory) FindByID(ctx context.Context, id string) (*Patient, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.patients[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (d *MemoryDirectory) SetPaused(ctx context.Context, id string, paused bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.patients[id]
	if !ok {
		return ErrNotFound
	}
	p.IsPaused = paused
	return nil
}

func (d *MemoryDirectory) FindActiveByPatient(ctx context.Context, patientID string) ([]Medicine, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []Medicine
	for _, m := range d.medicines[patientID] {
		if m.IsActive {
			out = append(out, m)
		}
	}
	return out, nil
}
