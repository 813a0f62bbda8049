package callconfig

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("call config not found")

// Repository is the persistence contract for call configs.
// One row per patient.
type Repository interface {
	GetByPatient(ctx context.Context, patientID string) (*CallConfig, error)

	// ListActive returns every config with is_active=true. The poll
	// dispatcher scans this set each tick.
	ListActive(ctx context.Context) ([]CallConfig, error)

	Upsert(ctx context.Context, cfg *CallConfig) error

	// SetSlot writes one slot value ("" clears, SlotPending provisions,
	// "HH:MM" schedules). Used when medicines are added, removed, or
	// rescheduled.
	SetSlot(ctx context.Context, patientID string, slot Slot, value string) error
}
