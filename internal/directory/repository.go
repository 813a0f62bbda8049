package directory

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("directory: not found")

// PatientRepository is the read-side contract against the patient directory.
type PatientRepository interface {
	FindByID(ctx context.Context, id string) (*Patient, error)

	// SetPaused is the one mutator this service is allowed: permanent
	// per-patient failures (invalid phone) pause the patient instead of
	// retrying forever.
	SetPaused(ctx context.Context, id string, paused bool) error
}

// MedicineRepository is the read-side contract for prescriptions.
type MedicineRepository interface {
	FindActiveByPatient(ctx context.Context, patientID string) ([]Medicine, error)
}
