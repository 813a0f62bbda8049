package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresDirectory reads the patient directory's replicated tables.
//
// Assumed schema:
//
//	CREATE TABLE patients (
//	  id        TEXT PRIMARY KEY,
//	  full_name TEXT NOT NULL,
//	  phone     TEXT NOT NULL DEFAULT '',
//	  timezone  TEXT NOT NULL DEFAULT 'UTC',
//	  is_paused BOOLEAN NOT NULL DEFAULT FALSE,
//	  is_test   BOOLEAN NOT NULL DEFAULT FALSE
//	);
//
//	CREATE TABLE medicines (
//	  id         TEXT PRIMARY KEY,
//	  patient_id TEXT NOT NULL REFERENCES patients(id),
//	  name       TEXT NOT NULL,
//	  dosage     TEXT NOT NULL DEFAULT '',
//	  slot       TEXT NOT NULL DEFAULT '',
//	  is_active  BOOLEAN NOT NULL DEFAULT TRUE,
//	  created_at TIMESTAMPTZ NOT NULL
//	);
//	CREATE INDEX medicines_patient_active ON medicines (patient_id) WHERE is_active;
type PostgresDirectory struct {
	db    *sql.DB
	clock func() time.Time
}

func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db, clock: time.Now}
}

func (d *PostgresDirectory) FindByID(ctx context.Context, id string) (*Patient, error) {
	const q = `
SELECT id, full_name, phone, timezone, is_paused, is_test
FROM patients WHERE id = $1`

	var p Patient
	err := d.db.QueryRowContext(ctx, q, id).Scan(
		&p.ID, &p.FullName, &p.Phone, &p.Timezone, &p.IsPaused, &p.IsTest,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find patient: %w", err)
	}
	return &p, nil
}

func (d *PostgresDirectory) SetPaused(ctx context.Context, id string, paused bool) error {
	const q = `UPDATE patients SET is_paused = $2 WHERE id = $1`
	res, err := d.db.ExecContext(ctx, q, id, paused)
	if err != nil {
		return fmt.Errorf("set paused: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (d *PostgresDirectory) FindActiveByPatient(ctx context.Context, patientID string) ([]Medicine, error) {
	const q = `
SELECT id, patient_id, name, dosage, slot, is_active, created_at
FROM medicines
WHERE patient_id = $1 AND is_active = TRUE
ORDER BY created_at, id`

	rows, err := d.db.QueryContext(ctx, q, patientID)
	if err != nil {
		return nil, fmt.Errorf("list active medicines: %w", err)
	}
	defer rows.Close()

	var out []Medicine
	for rows.Next() {
		var m Medicine
		if err := rows.Scan(&m.ID, &m.PatientID, &m.Name, &m.Dosage, &m.Slot, &m.IsActive, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan medicine: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
