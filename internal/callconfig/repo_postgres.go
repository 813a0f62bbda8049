package callconfig

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PostgresRepo persists call configs.
//
// Assumed schema:
//
//	CREATE TABLE call_configs (
//	  patient_id             TEXT PRIMARY KEY,
//	  timezone               TEXT NOT NULL DEFAULT 'UTC',
//	  is_active              BOOLEAN NOT NULL DEFAULT TRUE,
//	  morning                TEXT NOT NULL DEFAULT '',
//	  afternoon              TEXT NOT NULL DEFAULT '',
//	  evening                TEXT NOT NULL DEFAULT '',
//	  night                  TEXT NOT NULL DEFAULT '',
//	  retry_enabled          BOOLEAN NOT NULL DEFAULT TRUE,
//	  max_retries            INT NOT NULL DEFAULT 2,
//	  retry_interval_minutes INT NOT NULL DEFAULT 0,
//	  retry_only_for         JSONB NOT NULL DEFAULT '[]',
//	  updated_at             TIMESTAMPTZ NOT NULL
//	);
type PostgresRepo struct {
	db    *sql.DB
	clock func() time.Time
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db, clock: time.Now}
}

const configColumns = `
patient_id, timezone, is_active, morning, afternoon, evening, night,
retry_enabled, max_retries, retry_interval_minutes, retry_only_for, updated_at
`

func (r *PostgresRepo) GetByPatient(ctx context.Context, patientID string) (*CallConfig, error) {
	q := `SELECT ` + configColumns + ` FROM call_configs WHERE patient_id = $1`
	cfg, err := scanConfig(r.db.QueryRowContext(ctx, q, patientID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return cfg, err
}

func (r *PostgresRepo) ListActive(ctx context.Context) ([]CallConfig, error) {
	q := `SELECT ` + configColumns + ` FROM call_configs WHERE is_active = TRUE ORDER BY patient_id`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list active configs: %w", err)
	}
	defer rows.Close()

	var out []CallConfig
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *cfg)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) Upsert(ctx context.Context, cfg *CallConfig) error {
	whitelist, err := json.Marshal(cfg.RetryOnlyForStatuses)
	if err != nil {
		return fmt.Errorf("marshal retry whitelist: %w", err)
	}

	const q = `
INSERT INTO call_configs (
  patient_id, timezone, is_active, morning, afternoon, evening, night,
  retry_enabled, max_retries, retry_interval_minutes, retry_only_for, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
)
ON CONFLICT (patient_id)
DO UPDATE SET timezone = EXCLUDED.timezone,
              is_active = EXCLUDED.is_active,
              morning = EXCLUDED.morning,
              afternoon = EXCLUDED.afternoon,
              evening = EXCLUDED.evening,
              night = EXCLUDED.night,
              retry_enabled = EXCLUDED.retry_enabled,
              max_retries = EXCLUDED.max_retries,
              retry_interval_minutes = EXCLUDED.retry_interval_minutes,
              retry_only_for = EXCLUDED.retry_only_for,
              updated_at = EXCLUDED.updated_at
`
	_, err = r.db.ExecContext(ctx, q,
		cfg.PatientID,
		cfg.Timezone,
		cfg.IsActive,
		cfg.Morning,
		cfg.Afternoon,
		cfg.Evening,
		cfg.Night,
		cfg.RetryEnabled,
		cfg.MaxRetries,
		cfg.RetryIntervalMinutes,
		whitelist,
		r.clock().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert call config: %w", err)
	}
	return nil
}

func (r *PostgresRepo) SetSlot(ctx context.Context, patientID string, slot Slot, value string) error {
	col, ok := slotColumn(slot)
	if !ok {
		return fmt.Errorf("unknown slot %q", slot)
	}

	// col comes from the fixed slot set above, never from input.
	q := fmt.Sprintf(`UPDATE call_configs SET %s = $2, updated_at = $3 WHERE patient_id = $1`, col)
	res, err := r.db.ExecContext(ctx, q, patientID, value, r.clock().UTC())
	if err != nil {
		return fmt.Errorf("set slot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func slotColumn(s Slot) (string, bool) {
	switch s {
	case SlotMorning:
		return "morning", true
	case SlotAfternoon:
		return "afternoon", true
	case SlotEvening:
		return "evening", true
	case SlotNight:
		return "night", true
	}
	return "", false
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConfig(row rowScanner) (*CallConfig, error) {
	var cfg CallConfig
	var whitelist []byte

	err := row.Scan(
		&cfg.PatientID,
		&cfg.Timezone,
		&cfg.IsActive,
		&cfg.Morning,
		&cfg.Afternoon,
		&cfg.Evening,
		&cfg.Night,
		&cfg.RetryEnabled,
		&cfg.MaxRetries,
		&cfg.RetryIntervalMinutes,
		&whitelist,
		&cfg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if whitelist != nil {
		if err := json.Unmarshal(whitelist, &cfg.RetryOnlyForStatuses); err != nil {
			return nil, fmt.Errorf("unmarshal retry whitelist: %w", err)
		}
	}
	return &cfg, nil
}
