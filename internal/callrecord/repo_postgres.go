package callrecord

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"carecall-platform/pkg/utils"
)

// PostgresRepo persists call records.
//
// Assumed schema:
//
//	CREATE TABLE call_records (
//	  id                  TEXT PRIMARY KEY,
//	  patient_id          TEXT NOT NULL,
//	  scheduled_at        TIMESTAMPTZ NOT NULL,
//	  status              TEXT NOT NULL,
//	  retry_count         INT NOT NULL DEFAULT 0,
//	  is_retry            BOOLEAN NOT NULL DEFAULT FALSE,
//	  original_call_id    TEXT,
//	  provider_session_id TEXT,
//	  responses           JSONB NOT NULL DEFAULT '[]',
//	  duration_seconds    INT NOT NULL DEFAULT 0,
//	  mood                TEXT,
//	  complaints          TEXT,
//	  vitals_checked      BOOLEAN NOT NULL DEFAULT FALSE,
//	  termination_reason  TEXT,
//	  created_at          TIMESTAMPTZ NOT NULL,
//	  updated_at          TIMESTAMPTZ NOT NULL
//	);
//	CREATE INDEX ON call_records (patient_id, scheduled_at);
//	CREATE INDEX ON call_records (status, is_retry, scheduled_at);
//
// No DELETE statements exist here; records are the audit trail.
type PostgresRepo struct {
	db    *sql.DB
	clock func() time.Time
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db, clock: time.Now}
}

const recordColumns = `
id, patient_id, scheduled_at, status, retry_count, is_retry,
original_call_id, provider_session_id, responses, duration_seconds,
mood, complaints, vitals_checked, termination_reason, created_at, updated_at
`

func (r *PostgresRepo) Create(ctx context.Context, rec *CallRecord) error {
	responses, err := json.Marshal(rec.Responses)
	if err != nil {
		return fmt.Errorf("marshal responses: %w", err)
	}

	const q = `
INSERT INTO call_records (
  id, patient_id, scheduled_at, status, retry_count, is_retry,
  original_call_id, provider_session_id, responses, duration_seconds,
  mood, complaints, vitals_checked, termination_reason, created_at, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16
)
`
	_, err = r.db.ExecContext(ctx, q,
		rec.ID,
		rec.PatientID,
		rec.ScheduledAt,
		rec.Status,
		rec.RetryCount,
		rec.IsRetry,
		nullString(rec.OriginalCallID),
		nullString(rec.ProviderSessionID),
		responses,
		rec.DurationSeconds,
		nullString(rec.Mood),
		nullString(rec.Complaints),
		rec.VitalsChecked,
		nullString(rec.TerminationReason),
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert call record: %w", err)
	}
	return nil
}

func (r *PostgresRepo) GetByID(ctx context.Context, id string) (*CallRecord, error) {
	q := `SELECT ` + recordColumns + ` FROM call_records WHERE id = $1`
	return scanRecord(r.db.QueryRowContext(ctx, q, id))
}

func (r *PostgresRepo) Claim(ctx context.Context, id string, from, to Status) (bool, error) {
	const q = `
UPDATE call_records
SET status = $3, updated_at = $4
WHERE id = $1 AND status = $2
`
	res, err := r.db.ExecContext(ctx, q, id, from, to, r.clock().UTC())
	if err != nil {
		return false, fmt.Errorf("claim call record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *PostgresRepo) UpdateStatus(ctx context.Context, id string, status Status) error {
	const q = `UPDATE call_records SET status = $2, updated_at = $3 WHERE id = $1`
	res, err := r.db.ExecContext(ctx, q, id, status, r.clock().UTC())
	if err != nil {
		return fmt.Errorf("update call status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepo) SetInProgress(ctx context.Context, id, providerSessionID string) error {
	const q = `
UPDATE call_records
SET status = $2, provider_session_id = $3, updated_at = $4
WHERE id = $1
`
	res, err := r.db.ExecContext(ctx, q, id, StatusInProgress, providerSessionID, r.clock().UTC())
	if err != nil {
		return fmt.Errorf("set call in progress: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepo) SetCompletion(ctx context.Context, id string, c Completion) error {
	responses, err := json.Marshal(c.Responses)
	if err != nil {
		return fmt.Errorf("marshal responses: %w", err)
	}

	const q = `
UPDATE call_records
SET responses = $2, duration_seconds = $3, mood = $4, complaints = $5,
    vitals_checked = $6, termination_reason = $7, updated_at = $8
WHERE id = $1
`
	res, err := r.db.ExecContext(ctx, q,
		id,
		responses,
		c.DurationSeconds,
		nullString(c.Mood),
		nullString(c.Complaints),
		c.VitalsChecked,
		nullString(c.TerminationReason),
		r.clock().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set call completion: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepo) MarkPendingResponsesMissed(ctx context.Context, id string) error {
	// Read-modify-write under a row lock. The rewrite is idempotent: only
	// pending entries change, and the list is replaced, never appended to.
	return utils.WithTx(ctx, r.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		const sel = `SELECT responses FROM call_records WHERE id = $1 FOR UPDATE`
		var raw []byte
		if err := tx.QueryRowContext(ctx, sel, id).Scan(&raw); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}

		var responses []MedicineResponse
		if err := json.Unmarshal(raw, &responses); err != nil {
			return fmt.Errorf("unmarshal responses: %w", err)
		}

		changed := false
		for i := range responses {
			if responses[i].Response == ResponsePending {
				responses[i].Response = ResponseMissed
				changed = true
			}
		}
		if !changed {
			return nil
		}

		out, err := json.Marshal(responses)
		if err != nil {
			return fmt.Errorf("marshal responses: %w", err)
		}
		const upd = `UPDATE call_records SET responses = $2, updated_at = $3 WHERE id = $1`
		_, err = tx.ExecContext(ctx, upd, id, out, r.clock().UTC())
		return err
	})
}

func (r *PostgresRepo) CountNonRetryBetween(ctx context.Context, patientID string, from, to time.Time) (int, error) {
	const q = `
SELECT COUNT(*)
FROM call_records
WHERE patient_id = $1 AND is_retry = FALSE AND scheduled_at >= $2 AND scheduled_at < $3
`
	var n int
	if err := r.db.QueryRowContext(ctx, q, patientID, from, to).Scan(&n); err != nil {
		return 0, fmt.Errorf("count non-retry calls: %w", err)
	}
	return n, nil
}

func (r *PostgresRepo) HasCompletedBetween(ctx context.Context, patientID string, from, to time.Time) (bool, error) {
	const q = `
SELECT EXISTS (
  SELECT 1 FROM call_records
  WHERE patient_id = $1 AND status = $2 AND scheduled_at >= $3 AND scheduled_at < $4
)
`
	var ok bool
	if err := r.db.QueryRowContext(ctx, q, patientID, StatusCompleted, from, to).Scan(&ok); err != nil {
		return false, fmt.Errorf("check completed calls: %w", err)
	}
	return ok, nil
}

func (r *PostgresRepo) FindPendingRetry(ctx context.Context, patientID string) (*CallRecord, error) {
	q := `
SELECT ` + recordColumns + `
FROM call_records
WHERE patient_id = $1 AND status = $2 AND is_retry = TRUE
ORDER BY scheduled_at ASC
LIMIT 1
`
	rec, err := scanRecord(r.db.QueryRowContext(ctx, q, patientID, StatusScheduled))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return rec, err
}

func (r *PostgresRepo) ListDueRetries(ctx context.Context, now time.Time) ([]CallRecord, error) {
	q := `
SELECT ` + recordColumns + `
FROM call_records
WHERE status = $1 AND is_retry = TRUE AND scheduled_at <= $2
ORDER BY scheduled_at ASC, id ASC
`
	return r.list(ctx, q, StatusScheduled, now)
}

func (r *PostgresRepo) ListStalledInProgress(ctx context.Context, before time.Time) ([]CallRecord, error) {
	q := `
SELECT ` + recordColumns + `
FROM call_records
WHERE status = $1 AND updated_at < $2
ORDER BY updated_at ASC
`
	return r.list(ctx, q, StatusInProgress, before)
}

func (r *PostgresRepo) list(ctx context.Context, q string, args ...any) ([]CallRecord, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list call records: %w", err)
	}
	defer rows.Close()

	var out []CallRecord
	for rows.Next() {
		rec, err := scanRecordFromRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// --- Scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*CallRecord, error) {
	rec, err := scanRecordFromRows(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func scanRecordFromRows(row rowScanner) (*CallRecord, error) {
	var rec CallRecord
	var responses []byte
	var originalCallID, providerSessionID, mood, complaints, terminationReason *string

	err := row.Scan(
		&rec.ID,
		&rec.PatientID,
		&rec.ScheduledAt,
		&rec.Status,
		&rec.RetryCount,
		&rec.IsRetry,
		&originalCallID,
		&providerSessionID,
		&responses,
		&rec.DurationSeconds,
		&mood,
		&complaints,
		&rec.VitalsChecked,
		&terminationReason,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if responses != nil {
		if err := json.Unmarshal(responses, &rec.Responses); err != nil {
			return nil, fmt.Errorf("unmarshal responses: %w", err)
		}
	}
	if originalCallID != nil {
		rec.OriginalCallID = *originalCallID
	}
	if providerSessionID != nil {
		rec.ProviderSessionID = *providerSessionID
	}
	if mood != nil {
		rec.Mood = *mood
	}
	if complaints != nil {
		rec.Complaints = *complaints
	}
	if terminationReason != nil {
		rec.TerminationReason = *terminationReason
	}
	return &rec, nil
}

// nullString returns nil for an empty string (NULL in the DB).
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
