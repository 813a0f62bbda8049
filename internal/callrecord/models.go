package callrecord

import "time"

// Status is the call attempt state machine.
//
// Transitions out of in_progress are claim-guarded (compare-and-set): the
// completion webhook and the timeout detector race by design, and exactly
// one of them may win.
type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusNoAnswer   Status = "no_answer"
	StatusBusy       Status = "busy"
	StatusFailed     Status = "failed"
	StatusDeclined   Status = "declined"
)

// Response is the outcome recorded per medicine on a call.
type Response string

const (
	ResponsePending Response = "pending"
	ResponseTaken   Response = "taken"
	ResponseMissed  Response = "missed"
	ResponseUnclear Response = "unclear"
)

// MedicineResponse is one entry of the per-medicine snapshot taken when the
// record is created. The snapshot is a value copy: retry records get a fresh
// list reset to pending, never a shared reference to the failed attempt's.
type MedicineResponse struct {
	MedicineID   string   `json:"medicine_id"`
	MedicineName string   `json:"medicine_name"`
	Response     Response `json:"response"`
}

// CallRecord is one call attempt. Records are never deleted; they are the
// audit trail.
//
// Invariants (enforced by the orchestrator and retry handler, verified by
// repository queries):
// - at most one non-retry record per patient per local calendar day
// - at most one record per patient with status=scheduled and is_retry=true
type CallRecord struct {
	ID        string `json:"id" db:"id"`
	PatientID string `json:"patient_id" db:"patient_id"`

	ScheduledAt time.Time `json:"scheduled_at" db:"scheduled_at"`
	Status      Status    `json:"status" db:"status"`

	RetryCount int  `json:"retry_count" db:"retry_count"`
	IsRetry    bool `json:"is_retry" db:"is_retry"`

	// OriginalCallID chains a retry back to the first attempt in its
	// lineage; empty on non-retry records.
	OriginalCallID string `json:"original_call_id,omitempty" db:"original_call_id"`

	// ProviderSessionID is the provider's conversation/session id, set when
	// the call goes in_progress. Provider-specific payloads stay out of
	// this model.
	ProviderSessionID string `json:"provider_session_id,omitempty" db:"provider_session_id"`

	Responses []MedicineResponse `json:"responses" db:"responses"`

	// Completion details, filled by the webhook when it wins the
	// finalization race.
	DurationSeconds   int    `json:"duration_seconds,omitempty" db:"duration_seconds"`
	Mood              string `json:"mood,omitempty" db:"mood"`
	Complaints        string `json:"complaints,omitempty" db:"complaints"`
	VitalsChecked     bool   `json:"vitals_checked" db:"vitals_checked"`
	TerminationReason string `json:"termination_reason,omitempty" db:"termination_reason"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// LineageRootID is the first attempt of this record's retry chain.
func (r *CallRecord) LineageRootID() string {
	if r.IsRetry && r.OriginalCallID != "" {
		return r.OriginalCallID
	}
	return r.ID
}

// IsPendingRetry reports whether this record is a retry waiting to fire.
func (r *CallRecord) IsPendingRetry() bool {
	return r.IsRetry && r.Status == StatusScheduled
}

// Completion carries the webhook's normalized result.
type Completion struct {
	Responses         []MedicineResponse
	DurationSeconds   int
	Mood              string
	Complaints        string
	VitalsChecked     bool
	TerminationReason string
}

// DayBounds returns the [start, end) window of t's calendar day in loc.
// Daily-limit checks must use the patient's timezone, not server time.
func DayBounds(t time.Time, loc *time.Location) (time.Time, time.Time) {
	local := t.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}
