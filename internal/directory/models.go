package directory

import "time"

// Patient is the read model this service needs from the patient directory.
// The directory's CRUD lives in another subsystem; only lookups and the
// pause/resume mutator cross this boundary.
type Patient struct {
	ID       string `json:"id"`
	FullName string `json:"full_name"`

	// Phone is E.164 where possible; empty or malformed numbers are a
	// permanent failure routed to pause, never to the retry chain.
	Phone string `json:"phone"`

	Timezone string `json:"timezone"`

	IsPaused bool `json:"is_paused"`

	// IsTest patients bypass the once-per-day limit so staff can exercise
	// the call flow repeatedly.
	IsTest bool `json:"is_test"`
}

// Medicine is one active prescription entry for a patient.
type Medicine struct {
	ID        string `json:"id"`
	PatientID string `json:"patient_id"`
	Name      string `json:"name"`
	Dosage    string `json:"dosage,omitempty"`
	Slot      string `json:"slot,omitempty"`
	IsActive  bool   `json:"is_active"`

	CreatedAt time.Time `json:"created_at"`
}
