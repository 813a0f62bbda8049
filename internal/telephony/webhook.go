package telephony

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// CompletionPayload is the normalized call-completion notification delivered
// by the voice stack's webhook after the conversation ends (or the provider
// gives up ringing).
//
// This payload races the timeout detector by design: the call record's
// claim-guarded state machine decides which of the two finalizes the call.
type CompletionPayload struct {
	CallID string `json:"call_id"`

	// Status is "completed" or "no_answer".
	Status string `json:"status"`

	MedicineResponses []MedicineResult `json:"medicine_responses"`

	Mood              string `json:"mood,omitempty"`
	Complaints        string `json:"complaints,omitempty"`
	VitalsChecked     bool   `json:"vitals_checked"`
	DurationSeconds   int    `json:"duration_seconds"`
	TerminationReason string `json:"termination_reason,omitempty"`

	// ReScheduled is set when the patient asked to be called back later.
	ReScheduled bool `json:"re_scheduled"`
}

// MedicineResult is one medicine outcome extracted from the conversation.
type MedicineResult struct {
	MedicineID string `json:"medicine_id"`
	Response   string `json:"response"` // taken | missed | unclear | pending
}

const (
	CompletionStatusCompleted = "completed"
	CompletionStatusNoAnswer  = "no_answer"

	TerminationReasonDeclined = "declined"
)

// maxCompletionBody bounds webhook bodies; completion payloads are small.
const maxCompletionBody = 1 << 20

// ParseCompletion reads and validates a completion webhook body.
func ParseCompletion(r *http.Request) (CompletionPayload, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCompletionBody))
	if err != nil {
		return CompletionPayload{}, fmt.Errorf("read completion body: %w", err)
	}

	var p CompletionPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return CompletionPayload{}, fmt.Errorf("decode completion body: %w", err)
	}
	if err := p.Validate(); err != nil {
		return CompletionPayload{}, err
	}
	return p, nil
}

func (p CompletionPayload) Validate() error {
	if p.CallID == "" {
		return fmt.Errorf("completion: call_id is required")
	}
	switch p.Status {
	case CompletionStatusCompleted, CompletionStatusNoAnswer:
	default:
		return fmt.Errorf("completion: status must be completed or no_answer, got %q", p.Status)
	}
	for _, mr := range p.MedicineResponses {
		if mr.MedicineID == "" {
			return fmt.Errorf("completion: medicine_id is required on responses")
		}
		switch mr.Response {
		case "pending", "taken", "missed", "unclear":
		default:
			return fmt.Errorf("completion: invalid medicine response %q", mr.Response)
		}
	}
	return nil
}

// Declined reports whether the patient explicitly refused the call.
// Declined calls are terminal; no retry reason covers them.
func (p CompletionPayload) Declined() bool {
	return p.TerminationReason == TerminationReasonDeclined
}
