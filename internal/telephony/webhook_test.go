package telephony

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestParseCompletion_Valid(t *testing.T) {
	body := `{
		"call_id": "c1",
		"status": "completed",
		"medicine_responses": [
			{"medicine_id": "m1", "response": "taken"},
			{"medicine_id": "m2", "response": "unclear"}
		],
		"mood": "good",
		"vitals_checked": true,
		"duration_seconds": 142
	}`
	r := httptest.NewRequest("POST", "/webhooks/call-completion", strings.NewReader(body))

	p, err := ParseCompletion(r)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if p.CallID != "c1" || p.Status != CompletionStatusCompleted {
		t.Fatalf("unexpected payload: %+v", p)
	}
	if len(p.MedicineResponses) != 2 {
		t.Fatalf("expected 2 responses, got %d", len(p.MedicineResponses))
	}
	if p.DurationSeconds != 142 || !p.VitalsChecked {
		t.Fatalf("details not captured: %+v", p)
	}
}

func TestParseCompletion_RejectsUnknownStatus(t *testing.T) {
	body := `{"call_id": "c1", "status": "ringing"}`
	r := httptest.NewRequest("POST", "/webhooks/call-completion", strings.NewReader(body))

	if _, err := ParseCompletion(r); err == nil {
		t.Fatalf("expected error")
	}
}

func TestParseCompletion_RequiresCallID(t *testing.T) {
	body := `{"status": "no_answer"}`
	r := httptest.NewRequest("POST", "/webhooks/call-completion", strings.NewReader(body))

	if _, err := ParseCompletion(r); err == nil {
		t.Fatalf("expected error")
	}
}

func TestParseCompletion_RejectsBadMedicineResponse(t *testing.T) {
	body := `{"call_id": "c1", "status": "completed", "medicine_responses": [{"medicine_id": "m1", "response": "maybe"}]}`
	r := httptest.NewRequest("POST", "/webhooks/call-completion", strings.NewReader(body))

	if _, err := ParseCompletion(r); err == nil {
		t.Fatalf("expected error")
	}
}

func TestCompletionPayload_Declined(t *testing.T) {
	p := CompletionPayload{TerminationReason: TerminationReasonDeclined}
	if !p.Declined() {
		t.Fatalf("expected declined")
	}
	if (CompletionPayload{TerminationReason: "hangup"}).Declined() {
		t.Fatalf("expected not declined")
	}
}
