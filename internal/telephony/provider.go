package telephony

import (
	"context"
	"errors"
)

// CallProvider is the provider-agnostic interface for placing outbound
// care calls.
//
// Rules:
// - No provider SDK calls outside telephony adapters.
// - Keep request/response types provider-agnostic; provider raw payloads
//   stay inside the adapter.
// - The provider is selected once per deployment from a closed set
//   (config), never per call.
type CallProvider interface {
	Name() string
	HealthCheck(ctx context.Context) error

	// PlaceCall dials the patient and starts the care conversation.
	// It must be safe to call exactly once per orchestrated attempt; the
	// orchestrator's lease + claim layers guarantee no duplicate attempts
	// reach it.
	PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error)
}

// ErrDialCapacity is returned when the platform-wide concurrent-dial cap is
// exhausted. Callers route it into the busy retry path.
var ErrDialCapacity = errors.New("telephony: concurrent dial capacity exhausted")

// PlaceCallRequest carries everything the voice agent needs to run the
// conversation.
type PlaceCallRequest struct {
	// CallID is the internal call record id, echoed back by the provider's
	// completion webhook.
	CallID string `json:"call_id"`

	// Phone is the patient's number, E.164 where possible.
	Phone string `json:"phone"`

	Patient PatientContext `json:"patient"`
}

// PatientContext is the provider-agnostic conversation context snapshot.
type PatientContext struct {
	PatientID   string   `json:"patient_id"`
	PatientName string   `json:"patient_name"`
	Timezone    string   `json:"timezone"`
	Medicines   []string `json:"medicines"`
}

// PlaceCallResult identifies the live provider session.
type PlaceCallResult struct {
	// ProviderSessionID is the provider's conversation/session id, stored
	// on the call record for webhook correlation.
	ProviderSessionID string `json:"provider_session_id"`
}
