package notify

import (
	"context"
	"sync"
)

// MemorySender records alerts in memory, for test assertions.
type MemorySender struct {
	mu            sync.Mutex
	missedCalls   []MissedCallAlert
	invalidPhones []InvalidPhoneAlert
}

type MissedCallAlert struct {
	PatientID string
	CallID    string
}

type InvalidPhoneAlert struct {
	PatientID string
	Phone     string
}

func NewMemorySender() *MemorySender { return &MemorySender{} }

func (s *MemorySender) MissedCall(ctx context.Context, patientID, callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.missedCalls = append(s.missedCalls, MissedCallAlert{PatientID: patientID, CallID: callID})
}

func (s *MemorySender) InvalidPhone(ctx context.Context, patientID, phone string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidPhones = append(s.invalidPhones, InvalidPhoneAlert{PatientID: patientID, Phone: phone})
}

func (s *MemorySender) MissedCalls() []MissedCallAlert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]MissedCallAlert(nil), s.missedCalls...)
}

func (s *MemorySender) InvalidPhones() []InvalidPhoneAlert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]InvalidPhoneAlert(nil), s.invalidPhones...)
}
