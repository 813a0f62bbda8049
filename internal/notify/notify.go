package notify

import (
	"context"
	"log/slog"
)

// Sender delivers fire-and-forget alerts to a patient's family contacts.
//
// IMPORTANT:
// - Sends are best-effort. A send failure must never abort the scheduling
//   flow; callers log and move on.
type Sender interface {
	MissedCall(ctx context.Context, patientID, callID string)
	InvalidPhone(ctx context.Context, patientID, phone string)
}

// LogSender records alerts to the log. Stands in for the real push/SMS
// gateway in local and dev environments.
type LogSender struct {
	Log *slog.Logger
}

func NewLogSender(log *slog.Logger) *LogSender {
	return &LogSender{Log: log}
}

func (s *LogSender) MissedCall(ctx context.Context, patientID, callID string) {
	s.Log.Warn("missed-call alert", "patient_id", patientID, "call_id", callID)
}

func (s *LogSender) InvalidPhone(ctx context.Context, patientID, phone string) {
	s.Log.Warn("invalid-phone alert", "patient_id", patientID, "phone", phone)
}
