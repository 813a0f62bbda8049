package callconfig

import (
	"testing"
	"time"
)

func TestParseSlotTime(t *testing.T) {
	cases := []struct {
		in      string
		hour    int
		minute  int
		ok      bool
		wantErr bool
	}{
		{"", 0, 0, false, false},
		{SlotPending, 0, 0, false, false},
		{"08:30", 8, 30, true, false},
		{"23:59", 23, 59, true, false},
		{"00:00", 0, 0, true, false},
		{"24:00", 0, 0, false, true},
		{"12:60", 0, 0, false, true},
		{"noon", 0, 0, false, true},
		{"8", 0, 0, false, true},
	}
	for _, c := range cases {
		h, m, ok, err := ParseSlotTime(c.in)
		if (err != nil) != c.wantErr {
			t.Fatalf("%q: err=%v wantErr=%v", c.in, err, c.wantErr)
		}
		if ok != c.ok {
			t.Fatalf("%q: ok=%v want %v", c.in, ok, c.ok)
		}
		if ok && (h != c.hour || m != c.minute) {
			t.Fatalf("%q: got %d:%d want %d:%d", c.in, h, m, c.hour, c.minute)
		}
	}
}

func TestMatchesMinute_UsesPatientTimezone(t *testing.T) {
	cfg := &CallConfig{
		PatientID: "p1",
		Timezone:  "Asia/Kolkata", // UTC+5:30
		Morning:   "09:00",
		Evening:   SlotPending,
	}

	// 03:30 UTC is 09:00 in Kolkata.
	at := time.Date(2025, 6, 1, 3, 30, 0, 0, time.UTC)
	slot, ok := cfg.MatchesMinute(at)
	if !ok || slot != SlotMorning {
		t.Fatalf("expected morning match, got slot=%q ok=%v", slot, ok)
	}

	// 09:00 UTC is 14:30 local; nothing fires.
	at = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	if _, ok := cfg.MatchesMinute(at); ok {
		t.Fatalf("expected no match at 14:30 local")
	}
}

func TestMatchesMinute_SkipsPendingAndMalformed(t *testing.T) {
	cfg := &CallConfig{
		PatientID: "p1",
		Timezone:  "UTC",
		Morning:   SlotPending,
		Evening:   "garbage",
		Night:     "21:15",
	}

	at := time.Date(2025, 6, 1, 21, 15, 0, 0, time.UTC)
	slot, ok := cfg.MatchesMinute(at)
	if !ok || slot != SlotNight {
		t.Fatalf("expected night match, got slot=%q ok=%v", slot, ok)
	}
}

func TestFireTimes_ComputesLocalDay(t *testing.T) {
	cfg := &CallConfig{
		PatientID: "p1",
		Timezone:  "America/New_York",
		Morning:   "08:00",
		Night:     "20:30",
	}

	day := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	fires := cfg.FireTimes(day)
	if len(fires) != 2 {
		t.Fatalf("expected 2 fire times, got %d", len(fires))
	}

	ny, _ := time.LoadLocation("America/New_York")
	if got := fires[SlotMorning].In(ny); got.Hour() != 8 || got.Minute() != 0 {
		t.Fatalf("expected 08:00 local, got %s", got)
	}
	if got := fires[SlotNight].In(ny); got.Hour() != 20 || got.Minute() != 30 {
		t.Fatalf("expected 20:30 local, got %s", got)
	}
}

func TestLocation_InvalidZoneFallsBackToUTC(t *testing.T) {
	cfg := &CallConfig{Timezone: "Not/AZone"}
	if cfg.Location() != time.UTC {
		t.Fatalf("expected UTC fallback")
	}
}

func TestRetryAllowedFor(t *testing.T) {
	cfg := &CallConfig{RetryOnlyForStatuses: []string{"no_answer", "busy"}}
	if !cfg.RetryAllowedFor("no_answer") {
		t.Fatalf("expected no_answer allowed")
	}
	if cfg.RetryAllowedFor("failed") {
		t.Fatalf("expected failed not allowed")
	}
}
