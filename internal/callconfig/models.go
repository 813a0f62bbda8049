package callconfig

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Slot names a patient's fixed daily call window.
type Slot string

const (
	SlotMorning   Slot = "morning"
	SlotAfternoon Slot = "afternoon"
	SlotEvening   Slot = "evening"
	SlotNight     Slot = "night"
)

// AllSlots is the fixed slot order used everywhere a config is iterated.
var AllSlots = []Slot{SlotMorning, SlotAfternoon, SlotEvening, SlotNight}

// SlotPending marks a slot that exists but awaits a concrete time from the
// user. Pending slots never fire.
const SlotPending = "pending"

// CallConfig is the per-patient schedule and retry policy.
//
// Slot values are "", SlotPending, or "HH:MM" in the patient's IANA
// timezone. Slots are auto-provisioned when medicines are added for a
// window and cleared when the last one is removed.
type CallConfig struct {
	PatientID string `json:"patient_id" db:"patient_id"`

	// Timezone is the patient's IANA zone; slot times are local to it.
	Timezone string `json:"timezone" db:"timezone"`

	IsActive bool `json:"is_active" db:"is_active"`

	Morning   string `json:"morning" db:"morning"`
	Afternoon string `json:"afternoon" db:"afternoon"`
	Evening   string `json:"evening" db:"evening"`
	Night     string `json:"night" db:"night"`

	RetryEnabled         bool `json:"retry_enabled" db:"retry_enabled"`
	MaxRetries           int  `json:"max_retries" db:"max_retries"`
	RetryIntervalMinutes int  `json:"retry_interval_minutes" db:"retry_interval_minutes"`

	// RetryOnlyForStatuses whitelists the failure reasons eligible for
	// retry. Empty means no reason qualifies.
	RetryOnlyForStatuses []string `json:"retry_only_for_statuses" db:"retry_only_for_statuses"`

	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// SlotValue returns the raw value of a named slot.
func (c *CallConfig) SlotValue(s Slot) string {
	switch s {
	case SlotMorning:
		return c.Morning
	case SlotAfternoon:
		return c.Afternoon
	case SlotEvening:
		return c.Evening
	case SlotNight:
		return c.Night
	}
	return ""
}

func (c *CallConfig) setSlotValue(s Slot, v string) {
	switch s {
	case SlotMorning:
		c.Morning = v
	case SlotAfternoon:
		c.Afternoon = v
	case SlotEvening:
		c.Evening = v
	case SlotNight:
		c.Night = v
	}
}

// RetryAllowedFor reports whether reason is in the whitelist.
func (c *CallConfig) RetryAllowedFor(reason string) bool {
	for _, s := range c.RetryOnlyForStatuses {
		if s == reason {
			return true
		}
	}
	return false
}

// Location resolves the patient's timezone, falling back to UTC when the
// stored zone is invalid. An invalid zone should never stop dispatch; it
// just degrades to server-day semantics for that patient.
func (c *CallConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ParseSlotTime parses an "HH:MM" slot value. Unset and pending values
// return ok=false without error; malformed values return an error so
// callers can flag the config.
func ParseSlotTime(v string) (hour, minute int, ok bool, err error) {
	if v == "" || v == SlotPending {
		return 0, 0, false, nil
	}
	parts := strings.SplitN(v, ":", 2)
	if len(parts) != 2 {
		return 0, 0, false, fmt.Errorf("invalid slot time %q", v)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, false, fmt.Errorf("invalid slot hour %q", v)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, false, fmt.Errorf("invalid slot minute %q", v)
	}
	return hour, minute, true, nil
}

// FireTimes returns this config's concrete fire instants for the calendar
// day containing day (interpreted in the patient's timezone), keyed by slot.
// Pending, unset, and malformed slots are skipped.
func (c *CallConfig) FireTimes(day time.Time) map[Slot]time.Time {
	loc := c.Location()
	local := day.In(loc)

	out := make(map[Slot]time.Time)
	for _, s := range AllSlots {
		h, m, ok, err := ParseSlotTime(c.SlotValue(s))
		if !ok || err != nil {
			continue
		}
		out[s] = time.Date(local.Year(), local.Month(), local.Day(), h, m, 0, 0, loc)
	}
	return out
}

// MatchesMinute reports which slot, if any, fires at instant t.
func (c *CallConfig) MatchesMinute(t time.Time) (Slot, bool) {
	local := t.In(c.Location())
	for _, s := range AllSlots {
		h, m, ok, err := ParseSlotTime(c.SlotValue(s))
		if !ok || err != nil {
			continue
		}
		if local.Hour() == h && local.Minute() == m {
			return s, true
		}
	}
	return "", false
}
