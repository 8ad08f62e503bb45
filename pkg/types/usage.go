package types

import (
	"fmt"
	"time"
)

// DayFormat is the layout of UsageState.Day and UsageRecord.Day.
const DayFormat = time.DateOnly

// UsageState is the accumulator's record for one device.
//
// IsOn is true iff LastOnAt is non-nil. AccumulatedMs only grows within a Day
// and is reset to 0 when the day changes.
type UsageState struct {
	DeviceID      string     `json:"deviceId"`
	Day           string     `json:"day"`
	AccumulatedMs int64      `json:"accumulatedMs"`
	LastOnAt      *time.Time `json:"lastOnAt,omitempty"`
	IsOn          bool       `json:"isOn"`
	Alerted       bool       `json:"alerted"`
}

// LiveMs returns the accumulated time plus the currently open on-period.
func (s UsageState) LiveMs(now time.Time) int64 {
	live := s.AccumulatedMs
	if s.IsOn && s.LastOnAt != nil {
		if open := now.Sub(*s.LastOnAt).Milliseconds(); open > 0 {
			live += open
		}
	}
	return live
}

// UsageRecord is a persisted usage row. The same shape is used for the
// current table (one row per device) and the history table (one row per
// device per day).
type UsageRecord struct {
	UserID        string     `json:"userId"`
	ProviderID    string     `json:"providerId"`
	DeviceID      string     `json:"deviceId"`
	Day           string     `json:"day"`
	AccumulatedMs int64      `json:"accumulatedMs"`
	LastOnAt      *time.Time `json:"lastOnAt,omitempty"`
}

// Validate checks the fields every store relies on for its keys.
func (r UsageRecord) Validate() error {
	if r.UserID == "" {
		return fmt.Errorf("usage record missing userId")
	}
	if r.ProviderID == "" {
		return fmt.Errorf("usage record missing providerId")
	}
	if r.DeviceID == "" {
		return fmt.Errorf("usage record missing deviceId")
	}
	if _, err := time.Parse(DayFormat, r.Day); err != nil {
		return fmt.Errorf("usage record has invalid day %q: %w", r.Day, err)
	}
	if r.AccumulatedMs < 0 {
		return fmt.Errorf("usage record has negative accumulatedMs")
	}
	return nil
}

// UsageSnapshot is the read model served to the dashboard.
type UsageSnapshot struct {
	ProviderID    string     `json:"providerId"`
	DeviceID      string     `json:"deviceId"`
	Day           string     `json:"day"`
	AccumulatedMs int64      `json:"accumulatedMs"`
	LiveMs        int64      `json:"liveMs"`
	IsOn          bool       `json:"isOn"`
	LastOnAt      *time.Time `json:"lastOnAt,omitempty"`
	Alerted       bool       `json:"alerted"`
}

// Alert is emitted once per continuous on-period that crosses the threshold.
type Alert struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	ProviderID  string    `json:"providerId"`
	DeviceID    string    `json:"deviceId"`
	Day         string    `json:"day"`
	LiveMs      int64     `json:"liveMs"`
	ThresholdMs int64     `json:"thresholdMs"`
	At          time.Time `json:"at"`
}
