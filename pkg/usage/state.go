// Package usage accumulates the daily powered-on time of each device and
// persists it.
package usage

import (
	"time"

	"github.com/plugwatch/plugwatch/pkg/types"
)

// Step applies one observation to s.
//
// The day is rolled over first, then the on/off transition is applied, then
// the alert threshold is checked. A nil observation means the vendor did not
// report a switch state and leaves the device as it was. changed reports
// whether a persisted field moved and alert whether the threshold was crossed
// for the first time in this on-period.
func Step(s *types.UsageState, observed *bool, now time.Time, today string, threshold time.Duration) (changed, alert bool) {
	if s.Day != today {
		*s = types.UsageState{
			DeviceID: s.DeviceID,
			Day:      today,
		}
		changed = true
	}

	if observed != nil {
		switch {
		case !s.IsOn && *observed:
			on := now
			s.LastOnAt = &on
			s.IsOn = true
			changed = true
		case s.IsOn && !*observed:
			if s.LastOnAt != nil {
				// a lastOnAt after now means the clock moved backwards
				if elapsed := now.Sub(*s.LastOnAt).Milliseconds(); elapsed > 0 {
					s.AccumulatedMs += elapsed
				}
			}
			s.LastOnAt = nil
			s.IsOn = false
			s.Alerted = false
			changed = true
		}
	}

	if s.IsOn && !s.Alerted && threshold > 0 && s.LiveMs(now) >= threshold.Milliseconds() {
		s.Alerted = true
		alert = true
	}
	return changed, alert
}
