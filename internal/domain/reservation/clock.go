package reservation

import "time"

// ClockOffset is the measured difference between the remote schedule's clock and ours.
type ClockOffset struct {
	Raw time.Duration
}

// EstimateClockOffset compares a timestamp asserted by the remote side with the local
// time the response was received. A missing remote timestamp means no correction.
func EstimateClockOffset(remote, local time.Time) ClockOffset {
	if remote.IsZero() || local.IsZero() {
		return ClockOffset{}
	}
	return ClockOffset{Raw: remote.Sub(local)}
}

// Effective is the correction applied when scheduling. It is never negative.
func (o ClockOffset) Effective() time.Duration {
	if o.Raw < 0 {
		return 0
	}
	return o.Raw
}

// Now shifts a local reading by the effective offset.
func (o ClockOffset) Now(local time.Time) time.Time {
	return local.Add(o.Effective())
}
