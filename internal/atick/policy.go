package atick

import "time"

// Policy decides when an active (connected) poll is warranted.
type Policy struct {
	// Interval is both the passive freshness window and the active poll spacing.
	Interval time.Duration
}

// DefaultPolicy uses ActivePollInterval.
func DefaultPolicy() Policy {
	return Policy{Interval: ActivePollInterval}
}

// NeedsActivePoll is false while passive data is fresher than the interval;
// otherwise it is true once the last active poll is older than the interval.
func (p Policy) NeedsActivePoll(sinceLastPassive Optional[time.Duration], sinceLastActive time.Duration) bool {
	if since, ok := sinceLastPassive.Get(); ok && since < p.Interval {
		return false
	}
	return sinceLastActive > p.Interval
}

// NeedsActivePoll applies DefaultPolicy.
func NeedsActivePoll(sinceLastPassive Optional[time.Duration], sinceLastActive time.Duration) bool {
	return DefaultPolicy().NeedsActivePoll(sinceLastPassive, sinceLastActive)
}
