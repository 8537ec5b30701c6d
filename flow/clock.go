package flow

import "time"

// Clock is an injectable time source so backoff waits and rate-limit
// windows are deterministic under test.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that delivers the time after d elapses.
	After(d time.Duration) <-chan time.Time
}

// NewSystemClock returns a Clock backed by the real time package.
func NewSystemClock() Clock {
	return systemClock{}
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}
