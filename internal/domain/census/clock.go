package census

import "time"

// TimeProvider abstracts wall-clock access so time-dependent behavior can be
// controlled in tests.
type TimeProvider interface {
	Now() time.Time
}

// RealTimeProvider is the production TimeProvider.
type RealTimeProvider struct{}

func (RealTimeProvider) Now() time.Time { return time.Now() }
