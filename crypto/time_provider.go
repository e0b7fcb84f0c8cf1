package crypto

import "time"

// TimeProvider abstracts wall-clock access so that time-dependent behavior
// (retired-key grace periods, ratchet intervals) can be tested
// deterministically.
type TimeProvider interface {
	Now() time.Time
}

// realTimeProvider is the production TimeProvider backed by time.Now.
type realTimeProvider struct{}

func (realTimeProvider) Now() time.Time {
	return time.Now()
}

// defaultTimeProvider is used wherever no explicit provider is supplied.
var defaultTimeProvider TimeProvider = realTimeProvider{}
