package compensate

import "time"

// Clock abstracts the time source so lock expiry can be driven from tests.
type Clock interface {
	// Now returns the current local time.
	Now() time.Time
}

type standardClock struct{}

// NewStandardClock returns a Clock backed by the time package.
func NewStandardClock() Clock {
	return standardClock{}
}

func (standardClock) Now() time.Time {
	return time.Now()
}
