package testutil

import "time"

// FixedClock returns a clock that always reports t. Pass it to
// handler.WithClock to pin the default as-of date.
func FixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}
