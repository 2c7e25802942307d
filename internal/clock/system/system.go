// Package system provides the wall clock used outside tests.
package system

import "time"

// Clock implements harvest.Clock. Readings are UTC and truncated to the
// microsecond so they survive a round trip through Postgres timestamptz
// unchanged.
type Clock struct{}

// New returns the wall clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time at microsecond precision.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
