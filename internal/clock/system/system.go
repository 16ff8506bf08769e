// Package system supplies the wall clock used outside tests.
package system

import "time"

// Clock implements archive.Clock. Timestamps are UTC and truncated to the
// microsecond so they survive a round trip through Postgres and SQLite.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
