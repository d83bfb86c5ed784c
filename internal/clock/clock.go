// Package clock provides the monotonic millisecond time source shared by
// the timer wheel and the scheduler.
package clock

import "time"

// Clock is a monotonic millisecond time source. The zero value is ready
// to use.
type Clock struct{}

// New returns a ready-to-use Clock.
func New() *Clock {
	return &Clock{}
}

// epoch anchors NowMillis; time.Since measures against Go's monotonic
// clock reading, so wall-clock adjustments do not move NowMillis.
var epoch = time.Now()

// NowMillis returns the current monotonic time in milliseconds, counted
// from package initialisation.
func (c *Clock) NowMillis() int64 {
	return time.Since(epoch).Milliseconds()
}

// AbsoluteFromRelative converts a relative duration (in milliseconds)
// into an absolute deadline, measured in the same units as NowMillis.
func (c *Clock) AbsoluteFromRelative(relativeMs int64) int64 {
	return c.NowMillis() + relativeMs
}
