package dc

import "time"

// Clock separates wall time from a monotonic reading so server-time
// deltas survive wall-clock jumps. Tests substitute their own.
type Clock interface {
	// Wall returns Unix seconds from the wall clock.
	Wall() float64

	// Mono returns seconds from an arbitrary monotonic origin.
	Mono() float64
}

// SystemClock reads the host clocks.
type SystemClock struct {
	origin time.Time
}

// NewSystemClock creates a SystemClock.
func NewSystemClock() *SystemClock {
	return &SystemClock{origin: time.Now()}
}

func (c *SystemClock) Wall() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

func (c *SystemClock) Mono() float64 {
	return time.Since(c.origin).Seconds()
}

// ServerTime estimates the server's clock for a DC: the monotonic
// reading plus the DC's monotonic delta.
func ServerTime(c Clock, d *DC) float64 {
	return c.Mono() + d.ServerTimeUDelta
}
