package hal

import "time"

// SystemClock implements [Clock] on the host's monotonic clock. The
// microsecond counter starts near zero at construction and wraps at 2^32,
// about every 71 minutes.
type SystemClock struct {
	start time.Time
}

// NewSystemClock returns a Clock backed by the host's monotonic time.
func NewSystemClock() *SystemClock {
	return &SystemClock{start: time.Now()}
}

// NowMicros returns microseconds since the clock was created, truncated to
// 32 bits.
func (c *SystemClock) NowMicros() uint32 {
	return uint32(time.Since(c.start).Microseconds())
}

// Sleep pauses the caller for at least micros microseconds.
func (c *SystemClock) Sleep(micros uint32) {
	time.Sleep(time.Duration(micros) * time.Microsecond)
}

// Compile-time interface check
var _ Clock = (*SystemClock)(nil)
