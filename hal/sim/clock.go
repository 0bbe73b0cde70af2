package sim

import (
	"runtime"
	"sync"

	"github.com/huangyizhi11/sh2hal/hal"
)

// Clock is a manually advanced microsecond counter. Sleep advances the
// counter by the requested amount instead of blocking, so code that waits on
// hub time runs instantly under test while bounded waits still expire.
type Clock struct {
	mu  sync.Mutex
	now uint32
}

// NewClock returns a Clock starting at zero.
func NewClock() *Clock {
	return &Clock{}
}

// NowMicros implements hal.Clock.
func (c *Clock) NowMicros() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Sleep implements hal.Clock. It advances the counter and yields so that
// concurrent goroutines, such as a hub dispatcher, get to run inside a
// caller's polling loop.
func (c *Clock) Sleep(micros uint32) {
	c.mu.Lock()
	c.now += micros
	c.mu.Unlock()
	runtime.Gosched()
}

// Advance moves the counter forward without yielding.
func (c *Clock) Advance(micros uint32) {
	c.mu.Lock()
	c.now += micros
	c.mu.Unlock()
}

// Compile-time interface check
var _ hal.Clock = (*Clock)(nil)
