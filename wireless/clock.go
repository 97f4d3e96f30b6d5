package wireless

import (
	"fmt"
	"time"
)

// wallClock computes wall time as base + monotonic elapsed. Before the
// first sync the base is the boot instant, so timestamps are still
// monotonic and useful for logs, just not true wall time.
type wallClock struct {
	baseUS   uint64
	baseMono time.Time
}

func (c *wallClock) init(now time.Time) {
	c.baseMono = now
}

func (c *wallClock) setUS(us uint64, now time.Time) {
	c.baseUS = us
	c.baseMono = now
}

func (c *wallClock) us(now time.Time) uint64 {
	return c.baseUS + uint64(now.Sub(c.baseMono).Microseconds())
}

func (c *wallClock) hhmmss(now time.Time) string {
	total := c.us(now) / 1e6
	h := (total / 3600) % 24
	m := (total % 3600) / 60
	s := total % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// SetTimeOffsetUS installs a synchronized wall clock base, fed by the
// scheduler from time sync events.
func (m *Manager) SetTimeOffsetUS(us uint64) {
	m.clock.setUS(us, m.now())
}

// TimestampUS is best-effort wall time in microseconds.
func (m *Manager) TimestampUS() uint64 { return m.clock.us(m.now()) }

// Timestamp formats best-effort wall time for log/health lines.
func (m *Manager) Timestamp() string { return m.clock.hhmmss(m.now()) }
