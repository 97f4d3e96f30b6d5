package helpers

import (
	"sync/atomic"
	"time"

	atomic_clock "github.com/temoto/atomic_clock"
)

// Limited exponential backoff for retry delays.
// Zero value is not useful, set Min/Max/K.
// Next() is 0 until the first Failure(), so first attempt is immediate.
// The owning state machine keeps its own timer and compares against Next();
// DelayBefore() serves sleep-style loops instead.
type Backoff struct {
	next int64 // atomic align
	last atomic_clock.Clock

	Min time.Duration
	Max time.Duration
	K   float32
	Res time.Duration // delay resolution for nice logs, default=1ms
}

// Increase next delay: Min on the first failure, then *K capped at Max.
func (b *Backoff) Failure() {
	next := time.Duration(atomic.LoadInt64(&b.next))
	if next == 0 {
		next = b.Min
	} else {
		next = time.Duration(float32(next) * b.K)
	}
	next = b.limit(next)
	b.last.SetNow()
	atomic.StoreInt64(&b.next, int64(next))
}

// Back to the floor delay.
func (b *Backoff) Reset() {
	b.last.SetNow()
	atomic.StoreInt64(&b.next, int64(b.Min))
}

func (b *Backoff) Update(success bool) {
	if success {
		b.Reset()
	} else {
		b.Failure()
	}
}

// Current delay target. 0 means attempt now.
func (b *Backoff) Next() time.Duration {
	return time.Duration(atomic.LoadInt64(&b.next))
}

// Remaining wait measured from the last Failure/Reset stamp.
func (b *Backoff) DelayBefore() time.Duration {
	next := b.Next()
	if next == 0 {
		return 0
	}
	since := atomic_clock.Since(&b.last)
	if since >= next {
		return 0
	}
	return b.round(next - since)
}

func (b *Backoff) limit(d time.Duration) time.Duration {
	if d < b.Min {
		d = b.Min
	}
	if d > b.Max {
		d = b.Max
	}
	return b.round(d)
}

func (b *Backoff) round(d time.Duration) time.Duration {
	res := b.Res
	if res == 0 {
		res = 1 * time.Millisecond
	}
	return d / res * res
}
