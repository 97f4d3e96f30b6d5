// Package rate is a token bucket for publish rate limiting, with a
// temporary burst mode that borrows tokens and repays the debt at half
// rate afterwards.
package rate

import (
	"time"

	"github.com/tubnet/tubnet/log2"
)

const (
	// bucket debt ceiling for burst grants
	maxBurstBorrow = 10.0
	burstFactor    = 2
)

type Status struct {
	PerMinute  int
	Tokens     float64
	MaxTokens  float64
	InBurst    bool
	Recovering bool
	Consumed   uint32
	Denied     uint32
	BurstCount uint32
}

// Limiter is owned and driven by a single publisher, no locking.
// Tokens are fractional and refill continuously with elapsed time.
type Limiter struct {
	log *log2.Log

	perMinute  int
	perSecond  float64
	maxTokens  float64
	tokens     float64
	lastUpdate time.Time

	inBurst  bool
	burstEnd time.Time
	// borrowed is repaid during recovery: refill runs at half the
	// normal rate and the withheld half pays down the debt.
	borrowed   float64
	recovering bool

	consumed   uint32
	denied     uint32
	burstCount uint32

	now func() time.Time // test hook
}

func NewLimiter(perMinute int, log *log2.Log) *Limiter {
	if perMinute <= 0 {
		perMinute = 20
	}
	l := &Limiter{
		log:       log,
		perMinute: perMinute,
		perSecond: float64(perMinute) / 60.0,
		maxTokens: float64(perMinute),
		now:       time.Now,
	}
	l.tokens = l.maxTokens // start full
	l.lastUpdate = l.now()
	l.log.Debugf("rate: limiter initialized %d/min refill=%.2f/s bucket=%.0f",
		perMinute, l.perSecond, l.maxTokens)
	return l
}

// CanPublish is a peek: a token is available right now.
func (l *Limiter) CanPublish() bool {
	l.refill()
	return l.tokens >= 1.0
}

// Consume takes n tokens all-or-nothing.
func (l *Limiter) Consume(n int) bool {
	l.refill()
	if l.tokens >= float64(n) {
		l.tokens -= float64(n)
		l.consumed += uint32(n)
		return true
	}
	l.denied += uint32(n)
	return false
}

func (l *Limiter) refill() {
	now := l.now()
	elapsed := now.Sub(l.lastUpdate).Seconds()
	l.lastUpdate = now

	add := elapsed * l.perSecond
	l.tokens += add
	if l.tokens > l.maxTokens {
		l.tokens = l.maxTokens
	}

	if l.recovering {
		// at half rate, the debt shrinks as fast as tokens accrue
		l.borrowed -= add
		if l.borrowed <= 0 {
			l.borrowed = 0
			l.recovering = false
			l.perSecond = float64(l.perMinute) / 60.0
			l.log.Infof("rate: debt repaid, back to %d/min", l.perMinute)
		}
	}

	if l.inBurst && now.After(l.burstEnd) {
		l.endBurst()
	}
}

// RequestBurst grants a temporary doubled rate for duration when the
// required token loan fits under the borrow ceiling.
func (l *Limiter) RequestBurst(duration time.Duration, reason string) bool {
	l.refill()
	if l.inBurst {
		l.log.Debugf("rate: burst denied, already in burst")
		return false
	}

	burstPerMinute := l.perMinute * burstFactor
	needed := float64(burstPerMinute) / 60.0 * duration.Seconds()
	borrow := needed - l.tokens
	if borrow < 0 {
		borrow = 0
	}
	if borrow > maxBurstBorrow {
		l.log.Infof("rate: burst denied, would borrow %.1f tokens (%s)", borrow, reason)
		return false
	}

	l.inBurst = true
	l.burstEnd = l.now().Add(duration)
	l.borrowed = borrow
	l.recovering = false
	l.burstCount++
	l.perSecond = float64(burstPerMinute) / 60.0
	l.log.Infof("rate: burst for %s, borrowing %.1f tokens: %s", duration, borrow, reason)
	return true
}

func (l *Limiter) endBurst() {
	l.inBurst = false
	if l.borrowed > 0 {
		l.recovering = true
		l.perSecond = float64(l.perMinute) / 60.0 * 0.5
		l.log.Infof("rate: burst over, repaying %.1f tokens at half rate", l.borrowed)
	} else {
		l.perSecond = float64(l.perMinute) / 60.0
		l.log.Infof("rate: burst over")
	}
}

// SetRate changes the steady-state rate and resizes the bucket.
// Cancels any recovery discount.
func (l *Limiter) SetRate(perMinute int) {
	if perMinute <= 0 {
		return
	}
	l.refill()
	old := l.perMinute
	l.perMinute = perMinute
	l.maxTokens = float64(perMinute)
	if !l.inBurst {
		l.perSecond = float64(perMinute) / 60.0
		l.recovering = false
		l.borrowed = 0
	}
	if l.tokens > l.maxTokens {
		l.tokens = l.maxTokens
	}
	l.log.Infof("rate: changed %d/min -> %d/min", old, perMinute)
}

// WaitTime is how long until one token is available, 0 if now.
func (l *Limiter) WaitTime() time.Duration {
	l.refill()
	if l.tokens >= 1.0 {
		return 0
	}
	sec := (1.0 - l.tokens) / l.perSecond
	return time.Duration(sec * float64(time.Second))
}

func (l *Limiter) InBurst() bool {
	l.refill()
	return l.inBurst
}

func (l *Limiter) Status() Status {
	l.refill()
	return Status{
		PerMinute:  l.perMinute,
		Tokens:     l.tokens,
		MaxTokens:  l.maxTokens,
		InBurst:    l.inBurst,
		Recovering: l.recovering,
		Consumed:   l.consumed,
		Denied:     l.denied,
		BurstCount: l.burstCount,
	}
}
