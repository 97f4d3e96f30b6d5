// Package telem queues metrics and status reports and pushes them to
// the broker under a publish rate budget. The broker connection is a
// tick-driven state machine over a black-box wire client; delivery is
// at-least-once with critical messages re-queued on failure and spilled
// to disk across restarts.
package telem

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/spq"
	"github.com/tubnet/tubnet/log2"
	"github.com/tubnet/tubnet/telem/rate"
)

type State uint32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StatePublishing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StatePublishing:
		return "publishing"
	}
	return "?"
}

type Status struct {
	State           State
	Connected       bool
	QueueDepth      int
	QueueByPriority [3]int
	Sent            uint32
	Queued          uint32
	Dropped         uint32
	RateLimited     uint32
	PublishFailures uint32
	Uptime          time.Duration
	Rate            rate.Status
}

const rateWarnThrottle = 2 * time.Second

type Publisher struct {
	tun     tuning
	log     *log2.Log
	wire    Wire
	limiter *rate.Limiter
	q       queue
	spill   *spq.Queue

	state State
	// connFlag is flipped by wire handlers from their own goroutines
	connFlag int32

	connectStart time.Time
	lastAttempt  time.Time
	connectedAt  time.Time
	lastPing     time.Time
	lastRateWarn time.Time

	current *Message

	sent        uint32
	queued      uint32
	rateLimited uint32
	failures    uint32

	now func() time.Time // test hook
}

func New(cfg Config, wire Wire, log *log2.Log) (*Publisher, error) {
	p := &Publisher{
		tun:   cfg.tune(),
		log:   log,
		wire:  wire,
		state: StateDisconnected,
		now:   time.Now,
	}
	p.q = queue{max: p.tun.queueSize}
	p.limiter = rate.NewLimiter(p.tun.ratePerMinute, log)
	wire.SetHandlers(p.wireConnected, p.wireLost)

	if cfg.SpillPath != "" {
		var err error
		if p.spill, err = spq.Open(cfg.SpillPath); err != nil {
			return nil, errors.Annotate(err, "telem spill")
		}
		if err = p.loadSpill(); err != nil {
			return nil, errors.Annotate(err, "telem spill")
		}
	}

	p.log.Infof("telem: publisher initialized broker=%s queue=%d rate=%d/min",
		cfg.Broker, p.tun.queueSize, p.tun.ratePerMinute)
	return p, nil
}

func (p *Publisher) Close() {
	if p.state != StateDisconnected {
		p.wire.Disconnect()
		p.state = StateDisconnected
	}
	if p.spill != nil {
		p.spill.Close()
	}
}

func (p *Publisher) wireConnected() { atomic.StoreInt32(&p.connFlag, 1) }
func (p *Publisher) wireLost(error) { atomic.StoreInt32(&p.connFlag, 0) }

func (p *Publisher) wireUp() bool { return atomic.LoadInt32(&p.connFlag) == 1 }

// Tick advances the broker state machine by one step. A full publish is
// two ticks: Connected picks the message, Publishing delivers it.
func (p *Publisher) Tick() {
	now := p.now()

	switch p.state {
	case StateDisconnected:
		if p.lastAttempt.IsZero() || now.Sub(p.lastAttempt) > p.tun.reconnect {
			p.lastAttempt = now
			p.connectStart = now
			p.log.Infof("telem: connecting to broker")
			if err := p.wire.Connect(); err != nil {
				p.log.Errorf("telem: connect err=%v", err)
				return
			}
			p.state = StateConnecting
		}

	case StateConnecting:
		if p.wireUp() {
			p.state = StateConnected
			p.connectedAt = now
			p.lastPing = now
			p.log.Infof("telem: broker connected")
			return
		}
		if now.Sub(p.connectStart) > p.tun.connectTimeout {
			p.log.Infof("telem: connect timeout")
			p.wire.Disconnect()
			p.state = StateDisconnected
			p.lastAttempt = now
		}

	case StateConnected:
		if !p.wireUp() {
			p.toDisconnected(now)
			return
		}
		if now.Sub(p.lastPing) > p.tun.keepalive {
			if err := p.wire.Ping(); err != nil {
				p.log.Errorf("telem: ping err=%v", err)
				p.toDisconnected(now)
				return
			}
			p.lastPing = now
		}
		if p.q.depth() == 0 {
			return
		}
		if p.limiter.CanPublish() {
			if m, ok := p.q.pop(); ok {
				p.current = &m
				p.state = StatePublishing
			}
			return
		}
		if now.Sub(p.lastRateWarn) > rateWarnThrottle {
			p.lastRateWarn = now
			p.rateLimited++
			p.log.Infof("telem: rate limited, next token in %s, queue=%d",
				p.limiter.WaitTime(), p.q.depth())
		}

	case StatePublishing:
		p.publishCurrent()
	}
}

func (p *Publisher) publishCurrent() {
	m := p.current
	p.current = nil
	p.state = StateConnected
	if m == nil {
		return
	}

	if !p.limiter.Consume(1) {
		// raced the refill window shut, message goes back untouched
		p.q.requeueFront(*m)
		return
	}

	topic := fmt.Sprintf("%s/feeds/%s", p.tun.username, m.Topic)
	if err := p.wire.Publish(topic, m.Payload); err != nil {
		p.failures++
		p.log.Errorf("telem: publish [%s] err=%v", m.Topic, err)
		if m.Priority >= PriorityCritical {
			p.q.requeueFront(*m)
			p.log.Infof("telem: re-queued critical message [%s]", m.Topic)
		}
		return
	}
	p.sent++
	p.log.Debugf("telem: published [%s] = %s", m.Topic, truncate(m.Payload, 50))
}

// PublishMetric queues one metric sample. The name is sanitized into a
// feed topic: slashes to dashes, spaces to underscores, lowercase, with
// the device namespace in front.
func (p *Publisher) PublishMetric(name string, value interface{}, priority Priority) {
	clean := strings.ToLower(strings.NewReplacer("/", "-", " ", "_").Replace(name))
	topic := fmt.Sprintf("%s-%s", p.tun.namespace, clean)
	p.enqueue(topic, fmt.Sprint(value), priority)
}

// PublishStatus queues a JSON status object to the status feed.
func (p *Publisher) PublishStatus(fields interface{}, priority Priority) error {
	b, err := json.Marshal(fields)
	if err != nil {
		return errors.Annotate(err, "telem status")
	}
	p.enqueue(p.tun.namespace+".status", string(b), priority)
	return nil
}

func (p *Publisher) enqueue(topic, payload string, priority Priority) {
	p.q.push(Message{Topic: topic, Payload: payload, Priority: priority, EnqueuedAt: p.now()})
	p.queued++
	if p.q.overloaded() {
		p.log.Infof("telem: queue %d/%d full", p.q.depth(), p.tun.queueSize)
	}
}

// RequestBurst asks the limiter for a temporary doubled rate so queued
// critical messages drain quickly.
func (p *Publisher) RequestBurst(reason string, duration time.Duration) bool {
	if !p.limiter.RequestBurst(duration, reason) {
		return false
	}
	if n := p.q.byPriority()[PriorityCritical]; n > 0 {
		p.log.Infof("telem: burst active, %d critical messages queued", n)
	}
	return true
}

// Shed drops queued messages below keep. Memory pressure relief.
func (p *Publisher) Shed(keep Priority) int {
	n := p.q.shed(keep)
	if n > 0 {
		p.log.Infof("telem: shed %d messages below %s", n, keep)
	}
	return n
}

func (p *Publisher) SetRate(perMinute int) { p.limiter.SetRate(perMinute) }

func (p *Publisher) Connected() bool {
	return p.state == StateConnected || p.state == StatePublishing
}

func (p *Publisher) Overloaded() bool { return p.q.overloaded() }

func (p *Publisher) State() State { return p.state }

func (p *Publisher) Status() Status {
	s := Status{
		State:           p.state,
		Connected:       p.Connected(),
		QueueDepth:      p.q.depth(),
		QueueByPriority: p.q.byPriority(),
		Sent:            p.sent,
		Queued:          p.queued,
		Dropped:         p.q.dropped,
		RateLimited:     p.rateLimited,
		PublishFailures: p.failures,
		Rate:            p.limiter.Status(),
	}
	if !p.connectedAt.IsZero() && p.Connected() {
		s.Uptime = p.now().Sub(p.connectedAt)
	}
	return s
}

func (p *Publisher) toDisconnected(now time.Time) {
	p.log.Infof("telem: broker connection lost")
	p.state = StateDisconnected
	p.connectedAt = time.Time{}
	p.lastAttempt = now
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
