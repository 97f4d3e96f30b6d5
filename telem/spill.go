package telem

import (
	"encoding/json"

	"github.com/juju/errors"
)

// denote value kind in persistent queue bytes form
const (
	spillSentinel byte = 0
	spillMessage  byte = 1
)

type spilled struct {
	Topic    string   `json:"topic"`
	Payload  string   `json:"payload"`
	Priority Priority `json:"priority"`
}

// spillPush persists one message for redelivery after restart.
func (p *Publisher) spillPush(m Message) error {
	b, err := json.Marshal(spilled{Topic: m.Topic, Payload: m.Payload, Priority: m.Priority})
	if err != nil {
		return errors.Trace(err)
	}
	return p.spill.Push(append([]byte{spillMessage}, b...))
}

// loadSpill re-queues messages persisted before the last restart.
// Peek blocks on an empty queue, so a sentinel marks where to stop:
// everything in front of it is from the previous run.
func (p *Publisher) loadSpill() error {
	if err := p.spill.Push([]byte{spillSentinel}); err != nil {
		return errors.Annotate(err, "spill sentinel")
	}
	for {
		box, err := p.spill.Peek()
		if err != nil {
			return errors.Annotate(err, "spill peek")
		}
		b := box.Bytes()
		if err = p.spill.Delete(box); err != nil {
			return errors.Annotate(err, "spill delete")
		}
		if len(b) == 0 || b[0] == spillSentinel {
			return nil
		}
		var s spilled
		if err = json.Unmarshal(b[1:], &s); err != nil {
			p.log.Errorf("telem: corrupt spilled message b=%x err=%v", b, err)
			continue
		}
		p.q.push(Message{Topic: s.Topic, Payload: s.Payload, Priority: s.Priority, EnqueuedAt: p.now()})
		p.log.Infof("telem: recovered spilled message [%s]", s.Topic)
	}
}

// DrainCritical writes queued critical messages to the persistent
// spill. Called on the way into a restart.
func (p *Publisher) DrainCritical() int {
	if p.spill == nil {
		return 0
	}
	n := 0
	for {
		m, ok := p.q.pop()
		if !ok {
			break
		}
		if m.Priority < PriorityCritical {
			// queue is sorted, nothing critical remains
			p.q.requeueFront(m)
			break
		}
		if err := p.spillPush(m); err != nil {
			p.log.Errorf("telem: spill [%s] err=%v", m.Topic, err)
			break
		}
		n++
	}
	if n > 0 {
		p.log.Infof("telem: spilled %d critical messages for after restart", n)
	}
	return n
}
