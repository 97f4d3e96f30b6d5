package telem

import (
	"sort"
	"time"
)

type Priority uint8

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityCritical:
		return "critical"
	}
	return "?"
}

type Message struct {
	Topic      string
	Payload    string
	Priority   Priority
	EnqueuedAt time.Time
}

// queue keeps messages sorted by priority descending, FIFO within one
// priority. Overflow evicts the oldest message of the lowest tier
// present, so critical traffic is never displaced by normal/low.
type queue struct {
	items   []Message
	max     int
	dropped uint32
}

func (q *queue) push(m Message) {
	if len(q.items) >= q.max {
		q.evictLowest()
	}
	// first index with lower priority; equal priorities stay FIFO
	i := sort.Search(len(q.items), func(i int) bool {
		return q.items[i].Priority < m.Priority
	})
	q.items = append(q.items, Message{})
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = m
}

func (q *queue) evictLowest() {
	if len(q.items) == 0 {
		return
	}
	lowest := q.items[len(q.items)-1].Priority
	// sorted descending: the first element of the lowest tier is its oldest
	i := sort.Search(len(q.items), func(i int) bool {
		return q.items[i].Priority <= lowest
	})
	q.items = append(q.items[:i], q.items[i+1:]...)
	q.dropped++
}

func (q *queue) pop() (Message, bool) {
	if len(q.items) == 0 {
		return Message{}, false
	}
	m := q.items[0]
	q.items = q.items[1:]
	return m, true
}

// requeueFront puts a failed critical delivery back at the head.
// Bypasses the size check: the element just came out of the queue.
func (q *queue) requeueFront(m Message) {
	q.items = append([]Message{m}, q.items...)
}

// shed drops everything below keep, returns how many went.
func (q *queue) shed(keep Priority) int {
	i := sort.Search(len(q.items), func(i int) bool {
		return q.items[i].Priority < keep
	})
	n := len(q.items) - i
	q.items = q.items[:i]
	q.dropped += uint32(n)
	return n
}

func (q *queue) depth() int { return len(q.items) }

func (q *queue) overloaded() bool { return len(q.items)*100 > q.max*80 }

func (q *queue) byPriority() (counts [3]int) {
	for _, m := range q.items {
		counts[m.Priority]++
	}
	return counts
}
