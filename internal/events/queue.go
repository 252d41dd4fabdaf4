// Package events implements the queue that carries connection lifecycle and
// message events from the network goroutines to the single host-side poller.
// Any number of goroutines may push; one consumer drains it without blocking.
package events

import (
	"sync"

	"github.com/eapache/queue"
)

// Type discriminates the kind of an Event.
type Type uint8

const (
	TypeNone Type = iota
	TypeConnected
	TypeDisconnected
	TypeMessage
	TypeError
)

// String returns the lowercase name of the event type.
func (t Type) String() string {
	switch t {
	case TypeConnected:
		return "connected"
	case TypeDisconnected:
		return "disconnected"
	case TypeMessage:
		return "message"
	case TypeError:
		return "error"
	default:
		return "none"
	}
}

// Event is a single entry in the queue. Data is set for TypeMessage only and
// Err for TypeError only.
type Event struct {
	Type   Type
	ConnID uint64
	Data   []byte
	Err    string
}

// Queue is an unbounded FIFO of events. Push never blocks on the consumer and
// Poll never blocks on producers beyond the short critical section.
type Queue struct {
	mu    sync.Mutex
	items *queue.Queue
}

// NewQueue creates an empty Queue.
func NewQueue() *Queue {
	return &Queue{items: queue.New()}
}

// Push appends ev to the tail of the queue.
func (q *Queue) Push(ev Event) {
	q.mu.Lock()
	q.items.Add(ev)
	q.mu.Unlock()
}

// Poll removes and returns the oldest event. The second return value is false
// when the queue is empty.
func (q *Queue) Poll() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.items.Length() == 0 {
		return Event{}, false
	}
	return q.items.Remove().(Event), true
}

// Len returns the number of pending events.
func (q *Queue) Len() int {
	q.mu.Lock()
	n := q.items.Length()
	q.mu.Unlock()
	return n
}
