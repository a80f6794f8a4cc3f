package game

import (
	"errors"
	"sync"
)

// ErrQueueClosed is returned when pushing to a queue whose connection has
// been unregistered.
var ErrQueueClosed = errors.New("message queue closed")

// Queue is an unbounded FIFO of messages with many producers and a single
// consumer. Push never blocks.
type Queue struct {
	mu     sync.Mutex
	items  []Message
	closed bool
	ready  chan struct{}
}

func NewQueue() *Queue {
	return &Queue{ready: make(chan struct{}, 1)}
}

func (q *Queue) Push(msg Message) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.items = append(q.items, msg)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return nil
}

// TryPop removes the oldest message without blocking. Messages pushed before
// Close remain available.
func (q *Queue) TryPop() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Message{}, false
	}
	msg := q.items[0]
	q.items[0] = Message{}
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return msg, true
}

// Ready is signalled after pushes. A signal may be stale, so consumers
// should follow it with TryPop.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
