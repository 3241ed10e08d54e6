package app

import (
	"context"
	"errors"
	"sync"

	"counsel/internal/server/ports"
)

// ErrQueueClosed is returned by Next once a queue has been closed and drained.
var ErrQueueClosed = errors.New("event queue closed")

// EventQueue is an unbounded FIFO handed to each subscriber. Publishers never
// block on it, so a stalled SSE client cannot slow down a run or its other
// subscribers.
type EventQueue struct {
	mu     sync.Mutex
	items  []ports.StreamEvent
	notify chan struct{}
	closed bool
}

// NewEventQueue creates an empty queue.
func NewEventQueue() *EventQueue {
	return &EventQueue{notify: make(chan struct{}, 1)}
}

// Push appends an event. It reports false when the queue is already closed.
func (q *EventQueue) Push(ev ports.StreamEvent) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, ev)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// Next blocks until an event is available, the queue is closed, or ctx ends.
// Buffered events are still drained after Close.
func (q *EventQueue) Next(ctx context.Context) (ports.StreamEvent, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			ev := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return ev, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return ports.StreamEvent{}, ErrQueueClosed
		}
		select {
		case <-ctx.Done():
			return ports.StreamEvent{}, ctx.Err()
		case <-q.notify:
		}
	}
}

// Close marks the queue closed and wakes any blocked reader. Idempotent.
func (q *EventQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Len reports how many events are buffered.
func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
