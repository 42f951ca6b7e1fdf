package ingress

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/babelcloud/gbox/packages/extender/internal/media"
)

// ErrClosed is returned by Next once the queue is closed and empty.
var ErrClosed = errors.New("ingress: queue closed")

// Queue is an unbounded hand-off point between producer goroutines and a
// single consumer. Submit never blocks.
type Queue struct {
	mu     sync.Mutex
	items  []media.Unit
	closed bool

	// wake carries at most one pending signal for the consumer.
	wake chan struct{}
}

// NewQueue creates an open, empty queue.
func NewQueue() *Queue {
	return &Queue{
		wake: make(chan struct{}, 1),
	}
}

// Submit enqueues u. It returns false once the queue is closed.
func (q *Queue) Submit(u media.Unit) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, u)
	q.mu.Unlock()

	q.notify()
	return true
}

// Next removes the oldest pending unit, suspending while the queue is empty.
// Units submitted before Close are still delivered; after that Next returns
// ErrClosed.
func (q *Queue) Next(ctx context.Context) (media.Unit, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			u := q.items[0]
			q.items[0] = media.Unit{}
			q.items = q.items[1:]
			if len(q.items) == 0 {
				q.items = nil
			}
			q.mu.Unlock()
			return u, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return media.Unit{}, ErrClosed
		}

		select {
		case <-ctx.Done():
			return media.Unit{}, ctx.Err()
		case <-q.wake:
		}
	}
}

// Close rejects further submissions and wakes the consumer. Safe to call
// more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.notify()
}

// Len returns the number of pending units.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
