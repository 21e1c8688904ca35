// Package queue moves work onto the goroutine that owns it.
//
// A Queue is a single-consumer FIFO mailbox. Producers never block: an
// unbounded queue always accepts, a bounded one refuses with ErrWouldBlock
// and leaves backpressure to the caller. The consumer blocks in Pop until an
// entry arrives, the queue closes or its context is done.
package queue

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrWouldBlock = errors.New("the queue is over capacity")
	ErrClosed     = errors.New("queue is closed")
)

type Options struct {
	// Limit caps the number of queued entries; 0 means unbounded.
	Limit int
	// Name labels the queue metrics; empty disables them.
	Name string
}

type Queue[T any] struct {
	lock    sync.Mutex
	entries []T
	head    int
	closed  bool
	// one pending wakeup is enough for a single consumer
	notify chan struct{}
	opts   Options
}

func New[T any](opts Options) *Queue[T] {
	return &Queue[T]{
		notify: make(chan struct{}, 1),
		opts:   opts,
	}
}

func (q *Queue[T]) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue[T]) len() int {
	return len(q.entries) - q.head
}

// Push appends an entry to the tail.
func (q *Queue[T]) Push(entry T) error {
	q.lock.Lock()
	if q.closed {
		q.lock.Unlock()
		return ErrClosed
	}
	if q.opts.Limit > 0 && q.len() >= q.opts.Limit {
		q.lock.Unlock()
		refused(q.opts.Name)
		return ErrWouldBlock
	}
	was0 := q.len() == 0
	q.entries = append(q.entries, entry)
	depth := q.len()
	q.lock.Unlock()
	pushed(q.opts.Name, depth)
	if was0 {
		q.signal()
	}
	return nil
}

func (q *Queue[T]) take() (entry T) {
	var zero T
	entry = q.entries[q.head]
	q.entries[q.head] = zero
	q.head++
	if q.head == len(q.entries) {
		q.entries = q.entries[:0]
		q.head = 0
	} else if q.head > 64 && q.head*2 > len(q.entries) {
		n := copy(q.entries, q.entries[q.head:])
		clear(q.entries[n:])
		q.entries = q.entries[:n]
		q.head = 0
	}
	return entry
}

// TryPop takes the head entry if there is one.
func (q *Queue[T]) TryPop() (entry T, ok bool) {
	q.lock.Lock()
	if q.len() == 0 {
		q.lock.Unlock()
		return entry, false
	}
	entry = q.take()
	depth := q.len()
	q.lock.Unlock()
	popped(q.opts.Name, depth)
	return entry, true
}

// Pop waits for the head entry. Entries queued before Close are still
// handed out; after that Pop returns ErrClosed.
func (q *Queue[T]) Pop(ctx context.Context) (entry T, err error) {
	for {
		q.lock.Lock()
		if q.len() > 0 {
			entry = q.take()
			depth := q.len()
			more := depth > 0
			q.lock.Unlock()
			popped(q.opts.Name, depth)
			if more {
				q.signal()
			}
			return entry, nil
		}
		closed := q.closed
		q.lock.Unlock()
		if closed {
			return entry, ErrClosed
		}
		select {
		case <-q.notify:
		case <-ctx.Done():
			return entry, ctx.Err()
		}
	}
}

// Drain takes everything queued at once, in order.
func (q *Queue[T]) Drain() []T {
	q.lock.Lock()
	if q.len() == 0 {
		q.lock.Unlock()
		return nil
	}
	all := make([]T, q.len())
	copy(all, q.entries[q.head:])
	clear(q.entries)
	q.entries = q.entries[:0]
	q.head = 0
	q.lock.Unlock()
	popped(q.opts.Name, 0)
	return all
}

func (q *Queue[T]) Name() string {
	return q.opts.Name
}

func (q *Queue[T]) Len() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.len()
}

// Close refuses further pushes and wakes the consumer.
func (q *Queue[T]) Close() error {
	q.lock.Lock()
	q.closed = true
	q.lock.Unlock()
	q.signal()
	return nil
}

func (q *Queue[T]) Closed() bool {
	q.lock.Lock()
	defer q.lock.Unlock()
	return q.closed
}
