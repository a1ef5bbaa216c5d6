// Package queue is the bounded FIFO between the scheduler's diff cycles and
// the single notifier.
//
//   - Enqueue blocks while the queue is full, until ctx is done or the queue closes.
//   - One consumer: Dequeue, then Done (or Requeue on interruption).
//   - Items still queued at Close are written to a JSONL backlog and loaded
//     ahead of new items on the next open; a drained Close removes it.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var ErrClosed = errors.New("queue: closed")

// Queue is safe for many producers and one consumer.
type Queue[T any] struct {
	items chan T

	mu   sync.Mutex
	head []T // backlog and requeued items, served before items
	// outstanding counts items enqueued and not yet acknowledged by Done.
	outstanding int
	closed      bool

	done    chan struct{}
	changed chan struct{}

	backlogPath string
}

// Open creates a queue holding up to capacity items. When backlogPath is set,
// a backlog left by a previous Close is loaded. The file stays in place until
// Close rewrites or removes it, so an unclean exit loses none of it.
func Open[T any](capacity int, backlogPath string) (*Queue[T], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("queue: capacity must be positive, got %d", capacity)
	}
	q := &Queue[T]{
		items:       make(chan T, capacity),
		done:        make(chan struct{}),
		changed:     make(chan struct{}, 1),
		backlogPath: backlogPath,
	}
	if backlogPath != "" {
		backlog, err := loadBacklog[T](backlogPath)
		if err != nil {
			return nil, fmt.Errorf("queue: load backlog %s: %w", backlogPath, err)
		}
		q.head = backlog
		q.outstanding = len(backlog)
	}
	return q, nil
}

// Enqueue appends items in order. It returns after every item is queued, or
// with the ctx error / ErrClosed; items queued before the failure stay queued.
func (q *Queue[T]) Enqueue(ctx context.Context, items ...T) error {
	for _, item := range items {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrClosed
		}
		q.outstanding++
		q.mu.Unlock()

		select {
		case q.items <- item:
			q.signal()
		case <-ctx.Done():
			q.release()
			return ctx.Err()
		case <-q.done:
			q.release()
			return ErrClosed
		}
	}
	return nil
}

// Dequeue waits for the next item. Every returned item must be followed by
// Done or Requeue.
func (q *Queue[T]) Dequeue(ctx context.Context) (T, error) {
	var zero T
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return zero, ErrClosed
	}
	if len(q.head) > 0 {
		item := q.head[0]
		q.head = q.head[1:]
		q.mu.Unlock()
		return item, nil
	}
	q.mu.Unlock()

	select {
	case item := <-q.items:
		return item, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-q.done:
		return zero, ErrClosed
	}
}

// Done acknowledges the item returned by the last Dequeue.
func (q *Queue[T]) Done() { q.release() }

// Requeue puts an unfinished item back in front of everything else.
func (q *Queue[T]) Requeue(item T) {
	q.mu.Lock()
	q.head = append([]T{item}, q.head...)
	q.mu.Unlock()
	q.signal()
}

// Len counts queued items, not the one in flight.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.head) + len(q.items)
}

// WaitDrained blocks until nothing is queued or in flight.
func (q *Queue[T]) WaitDrained(ctx context.Context) error {
	for {
		q.mu.Lock()
		drained := q.outstanding == 0
		q.mu.Unlock()
		if drained {
			return nil
		}
		select {
		case <-q.changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops producers and the consumer and persists whatever is left.
// It is safe to call more than once.
func (q *Queue[T]) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.done)
	rest := append([]T(nil), q.head...)
	q.head = nil
	q.mu.Unlock()

	for {
		select {
		case item := <-q.items:
			rest = append(rest, item)
			continue
		default:
		}
		break
	}
	q.signal()

	if q.backlogPath == "" {
		return nil
	}
	if len(rest) == 0 {
		if err := removeBacklog(q.backlogPath); err != nil {
			return fmt.Errorf("queue: remove backlog %s: %w", q.backlogPath, err)
		}
		return nil
	}
	if err := saveBacklog(q.backlogPath, rest); err != nil {
		return fmt.Errorf("queue: save backlog %s: %w", q.backlogPath, err)
	}
	return nil
}

func (q *Queue[T]) release() {
	q.mu.Lock()
	if q.outstanding > 0 {
		q.outstanding--
	}
	q.mu.Unlock()
	q.signal()
}

func (q *Queue[T]) signal() {
	select {
	case q.changed <- struct{}{}:
	default:
	}
}
