// Package queue provides an unbounded channel for publishing events to slow readers.
package queue

import (
	"sync"
	"sync/atomic"
)

// QueuedChannel publishes items on a channel without blocking the publisher.
// Items wait in an unbounded queue until the reader takes them.
type QueuedChannel[T any] struct {
	ch      chan T
	items   []T
	cond    *sync.Cond
	closed  atomic.Bool
	discard chan struct{}
	done    chan struct{}

	discardOnce sync.Once
}

func NewQueuedChannel[T any](chanBufferSize, queueCapacity int) *QueuedChannel[T] {
	queue := &QueuedChannel[T]{
		ch:      make(chan T, chanBufferSize),
		items:   make([]T, 0, queueCapacity),
		cond:    sync.NewCond(&sync.Mutex{}),
		discard: make(chan struct{}),
		done:    make(chan struct{}),
	}

	go func() {
		defer close(queue.done)
		defer close(queue.ch)

		for {
			item, ok := queue.pop()
			if !ok {
				return
			}

			select {
			case queue.ch <- item:

			case <-queue.discard:
				return
			}
		}
	}()

	return queue
}

// Enqueue returns false once the channel is closed.
func (q *QueuedChannel[T]) Enqueue(items ...T) bool {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()

	if q.closed.Load() {
		return false
	}

	q.items = append(q.items, items...)

	q.cond.Broadcast()

	return true
}

func (q *QueuedChannel[T]) GetChannel() <-chan T {
	return q.ch
}

// Close stops accepting items. Items already queued are still delivered before the channel closes.
func (q *QueuedChannel[T]) Close() {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()

	q.closed.Store(true)

	q.cond.Broadcast()
}

// CloseAndDiscardQueued closes the channel and drops the items no reader took yet.
func (q *QueuedChannel[T]) CloseAndDiscardQueued() {
	q.cond.L.Lock()

	q.closed.Store(true)
	q.discardOnce.Do(func() { close(q.discard) })

	q.items = nil

	q.cond.Broadcast()
	q.cond.L.Unlock()

	<-q.done
}

func (q *QueuedChannel[T]) pop() (T, bool) {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()

	var item T

	// Keep delivering after Close until the queue runs dry.
	for len(q.items) == 0 {
		if q.closed.Load() {
			return item, false
		}

		q.cond.Wait()
	}

	item, q.items = q.items[0], q.items[1:]

	return item, true
}
