// Package queue provides the bounded priority queue shared by all runs.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrClosed = errors.New("queue closed")
	ErrFull   = errors.New("queue full")
)

// Item is one ready task attempt waiting for a worker.
type Item struct {
	RunID       string
	TaskID      string
	ExecutionID string
	Attempt     int
	Priority    int
	EnqueuedAt  time.Time

	seq uint64
}

type itemHeap []*Item

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}
func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x any)   { *h = append(*h, x.(*Item)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}

// Queue is a lock-protected max-heap ordered by priority, then by enqueue
// order. Producers block while it is full and consumers block while it is
// empty. Each item is handed to exactly one consumer.
type Queue struct {
	mu       sync.Mutex
	items    itemHeap
	capacity int
	seq      uint64
	closed   bool
	// notEmpty and notFull are closed and replaced to wake every waiter.
	notEmpty chan struct{}
	notFull  chan struct{}
}

// New returns a queue holding at most capacity items. capacity <= 0 means unbounded.
func New(capacity int) *Queue {
	return &Queue{
		capacity: capacity,
		notEmpty: make(chan struct{}),
		notFull:  make(chan struct{}),
	}
}

// Enqueue adds item, waiting for room while the queue is full.
func (q *Queue) Enqueue(ctx context.Context, item Item) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrClosed
		}
		if q.capacity <= 0 || len(q.items) < q.capacity {
			q.push(item)
			q.mu.Unlock()
			return nil
		}
		wait := q.notFull
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// TryEnqueue adds item without waiting.
func (q *Queue) TryEnqueue(item Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	if q.capacity > 0 && len(q.items) >= q.capacity {
		return ErrFull
	}
	q.push(item)
	return nil
}

func (q *Queue) push(item Item) {
	q.seq++
	item.seq = q.seq
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}
	heap.Push(&q.items, &item)
	close(q.notEmpty)
	q.notEmpty = make(chan struct{})
}

// Dequeue removes the highest priority item, waiting while the queue is
// empty. ok is false when ctx is done or the queue is closed and drained.
// A done ctx wins over a waiting item.
func (q *Queue) Dequeue(ctx context.Context) (Item, bool) {
	for {
		if ctx.Err() != nil {
			return Item{}, false
		}
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.pop()
			q.mu.Unlock()
			return item, true
		}
		if q.closed {
			q.mu.Unlock()
			return Item{}, false
		}
		wait := q.notEmpty
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return Item{}, false
		}
	}
}

// TryDequeue removes the highest priority item if there is one.
func (q *Queue) TryDequeue() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Item{}, false
	}
	return q.pop(), true
}

func (q *Queue) pop() Item {
	item := heap.Pop(&q.items).(*Item)
	q.signalNotFull()
	return *item
}

func (q *Queue) signalNotFull() {
	if q.closed {
		return
	}
	close(q.notFull)
	q.notFull = make(chan struct{})
}

// RemoveIf drops every queued item matching fn and returns them.
func (q *Queue) RemoveIf(fn func(Item) bool) []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	var removed []Item
	kept := q.items[:0]
	for _, it := range q.items {
		if fn(*it) {
			removed = append(removed, *it)
			continue
		}
		kept = append(kept, it)
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = kept
	if len(removed) > 0 {
		heap.Init(&q.items)
		q.signalNotFull()
	}
	return removed
}

// Size returns the number of queued items.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Capacity returns the configured bound, or 0 when unbounded.
func (q *Queue) Capacity() int { return q.capacity }

// Close rejects further enqueues and wakes all waiters. Items already queued
// can still be dequeued.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.notEmpty)
	close(q.notFull)
}
