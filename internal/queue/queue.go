// Package queue implements the outbound message queue used while the
// realtime connection is down.
//
// The queue is a growable FIFO ring. It never blocks: the producer is the
// caller of Send and the consumer is the connection manager's flush, both
// running under the manager's lock. When MaxLen is set and the queue is
// full, the oldest entry is dropped and a warning is logged.
package queue

import (
	"log/slog"
	"sync"
)

// Queue is a thread-safe FIFO that doubles its capacity when it reaches
// 70% full, optionally bounded by a maximum length.
type Queue[T any] struct {
	mu       sync.Mutex
	logger   *slog.Logger
	buf      []T
	head     int // read position
	tail     int // write position
	count    int
	capacity int
	maxLen   int // 0 = unbounded

	// Stats
	totalPushed int64
	totalPopped int64
	dropped     int64
	resizeCount int
}

// New creates a queue with the given initial capacity and maximum length.
// A maxLen of 0 means unbounded.
func New[T any](initialCapacity, maxLen int, logger *slog.Logger) *Queue[T] {
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue[T]{
		logger:   logger,
		buf:      make([]T, initialCapacity),
		capacity: initialCapacity,
		maxLen:   maxLen,
	}
}

// Push appends an item to the tail. Returns false if an older item had to
// be dropped to make room.
func (q *Queue[T]) Push(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := true
	if q.maxLen > 0 && q.count >= q.maxLen {
		q.popLocked()
		q.dropped++
		kept = false
		q.logger.Warn("outbound queue full, dropped oldest message",
			"max_len", q.maxLen,
			"dropped_total", q.dropped,
		)
	}

	threshold := (q.capacity * 70) / 100
	if threshold < 1 {
		threshold = 1
	}
	if q.count+1 >= threshold {
		q.grow()
	}

	q.buf[q.tail] = item
	q.tail = (q.tail + 1) % q.capacity
	q.count++
	q.totalPushed++

	return kept
}

// Pop removes and returns the head item.
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		var zero T
		return zero, false
	}
	item := q.popLocked()
	q.totalPopped++
	return item, true
}

// Peek returns the head item without removing it.
func (q *Queue[T]) Peek() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		var zero T
		return zero, false
	}
	return q.buf[q.head], true
}

// Drain removes and returns every item in FIFO order.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return nil
	}
	result := make([]T, 0, q.count)
	for q.count > 0 {
		result = append(result, q.popLocked())
		q.totalPopped++
	}
	return result
}

// RemoveFunc deletes every item for which match returns true, preserving
// the order of the rest. Returns the number removed.
func (q *Queue[T]) RemoveFunc(match func(T) bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return 0
	}

	kept := make([]T, q.capacity)
	n := 0
	removed := 0
	for i := 0; i < q.count; i++ {
		item := q.buf[(q.head+i)%q.capacity]
		if match(item) {
			removed++
			continue
		}
		kept[n] = item
		n++
	}

	q.buf = kept
	q.head = 0
	q.tail = n % q.capacity
	q.count = n
	return removed
}

// Clear discards every queued item.
func (q *Queue[T]) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.buf = make([]T, q.capacity)
	q.head = 0
	q.tail = 0
	q.count = 0
}

// Len returns the current number of items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Stats returns queue statistics.
func (q *Queue[T]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Count:       q.count,
		Capacity:    q.capacity,
		MaxLen:      q.maxLen,
		TotalPushed: q.totalPushed,
		TotalPopped: q.totalPopped,
		Dropped:     q.dropped,
		ResizeCount: q.resizeCount,
	}
}

// Stats contains queue statistics.
type Stats struct {
	Count       int
	Capacity    int
	MaxLen      int
	TotalPushed int64
	TotalPopped int64
	Dropped     int64
	ResizeCount int
}

// popLocked removes the head item. Must be called with lock held and count > 0.
func (q *Queue[T]) popLocked() T {
	item := q.buf[q.head]
	var zero T
	q.buf[q.head] = zero // Clear reference for GC
	q.head = (q.head + 1) % q.capacity
	q.count--
	return item
}

// grow doubles the buffer capacity. Must be called with lock held.
func (q *Queue[T]) grow() {
	newCapacity := q.capacity * 2
	newBuf := make([]T, newCapacity)

	if q.count > 0 {
		if q.head < q.tail {
			copy(newBuf, q.buf[q.head:q.tail])
		} else {
			// Wrapped: [head...end) + [0...tail)
			n := copy(newBuf, q.buf[q.head:])
			copy(newBuf[n:], q.buf[:q.tail])
		}
	}

	q.buf = newBuf
	q.head = 0
	q.tail = q.count
	q.capacity = newCapacity
	q.resizeCount++
}
