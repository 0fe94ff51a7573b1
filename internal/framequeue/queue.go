// Package framequeue provides the bounded queue that decouples frame
// acquisition from the pipeline consumer.
//
// The queue is the only object shared between the two execution
// contexts (capture loop and pipeline loop); everything downstream is
// single-consumer by design.
package framequeue

import (
	"sync"
	"time"

	"github.com/visiona/sentinel/internal/types"
)

// Queue is a fixed-capacity frame buffer with an evict-oldest policy.
//
// Push never blocks: when the queue is full the oldest frame is
// evicted to admit the newest, since stale frames lose value faster
// than fresh ones. Every eviction is counted.
//
// Thread-safety: all methods safe for concurrent use. Pop is intended
// for a single consumer.
type Queue struct {
	mu   sync.Mutex
	cond *sync.Cond

	buf    []*types.Frame
	head   int // index of oldest frame
	count  int
	closed bool

	dropped uint64
}

// New creates a queue with the given capacity.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 100
	}
	q := &Queue{buf: make([]*types.Frame, capacity)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push admits a frame, evicting the oldest if the queue is full.
// Returns true if the push evicted a frame. Frames pushed after Close
// are silently discarded.
func (q *Queue) Push(frame *types.Frame) (evicted bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	if q.count == len(q.buf) {
		// Drop oldest to favor recency.
		q.buf[q.head] = nil
		q.head = (q.head + 1) % len(q.buf)
		q.count--
		q.dropped++
		evicted = true
	}

	q.buf[(q.head+q.count)%len(q.buf)] = frame
	q.count++
	q.cond.Signal()
	return evicted
}

// Pop removes the oldest frame, waiting up to timeout for one to
// arrive. Returns (nil, false) on timeout and (nil, false) once the
// queue is closed and drained; Closed() distinguishes the two.
// No frame is ever returned twice.
func (q *Queue) Pop(timeout time.Duration) (*types.Frame, bool) {
	deadline := time.Now().Add(timeout)

	q.mu.Lock()
	defer q.mu.Unlock()

	for q.count == 0 {
		if q.closed {
			return nil, false
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false
		}
		// Wake ourselves when the deadline passes; cond has no timed wait.
		t := time.AfterFunc(remaining, func() {
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		})
		q.cond.Wait()
		t.Stop()
	}

	frame := q.buf[q.head]
	q.buf[q.head] = nil
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	return frame, true
}

// Close stops admitting frames and wakes any blocked Pop. Frames
// already queued remain poppable (drain semantics). Idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.cond.Broadcast()
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Len returns the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Dropped returns the lifetime eviction count.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
