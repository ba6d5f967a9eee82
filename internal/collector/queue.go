package collector

import (
	"sync"

	"github.com/t77yq/perfmon/internal/model"
)

// Queue is a bounded FIFO of metric events. When full, the oldest event is
// overwritten to admit the new one.
type Queue struct {
	mu      sync.Mutex
	buf     []model.MetricEvent
	head    int // index of the oldest event
	size    int
	dropped uint64
}

// NewQueue creates a queue holding at most capacity events
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{buf: make([]model.MetricEvent, capacity)}
}

// Push appends an event, evicting the oldest one when the queue is full.
// It returns the queue length after the push and whether an event was evicted.
func (q *Queue) Push(event model.MetricEvent) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	capacity := len(q.buf)
	if q.size == capacity {
		q.buf[q.head] = event
		q.head = (q.head + 1) % capacity
		q.dropped++
		return q.size, true
	}

	q.buf[(q.head+q.size)%capacity] = event
	q.size++
	return q.size, false
}

// Drain removes up to max events in arrival order. max <= 0 drains everything.
func (q *Queue) Drain(max int) []model.MetricEvent {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.size
	if max > 0 && max < n {
		n = max
	}
	if n == 0 {
		return nil
	}

	capacity := len(q.buf)
	out := make([]model.MetricEvent, n)
	for i := 0; i < n; i++ {
		idx := (q.head + i) % capacity
		out[i] = q.buf[idx]
		q.buf[idx] = model.MetricEvent{}
	}
	q.head = (q.head + n) % capacity
	q.size -= n
	return out
}

// Len returns the number of queued events
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the queue capacity
func (q *Queue) Cap() int {
	return len(q.buf)
}

// Dropped returns the number of events evicted so far
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
