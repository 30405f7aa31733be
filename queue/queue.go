// Package queue implements the bounded priority ingress queue. Items drain
// highest priority first, FIFO within a priority level.
package queue

import (
	"container/heap"
	"sync"
	"time"

	"github.com/google/uuid"

	"neargate/fault"
	"neargate/transfer"
)

const (
	// MinPriority and MaxPriority bound the accepted priority range.
	MinPriority = 0.1
	MaxPriority = 10.0
	// DefaultPriority applies when the caller passes zero.
	DefaultPriority = 1.0
)

// Item is one queued transfer. Ownership moves to the caller of Drain.
type Item struct {
	ID         uuid.UUID
	Request    transfer.Request
	EnqueuedAt time.Time
	Priority   float64
	RetryCount int

	seq   uint64 // insertion order, breaks priority ties
	index int    // heap bookkeeping
}

// Queue is a mutex-protected binary heap with a hard size cap. The hot path
// (Enqueue) does a single heap push under the lock.
type Queue struct {
	mu     sync.Mutex
	items  itemHeap
	cap    int
	seq    uint64
	closed bool

	flushDepth int
	wake       chan struct{}
}

// New builds a queue bounded at capacity. flushDepth sets the backlog at
// which Enqueue signals the wake channel so the collector can run early; zero
// disables the signal.
func New(capacity, flushDepth int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		cap:        capacity,
		flushDepth: flushDepth,
		wake:       make(chan struct{}, 1),
	}
}

// Wake returns the channel pulsed when the backlog crosses the flush depth.
func (q *Queue) Wake() <-chan struct{} { return q.wake }

// Enqueue inserts a validated request and returns its id. Fails QUEUE_FULL at
// capacity and SHUTTING_DOWN after Close.
func (q *Queue) Enqueue(req transfer.Request, priority float64) (uuid.UUID, error) {
	if priority == 0 {
		priority = DefaultPriority
	}
	if priority < MinPriority {
		priority = MinPriority
	}
	if priority > MaxPriority {
		priority = MaxPriority
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return uuid.Nil, fault.New(fault.KindShuttingDown, "queue is draining")
	}
	if len(q.items) >= q.cap {
		q.mu.Unlock()
		return uuid.Nil, fault.Newf(fault.KindQueueFull, "queue at capacity %d", q.cap)
	}
	q.seq++
	item := &Item{
		ID:         uuid.New(),
		Request:    req,
		EnqueuedAt: time.Now(),
		Priority:   priority,
		seq:        q.seq,
	}
	heap.Push(&q.items, item)
	depth := len(q.items)
	q.mu.Unlock()

	if q.flushDepth > 0 && depth >= q.flushDepth {
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
	return item.ID, nil
}

// Requeue reinserts a previously drained item, typically after a retriable
// failure, bumping its retry count. Subject to the same cap and close rules.
func (q *Queue) Requeue(item *Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fault.New(fault.KindShuttingDown, "queue is draining")
	}
	if len(q.items) >= q.cap {
		return fault.Newf(fault.KindQueueFull, "queue at capacity %d", q.cap)
	}
	q.seq++
	item.seq = q.seq
	item.RetryCount++
	heap.Push(&q.items, item)
	return nil
}

// Drain removes and returns up to n items, best first. The removal is atomic
// with respect to Enqueue.
func (q *Queue) Drain(n int) []*Item {
	if n <= 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > len(q.items) {
		n = len(q.items)
	}
	out := make([]*Item, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, heap.Pop(&q.items).(*Item))
	}
	return out
}

// Len reports the current backlog.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Cap reports the configured bound.
func (q *Queue) Cap() int { return q.cap }

// Close stops the queue accepting new work. Items already queued remain
// drainable so the shutdown path can finish them.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// Closed reports whether Close was called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// itemHeap orders by priority descending, then insertion order ascending.
type itemHeap []*Item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x any) {
	item := x.(*Item)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
