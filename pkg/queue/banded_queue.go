package queue

import (
	"container/heap"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/resilient-fetch/pkg/models"
	"github.com/Sriram-PR/resilient-fetch/pkg/utils"
)

// --- Priority Queue Implementation ---

// pqItem is one queued value. Ordering is (band, seq): lower band first, then arrival.
type pqItem[T any] struct {
	value     T
	band      models.Priority
	seq       int64     // Arrival order within the band; requeued items get a seq below every other
	bandSince time.Time // When the item entered its current band (aging clock)
	index     int       // Heap index
}

// priorityHeap implements heap.Interface
type priorityHeap[T any] []*pqItem[T]

func (h priorityHeap[T]) Len() int { return len(h) }

func (h priorityHeap[T]) Less(i, j int) bool {
	if h[i].band != h[j].band {
		return h[i].band < h[j].band
	}
	return h[i].seq < h[j].seq
}

func (h priorityHeap[T]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *priorityHeap[T]) Push(x any) {
	item := x.(*pqItem[T])
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *priorityHeap[T]) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil  // avoid memory leak
	item.index = -1 // for safety
	*h = old[0 : n-1]
	return item
}

// BandedQueue is the admission queue: three priority bands drained in strict order,
// FIFO within a band. An item that waits AgingThreshold in its band is promoted one band
// so low-priority work cannot starve forever. Safe for concurrent use.
type BandedQueue[T any] struct {
	h              priorityHeap[T]
	mu             sync.Mutex
	cond           *sync.Cond // Signalled when an item is added or the queue closes
	closed         bool
	nextSeq        int64
	headSeq        int64 // Decremented for PushFront
	agingThreshold time.Duration
	now            func() time.Time
	log            *logrus.Entry
}

// NewBandedQueue creates an empty queue. agingThreshold <= 0 disables aging.
func NewBandedQueue[T any](agingThreshold time.Duration, log *logrus.Entry) *BandedQueue[T] {
	q := &BandedQueue[T]{
		agingThreshold: agingThreshold,
		now:            time.Now,
		log:            log.WithField("component", "queue"),
	}
	q.cond = sync.NewCond(&q.mu)
	heap.Init(&q.h)
	return q
}

// Push appends value to the tail of its priority band.
func (q *BandedQueue[T]) Push(value T, priority models.Priority) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return utils.ErrQueueClosed
	}
	q.nextSeq++
	heap.Push(&q.h, &pqItem[T]{value: value, band: clampBand(priority), seq: q.nextSeq, bandSince: q.now()})
	q.cond.Signal()
	return nil
}

// PushFront puts value back at the head of its band. Used when a dispatched item lost
// the race for a concurrency slot. It is accepted even after Close so nothing is dropped.
func (q *BandedQueue[T]) PushFront(value T, priority models.Priority) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.headSeq--
	heap.Push(&q.h, &pqItem[T]{value: value, band: clampBand(priority), seq: q.headSeq, bandSince: q.now()})
	q.cond.Signal()
}

// Pop removes the highest-priority item, blocking while the queue is empty.
// Returns false once the queue is closed and empty.
func (q *BandedQueue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.h) == 0 {
		if q.closed {
			var zero T
			return zero, false
		}
		q.cond.Wait()
	}

	q.ageLocked()
	item := heap.Pop(&q.h).(*pqItem[T])
	return item.value, true
}

// TryPop is the non-blocking form of Pop.
func (q *BandedQueue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.h) == 0 {
		var zero T
		return zero, false
	}
	q.ageLocked()
	item := heap.Pop(&q.h).(*pqItem[T])
	return item.value, true
}

// Close stops admission and wakes blocked Pop callers. Items already queued can still be popped.
func (q *BandedQueue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		q.cond.Broadcast()
	}
}

// Drain removes and returns every queued item in pop order.
func (q *BandedQueue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]T, 0, len(q.h))
	for len(q.h) > 0 {
		out = append(out, heap.Pop(&q.h).(*pqItem[T]).value)
	}
	return out
}

// Len returns the number of queued items.
func (q *BandedQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}

// LenByBand returns the queued item count of each band (high, normal, low).
func (q *BandedQueue[T]) LenByBand() [models.PriorityBands]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	var counts [models.PriorityBands]int
	for _, item := range q.h {
		counts[item.band]++
	}
	return counts
}

// Closed reports whether Close has been called.
func (q *BandedQueue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// ageLocked promotes items that have waited agingThreshold in their band.
// Promoted items join the tail of the higher band.
func (q *BandedQueue[T]) ageLocked() {
	if q.agingThreshold <= 0 {
		return
	}
	now := q.now()
	var due []*pqItem[T]
	for _, item := range q.h {
		if item.band > models.PriorityHigh && now.Sub(item.bandSince) >= q.agingThreshold {
			due = append(due, item)
		}
	}
	if len(due) == 0 {
		return
	}
	// Keep relative order among promoted items.
	sort.Slice(due, func(i, j int) bool {
		if due[i].band != due[j].band {
			return due[i].band < due[j].band
		}
		return due[i].seq < due[j].seq
	})
	for _, item := range due {
		item.band--
		item.bandSince = now
		q.nextSeq++
		item.seq = q.nextSeq
	}
	heap.Init(&q.h)
	q.log.WithField("promoted", len(due)).Debug("Aged queued items into a higher band")
}

func clampBand(p models.Priority) models.Priority {
	if p < models.PriorityHigh {
		return models.PriorityHigh
	}
	if p > models.PriorityLow {
		return models.PriorityLow
	}
	return p
}
