// Package queue provides the ordered holding area for sync operations that
// cannot run yet. The engine parks change events here while the backend is
// down, keyed by a monotonic sequence number, and replays them
// lowest-sequence-first so the original submission order survives the
// outage.
package queue

import (
	"container/heap"
	"sync"
)

type item[T any] struct {
	value T
	seq   int
}

// ordering is the heap under PriorityQueue. Lower sequence numbers surface
// first.
type ordering[T any] []*item[T]

func (o ordering[T]) Len() int           { return len(o) }
func (o ordering[T]) Less(i, j int) bool { return o[i].seq < o[j].seq }
func (o ordering[T]) Swap(i, j int)      { o[i], o[j] = o[j], o[i] }

func (o *ordering[T]) Push(x any) {
	*o = append(*o, x.(*item[T]))
}

func (o *ordering[T]) Pop() any {
	old := *o
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*o = old[:n-1]
	return it
}

// PriorityQueue holds values until they can be replayed, smallest sequence
// first. Safe for concurrent use.
type PriorityQueue[T any] struct {
	mu   sync.Mutex
	heap ordering[T]
}

func NewPriorityQueue[T any]() *PriorityQueue[T] {
	return &PriorityQueue[T]{}
}

func (pq *PriorityQueue[T]) Len() int {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	return pq.heap.Len()
}

// Enqueue parks value under seq. Sequence numbers are assigned by the
// caller and never reused within one queue.
func (pq *PriorityQueue[T]) Enqueue(value T, seq int) {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	heap.Push(&pq.heap, &item[T]{value: value, seq: seq})
}

// Dequeue removes and returns the value with the smallest sequence. The
// second result is false when the queue is empty.
func (pq *PriorityQueue[T]) Dequeue() (T, bool) {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	if pq.heap.Len() == 0 {
		var zero T
		return zero, false
	}
	return heap.Pop(&pq.heap).(*item[T]).value, true
}

// DequeueAll drains the queue in sequence order.
func (pq *PriorityQueue[T]) DequeueAll() []T {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	out := make([]T, 0, pq.heap.Len())
	for pq.heap.Len() > 0 {
		out = append(out, heap.Pop(&pq.heap).(*item[T]).value)
	}
	return out
}
