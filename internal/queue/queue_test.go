package queue

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDequeueFollowsSequenceOrder(t *testing.T) {
	pq := NewPriorityQueue[string]()
	pq.Enqueue("third.txt", 12)
	pq.Enqueue("first.txt", 3)
	pq.Enqueue("second.txt", 7)

	for _, want := range []string{"first.txt", "second.txt", "third.txt"} {
		got, ok := pq.Dequeue()
		assert.True(t, ok)
		assert.Equal(t, want, got)
	}

	_, ok := pq.Dequeue()
	assert.False(t, ok, "drained queue must report empty")
}

func TestDequeueAllDrainsInOrder(t *testing.T) {
	pq := NewPriorityQueue[int]()
	pq.Enqueue(30, 30)
	pq.Enqueue(10, 10)
	pq.Enqueue(20, 20)
	assert.Equal(t, 3, pq.Len())

	assert.Equal(t, []int{10, 20, 30}, pq.DequeueAll())
	assert.Equal(t, 0, pq.Len())
}

func TestConcurrentEnqueueLosesNothing(t *testing.T) {
	pq := NewPriorityQueue[int]()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(seq int) {
			defer wg.Done()
			pq.Enqueue(seq, seq)
		}(i)
	}
	wg.Wait()

	all := pq.DequeueAll()
	assert.Len(t, all, 50)
	assert.IsIncreasing(t, all)
}
