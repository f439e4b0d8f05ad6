package queue

import (
	"container/heap"
)

// heapItem orders by rank (11 - priority, so 10 pops first) then by
// insertion sequence.
type heapItem struct {
	rank int
	seq  uint64
	id   string
}

type itemHeap []heapItem

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].rank != h[j].rank {
		return h[i].rank < h[j].rank
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x interface{}) { *h = append(*h, x.(heapItem)) }

func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

var _ heap.Interface = (*itemHeap)(nil)

func rankOf(priority int) int {
	return 11 - priority
}
