package queue

import "time"

// heapItem is one scheduling entry. seq breaks the unlikely tie of equal
// priority and equal creation time so ordering stays deterministic.
type heapItem struct {
	id        string
	priority  Priority
	createdAt time.Time
	seq       uint64
}

// commandHeap is a min-heap on (priority, created_at, seq). It implements
// container/heap's interface; all access happens under the pool lock.
type commandHeap []heapItem

func (h commandHeap) Len() int { return len(h) }

func (h commandHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	if !h[i].createdAt.Equal(h[j].createdAt) {
		return h[i].createdAt.Before(h[j].createdAt)
	}
	return h[i].seq < h[j].seq
}

func (h commandHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *commandHeap) Push(x any) { *h = append(*h, x.(heapItem)) }

func (h *commandHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
