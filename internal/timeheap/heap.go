package timeheap

import (
	"github.com/snehjoshi/epochtimer/internal/timer"
)

// entry is one slot of the min-heap.
type entry struct {
	expire int64 // unix seconds, the sort key
	fn     timer.Func
	data   any
	id     timer.Handle

	// heapIdx is the entry's current position in the heap slice.
	// Maintained by minHeap.Swap; -1 once the entry has left the heap.
	heapIdx int

	// cancelled marks the entry for lazy deletion. It stays in the heap until
	// it surfaces at the root and is popped without firing.
	cancelled bool
}

// minHeap satisfies heap.Interface with the smallest expire at index 0.
//
// container/heap sifts up while the parent is strictly greater and sifts down
// only into a strictly smaller child, preferring the left child on ties, so an
// entry never overtakes an earlier entry with the same expire.
type minHeap []*entry

func (h minHeap) Len() int { return len(h) }

func (h minHeap) Less(i, j int) bool {
	return h[i].expire < h[j].expire
}

func (h minHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}

func (h *minHeap) Push(x any) {
	n := len(*h)
	e := x.(*entry)
	e.heapIdx = n
	*h = append(*h, e)
}

func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil // allow GC
	e.heapIdx = -1
	*h = old[:n-1]
	return e
}

// valid reports whether every parent is <= both of its children.
func (h minHeap) valid() bool {
	for i := 1; i < len(h); i++ {
		if h[(i-1)/2].expire > h[i].expire {
			return false
		}
	}
	return true
}
