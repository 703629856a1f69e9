// Package timeheap implements a min-heap timeout scheduler.
//
// Timers are ordered by absolute expiry (unix seconds). The soonest deadline
// always sits at the root, so Tick only inspects as many entries as are due:
//
//	Add    → O(log N)  sift-up from the next free slot
//	Pop    → O(log N)  last entry moved to the root, then sift-down
//	Cancel → O(1)      lazy: the callback is cleared, the slot is reclaimed
//	                   when the entry reaches the root
//
// The backing slice has an explicit capacity that doubles when full. Growth
// beyond the configured maximum fails with timer.ErrAllocation and the new
// timer is rejected; timers already queued are unaffected.
//
// A Heap is not safe for concurrent use.
package timeheap

import (
	"container/heap"
	"time"

	"github.com/snehjoshi/epochtimer/internal/timer"
)

// DefaultMaxCapacity bounds growth when WithMaxCapacity is not given.
const DefaultMaxCapacity = 1 << 24

// Timer is the caller-visible shape of a heap timer.
type Timer struct {
	// Expire is the absolute unix second at which the timer is due.
	Expire int64
	// Func is called with Data when the timer fires. It is nil for a timer
	// that was cancelled before being popped.
	Func timer.Func
	// Data is caller context (typically a connection). The heap does not own it.
	Data any
}

// Option configures a Heap.
type Option func(*Heap)

// WithClock replaces the wall clock used by Schedule and Tick.
func WithClock(c timer.Clock) Option {
	return func(h *Heap) {
		if c != nil {
			h.clock = c
		}
	}
}

// WithMaxCapacity caps how far the backing slice may grow.
func WithMaxCapacity(n int) Option {
	return func(h *Heap) {
		if n > 0 {
			h.maxCapacity = n
		}
	}
}

// Heap is a min-heap timeout scheduler.
//
// Usage:
//
//	h, err := timeheap.New(64)
//	id, err := h.Schedule(30*time.Second, closeConn, conn)
//	...
//	h.Cancel(id)      // connection became active again
//	h.Tick()          // once per second from the event loop
type Heap struct {
	h           minHeap
	capacity    int
	maxCapacity int
	clock       timer.Clock

	// byID holds live (non-cancelled) entries for O(1) Cancel lookup.
	byID map[timer.Handle]*entry
	seq  uint64
}

var _ timer.Scheduler = (*Heap)(nil)

// New returns an empty heap able to hold capacity timers before growing.
func New(capacity int, opts ...Option) (*Heap, error) {
	th := newHeap(opts)
	if capacity < 1 || capacity > th.maxCapacity {
		return nil, timer.ErrAllocation
	}
	th.capacity = capacity
	th.h = make(minHeap, 0, capacity)
	return th, nil
}

// NewFrom builds a heap from the first size timers of init and restores heap
// order bottom-up in O(n). It returns the handles of the loaded timers in the
// order they appear in init.
func NewFrom(init []Timer, size, capacity int, opts ...Option) (*Heap, []timer.Handle, error) {
	if size < 0 || capacity < size || size > len(init) {
		return nil, nil, timer.ErrInvalidCapacity
	}
	th, err := New(capacity, opts...)
	if err != nil {
		return nil, nil, err
	}

	ids := make([]timer.Handle, size)
	for i := 0; i < size; i++ {
		e := th.newEntry(&init[i])
		e.heapIdx = i
		th.h = append(th.h, e)
		ids[i] = e.id
	}
	heap.Init(&th.h)
	return th, ids, nil
}

func newHeap(opts []Option) *Heap {
	th := &Heap{
		maxCapacity: DefaultMaxCapacity,
		clock:       timer.SystemClock,
		byID:        make(map[timer.Handle]*entry),
	}
	for _, o := range opts {
		o(th)
	}
	return th
}

func (th *Heap) newEntry(t *Timer) *entry {
	th.seq++
	e := &entry{
		expire: t.Expire,
		fn:     t.Func,
		data:   t.Data,
		id:     timer.Handle(th.seq),
	}
	th.byID[e.id] = e
	return e
}

// Add inserts t and returns its handle. A nil t is ignored and yields the
// zero handle. The heap copies t; later changes to *t have no effect.
func (th *Heap) Add(t *Timer) (timer.Handle, error) {
	if t == nil {
		return 0, nil
	}
	if len(th.h) >= th.capacity {
		if err := th.grow(); err != nil {
			return 0, err
		}
	}
	e := th.newEntry(t)
	heap.Push(&th.h, e)
	return e.id, nil
}

// Schedule adds a timer due timeout from now. The deadline is rounded up to
// the next whole second so a timer never fires before timeout has elapsed.
func (th *Heap) Schedule(timeout time.Duration, fn timer.Func, data any) (timer.Handle, error) {
	if timeout < 0 {
		return 0, timer.ErrInvalidTimeout
	}
	return th.Add(&Timer{
		Expire: ceilUnix(th.clock().Add(timeout)),
		Func:   fn,
		Data:   data,
	})
}

// ceilUnix returns t in unix seconds, rounded up on any sub-second remainder.
func ceilUnix(t time.Time) int64 {
	sec := t.Unix()
	if t.Nanosecond() > 0 {
		sec++
	}
	return sec
}

// grow doubles the backing slice, copying the occupied prefix in place so
// every index (and therefore heap order) is preserved.
func (th *Heap) grow() error {
	next := th.capacity * 2
	if next > th.maxCapacity {
		next = th.maxCapacity
	}
	if next <= th.capacity {
		return timer.ErrAllocation
	}
	grown := make(minHeap, len(th.h), next)
	copy(grown, th.h)
	th.h = grown
	th.capacity = next
	return nil
}

// Cancel lazily cancels the timer identified by id. The entry keeps its heap
// slot until it reaches the root; it will not fire.
func (th *Heap) Cancel(id timer.Handle) {
	e, ok := th.byID[id]
	if !ok {
		return
	}
	e.cancelled = true
	e.fn = nil
	e.data = nil
	delete(th.byID, id)
}

// Pop removes the root. Cancelled entries are returned with a nil Func.
// ok is false when the heap is empty.
func (th *Heap) Pop() (t Timer, ok bool) {
	if len(th.h) == 0 {
		return Timer{}, false
	}
	e := heap.Pop(&th.h).(*entry)
	delete(th.byID, e.id)
	return Timer{Expire: e.expire, Func: e.fn, Data: e.data}, true
}

// Top returns the earliest pending timer without removing it. Cancelled
// entries found at the root are discarded first. ok is false when no pending
// timer remains.
func (th *Heap) Top() (t Timer, ok bool) {
	for len(th.h) > 0 {
		root := th.h[0]
		if root.cancelled {
			heap.Pop(&th.h)
			continue
		}
		return Timer{Expire: root.expire, Func: root.fn, Data: root.data}, true
	}
	return Timer{}, false
}

// Tick fires every timer whose expiry is at or before the current time.
// Each due root is removed before its callback runs, so callbacks may add or
// cancel timers.
func (th *Heap) Tick() {
	now := th.clock().Unix()
	for len(th.h) > 0 {
		root := th.h[0]
		if root.expire > now {
			return
		}
		heap.Pop(&th.h)
		delete(th.byID, root.id)
		if !root.cancelled && root.fn != nil {
			root.fn(root.data)
		}
	}
}

// Empty reports whether the heap holds no entries, cancelled ones included.
func (th *Heap) Empty() bool { return len(th.h) == 0 }

// Len returns the number of pending, non-cancelled timers.
func (th *Heap) Len() int { return len(th.byID) }

// Size returns the number of occupied slots, including lazily cancelled ones.
func (th *Heap) Size() int { return len(th.h) }

// Cap returns the current capacity of the backing slice.
func (th *Heap) Cap() int { return th.capacity }
