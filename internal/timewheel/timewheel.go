// Package timewheel implements a timing-wheel timeout scheduler.
//
// Time is cut into N slots of equal width (default 60 × 1s). Each slot holds a
// doubly linked list of timers; a timer further away than one revolution
// records how many full laps it still has to wait. Tick advances the current
// slot by one and walks only that slot's list:
//
//	Add    → O(1)  push at the head of the target slot
//	Cancel → O(1)  unlink via prev/next, storage released immediately
//	Tick   → O(k)  k = timers living in the visited slot
//
// Timers live in an arena addressed by stable int32 index; list links are
// indices, and handles carry a generation so a stale handle can never reach a
// recycled node.
//
// A Wheel is not safe for concurrent use.
package timewheel

import (
	"time"

	"github.com/snehjoshi/epochtimer/internal/timer"
)

const (
	// DefaultSlots is the number of slots in one revolution.
	DefaultSlots = 60
	// DefaultInterval is the time represented by one Tick.
	DefaultInterval = time.Second
)

const nilIdx int32 = -1

type nodeState uint8

const (
	stateFree nodeState = iota
	stateQueued
	stateFiring // unlinked by Tick, callback not yet run
)

type node struct {
	rotation int // full revolutions left before the timer is due
	slot     int
	fn       timer.Func
	data     any

	next, prev int32

	gen   uint32
	state nodeState
}

// Option configures a Wheel.
type Option func(*Wheel)

// WithSlots sets the number of slots per revolution.
func WithSlots(n int) Option {
	return func(w *Wheel) { w.n = n }
}

// WithInterval sets the time represented by one Tick.
func WithInterval(d time.Duration) Option {
	return func(w *Wheel) { w.interval = d }
}

// Wheel is a timing-wheel timeout scheduler.
type Wheel struct {
	n        int
	interval time.Duration
	current  int
	slots    []int32 // head node per slot

	nodes []node
	free  []int32
	live  int

	// scratch is the due list reused across ticks.
	scratch []timer.Handle
}

var _ timer.Scheduler = (*Wheel)(nil)

// New returns an empty wheel positioned at slot 0.
func New(opts ...Option) (*Wheel, error) {
	w := &Wheel{n: DefaultSlots, interval: DefaultInterval}
	for _, o := range opts {
		o(w)
	}
	if w.n < 1 || w.interval <= 0 {
		return nil, timer.ErrInvalidCapacity
	}
	w.slots = make([]int32, w.n)
	for i := range w.slots {
		w.slots[i] = nilIdx
	}
	return w, nil
}

// Add schedules fn(data) to run on the Tick that completes timeout. Timeouts
// shorter than one interval fire on the next Tick. A negative timeout is
// rejected with the zero handle.
func (w *Wheel) Add(timeout time.Duration, fn timer.Func, data any) (timer.Handle, error) {
	if timeout < 0 {
		return 0, timer.ErrInvalidTimeout
	}
	ticks := int((timeout + w.interval - 1) / w.interval)
	if ticks < 1 {
		ticks = 1
	}

	// Tick advances before it walks, so slot current+ticks is first visited
	// on Tick number ((ticks-1) mod n)+1; the remaining laps are the rotation.
	slot := (w.current + ticks%w.n) % w.n
	idx := w.alloc()
	nd := &w.nodes[idx]
	nd.rotation = (ticks - 1) / w.n
	nd.slot = slot
	nd.fn = fn
	nd.data = data

	nd.prev = nilIdx
	nd.next = w.slots[slot]
	if head := w.slots[slot]; head != nilIdx {
		w.nodes[head].prev = idx
	}
	w.slots[slot] = idx
	w.live++
	return handleOf(idx, nd.gen), nil
}

// Schedule is Add under the timer.Scheduler name.
func (w *Wheel) Schedule(timeout time.Duration, fn timer.Func, data any) (timer.Handle, error) {
	return w.Add(timeout, fn, data)
}

// Cancel removes the timer immediately. Unknown, fired and already cancelled
// handles are ignored.
func (w *Wheel) Cancel(h timer.Handle) {
	idx, gen := split(h)
	if idx < 0 || int(idx) >= len(w.nodes) {
		return
	}
	nd := &w.nodes[idx]
	if nd.gen != gen {
		return
	}
	switch nd.state {
	case stateQueued:
		w.unlink(idx)
		w.live--
		w.release(idx)
	case stateFiring:
		// Cancelled by an earlier callback of the same Tick.
		w.release(idx)
	}
}

// Tick advances to the next slot and fires every timer there whose rotation
// has run out. The others lose one rotation and stay in place.
func (w *Wheel) Tick() {
	w.current = (w.current + 1) % w.n

	due := w.scratch
	w.scratch = nil

	for idx := w.slots[w.current]; idx != nilIdx; {
		nd := &w.nodes[idx]
		next := nd.next
		if nd.rotation > 0 {
			nd.rotation--
		} else {
			w.unlink(idx)
			w.live--
			nd.state = stateFiring
			due = append(due, handleOf(idx, nd.gen))
		}
		idx = next
	}

	// Callbacks run after the walk so they may add or cancel freely.
	for _, h := range due {
		idx, gen := split(h)
		nd := &w.nodes[idx]
		if nd.gen != gen || nd.state != stateFiring {
			continue
		}
		fn, data := nd.fn, nd.data
		w.release(idx)
		if fn != nil {
			fn(data)
		}
	}

	clear(due)
	w.scratch = due[:0]
}

// Clear drops every pending timer without running callbacks. Called from a
// callback, it also drops the timers still waiting to fire in that Tick.
func (w *Wheel) Clear() {
	for i := range w.slots {
		for idx := w.slots[i]; idx != nilIdx; {
			next := w.nodes[idx].next
			w.release(idx)
			idx = next
		}
		w.slots[i] = nilIdx
	}
	for i := range w.nodes {
		if w.nodes[i].state == stateFiring {
			w.release(int32(i))
		}
	}
	w.live = 0
}

// Len returns the number of pending timers.
func (w *Wheel) Len() int { return w.live }

// Current returns the index of the slot visited by the last Tick.
func (w *Wheel) Current() int { return w.current }

// Slots returns the number of slots per revolution.
func (w *Wheel) Slots() int { return w.n }

// Interval returns the time represented by one Tick.
func (w *Wheel) Interval() time.Duration { return w.interval }

// SlotLen returns the number of timers linked into slot i.
func (w *Wheel) SlotLen(i int) int {
	if i < 0 || i >= w.n {
		return 0
	}
	n := 0
	for idx := w.slots[i]; idx != nilIdx; idx = w.nodes[idx].next {
		n++
	}
	return n
}

// ─── arena ───────────────────────────────────────────────────────────────────

func (w *Wheel) alloc() int32 {
	var idx int32
	if n := len(w.free); n > 0 {
		idx = w.free[n-1]
		w.free = w.free[:n-1]
	} else {
		w.nodes = append(w.nodes, node{})
		idx = int32(len(w.nodes) - 1)
	}
	nd := &w.nodes[idx]
	nd.gen++
	if nd.gen == 0 {
		nd.gen = 1
	}
	nd.state = stateQueued
	return idx
}

func (w *Wheel) release(idx int32) {
	nd := &w.nodes[idx]
	nd.fn = nil
	nd.data = nil
	nd.next, nd.prev = nilIdx, nilIdx
	nd.state = stateFree
	w.free = append(w.free, idx)
}

func (w *Wheel) unlink(idx int32) {
	nd := &w.nodes[idx]
	if nd.prev == nilIdx {
		w.slots[nd.slot] = nd.next
	} else {
		w.nodes[nd.prev].next = nd.next
	}
	if nd.next != nilIdx {
		w.nodes[nd.next].prev = nd.prev
	}
	nd.next, nd.prev = nilIdx, nilIdx
}

// handleOf packs a node index and generation. gen is never 0, so neither is
// the handle.
func handleOf(idx int32, gen uint32) timer.Handle {
	return timer.Handle(uint64(gen)<<32 | uint64(uint32(idx)))
}

func split(h timer.Handle) (int32, uint32) {
	return int32(uint32(h)), uint32(uint64(h) >> 32)
}
