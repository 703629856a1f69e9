// Package timer holds the definitions shared by the EpochTimer schedulers.
// It has no imports of other EpochTimer packages so that both scheduler
// implementations and the reactor that hosts them can depend on it.
//
// Two schedulers satisfy the Scheduler contract:
//
//	timeheap.Heap   — binary min-heap on absolute expiry, lazy cancellation
//	timewheel.Wheel — fixed ring of slots with rotation counts, eager cancellation
//
// Neither scheduler is safe for concurrent use. A single owner (normally the
// reactor goroutine) calls Schedule, Cancel and Tick in sequence.
package timer

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrAllocation is returned when a scheduler cannot allocate or grow its
	// backing store. Pending timers are never dropped when this happens.
	ErrAllocation = errors.New("timer: cannot allocate backing store")

	// ErrInvalidCapacity is returned by constructors given inconsistent
	// size/capacity arguments.
	ErrInvalidCapacity = errors.New("timer: invalid capacity")

	// ErrInvalidTimeout is returned when a negative timeout is scheduled.
	// The accompanying Handle is always the absent handle.
	ErrInvalidTimeout = errors.New("timer: negative timeout")
)

// Func is invoked with the data bound at schedule time when a timer fires.
// Its outcome is not observed by the scheduler.
type Func func(data any)

// Handle identifies one scheduled timer. It is opaque to callers and only
// meaningful to the scheduler that issued it. The zero Handle is never issued.
type Handle uint64

// IsZero reports whether h is the absent handle.
func (h Handle) IsZero() bool { return h == 0 }

func (h Handle) String() string { return fmt.Sprintf("timer#%x", uint64(h)) }

// Scheduler is the contract shared by the heap and the wheel.
type Scheduler interface {
	// Schedule arranges for fn(data) to run once timeout has elapsed.
	// A negative timeout yields the zero Handle and ErrInvalidTimeout.
	Schedule(timeout time.Duration, fn Func, data any) (Handle, error)

	// Cancel prevents a pending timer from firing. Cancelling an unknown,
	// already fired or already cancelled handle is a no-op.
	Cancel(h Handle)

	// Tick advances the scheduler by one step and runs every callback that
	// became due, synchronously on the calling goroutine.
	Tick()

	// Len returns the number of pending, non-cancelled timers.
	Len() int
}

// Clock returns the current time. Schedulers that work with absolute
// deadlines read time through a Clock so tests can control it.
type Clock func() time.Time

// SystemClock is the wall clock.
func SystemClock() time.Time { return time.Now() }

// Kind names a scheduler implementation.
type Kind string

const (
	KindHeap  Kind = "heap"
	KindWheel Kind = "wheel"
)

// ParseKind accepts "heap" or "wheel" in any letter case.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindHeap:
		return KindHeap, nil
	case KindWheel:
		return KindWheel, nil
	}
	return "", fmt.Errorf("timer: unknown scheduler kind %q", s)
}
