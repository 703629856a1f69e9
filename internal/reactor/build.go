package reactor

import (
	"fmt"
	"time"

	"github.com/snehjoshi/epochtimer/internal/config"
	"github.com/snehjoshi/epochtimer/internal/timeheap"
	"github.com/snehjoshi/epochtimer/internal/timer"
	"github.com/snehjoshi/epochtimer/internal/timewheel"
)

// NewScheduler builds the scheduler named by cfg.Scheduler.Kind. cfg must
// have passed Validate.
func NewScheduler(cfg *config.Config) (timer.Scheduler, error) {
	return newScheduler(cfg.SchedulerKind(), cfg.Scheduler, cfg.TickInterval(), timer.SystemClock)
}

func newScheduler(kind timer.Kind, sc config.SchedulerConfig, interval time.Duration, clock timer.Clock) (timer.Scheduler, error) {
	switch kind {
	case timer.KindHeap:
		h, err := timeheap.New(sc.HeapCapacity,
			timeheap.WithMaxCapacity(sc.HeapMaxCapacity),
			timeheap.WithClock(clock),
		)
		if err != nil {
			return nil, fmt.Errorf("reactor: build heap: %w", err)
		}
		return h, nil
	case timer.KindWheel:
		w, err := timewheel.New(
			timewheel.WithSlots(sc.WheelSlots),
			timewheel.WithInterval(interval),
		)
		if err != nil {
			return nil, fmt.Errorf("reactor: build wheel: %w", err)
		}
		return w, nil
	}
	return nil, fmt.Errorf("reactor: unknown scheduler kind %q", kind)
}
