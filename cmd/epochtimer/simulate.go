package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli"

	"github.com/snehjoshi/epochtimer/internal/timeheap"
	"github.com/snehjoshi/epochtimer/internal/timer"
	"github.com/snehjoshi/epochtimer/internal/timewheel"
)

var simulateFlags = []cli.Flag{
	cli.StringFlag{
		Name:  "kind, k",
		Value: string(timer.KindWheel),
		Usage: `scheduler to simulate: "heap" or "wheel"`,
	},
	cli.StringFlag{
		Name:  "timeouts, t",
		Value: "5,1,3",
		Usage: "comma-separated timeouts in seconds, in scheduling order",
	},
	cli.IntFlag{
		Name:  "slots, n",
		Value: timewheel.DefaultSlots,
		Usage: "wheel slot count (wheel only)",
	},
}

// firing records the tick on which one scheduled timeout fired.
type firing struct {
	Index   int
	Timeout time.Duration
	Tick    int
}

func simulate(c *cli.Context) error {
	kind, err := timer.ParseKind(c.String("kind"))
	if err != nil {
		return err
	}
	timeouts, err := parseTimeouts(c.String("timeouts"))
	if err != nil {
		return err
	}
	fired, err := runSimulation(kind, timeouts, c.Int("slots"))
	if err != nil {
		return err
	}
	printFirings(c.App.Writer, kind, fired)
	return nil
}

func parseTimeouts(s string) ([]time.Duration, error) {
	var out []time.Duration
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		sec, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return nil, fmt.Errorf("timeout %q: %w", part, err)
		}
		out = append(out, time.Duration(sec*float64(time.Second)))
	}
	if len(out) == 0 {
		return nil, errors.New("no timeouts given")
	}
	return out, nil
}

// runSimulation schedules every timeout at tick 0, then ticks a manual
// one-second clock until all of them fire. Rejected timeouts are reported
// with Tick -1.
func runSimulation(kind timer.Kind, timeouts []time.Duration, slots int) ([]firing, error) {
	now := time.Unix(0, 0)
	clock := func() time.Time { return now }

	var sched timer.Scheduler
	switch kind {
	case timer.KindHeap:
		h, err := timeheap.New(len(timeouts), timeheap.WithClock(clock))
		if err != nil {
			return nil, err
		}
		sched = h
	case timer.KindWheel:
		w, err := timewheel.New(timewheel.WithSlots(slots), timewheel.WithInterval(time.Second))
		if err != nil {
			return nil, err
		}
		sched = w
	default:
		return nil, fmt.Errorf("unknown scheduler kind %q", kind)
	}

	var (
		tick  int
		fired []firing
	)
	record := func(data any) {
		f := data.(firing)
		f.Tick = tick
		fired = append(fired, f)
	}

	var longest time.Duration
	for i, d := range timeouts {
		if _, err := sched.Schedule(d, record, firing{Index: i, Timeout: d}); err != nil {
			fired = append(fired, firing{Index: i, Timeout: d, Tick: -1})
			continue
		}
		longest = max(longest, d)
	}

	limit := int(longest/time.Second) + 2
	for sched.Len() > 0 && tick < limit {
		tick++
		now = now.Add(time.Second)
		sched.Tick()
	}
	return fired, nil
}

func printFirings(w io.Writer, kind timer.Kind, fired []firing) {
	fmt.Fprintf(w, "scheduler: %s\n", kind)
	for _, f := range fired {
		if f.Tick < 0 {
			fmt.Fprintf(w, "  #%d timeout=%-6v rejected\n", f.Index, f.Timeout)
			continue
		}
		fmt.Fprintf(w, "  #%d timeout=%-6v fired at tick %d\n", f.Index, f.Timeout, f.Tick)
	}
}
