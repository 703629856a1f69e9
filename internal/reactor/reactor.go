// Package reactor hosts a timer.Scheduler on a single goroutine.
//
// The schedulers are not safe for concurrent use, so the Loop is their only
// caller: a ticker drives Tick once per interval, and requests from other
// goroutines (Arm, Disarm, Snapshot) are queued as commands and executed on
// the loop goroutine between ticks.
//
// Deadlines are keyed by a caller-chosen string (a session ID). The Loop keeps
// the key → handle mapping, so the connection side never holds a timer
// reference that could dangle after the timer fires.
//
// Usage:
//
//	w, _ := timewheel.New()
//	l := reactor.New(w, time.Second, reactor.WithKind(timer.KindWheel))
//	l.Start(ctx)
//	defer l.Stop()
//
//	l.Arm(sessionID, 30*time.Second, func(id string) { closeSession(id) })
//	l.Arm(sessionID, 30*time.Second, ...) // activity: pushes the deadline out
//	l.Disarm(sessionID)                   // session closed by the client
package reactor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/eapache/queue"

	"github.com/snehjoshi/epochtimer/internal/metrics"
	"github.com/snehjoshi/epochtimer/internal/timer"
)

// ErrStopped is returned by Snapshot once the loop has stopped.
var ErrStopped = errors.New("reactor: loop stopped")

// Stats is a point-in-time view of the loop, taken on the loop goroutine.
type Stats struct {
	Kind      timer.Kind `json:"kind"`
	Interval  string     `json:"interval"`
	Pending   int        `json:"pending"`
	Armed     int64      `json:"armed"`
	Fired     int64      `json:"fired"`
	Cancelled int64      `json:"cancelled"`
	Rejected  int64      `json:"rejected"`
	Ticks     int64      `json:"ticks"`
}

// Option configures a Loop.
type Option func(*Loop)

// WithKind labels the loop's scheduler in stats and metrics.
func WithKind(k timer.Kind) Option {
	return func(l *Loop) { l.kind = k }
}

// WithMetrics attaches a metrics registry.
func WithMetrics(reg *metrics.Registry) Option {
	return func(l *Loop) { l.metrics = reg }
}

// WithLogger replaces slog.Default().
func WithLogger(lg *slog.Logger) Option {
	return func(l *Loop) {
		if lg != nil {
			l.log = lg
		}
	}
}

// command runs on the loop goroutine.
type command func()

// deadline is the data bound to every timer the loop schedules.
type deadline struct {
	key      string
	handle   timer.Handle
	onExpire func(key string)
}

// Loop owns one scheduler and drives it from a single goroutine.
type Loop struct {
	sched    timer.Scheduler
	kind     timer.Kind
	interval time.Duration
	metrics  *metrics.Registry
	log      *slog.Logger

	mu   sync.Mutex
	cmds *queue.Queue // of command

	// notify is a buffered channel of capacity 1. Enqueue signals it so the
	// loop drains commands without waiting for the next tick.
	notify chan struct{}

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Owned by the loop goroutine.
	deadlines map[string]*deadline
	stats     Stats
}

// New returns a Loop that will tick s once per interval after Start.
func New(s timer.Scheduler, interval time.Duration, opts ...Option) *Loop {
	l := &Loop{
		sched:     s,
		interval:  interval,
		log:       slog.Default(),
		cmds:      queue.New(),
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
		deadlines: make(map[string]*deadline),
	}
	for _, o := range opts {
		o(l)
	}
	l.stats.Kind = l.kind
	l.stats.Interval = interval.String()
	return l
}

// Start launches the loop goroutine. Start must be called exactly once.
func (l *Loop) Start(ctx context.Context) {
	l.wg.Add(1)
	go l.run(ctx)
}

// Stop shuts down the loop and waits for it to exit. Pending deadlines are
// abandoned without firing. Stop is idempotent.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.done) })
	l.wg.Wait()
}

// Arm sets the deadline for key to timeout from now, replacing any deadline
// already armed for key. onExpire runs on the loop goroutine and must not
// block for long.
func (l *Loop) Arm(key string, timeout time.Duration, onExpire func(key string)) {
	l.enqueue(func() { l.arm(key, timeout, onExpire) })
}

// Disarm cancels the deadline for key. It is a no-op if none is armed or it
// has already fired.
func (l *Loop) Disarm(key string) {
	l.enqueue(func() { l.disarm(key) })
}

// Snapshot returns the loop's counters, evaluated on the loop goroutine.
func (l *Loop) Snapshot(ctx context.Context) (Stats, error) {
	out := make(chan Stats, 1)
	l.enqueue(func() {
		s := l.stats
		s.Pending = l.sched.Len()
		out <- s
	})
	select {
	case s := <-out:
		return s, nil
	case <-l.done:
		return Stats{}, ErrStopped
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}

func (l *Loop) enqueue(c command) {
	l.mu.Lock()
	l.cmds.Add(c)
	l.mu.Unlock()

	// Non-blocking: a pending signal already guarantees a drain.
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// ─── loop goroutine ──────────────────────────────────────────────────────────

func (l *Loop) run(ctx context.Context) {
	defer l.wg.Done()
	// Exiting on ctx alone must still fail pending and later Snapshots.
	defer l.stopOnce.Do(func() { close(l.done) })

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.log.Info("reactor started", "scheduler", l.kind, "interval", l.interval)
	defer l.log.Info("reactor stopped", "scheduler", l.kind, "pending", l.sched.Len())

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		case <-l.notify:
			l.drain()
		case <-ticker.C:
			l.drain()
			l.sched.Tick()
			l.stats.Ticks++
			l.gauge()
		}
	}
}

// drain executes every queued command in FIFO order.
func (l *Loop) drain() {
	l.mu.Lock()
	n := l.cmds.Length()
	batch := make([]command, 0, n)
	for i := 0; i < n; i++ {
		batch = append(batch, l.cmds.Remove().(command))
	}
	l.mu.Unlock()

	for _, c := range batch {
		c()
	}
	if n > 0 {
		l.gauge()
	}
}

func (l *Loop) arm(key string, timeout time.Duration, onExpire func(string)) {
	l.disarm(key)

	d := &deadline{key: key, onExpire: onExpire}
	h, err := l.sched.Schedule(timeout, l.fire, d)
	if err != nil {
		l.stats.Rejected++
		l.count(func(r *metrics.Registry) { r.TimersRejected.Inc(string(l.kind)) })
		l.log.Warn("schedule rejected", "key", key, "timeout", timeout, "err", err)
		return
	}
	d.handle = h
	l.deadlines[key] = d
	l.stats.Armed++
	l.count(func(r *metrics.Registry) { r.TimersArmed.Inc(string(l.kind)) })
}

func (l *Loop) disarm(key string) {
	d, ok := l.deadlines[key]
	if !ok {
		return
	}
	delete(l.deadlines, key)
	l.sched.Cancel(d.handle)
	l.stats.Cancelled++
	l.count(func(r *metrics.Registry) { r.TimersCancelled.Inc(string(l.kind)) })
}

// fire is the timer.Func for every deadline.
func (l *Loop) fire(data any) {
	d := data.(*deadline)
	if cur, ok := l.deadlines[d.key]; ok && cur == d {
		delete(l.deadlines, d.key)
	}
	l.stats.Fired++
	l.count(func(r *metrics.Registry) { r.TimersFired.Inc(string(l.kind)) })

	defer func() {
		if p := recover(); p != nil {
			l.log.Error("expiry callback panicked", "key", d.key, "panic", p)
		}
	}()
	if d.onExpire != nil {
		d.onExpire(d.key)
	}
}

func (l *Loop) gauge() {
	l.count(func(r *metrics.Registry) { r.TimersPending.Set(string(l.kind), int64(l.sched.Len())) })
}

func (l *Loop) count(fn func(*metrics.Registry)) {
	if l.metrics != nil {
		fn(l.metrics)
	}
}
