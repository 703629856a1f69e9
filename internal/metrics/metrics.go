// Package metrics provides a lightweight Prometheus-compatible metrics
// registry for EpochTimer. It avoids prometheus/client_golang so the server
// binary carries no additional dependencies.
//
// # Label keys
//
// Every series uses a tab-separated string as its label key so that a single
// sync.Map can hold all label combinations without additional map nesting.
//
//	TimersArmed / TimersFired / TimersCancelled / TimersRejected / TimersPending  →  key = "scheduler"
//	Sessions                                                                     →  key = "event"
//	HTTPReqs                                                                     →  key = "method\tpath\tstatus"
//	HTTPDurMs / HTTPDurCnt                                                       →  key = "method\tpath"
//
// # Prometheus text output
//
// Registry.Handler() renders every non-empty family in the Prometheus
// exposition format (text/plain; version=0.0.4).
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// ─── labelCounter ─────────────────────────────────────────────────────────────

// labelCounter is a lock-free, label-keyed value map backed by sync.Map and
// atomic.Int64 values. It serves both counters (Inc/Add) and gauges (Set).
type labelCounter struct {
	vals sync.Map // key string → *atomic.Int64
}

func (lc *labelCounter) get(key string) *atomic.Int64 {
	v, _ := lc.vals.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// Inc increments the value for key by 1.
func (lc *labelCounter) Inc(key string) { lc.get(key).Add(1) }

// Add increments the value for key by n.
func (lc *labelCounter) Add(key string, n int64) { lc.get(key).Add(n) }

// Set overwrites the value for key.
func (lc *labelCounter) Set(key string, n int64) { lc.get(key).Store(n) }

// Value returns the current value for key (0 if never touched).
func (lc *labelCounter) Value(key string) int64 {
	v, ok := lc.vals.Load(key)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}

// Each calls fn for every key/value pair in key order.
func (lc *labelCounter) Each(fn func(key string, val int64)) {
	var keys []string
	lc.vals.Range(func(k, _ any) bool {
		keys = append(keys, k.(string))
		return true
	})
	sort.Strings(keys)
	for _, k := range keys {
		fn(k, lc.Value(k))
	}
}

// ─── Registry ─────────────────────────────────────────────────────────────────

// Registry holds all EpochTimer application metrics.
type Registry struct {
	// Scheduler series.  key = scheduler kind ("heap" | "wheel")
	TimersArmed     labelCounter
	TimersFired     labelCounter
	TimersCancelled labelCounter
	TimersRejected  labelCounter
	TimersPending   labelCounter // gauge

	// Session lifecycle.  key = event ("opened" | "expired" | "closed")
	Sessions labelCounter

	// HTTP-level counters.  key = "method\tpath\tstatus" (Reqs) or "method\tpath" (Dur*)
	HTTPReqs   labelCounter
	HTTPDurMs  labelCounter // sum of request durations in milliseconds
	HTTPDurCnt labelCounter // number of requests (same key as HTTPDurMs, for avg)
}

// family describes how one labelCounter is rendered.
type family struct {
	name, help, typ string
	src             *labelCounter
	labels          []string // label names, matched to the tab-separated key parts
}

func (r *Registry) families() []family {
	sched := []string{"scheduler"}
	return []family{
		{"epochtimer_timers_armed_total", "Total timers scheduled", "counter", &r.TimersArmed, sched},
		{"epochtimer_timers_fired_total", "Total timer callbacks invoked", "counter", &r.TimersFired, sched},
		{"epochtimer_timers_cancelled_total", "Total timers cancelled before firing", "counter", &r.TimersCancelled, sched},
		{"epochtimer_timers_rejected_total", "Total schedule requests rejected by the scheduler", "counter", &r.TimersRejected, sched},
		{"epochtimer_timers_pending", "Timers currently pending", "gauge", &r.TimersPending, sched},
		{"epochtimer_sessions_total", "Session lifecycle events", "counter", &r.Sessions, []string{"event"}},
		{"epochtimer_http_requests_total", "Total HTTP requests by method, path, and status code", "counter",
			&r.HTTPReqs, []string{"method", "path", "status"}},
		{"epochtimer_http_request_duration_milliseconds_sum", "Sum of HTTP request durations in milliseconds", "counter",
			&r.HTTPDurMs, []string{"method", "path"}},
		{"epochtimer_http_request_duration_milliseconds_count", "Count of observed HTTP request durations", "counter",
			&r.HTTPDurCnt, []string{"method", "path"}},
	}
}

// ─── Prometheus text serialisation ────────────────────────────────────────────

// Handler returns an http.Handler that renders all metrics in the Prometheus
// plain-text exposition format (text/plain; version=0.0.4).
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)

		var b strings.Builder
		for _, f := range r.families() {
			writeFamily(&b, f)
		}
		fmt.Fprint(w, b.String())
	})
}

// ─── helpers ──────────────────────────────────────────────────────────────────

// writeFamily writes a single Prometheus metric family to b, skipping the
// header when the family has no series.
func writeFamily(b *strings.Builder, f family) {
	var lines []string
	f.src.Each(func(key string, val int64) {
		lines = append(lines, fmt.Sprintf("%s{%s} %d\n", f.name, renderLabels(f.labels, key), val))
	})
	if len(lines) == 0 {
		return
	}
	fmt.Fprintf(b, "# HELP %s %s\n", f.name, f.help)
	fmt.Fprintf(b, "# TYPE %s %s\n", f.name, f.typ)
	for _, l := range lines {
		b.WriteString(l)
	}
}

// renderLabels pairs label names with the tab-separated parts of key.
// Missing parts render as empty strings.
func renderLabels(names []string, key string) string {
	parts := strings.SplitN(key, "\t", len(names))
	pairs := make([]string, len(names))
	for i, n := range names {
		v := ""
		if i < len(parts) {
			v = parts[i]
		}
		pairs[i] = fmt.Sprintf("%s=%q", n, v)
	}
	return strings.Join(pairs, ",")
}

// ─── Convenience key builders ─────────────────────────────────────────────────

// HTTPKey builds the label key used by HTTPReqs.
func HTTPKey(method, path, status string) string {
	return method + "\t" + path + "\t" + status
}

// HTTPDurKey builds the label key used by HTTPDurMs / HTTPDurCnt.
func HTTPDurKey(method, path string) string {
	return method + "\t" + path
}
