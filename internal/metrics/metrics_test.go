package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/snehjoshi/epochtimer/internal/metrics"
)

// ─── labelCounter ─────────────────────────────────────────────────────────────

func TestRegistry_TimerCounters(t *testing.T) {
	var reg metrics.Registry

	reg.TimersArmed.Inc("wheel")
	reg.TimersArmed.Inc("wheel")
	reg.TimersArmed.Add("wheel", 3)
	reg.TimersArmed.Inc("heap")

	if got := reg.TimersArmed.Value("wheel"); got != 5 {
		t.Fatalf("TimersArmed[wheel] = %d, want 5", got)
	}
	if got := reg.TimersArmed.Value("heap"); got != 1 {
		t.Fatalf("TimersArmed[heap] = %d, want 1", got)
	}
	if got := reg.TimersArmed.Value("missing"); got != 0 {
		t.Fatalf("untouched key = %d, want 0", got)
	}
}

func TestRegistry_GaugeSet(t *testing.T) {
	var reg metrics.Registry
	reg.TimersPending.Set("heap", 12)
	reg.TimersPending.Set("heap", 4)
	if got := reg.TimersPending.Value("heap"); got != 4 {
		t.Fatalf("TimersPending = %d, want 4", got)
	}
}

func TestRegistry_EachIsSorted(t *testing.T) {
	var reg metrics.Registry
	for _, k := range []string{"opened", "closed", "expired"} {
		reg.Sessions.Inc(k)
	}
	var keys []string
	reg.Sessions.Each(func(k string, _ int64) { keys = append(keys, k) })
	want := []string{"closed", "expired", "opened"}
	if strings.Join(keys, ",") != strings.Join(want, ",") {
		t.Fatalf("Each order = %v, want %v", keys, want)
	}
}

// ─── Prometheus output format ─────────────────────────────────────────────────

func scrape(t *testing.T, reg *metrics.Registry) string {
	t.Helper()
	srv := httptest.NewServer(reg.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return string(body)
}

func TestHandler_ContentType(t *testing.T) {
	var reg metrics.Registry
	reg.TimersFired.Inc("heap")

	rr := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))

	if ct := rr.Header().Get("Content-Type"); !strings.Contains(ct, "text/plain") {
		t.Fatalf("Content-Type = %q, want text/plain", ct)
	}
}

func TestHandler_EmptyRegistry(t *testing.T) {
	var reg metrics.Registry
	if body := scrape(t, &reg); body != "" {
		t.Fatalf("expected empty body for empty registry, got:\n%s", body)
	}
}

func TestHandler_TimerFamilies(t *testing.T) {
	var reg metrics.Registry
	reg.TimersArmed.Add("wheel", 10)
	reg.TimersFired.Add("wheel", 7)
	reg.TimersCancelled.Add("wheel", 2)
	reg.TimersRejected.Inc("wheel")
	reg.TimersPending.Set("wheel", 1)

	body := scrape(t, &reg)

	mustContain(t, body, "# TYPE epochtimer_timers_armed_total counter")
	mustContain(t, body, `epochtimer_timers_armed_total{scheduler="wheel"} 10`)
	mustContain(t, body, `epochtimer_timers_fired_total{scheduler="wheel"} 7`)
	mustContain(t, body, `epochtimer_timers_cancelled_total{scheduler="wheel"} 2`)
	mustContain(t, body, `epochtimer_timers_rejected_total{scheduler="wheel"} 1`)
	mustContain(t, body, "# TYPE epochtimer_timers_pending gauge")
}

func TestHandler_HTTPCounters(t *testing.T) {
	var reg metrics.Registry

	reg.HTTPReqs.Inc(metrics.HTTPKey("GET", "/health", "200"))
	reg.HTTPDurMs.Add(metrics.HTTPDurKey("GET", "/health"), 5)
	reg.HTTPDurCnt.Inc(metrics.HTTPDurKey("GET", "/health"))

	body := scrape(t, &reg)

	mustContain(t, body, "# HELP epochtimer_http_requests_total")
	mustContain(t, body, `method="GET",path="/health",status="200"`)
	mustContain(t, body, "epochtimer_http_request_duration_milliseconds_sum")
	mustContain(t, body, "epochtimer_http_request_duration_milliseconds_count")
}

func TestHandler_SessionEvents(t *testing.T) {
	var reg metrics.Registry
	reg.Sessions.Inc("expired")
	body := scrape(t, &reg)
	mustContain(t, body, `epochtimer_sessions_total{event="expired"} 1`)
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func mustContain(t *testing.T, body, substr string) {
	t.Helper()
	if !strings.Contains(body, substr) {
		t.Errorf("expected body to contain %q\nbody:\n%s", substr, body)
	}
}

// ─── Concurrent safety ────────────────────────────────────────────────────────

func TestRegistry_ConcurrentInc(t *testing.T) {
	var reg metrics.Registry
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reg.TimersFired.Inc("heap")
		}()
	}
	wg.Wait()

	if got := reg.TimersFired.Value("heap"); got != 100 {
		t.Fatalf("concurrent Inc: got %d, want 100", got)
	}
}
