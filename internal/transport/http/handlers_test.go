package http_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/snehjoshi/epochtimer/internal/config"
	"github.com/snehjoshi/epochtimer/internal/metrics"
	"github.com/snehjoshi/epochtimer/internal/node"
	"github.com/snehjoshi/epochtimer/internal/reactor"
	"github.com/snehjoshi/epochtimer/internal/storage/journal"
	"github.com/snehjoshi/epochtimer/internal/timer"
	"github.com/snehjoshi/epochtimer/internal/timewheel"
	transphttp "github.com/snehjoshi/epochtimer/internal/transport/http"
	transportws "github.com/snehjoshi/epochtimer/internal/transport/websocket"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

type stack struct {
	handler http.Handler
	journal *journal.Journal
	metrics *metrics.Registry
}

func newStack(t *testing.T, mutate func(*config.Config)) *stack {
	t.Helper()
	cfg := config.Default()
	cfg.Node.DataDir = t.TempDir()
	if mutate != nil {
		mutate(cfg)
	}

	j, err := journal.Open(filepath.Join(cfg.Node.DataDir, cfg.Storage.JournalFile))
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })

	w, err := timewheel.New(timewheel.WithSlots(16), timewheel.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("timewheel.New: %v", err)
	}
	reg := &metrics.Registry{}
	loop := reactor.New(w, 10*time.Millisecond, reactor.WithKind(timer.KindWheel), reactor.WithMetrics(reg))
	ctx, cancel := context.WithCancel(context.Background())
	loop.Start(ctx)
	t.Cleanup(func() {
		cancel()
		loop.Stop()
	})

	ws := transportws.NewHandler(loop, cfg.IdleTimeout(),
		transportws.WithJournal(j, "test-node"),
		transportws.WithMetrics(reg),
	)
	srv := transphttp.New(cfg, transphttp.Deps{
		NodeID:   "test-node",
		Version:  "test",
		Loop:     loop,
		Journal:  j,
		Sessions: ws,
		Metrics:  reg,
	})
	return &stack{handler: srv.Handler(), journal: j, metrics: reg}
}

func doRequest(t *testing.T, h http.Handler, method, path string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeResp(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v, body: %s", err, rr.Body.String())
	}
}

func appendEvent(t *testing.T, j *journal.Journal, kind journal.Kind, session string) {
	t.Helper()
	if err := j.Append(journal.Event{
		ID: node.MustNewID(), Kind: kind, Session: session, Node: "test-node", At: time.Now().UnixMilli(),
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}
}

// ─── Health ───────────────────────────────────────────────────────────────────

func TestHTTP_Health(t *testing.T) {
	s := newStack(t, nil)
	rr := doRequest(t, s.handler, "GET", "/health", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("health: want 200, got %d, body: %s", rr.Code, rr.Body)
	}
	var resp map[string]any
	decodeResp(t, rr, &resp)
	if resp["status"] != "ok" || resp["node_id"] != "test-node" || resp["scheduler"] != "wheel" {
		t.Errorf("health body: %v", resp)
	}
}

// ─── Stats ────────────────────────────────────────────────────────────────────

func TestHTTP_Stats(t *testing.T) {
	s := newStack(t, nil)
	appendEvent(t, s.journal, journal.KindOpened, "a")
	appendEvent(t, s.journal, journal.KindOpened, "b")
	appendEvent(t, s.journal, journal.KindExpired, "a")

	rr := doRequest(t, s.handler, "GET", "/api/stats", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("stats: want 200, got %d, body: %s", rr.Code, rr.Body)
	}
	var resp struct {
		Reactor  reactor.Stats `json:"reactor"`
		Sessions struct {
			Active  int    `json:"active"`
			Opened  uint64 `json:"opened"`
			Expired uint64 `json:"expired"`
			Closed  uint64 `json:"closed"`
		} `json:"sessions"`
	}
	decodeResp(t, rr, &resp)
	if resp.Reactor.Kind != timer.KindWheel || resp.Reactor.Interval != "10ms" {
		t.Errorf("reactor stats: %+v", resp.Reactor)
	}
	if resp.Sessions.Opened != 2 || resp.Sessions.Expired != 1 || resp.Sessions.Closed != 0 {
		t.Errorf("session counts: %+v", resp.Sessions)
	}
}

func TestHTTP_StatsWithoutReactor(t *testing.T) {
	srv := transphttp.New(config.Default(), transphttp.Deps{NodeID: "n"})
	rr := doRequest(t, srv.Handler(), "GET", "/api/stats", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("want 503, got %d", rr.Code)
	}
}

// ─── Sessions ─────────────────────────────────────────────────────────────────

func TestHTTP_Sessions(t *testing.T) {
	s := newStack(t, nil)
	appendEvent(t, s.journal, journal.KindOpened, "a")
	appendEvent(t, s.journal, journal.KindExpired, "a")
	appendEvent(t, s.journal, journal.KindOpened, "b")

	var resp struct {
		Events []struct {
			Kind      string `json:"kind"`
			SessionID string `json:"session_id"`
		} `json:"events"`
		Count int `json:"count"`
	}

	rr := doRequest(t, s.handler, "GET", "/api/sessions", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("sessions: want 200, got %d", rr.Code)
	}
	decodeResp(t, rr, &resp)
	if resp.Count != 3 || resp.Events[0].SessionID != "b" || resp.Events[0].Kind != "opened" {
		t.Errorf("all sessions: %+v", resp)
	}

	rr = doRequest(t, s.handler, "GET", "/api/sessions?kind=expired", nil)
	decodeResp(t, rr, &resp)
	if resp.Count != 1 || resp.Events[0].Kind != "expired" {
		t.Errorf("expired sessions: %+v", resp)
	}

	rr = doRequest(t, s.handler, "GET", "/api/sessions?limit=2", nil)
	decodeResp(t, rr, &resp)
	if resp.Count != 2 {
		t.Errorf("limit=2 returned %d events", resp.Count)
	}
}

func TestHTTP_SessionsEmptyIsArray(t *testing.T) {
	s := newStack(t, nil)
	rr := doRequest(t, s.handler, "GET", "/api/sessions", nil)
	if !strings.Contains(rr.Body.String(), `"events":[]`) {
		t.Errorf("empty journal should render [], got %s", rr.Body)
	}
}

func TestHTTP_SessionsBadKind(t *testing.T) {
	s := newStack(t, nil)
	rr := doRequest(t, s.handler, "GET", "/api/sessions?kind=exploded", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("want 400, got %d", rr.Code)
	}
}

// ─── Metrics ──────────────────────────────────────────────────────────────────

func TestHTTP_MetricsRecordsRequests(t *testing.T) {
	s := newStack(t, nil)
	doRequest(t, s.handler, "GET", "/health", nil)

	if got := s.metrics.HTTPReqs.Value("GET\tGET /health\t200"); got != 1 {
		t.Errorf("health request counter = %d, want 1", got)
	}

	rr := doRequest(t, s.handler, "GET", "/metrics", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics: want 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "epochtimer_http_requests_total") {
		t.Errorf("metrics body missing http family:\n%s", rr.Body)
	}
}

// ─── Middleware ───────────────────────────────────────────────────────────────

func TestHTTP_AuthRequired(t *testing.T) {
	s := newStack(t, func(c *config.Config) {
		c.Auth.Enabled = true
		c.Auth.APIKey = "s3cret"
	})

	if rr := doRequest(t, s.handler, "GET", "/api/stats", nil); rr.Code != http.StatusUnauthorized {
		t.Errorf("no key: want 401, got %d", rr.Code)
	}
	if rr := doRequest(t, s.handler, "GET", "/api/stats", map[string]string{"X-Api-Key": "wrong"}); rr.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: want 401, got %d", rr.Code)
	}
	if rr := doRequest(t, s.handler, "GET", "/api/stats", map[string]string{"X-Api-Key": "s3cret"}); rr.Code != http.StatusOK {
		t.Errorf("right key: want 200, got %d", rr.Code)
	}
}

func TestHTTP_RateLimited(t *testing.T) {
	s := newStack(t, func(c *config.Config) {
		c.RateLimit.RPS = 1
		c.RateLimit.Burst = 2
	})
	codes := make([]int, 3)
	for i := range codes {
		codes[i] = doRequest(t, s.handler, "GET", "/health", nil).Code
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("status codes = %v, want [200 200 429]", codes)
	}
}

func TestHTTP_CORSPreflight(t *testing.T) {
	s := newStack(t, nil)
	rr := doRequest(t, s.handler, "OPTIONS", "/api/stats", map[string]string{"Origin": "http://localhost:3000"})
	if rr.Code != http.StatusNoContent {
		t.Fatalf("preflight: want 204, got %d", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if got := rr.Header().Get("Access-Control-Allow-Headers"); got != "X-Api-Key" {
		t.Errorf("Allow-Headers = %q", got)
	}
	if got := rr.Header().Get("Access-Control-Allow-Credentials"); got != "" {
		t.Errorf("Allow-Credentials = %q, want unset", got)
	}
}

func TestHTTP_RateLimitPerForwardedClient(t *testing.T) {
	s := newStack(t, func(c *config.Config) {
		c.RateLimit.RPS = 1
		c.RateLimit.Burst = 1
	})
	a := map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.1"}
	b := map[string]string{"X-Forwarded-For": "203.0.113.8"}

	if rr := doRequest(t, s.handler, "GET", "/health", a); rr.Code != http.StatusOK {
		t.Fatalf("first request from a: %d", rr.Code)
	}
	if rr := doRequest(t, s.handler, "GET", "/health", a); rr.Code != http.StatusTooManyRequests {
		t.Errorf("second request from a: want 429, got %d", rr.Code)
	}
	if rr := doRequest(t, s.handler, "GET", "/health", b); rr.Code != http.StatusOK {
		t.Errorf("b has its own bucket: want 200, got %d", rr.Code)
	}
}

func TestHTTP_AuthQueryKeyOnlyForWebSocket(t *testing.T) {
	s := newStack(t, func(c *config.Config) {
		c.Auth.Enabled = true
		c.Auth.APIKey = "s3cret"
	})
	if rr := doRequest(t, s.handler, "GET", "/api/stats?api_key=s3cret", nil); rr.Code != http.StatusUnauthorized {
		t.Errorf("query key on REST route: want 401, got %d", rr.Code)
	}

	ts := httptest.NewServer(s.handler)
	defer ts.Close()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	_, resp, err := gorillaws.DefaultDialer.Dial(wsURL, nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("dial without key: want 401, got resp=%v err=%v", resp, err)
	}
	conn, _, err := gorillaws.DefaultDialer.Dial(wsURL+"?api_key=s3cret", nil)
	if err != nil {
		t.Fatalf("dial with query key: %v", err)
	}
	conn.Close()
}

// ─── WebSocket through the middleware chain ──────────────────────────────────

func TestHTTP_WebSocketUpgradeThroughChain(t *testing.T) {
	s := newStack(t, nil)
	ts := httptest.NewServer(s.handler)
	defer ts.Close()

	conn, _, err := gorillaws.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial /ws: %v", err)
	}
	defer conn.Close()

	var hello struct {
		Type      string `json:"type"`
		SessionID string `json:"session_id"`
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&hello); err != nil {
		t.Fatalf("read hello: %v", err)
	}
	if hello.Type != "hello" || !node.Valid(hello.SessionID) {
		t.Errorf("hello: %+v", hello)
	}
}
