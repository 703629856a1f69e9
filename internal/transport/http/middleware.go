package http

import (
	"bufio"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/snehjoshi/epochtimer/internal/metrics"
)

// ─── CORS ────────────────────────────────────────────────────────────────────

// CORSMiddleware lets browser dashboards on any origin read the stats API.
// Auth travels in X-Api-Key rather than cookies, so credentials stay off.
func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		h.Set("Access-Control-Allow-Headers", apiKeyHeader)
		h.Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ─── Status capture ──────────────────────────────────────────────────────────

// responseWriter records the status code for logging and metrics.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrader take over the connection through the
// middleware chain.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("http: response writer does not support hijacking")
	}
	rw.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// wrap reuses an existing responseWriter so stacked middleware share one
// status.
func wrap(w http.ResponseWriter) *responseWriter {
	if rw, ok := w.(*responseWriter); ok {
		return rw
	}
	return &responseWriter{ResponseWriter: w, status: http.StatusOK}
}

// routeOf labels a request by its matched mux pattern.
func routeOf(r *http.Request) string {
	if r.Pattern == "" {
		return "unmatched"
	}
	return r.Pattern
}

// ─── Logging ─────────────────────────────────────────────────────────────────

// LoggingMiddleware logs one line per request. A WebSocket session logs when
// it ends, with status 101.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := wrap(w)
		next.ServeHTTP(wrapped, r)
		slog.Info("http",
			"method", r.Method,
			"route", routeOf(r),
			"status", wrapped.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// ─── Metrics ─────────────────────────────────────────────────────────────────

// MetricsMiddleware counts requests and their durations in reg, labelled by
// route pattern so arbitrary paths cannot blow up cardinality.
func MetricsMiddleware(reg *metrics.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if reg == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := wrap(w)
			next.ServeHTTP(wrapped, r)

			route := routeOf(r)
			reg.HTTPReqs.Inc(metrics.HTTPKey(r.Method, route, strconv.Itoa(wrapped.status)))
			key := metrics.HTTPDurKey(r.Method, route)
			reg.HTTPDurMs.Add(key, time.Since(start).Milliseconds())
			reg.HTTPDurCnt.Inc(key)
		})
	}
}

// ─── Auth ────────────────────────────────────────────────────────────────────

const (
	apiKeyHeader = "X-Api-Key"
	// Browsers cannot set headers on a WebSocket handshake, so /ws also
	// accepts the key as a query parameter.
	apiKeyQuery = "api_key"
)

// AuthMiddleware requires the static API key when auth is enabled.
func AuthMiddleware(apiKey string, enabled bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !enabled || apiKey == "" {
			return next
		}
		want := []byte(apiKey)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(apiKeyHeader)
			if got == "" && r.URL.Path == "/ws" {
				got = r.URL.Query().Get(apiKeyQuery)
			}
			if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ─── Rate limiting ───────────────────────────────────────────────────────────

const (
	limiterSweepAt = 5000
	limiterIdleTTL = 10 * time.Minute
)

// ipLimiters hands out one token bucket per client address.
type ipLimiters struct {
	mu    sync.Mutex
	rps   rate.Limit
	burst int
	byIP  map[string]*ipLimiter
}

type ipLimiter struct {
	*rate.Limiter
	lastSeen time.Time
}

func (l *ipLimiters) get(ip string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.byIP[ip]; ok {
		e.lastSeen = now
		return e.Limiter
	}
	if len(l.byIP) >= limiterSweepAt {
		cutoff := now.Add(-limiterIdleTTL)
		for k, e := range l.byIP {
			if e.lastSeen.Before(cutoff) {
				delete(l.byIP, k)
			}
		}
	}
	e := &ipLimiter{Limiter: rate.NewLimiter(l.rps, l.burst), lastSeen: now}
	l.byIP[ip] = e
	return e.Limiter
}

// RateLimitMiddleware applies a per-client token bucket of rps requests per
// second with the given burst. Each WebSocket handshake costs one token.
func RateLimitMiddleware(rps float64, burst int) func(http.Handler) http.Handler {
	l := &ipLimiters{rps: rate.Limit(rps), burst: burst, byIP: make(map[string]*ipLimiter)}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.get(clientIP(r), time.Now()).Allow() {
				writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP prefers the first X-Forwarded-For hop and falls back to
// RemoteAddr. The header can be spoofed without a trusted proxy in front.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// chain wraps h in mw, first entry outermost.
func chain(h http.Handler, mw ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}
