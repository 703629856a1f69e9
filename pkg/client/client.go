// Package client is the Go SDK for the EpochTimer server's read API.
//
// # Quick start
//
//	c := client.New("http://localhost:8080")
//
//	h, err := c.Health(ctx)
//	st, err := c.Stats(ctx)
//	fmt.Println(st.Reactor.Pending, st.Sessions.Expired)
//
//	// Newest ten idle-expired sessions
//	evs, err := c.Sessions(ctx, client.EventExpired, 10)
//
// # Error handling
//
// All methods return an *APIError when the server responds with a non-2xx
// status code. Use errors.As to inspect the HTTP status and server message.
//
// # Connection reuse
//
// Client is safe for concurrent use. It shares a single http.Client internally
// so connections are reused across goroutines.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ─── Error type ───────────────────────────────────────────────────────────────

// APIError is returned when the EpochTimer server responds with a non-2xx status.
type APIError struct {
	StatusCode int    // HTTP status code
	Message    string // "error" field from the JSON response body
}

func (e *APIError) Error() string {
	return fmt.Sprintf("epochtimer: server returned %d: %s", e.StatusCode, e.Message)
}

// IsUnauthorized reports whether the error is a 401 from the server.
func IsUnauthorized(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusUnauthorized
}

// ─── Client options ───────────────────────────────────────────────────────────

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPIKey sets the API key sent in every request as the X-Api-Key header.
// Required when the server has auth.enabled = true.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout. The default is 30 seconds.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// ─── Client ───────────────────────────────────────────────────────────────────

// Client is the EpochTimer API client. It is safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a new Client that connects to the EpochTimer server at baseURL.
//
//	c := client.New("http://localhost:8080")
//	c := client.New("http://timers.example.com", client.WithAPIKey("secret"))
func New(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ─── Public types ─────────────────────────────────────────────────────────────

// EventKind filters Sessions. The zero value matches every kind.
type EventKind string

const (
	EventAny     EventKind = ""
	EventOpened  EventKind = "opened"
	EventExpired EventKind = "expired"
	EventClosed  EventKind = "closed"
)

// HealthInfo is returned by Health.
type HealthInfo struct {
	Status    string
	NodeID    string
	Scheduler string
	Uptime    time.Duration
	Version   string
}

// ReactorStats mirrors the reactor snapshot in /api/stats.
type ReactorStats struct {
	Kind      string `json:"kind"`
	Interval  string `json:"interval"`
	Pending   int    `json:"pending"`
	Armed     int64  `json:"armed"`
	Fired     int64  `json:"fired"`
	Cancelled int64  `json:"cancelled"`
	Rejected  int64  `json:"rejected"`
	Ticks     int64  `json:"ticks"`
}

// SessionCounts are the session totals in /api/stats.
type SessionCounts struct {
	Active  int    `json:"active"`
	Opened  uint64 `json:"opened"`
	Expired uint64 `json:"expired"`
	Closed  uint64 `json:"closed"`
}

// Stats is returned by Stats.
type Stats struct {
	NodeID   string        `json:"node_id"`
	Reactor  ReactorStats  `json:"reactor"`
	Sessions SessionCounts `json:"sessions"`
}

// SessionEvent is one journal record.
type SessionEvent struct {
	ID        string
	Kind      EventKind
	SessionID string
	NodeID    string
	Remote    string
	At        time.Time
}

// ─── API methods ──────────────────────────────────────────────────────────────

// Health checks the server's /health endpoint and returns the node's status.
func (c *Client) Health(ctx context.Context) (*HealthInfo, error) {
	var resp struct {
		Status    string `json:"status"`
		NodeID    string `json:"node_id"`
		Scheduler string `json:"scheduler"`
		UptimeMs  int64  `json:"uptime_ms"`
		Version   string `json:"version"`
	}
	if err := c.do(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &HealthInfo{
		Status:    resp.Status,
		NodeID:    resp.NodeID,
		Scheduler: resp.Scheduler,
		Uptime:    time.Duration(resp.UptimeMs) * time.Millisecond,
		Version:   resp.Version,
	}, nil
}

// Stats returns the reactor snapshot and session totals.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	if err := c.do(ctx, "/api/stats", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Sessions returns up to limit journal events of the given kind, newest
// first. limit <= 0 uses the server default.
func (c *Client) Sessions(ctx context.Context, kind EventKind, limit int) ([]*SessionEvent, error) {
	q := url.Values{}
	if kind != EventAny {
		q.Set("kind", string(kind))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/sessions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		Events []struct {
			ID        string `json:"id"`
			Kind      string `json:"kind"`
			SessionID string `json:"session_id"`
			NodeID    string `json:"node_id"`
			Remote    string `json:"remote"`
			At        int64  `json:"at"`
		} `json:"events"`
	}
	if err := c.do(ctx, path, &resp); err != nil {
		return nil, err
	}
	out := make([]*SessionEvent, len(resp.Events))
	for i, e := range resp.Events {
		out[i] = &SessionEvent{
			ID:        e.ID,
			Kind:      EventKind(e.Kind),
			SessionID: e.SessionID,
			NodeID:    e.NodeID,
			Remote:    e.Remote,
			At:        time.UnixMilli(e.At),
		}
	}
	return out, nil
}

// ─── HTTP transport ───────────────────────────────────────────────────────────

// do performs a GET and decodes the JSON response into resp.
func (c *Client) do(ctx context.Context, path string, resp any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("epochtimer: build request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("epochtimer: request GET %s: %w", path, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("epochtimer: read response body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		msg := errResp.Error
		if msg == "" {
			msg = http.StatusText(httpResp.StatusCode)
		}
		return &APIError{StatusCode: httpResp.StatusCode, Message: msg}
	}

	if resp != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, resp); err != nil {
			return fmt.Errorf("epochtimer: decode response: %w", err)
		}
	}
	return nil
}
