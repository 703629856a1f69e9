// Package websocket serves idle-tracked WebSocket sessions for EpochTimer.
//
// Clients open a WebSocket connection to:
//
//	GET /ws
//
// Every session gets a ULID and an idle deadline armed on the reactor. Any
// inbound frame pushes the deadline out by session.idle_timeout. When the
// deadline fires the server sends a close frame (1000 "idle timeout") and
// drops the connection.
//
// Server → client frames:
//
//	{"type":"hello","session_id":"<ULID>","idle_timeout_ms":60000}
//	{"type":"pong"}
//
// Client → server frames:
//
//	{"type":"ping"}
//
// Any other frame, text or binary, counts as activity and is otherwise ignored.
package websocket

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/snehjoshi/epochtimer/internal/metrics"
	"github.com/snehjoshi/epochtimer/internal/node"
	"github.com/snehjoshi/epochtimer/internal/storage/journal"
)

// CloseReason is the close-frame text sent to a session that went idle.
const CloseReason = "idle timeout"

// writeWait bounds every write so a stalled peer cannot wedge a goroutine.
const writeWait = time.Second

var upgrader = gorillaws.Upgrader{
	// A request is same-origin when its Origin host matches the Host header
	// (scheme-agnostic). Requests without an Origin header (native clients,
	// curl) are always allowed.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		host, err := parseHost(origin)
		if err != nil {
			return false
		}
		return host == r.Host
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// parseHost returns the host:port (or just host) portion of a URL string.
func parseHost(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid origin %q", rawURL)
	}
	return u.Host, nil
}

// Deadlines arms and disarms per-key idle deadlines. *reactor.Loop
// satisfies it.
type Deadlines interface {
	Arm(key string, timeout time.Duration, onExpire func(key string))
	Disarm(key string)
}

// Journal records session events. *journal.Journal satisfies it.
type Journal interface {
	Append(e journal.Event) error
}

// Option configures a Handler.
type Option func(*Handler)

// WithJournal records opened/expired/closed events, tagged with nodeID.
func WithJournal(j Journal, nodeID string) Option {
	return func(h *Handler) {
		h.journal = j
		h.nodeID = nodeID
	}
}

// WithMetrics counts session events in reg.
func WithMetrics(reg *metrics.Registry) Option {
	return func(h *Handler) { h.metrics = reg }
}

// WithLogger replaces slog.Default().
func WithLogger(lg *slog.Logger) Option {
	return func(h *Handler) {
		if lg != nil {
			h.log = lg
		}
	}
}

// Handler upgrades connections and reaps idle ones.
type Handler struct {
	deadlines Deadlines
	idle      time.Duration
	journal   Journal
	nodeID    string
	metrics   *metrics.Registry
	log       *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// NewHandler returns a Handler that closes sessions idle for longer than idle.
func NewHandler(d Deadlines, idle time.Duration, opts ...Option) *Handler {
	h := &Handler{
		deadlines: d,
		idle:      idle,
		log:       slog.Default(),
		sessions:  make(map[string]*session),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

type session struct {
	id      string
	remote  string
	conn    *gorillaws.Conn
	writeMu sync.Mutex
	expired atomic.Bool
}

func (s *session) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

// serverFrame is the JSON structure the server sends to the client.
type serverFrame struct {
	Type          string `json:"type"` // "hello" | "pong"
	SessionID     string `json:"session_id,omitempty"`
	IdleTimeoutMs int64  `json:"idle_timeout_ms,omitempty"`
}

// clientFrame is the JSON structure the client sends to the server.
type clientFrame struct {
	Type string `json:"type"` // "ping"
}

// Active returns the number of open sessions.
func (h *Handler) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// ServeHTTP upgrades the connection and runs the session until the client
// leaves or the idle deadline fires.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, err := node.NewID()
	if err != nil {
		http.Error(w, "could not allocate session id", http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	s := &session{id: id, remote: r.RemoteAddr, conn: conn}
	h.mu.Lock()
	h.sessions[id] = s
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.sessions, id)
		h.mu.Unlock()
	}()

	h.record(s, journal.KindOpened)
	h.log.Info("session opened", "session", id, "remote", s.remote)
	h.deadlines.Arm(id, h.idle, h.onExpire)

	if err := s.writeJSON(serverFrame{
		Type:          "hello",
		SessionID:     id,
		IdleTimeoutMs: h.idle.Milliseconds(),
	}); err != nil {
		h.deadlines.Disarm(id)
		return
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		h.deadlines.Arm(id, h.idle, h.onExpire)

		var cf clientFrame
		if json.Unmarshal(raw, &cf) == nil && cf.Type == "ping" {
			if err := s.writeJSON(serverFrame{Type: "pong"}); err != nil {
				break
			}
		}
	}

	// Disarm is a no-op once the deadline has fired.
	h.deadlines.Disarm(id)
	if !s.expired.Load() {
		h.record(s, journal.KindClosed)
		h.log.Info("session closed", "session", id)
	}
}

// onExpire runs on the reactor goroutine, so the close handshake is handed
// off to keep the loop from blocking on network writes.
func (h *Handler) onExpire(id string) {
	h.mu.Lock()
	s, ok := h.sessions[id]
	h.mu.Unlock()
	if !ok || !s.expired.CompareAndSwap(false, true) {
		return
	}
	go h.expire(s)
}

func (h *Handler) expire(s *session) {
	s.writeMu.Lock()
	err := s.conn.WriteControl(
		gorillaws.CloseMessage,
		gorillaws.FormatCloseMessage(gorillaws.CloseNormalClosure, CloseReason),
		time.Now().Add(writeWait),
	)
	s.writeMu.Unlock()
	if err != nil {
		h.log.Debug("idle close frame not delivered", "session", s.id, "err", err)
	}
	// Unblocks the read loop in ServeHTTP.
	_ = s.conn.Close()

	h.record(s, journal.KindExpired)
	h.log.Info("session expired", "session", s.id, "idle", h.idle)
}

func (h *Handler) record(s *session, kind journal.Kind) {
	if h.metrics != nil {
		h.metrics.Sessions.Inc(kind.String())
	}
	if h.journal == nil {
		return
	}
	if err := h.journal.Append(journal.Event{
		ID:      node.MustNewID(),
		Kind:    kind,
		Session: s.id,
		Node:    h.nodeID,
		Remote:  s.remote,
		At:      time.Now().UnixMilli(),
	}); err != nil {
		h.log.Error("journal append failed", "session", s.id, "kind", kind, "err", err)
	}
}
