package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/snehjoshi/epochtimer/internal/reactor"
	"github.com/snehjoshi/epochtimer/internal/storage/journal"
	"github.com/snehjoshi/epochtimer/internal/timer"
)

// maxSessionsLimit caps /api/sessions page size.
const maxSessionsLimit = 500

// snapshotTimeout bounds how long /api/stats waits on the reactor.
const snapshotTimeout = 2 * time.Second

// StatsSource is the reactor view used by /api/stats.
type StatsSource interface {
	Snapshot(ctx context.Context) (reactor.Stats, error)
}

// EventSource is the journal view used by /api/stats and /api/sessions.
type EventSource interface {
	Recent(limit int, kind journal.Kind) ([]journal.Event, error)
	Count(kind journal.Kind) (uint64, error)
}

// SessionEndpoint serves /ws and reports open sessions.
type SessionEndpoint interface {
	http.Handler
	Active() int
}

// Handler groups the HTTP request handlers.
type Handler struct {
	nodeID   string
	version  string
	kind     timer.Kind
	loop     StatsSource
	journal  EventSource
	sessions SessionEndpoint
}

// ─── DTOs ─────────────────────────────────────────────────────────────────────

type healthResp struct {
	Status    string     `json:"status"`
	NodeID    string     `json:"node_id"`
	Scheduler timer.Kind `json:"scheduler"`
	Uptime    string     `json:"uptime"`
	UptimeMs  int64      `json:"uptime_ms"`
	Version   string     `json:"version"`
}

type sessionCounts struct {
	Active  int    `json:"active"`
	Opened  uint64 `json:"opened"`
	Expired uint64 `json:"expired"`
	Closed  uint64 `json:"closed"`
}

type statsResp struct {
	NodeID   string        `json:"node_id"`
	Reactor  reactor.Stats `json:"reactor"`
	Sessions sessionCounts `json:"sessions"`
}

type sessionsResp struct {
	Events []journal.Event `json:"events"`
	Count  int             `json:"count"`
}

// ─── Health ───────────────────────────────────────────────────────────────────

var startTime = time.Now()

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	elapsed := time.Since(startTime)
	writeJSON(w, http.StatusOK, healthResp{
		Status:    "ok",
		NodeID:    h.nodeID,
		Scheduler: h.kind,
		Uptime:    elapsed.Round(time.Second).String(),
		UptimeMs:  elapsed.Milliseconds(),
		Version:   h.version,
	})
}

// ─── Stats ────────────────────────────────────────────────────────────────────

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	if h.loop == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("reactor not running"))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), snapshotTimeout)
	defer cancel()

	snap, err := h.loop.Snapshot(ctx)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}

	resp := statsResp{NodeID: h.nodeID, Reactor: snap}
	if h.sessions != nil {
		resp.Sessions.Active = h.sessions.Active()
	}
	if h.journal != nil {
		for kind, dst := range map[journal.Kind]*uint64{
			journal.KindOpened:  &resp.Sessions.Opened,
			journal.KindExpired: &resp.Sessions.Expired,
			journal.KindClosed:  &resp.Sessions.Closed,
		} {
			n, err := h.journal.Count(kind)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			*dst = n
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ─── Sessions ─────────────────────────────────────────────────────────────────

// listSessions returns the newest journal events.
// Query params: kind (opened|expired|closed, default all), limit (default 50, max 500).
func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("journal not configured"))
		return
	}
	kind, err := journal.ParseKind(r.URL.Query().Get("kind"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	limit := min(parseIntParam(r, "limit", 50), maxSessionsLimit)

	events, err := h.journal.Recent(limit, kind)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if events == nil {
		events = []journal.Event{}
	}
	writeJSON(w, http.StatusOK, sessionsResp{Events: events, Count: len(events)})
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func parseIntParam(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
