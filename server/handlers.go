package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/onnwee/nadeko-bot/event"
	"github.com/onnwee/nadeko-bot/telemetry"
)

// Events is the orchestrator surface exposed over HTTP.
type Events interface {
	Status() event.Status
	Start(ctx context.Context, reason event.StartReason) error
	Finalize(ctx context.Context, force bool) bool
}

// Sessions lists finished sessions, newest first.
type Sessions interface {
	Recent(ctx context.Context, channel string, limit int) ([]event.Summary, error)
}

// Check is one named readiness probe.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	channel  string
	events   Events
	sessions Sessions
	checks   []Check
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// parseIntQuery extracts an int parameter from query string with a default value.
func parseIntQuery(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// HandleHealthz is the liveness probe.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz runs every readiness check and reports the first failure.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	for _, check := range h.checks {
		if err := check.Fn(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.Name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// HandleStatus reports the event state and, with a session log, recent sessions.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := map[string]any{
		"channel": h.channel,
		"event":   h.events.Status(),
	}
	if h.sessions != nil {
		recent, err := h.sessions.Recent(r.Context(), h.channel, parseIntQuery(r, "limit", 10))
		if err != nil {
			telemetry.LoggerWithCorr(r.Context()).Warn("status: recent sessions", slog.Any("err", err), slog.String("component", "http"))
		} else {
			resp["recent_sessions"] = recent
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleAdminEventStart opens a session regardless of cooldown.
func (h *Handlers) HandleAdminEventStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	err := h.events.Start(context.WithoutCancel(r.Context()), event.ReasonAdmin)
	switch {
	case errors.Is(err, event.ErrAlreadyRunning):
		writeJSON(w, http.StatusConflict, map[string]string{"status": "already_running"})
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		telemetry.LoggerWithCorr(r.Context()).Info("event started via admin API", slog.String("component", "http"))
		writeJSON(w, http.StatusOK, map[string]any{"status": "started", "event": h.events.Status()})
	}
}

// HandleAdminEventFinalize forces teardown of the running session.
func (h *Handlers) HandleAdminEventFinalize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	// Cleanup continues even if the client goes away.
	if !h.events.Finalize(context.WithoutCancel(r.Context()), true) {
		writeJSON(w, http.StatusConflict, map[string]string{"status": "idle"})
		return
	}
	telemetry.LoggerWithCorr(r.Context()).Info("event finalized via admin API", slog.String("component", "http"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "finalized"})
}
