package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/goodtune/kportal/internal/access"
	"github.com/goodtune/kportal/internal/session"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// SessionResponse describes a user's access window and its countdown.
type SessionResponse struct {
	UserKey          string    `json:"userKey"`
	PackageID        string    `json:"packageId"`
	StartTime        time.Time `json:"startTime"`
	EndTime          time.Time `json:"endTime"`
	RemainingSeconds int64     `json:"remainingSeconds"`
	MinutesLeft      int64     `json:"minutesLeft"`
	ProgressPercent  float64   `json:"progressPercent"`
	Remaining        string    `json:"remaining"`
	Active           bool      `json:"active"`
}

// CountdownEvent is the payload of each countdown stream event.
type CountdownEvent struct {
	RemainingSeconds int64   `json:"remainingSeconds"`
	ProgressPercent  float64 `json:"progressPercent"`
	Remaining        string  `json:"remaining"`
	Expired          bool    `json:"expired"`
}

func newSessionResponse(e session.Entry) SessionResponse {
	return SessionResponse{
		UserKey:          e.UserKey,
		PackageID:        e.Window.PackageID,
		StartTime:        e.Window.StartTime.UTC(),
		EndTime:          e.Window.EndTime.UTC(),
		RemainingSeconds: e.Sample.RemainingSeconds,
		MinutesLeft:      e.Sample.RemainingSeconds / 60,
		ProgressPercent:  e.Sample.ProgressPercent,
		Remaining:        e.Sample.FormatRemaining(),
		Active:           e.Active,
	}
}

func newCountdownEvent(s access.ClockSample) CountdownEvent {
	return CountdownEvent{
		RemainingSeconds: s.RemainingSeconds,
		ProgressPercent:  s.ProgressPercent,
		Remaining:        s.FormatRemaining(),
		Expired:          s.Expired(),
	}
}

// SessionHandler handles access window requests.
type SessionHandler struct {
	sessions     Sessions
	clock        access.Clock
	tickInterval time.Duration
	shutdown     context.Context
	logger       zerolog.Logger
}

// NewSessionHandler creates a new session handler. Countdown streams end
// when shutdown is cancelled.
func NewSessionHandler(sessions Sessions, clock access.Clock, tickInterval time.Duration, shutdown context.Context, logger zerolog.Logger) *SessionHandler {
	if clock == nil {
		clock = access.RealClock{}
	}
	if shutdown == nil {
		shutdown = context.Background()
	}
	return &SessionHandler{
		sessions:     sessions,
		clock:        clock,
		tickInterval: tickInterval,
		shutdown:     shutdown,
		logger:       logger.With().Str("handler", "sessions").Logger(),
	}
}

// Get returns the access window held by a user key.
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	entry, ok := h.sessions.Lookup(key, h.clock.Now())
	if !ok {
		writeError(w, http.StatusNotFound, "No active session")
		return
	}

	writeJSON(w, http.StatusOK, newSessionResponse(entry))
}

// List returns every tracked session, soonest expiry first. Expired
// sessions awaiting reap are included only when ?all=true.
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	includeExpired := r.URL.Query().Get("all") == "true"

	entries := h.sessions.List(h.clock.Now())
	sessions := make([]SessionResponse, 0, len(entries))
	for _, e := range entries {
		if !e.Active && !includeExpired {
			continue
		}
		sessions = append(sessions, newSessionResponse(e))
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// Disconnect clears the access window held by a user key.
func (h *SessionHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	existed, err := h.sessions.Clear(r.Context(), key)
	if err != nil {
		if errors.Is(err, session.ErrEmptyKey) {
			writeError(w, http.StatusBadRequest, "User key is required")
			return
		}
		h.logger.Error().Err(err).Str("user_key", key).Msg("Failed to clear session")
		writeError(w, http.StatusInternalServerError, "Failed to end session")
		return
	}
	if !existed {
		writeError(w, http.StatusNotFound, "No active session")
		return
	}

	h.logger.Info().Str("user_key", key).Msg("Session ended")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Session ended successfully",
	})
}

// Countdown streams countdown samples as server-sent events until the
// window expires, is replaced or cleared, or the client goes away.
func (h *SessionHandler) Countdown(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	interval := h.tickInterval
	if s := r.URL.Query().Get("interval"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d < 100*time.Millisecond {
			writeError(w, http.StatusBadRequest, "Invalid interval")
			return
		}
		interval = d
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(h.shutdown, cancel)
	defer stop()

	samples, err := h.sessions.Watch(ctx, key, interval)
	if err != nil {
		if errors.Is(err, session.ErrNoSession) {
			writeError(w, http.StatusNotFound, "No active session")
			return
		}
		h.logger.Error().Err(err).Str("user_key", key).Msg("Failed to watch session")
		writeError(w, http.StatusInternalServerError, "Failed to start countdown")
		return
	}

	rc := http.NewResponseController(w)
	// Streams outlive the server write timeout
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	expired := false
	for s := range samples {
		if err := writeEvent(w, "tick", newCountdownEvent(s)); err != nil {
			return
		}
		if err := rc.Flush(); err != nil {
			return
		}
		expired = s.Expired()
	}

	if r.Context().Err() != nil {
		return
	}

	// The stream ended on the server side
	event := "ended"
	switch {
	case expired:
		event = "expired"
	case h.shutdown.Err() != nil:
		event = "shutdown"
	}
	_ = writeEvent(w, event, map[string]string{"userKey": key})
	_ = rc.Flush()
}

func writeEvent(w http.ResponseWriter, event string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	return err
}
