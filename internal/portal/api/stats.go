package api

import (
	"net/http"

	"github.com/goodtune/kportal/internal/access"
	"github.com/goodtune/kportal/internal/payment"
	"github.com/rs/zerolog"
)

// StatsResponse summarises the portal for the admin dashboard.
type StatsResponse struct {
	ActiveSessions  int             `json:"activeSessions"`
	TrackedSessions int             `json:"trackedSessions"`
	Payments        payment.Summary `json:"payments"`
}

// StatsHandler handles dashboard statistics requests.
type StatsHandler struct {
	sessions Sessions
	payments Payments
	clock    access.Clock
	logger   zerolog.Logger
}

// NewStatsHandler creates a new stats handler.
func NewStatsHandler(sessions Sessions, payments Payments, clock access.Clock, logger zerolog.Logger) *StatsHandler {
	if clock == nil {
		clock = access.RealClock{}
	}
	return &StatsHandler{
		sessions: sessions,
		payments: payments,
		clock:    clock,
		logger:   logger.With().Str("handler", "stats").Logger(),
	}
}

// Get returns session and revenue statistics.
func (h *StatsHandler) Get(w http.ResponseWriter, r *http.Request) {
	summary, err := h.payments.Summarize(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to summarize payments")
		writeError(w, http.StatusInternalServerError, "Failed to retrieve statistics")
		return
	}

	entries := h.sessions.List(h.clock.Now())
	active := 0
	for _, e := range entries {
		if e.Active {
			active++
		}
	}

	writeJSON(w, http.StatusOK, StatsResponse{
		ActiveSessions:  active,
		TrackedSessions: len(entries),
		Payments:        summary,
	})
}
