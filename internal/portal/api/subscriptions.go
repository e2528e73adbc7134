package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/goodtune/kportal/internal/storage"
	"github.com/goodtune/kportal/internal/subscription"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// RenewRequest carries the payment reference for a renewal.
type RenewRequest struct {
	PaymentRef string `json:"paymentRef,omitempty"`
}

// UserCountRequest sets the number of users an operator serves.
type UserCountRequest struct {
	UserCount *int `json:"userCount"`
}

// SubscriptionHandler handles operator plan and subscription requests.
type SubscriptionHandler struct {
	subscriptions Subscriptions
	logger        zerolog.Logger
}

// NewSubscriptionHandler creates a new subscription handler.
func NewSubscriptionHandler(subscriptions Subscriptions, logger zerolog.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{
		subscriptions: subscriptions,
		logger:        logger.With().Str("handler", "subscriptions").Logger(),
	}
}

// ListPlans returns all plans.
func (h *SubscriptionHandler) ListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.subscriptions.ListPlans(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list plans")
		writeError(w, http.StatusInternalServerError, "Failed to retrieve plans")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"plans": plans,
		"count": len(plans),
	})
}

// GetPlan returns a single plan.
func (h *SubscriptionHandler) GetPlan(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	plan, err := h.subscriptions.GetPlan(r.Context(), id)
	if err != nil {
		h.writeError(w, id, err)
		return
	}

	writeJSON(w, http.StatusOK, plan)
}

// CreatePlan adds a plan.
func (h *SubscriptionHandler) CreatePlan(w http.ResponseWriter, r *http.Request) {
	var plan storage.Plan
	if err := decodeJSON(r, &plan); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	created, err := h.subscriptions.CreatePlan(r.Context(), plan)
	if err != nil {
		h.writeError(w, plan.ID, err)
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

// UpdatePlan replaces a plan.
func (h *SubscriptionHandler) UpdatePlan(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var plan storage.Plan
	if err := decodeJSON(r, &plan); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	updated, err := h.subscriptions.UpdatePlan(r.Context(), id, plan)
	if err != nil {
		h.writeError(w, id, err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

// DeletePlan removes a plan.
func (h *SubscriptionHandler) DeletePlan(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := h.subscriptions.DeletePlan(r.Context(), id); err != nil {
		h.writeError(w, id, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Plan deleted successfully",
	})
}

// List returns subscriptions, optionally filtered by operator, plan and status.
func (h *SubscriptionHandler) List(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	filter := storage.SubscriptionFilter{
		OperatorID: query.Get("operator"),
		PlanID:     query.Get("plan"),
	}
	if s := query.Get("status"); s != "" {
		status, err := storage.ParseSubscriptionStatus(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Status = status
	}

	subs, err := h.subscriptions.List(r.Context(), filter)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list subscriptions")
		writeError(w, http.StatusInternalServerError, "Failed to retrieve subscriptions")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"subscriptions": subs,
		"count":         len(subs),
	})
}

// Create subscribes an operator to a plan.
func (h *SubscriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req subscription.SubscribeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	sub, err := h.subscriptions.Subscribe(r.Context(), req)
	if err != nil {
		h.writeError(w, req.OperatorID, err)
		return
	}

	writeJSON(w, http.StatusCreated, sub)
}

// Get returns a subscription with its user quota.
func (h *SubscriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	usage, err := h.subscriptions.Usage(r.Context(), id)
	if err != nil {
		h.writeError(w, id, err)
		return
	}

	writeJSON(w, http.StatusOK, usage)
}

// Cancel ends a subscription early.
func (h *SubscriptionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	sub, err := h.subscriptions.Cancel(r.Context(), id)
	if err != nil {
		h.writeError(w, id, err)
		return
	}

	writeJSON(w, http.StatusOK, sub)
}

// Renew extends a subscription by one plan term.
func (h *SubscriptionHandler) Renew(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	// The body is optional
	var req RenewRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	sub, err := h.subscriptions.Renew(r.Context(), id, req.PaymentRef)
	if err != nil {
		h.writeError(w, id, err)
		return
	}

	writeJSON(w, http.StatusOK, sub)
}

// SetUserCount records the operator's current user count.
func (h *SubscriptionHandler) SetUserCount(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req UserCountRequest
	if err := decodeJSON(r, &req); err != nil || req.UserCount == nil || *req.UserCount < 0 {
		writeError(w, http.StatusBadRequest, "userCount must be a non-negative integer")
		return
	}

	sub, err := h.subscriptions.SetUserCount(r.Context(), id, *req.UserCount)
	if err != nil {
		h.writeError(w, id, err)
		return
	}

	writeJSON(w, http.StatusOK, sub)
}

func (h *SubscriptionHandler) writeError(w http.ResponseWriter, id string, err error) {
	if writeValidationError(w, err) {
		return
	}

	switch {
	case errors.Is(err, subscription.ErrUnknownPlan):
		writeError(w, http.StatusNotFound, "Plan not found")
	case errors.Is(err, subscription.ErrUnknownSubscription):
		writeError(w, http.StatusNotFound, "Subscription not found")
	case errors.Is(err, subscription.ErrPlanExists):
		writeError(w, http.StatusConflict, "Plan already exists")
	case errors.Is(err, subscription.ErrPlanInUse):
		writeError(w, http.StatusConflict, "Plan has active subscriptions")
	case errors.Is(err, subscription.ErrAlreadySubscribed):
		writeError(w, http.StatusConflict, "Operator already has an active subscription")
	case errors.Is(err, subscription.ErrNotActive):
		writeError(w, http.StatusConflict, "Subscription is not active")
	case errors.Is(err, subscription.ErrUserLimit):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		h.logger.Error().Err(err).Str("id", id).Msg("Subscription request failed")
		writeError(w, http.StatusInternalServerError, "Failed to process subscription request")
	}
}
