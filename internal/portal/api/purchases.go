package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/goodtune/kportal/internal/access"
	"github.com/goodtune/kportal/internal/payment"
	"github.com/goodtune/kportal/internal/storage"
	"github.com/goodtune/kportal/internal/validation"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

const (
	defaultTransactionLimit = 50
	maxTransactionLimit     = 500
)

// CallbackRequest is a payment provider's settlement notification.
type CallbackRequest struct {
	TransactionID string `json:"transactionId" validate:"required"`
	Reference     string `json:"reference" validate:"max=64"`
	Success       *bool  `json:"success" validate:"required"`
	Reason        string `json:"reason,omitempty" validate:"max=256"`
}

// PurchaseHandler handles checkout and transaction requests.
type PurchaseHandler struct {
	payments Payments
	clock    access.Clock
	logger   zerolog.Logger
}

// NewPurchaseHandler creates a new purchase handler.
func NewPurchaseHandler(payments Payments, clock access.Clock, logger zerolog.Logger) *PurchaseHandler {
	if clock == nil {
		clock = access.RealClock{}
	}
	return &PurchaseHandler{
		payments: payments,
		clock:    clock,
		logger:   logger.With().Str("handler", "purchases").Logger(),
	}
}

// Create starts a checkout. The payment settles in the background;
// clients poll the returned transaction.
func (h *PurchaseHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req payment.CheckoutRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	tx, err := h.payments.Checkout(r.Context(), req)
	if err != nil {
		if writeValidationError(w, err) {
			return
		}
		switch {
		case errors.Is(err, payment.ErrInvalidPhone):
			writeError(w, http.StatusBadRequest, "Please enter a valid phone number")
		case errors.Is(err, payment.ErrManualOnly):
			writeError(w, http.StatusBadRequest, "This payment method cannot be used at checkout")
		case errors.Is(err, payment.ErrUnknownPackage):
			writeError(w, http.StatusNotFound, "Package not found")
		default:
			h.logger.Error().Err(err).Msg("Checkout failed")
			writeError(w, http.StatusInternalServerError, "Failed to start payment")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, tx)
}

// Get returns a transaction by ID.
func (h *PurchaseHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	tx, err := h.payments.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, payment.ErrUnknownTransaction) {
			writeError(w, http.StatusNotFound, "Transaction not found")
			return
		}
		h.logger.Error().Err(err).Str("id", id).Msg("Failed to get transaction")
		writeError(w, http.StatusInternalServerError, "Failed to retrieve transaction")
		return
	}

	writeJSON(w, http.StatusOK, tx)
}

// Cancel abandons a pending checkout.
func (h *PurchaseHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	tx, err := h.payments.Cancel(r.Context(), id)
	if err != nil {
		h.writeSettlementError(w, id, err)
		return
	}

	writeJSON(w, http.StatusOK, tx)
}

// Record stores a payment collected outside the gateway and grants access.
func (h *PurchaseHandler) Record(w http.ResponseWriter, r *http.Request) {
	var req payment.ManualPaymentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	tx, err := h.payments.RecordManual(r.Context(), req)
	if err != nil {
		if writeValidationError(w, err) {
			return
		}
		if errors.Is(err, payment.ErrUnknownPackage) {
			writeError(w, http.StatusNotFound, "Package not found")
			return
		}
		h.logger.Error().Err(err).Str("user_key", req.UserKey).Msg("Failed to record manual payment")
		writeError(w, http.StatusInternalServerError, "Failed to record payment")
		return
	}

	writeJSON(w, http.StatusCreated, tx)
}

// Callback settles a transaction on behalf of the payment provider.
func (h *PurchaseHandler) Callback(w http.ResponseWriter, r *http.Request) {
	var req CallbackRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := validation.Struct(req); err != nil {
		writeValidationError(w, err)
		return
	}

	tx, err := h.payments.Complete(r.Context(), req.TransactionID, req.Reference, *req.Success, req.Reason)
	if err != nil {
		h.writeSettlementError(w, req.TransactionID, err)
		return
	}

	writeJSON(w, http.StatusOK, tx)
}

func (h *PurchaseHandler) writeSettlementError(w http.ResponseWriter, id string, err error) {
	switch {
	case errors.Is(err, payment.ErrUnknownTransaction):
		writeError(w, http.StatusNotFound, "Transaction not found")
	case errors.Is(err, payment.ErrAlreadySettled):
		writeError(w, http.StatusConflict, "Transaction already settled")
	default:
		h.logger.Error().Err(err).Str("id", id).Msg("Failed to settle transaction")
		writeError(w, http.StatusInternalServerError, "Failed to settle transaction")
	}
}

// sinceFilter resolves the since or period query parameter. Periods are
// today, week (7 days) and month (30 days).
func (h *PurchaseHandler) sinceFilter(since, period string) (*time.Time, error) {
	if since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return nil, errors.New("invalid since: expected an RFC 3339 time")
		}
		return &t, nil
	}

	now := h.clock.Now()
	var t time.Time
	switch period {
	case "", "all":
		return nil, nil
	case "today":
		y, m, d := now.Date()
		t = time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	case "week":
		t = now.Add(-7 * 24 * time.Hour)
	case "month":
		t = now.Add(-30 * 24 * time.Hour)
	default:
		return nil, errors.New("invalid period (must be today, week, month, or all)")
	}
	return &t, nil
}

// List returns recent transactions, optionally filtered by status, user
// and creation time.
func (h *PurchaseHandler) List(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	filter := storage.TransactionFilter{
		UserKey: storage.NormalizeKey(query.Get("user")),
		Limit:   defaultTransactionLimit,
	}

	if s := query.Get("status"); s != "" {
		status, err := storage.ParseTransactionStatus(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Status = status
	}

	since, err := h.sinceFilter(query.Get("since"), query.Get("period"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter.Since = since

	if s := query.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		if limit > maxTransactionLimit {
			limit = maxTransactionLimit
		}
		filter.Limit = limit
	}

	if s := query.Get("offset"); s != "" {
		offset, err := strconv.Atoi(s)
		if err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, "Invalid offset")
			return
		}
		filter.Offset = offset
	}

	txs, err := h.payments.List(r.Context(), filter)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list transactions")
		writeError(w, http.StatusInternalServerError, "Failed to retrieve transactions")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": txs,
		"count":        len(txs),
	})
}
