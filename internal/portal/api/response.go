package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/goodtune/kportal/internal/access"
	"github.com/goodtune/kportal/internal/payment"
	"github.com/goodtune/kportal/internal/session"
	"github.com/goodtune/kportal/internal/storage"
	"github.com/goodtune/kportal/internal/subscription"
	"github.com/goodtune/kportal/internal/validation"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Message string            `json:"message,omitempty"`
	Code    int               `json:"code"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// Catalog is the package catalog used by the handlers.
type Catalog interface {
	Get(ctx context.Context, id string) (access.Package, error)
	List(ctx context.Context) ([]access.Package, error)
	Create(ctx context.Context, pkg access.Package) (access.Package, error)
	Update(ctx context.Context, id string, pkg access.Package) (access.Package, error)
	Delete(ctx context.Context, id string) error
}

// Payments runs checkouts and reports on transactions.
type Payments interface {
	Checkout(ctx context.Context, req payment.CheckoutRequest) (*storage.Transaction, error)
	Complete(ctx context.Context, id, reference string, success bool, reason string) (*storage.Transaction, error)
	Cancel(ctx context.Context, id string) (*storage.Transaction, error)
	RecordManual(ctx context.Context, req payment.ManualPaymentRequest) (*storage.Transaction, error)
	Get(ctx context.Context, id string) (*storage.Transaction, error)
	List(ctx context.Context, filter storage.TransactionFilter) ([]storage.Transaction, error)
	Summarize(ctx context.Context) (payment.Summary, error)
}

// Sessions is the access window registry.
type Sessions interface {
	Lookup(userKey string, now time.Time) (session.Entry, bool)
	List(now time.Time) []session.Entry
	Clear(ctx context.Context, userKey string) (bool, error)
	Watch(ctx context.Context, userKey string, interval time.Duration) (<-chan access.ClockSample, error)
}

// Subscriptions manages operator plans and subscriptions.
type Subscriptions interface {
	GetPlan(ctx context.Context, id string) (storage.Plan, error)
	ListPlans(ctx context.Context) ([]storage.Plan, error)
	CreatePlan(ctx context.Context, plan storage.Plan) (storage.Plan, error)
	UpdatePlan(ctx context.Context, id string, plan storage.Plan) (storage.Plan, error)
	DeletePlan(ctx context.Context, id string) error
	Subscribe(ctx context.Context, req subscription.SubscribeRequest) (*storage.Subscription, error)
	List(ctx context.Context, filter storage.SubscriptionFilter) ([]storage.Subscription, error)
	Cancel(ctx context.Context, id string) (*storage.Subscription, error)
	Renew(ctx context.Context, id, paymentRef string) (*storage.Subscription, error)
	SetUserCount(ctx context.Context, id string, count int) (*storage.Subscription, error)
	Usage(ctx context.Context, id string) (subscription.Usage, error)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		http.Error(w, `{"error":"Internal Server Error","message":"Failed to encode response"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	})
}

// writeValidationError reports err as a 400 when it is a validation
// failure and returns false otherwise.
func writeValidationError(w http.ResponseWriter, err error) bool {
	var verr *validation.Error
	if !errors.As(err, &verr) {
		return false
	}

	writeJSON(w, http.StatusBadRequest, ErrorResponse{
		Error:   http.StatusText(http.StatusBadRequest),
		Message: "Validation failed",
		Code:    http.StatusBadRequest,
		Fields:  verr.Fields,
	})
	return true
}

// decodeJSON decodes the request body into v, rejecting unknown fields.
func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
