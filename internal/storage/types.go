package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TransactionStatus tracks a payment through the checkout flow.
type TransactionStatus string

const (
	StatusPending    TransactionStatus = "pending"
	StatusProcessing TransactionStatus = "processing"
	StatusSuccess    TransactionStatus = "success"
	StatusFailed     TransactionStatus = "failed"
)

// Settled reports whether the status is terminal.
func (s TransactionStatus) Settled() bool {
	return s == StatusSuccess || s == StatusFailed
}

// ParseTransactionStatus normalizes s to a known status.
func ParseTransactionStatus(s string) (TransactionStatus, error) {
	status := TransactionStatus(strings.ToLower(strings.TrimSpace(s)))
	switch status {
	case StatusPending, StatusProcessing, StatusSuccess, StatusFailed:
		return status, nil
	default:
		return "", fmt.Errorf("invalid transaction status: %s (must be pending, processing, success, or failed)", s)
	}
}

// PaymentMethod identifies the mobile money provider used for a payment.
type PaymentMethod string

const (
	MethodMPesa   PaymentMethod = "mpesa"
	MethodAirtel  PaymentMethod = "airtel"
	MethodSasaPay PaymentMethod = "sasapay"
	// MethodCash is only recorded by operators, never sent to a gateway.
	MethodCash PaymentMethod = "cash"
)

// ParsePaymentMethod normalizes s to a known method. Display spellings
// such as "M-Pesa" are accepted.
func ParsePaymentMethod(s string) (PaymentMethod, error) {
	normalized := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "-", ""))
	switch PaymentMethod(normalized) {
	case MethodMPesa, MethodAirtel, MethodSasaPay, MethodCash:
		return PaymentMethod(normalized), nil
	case "airtelmoney":
		return MethodAirtel, nil
	default:
		return "", fmt.Errorf("invalid payment method: %s (must be mpesa, airtel, sasapay, or cash)", s)
	}
}

// UnmarshalJSON implements json.Unmarshaler to normalize the method.
func (m *PaymentMethod) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	parsed, err := ParsePaymentMethod(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Transaction represents one payment attempt for a package.
type Transaction struct {
	ID            string            `json:"id"`
	UserKey       string            `json:"userKey"`
	PackageID     string            `json:"packageId"`
	PhoneNumber   string            `json:"phoneNumber"`
	Amount        float64           `json:"amount"`
	Method        PaymentMethod     `json:"method"`
	Reference     string            `json:"reference,omitempty"`
	Status        TransactionStatus `json:"status"`
	FailureReason string            `json:"failureReason,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

// PlanUnit is the calendar unit of a subscription plan's term.
type PlanUnit string

const (
	PlanDays   PlanUnit = "days"
	PlanMonths PlanUnit = "months"
	PlanYears  PlanUnit = "years"
)

// Plan is an operator subscription tier. UserLimit caps how many captive
// portal users the operator may serve while subscribed.
type Plan struct {
	ID           string   `json:"id"`
	Name         string   `json:"name" validate:"required,max=64"`
	Price        float64  `json:"price" validate:"gte=0"`
	UserLimit    int      `json:"userLimit" validate:"gt=0"`
	Features     []string `json:"features,omitempty" validate:"max=32,dive,required,max=64"`
	Duration     int      `json:"duration" validate:"gt=0"`
	DurationUnit PlanUnit `json:"durationUnit" validate:"required,oneof=days months years"`
	Description  string   `json:"description,omitempty" validate:"max=256"`
	Popular      bool     `json:"popular,omitempty"`
}

// SubscriptionStatus tracks an operator subscription.
type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionExpired  SubscriptionStatus = "expired"
	SubscriptionCanceled SubscriptionStatus = "canceled"
)

// ParseSubscriptionStatus normalizes s to a known status.
func ParseSubscriptionStatus(s string) (SubscriptionStatus, error) {
	status := SubscriptionStatus(strings.ToLower(strings.TrimSpace(s)))
	switch status {
	case SubscriptionActive, SubscriptionExpired, SubscriptionCanceled:
		return status, nil
	case "cancelled":
		return SubscriptionCanceled, nil
	default:
		return "", fmt.Errorf("invalid subscription status: %s (must be active, expired, or canceled)", s)
	}
}

// Subscription is an operator's paid term on a plan.
type Subscription struct {
	ID         string             `json:"id"`
	OperatorID string             `json:"operatorId"`
	PlanID     string             `json:"planId"`
	StartTime  time.Time          `json:"startTime"`
	EndTime    time.Time          `json:"endTime"`
	Status     SubscriptionStatus `json:"status"`
	UserCount  int                `json:"userCount"`
	PaymentRef string             `json:"paymentRef,omitempty"`
	CreatedAt  time.Time          `json:"createdAt"`
	UpdatedAt  time.Time          `json:"updatedAt"`
}
