package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/kportal/internal/storage"
	"github.com/google/uuid"
)

// Request asks a provider to collect a payment from a phone number.
type Request struct {
	TransactionID string
	PhoneNumber   string
	Amount        float64
	Currency      string
	Method        storage.PaymentMethod
}

// Outcome is the provider's verdict on a payment request.
type Outcome struct {
	Reference string
	Success   bool
	Reason    string
}

// Gateway initiates payments with a mobile money provider.
type Gateway interface {
	Name() string
	Initiate(ctx context.Context, req Request) (Outcome, error)
}

// TransientError marks a gateway failure that may succeed on retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient gateway error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// SimulatedGateway approves every payment after a fixed delay.
type SimulatedGateway struct {
	Delay time.Duration
}

// NewSimulatedGateway creates a gateway that settles after delay
func NewSimulatedGateway(delay time.Duration) *SimulatedGateway {
	return &SimulatedGateway{Delay: delay}
}

// Name returns the gateway identifier
func (g *SimulatedGateway) Name() string {
	return "simulated"
}

// Initiate waits for the configured delay and approves the payment
func (g *SimulatedGateway) Initiate(ctx context.Context, req Request) (Outcome, error) {
	if g.Delay > 0 {
		timer := time.NewTimer(g.Delay)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case <-timer.C:
		}
	}

	return Outcome{
		Reference: "SIM" + uuid.NewString()[:8],
		Success:   true,
	}, nil
}

// NewGateway builds the gateway named in configuration.
func NewGateway(name string, simulatedDelay time.Duration) (Gateway, error) {
	switch name {
	case "", "simulated":
		return NewSimulatedGateway(simulatedDelay), nil
	default:
		return nil, fmt.Errorf("unsupported payment gateway: %s", name)
	}
}
