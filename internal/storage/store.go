package storage

import (
	"context"
	"errors"
	"time"

	"github.com/goodtune/kportal/internal/access"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// Store represents the root storage interface.
type Store interface {
	Close() error
	Windows() WindowStore
	Packages() PackageStore
	Transactions() TransactionStore
	Plans() PlanStore
	Subscriptions() SubscriptionStore
}

// WindowStore persists the single access window held per user key.
type WindowStore interface {
	Put(ctx context.Context, userKey string, window access.AccessWindow) error
	// Get returns ErrNotFound for a missing key and *access.DeserializationError
	// for a record that cannot be decoded.
	Get(ctx context.Context, userKey string) (access.AccessWindow, error)
	Delete(ctx context.Context, userKey string) error
	Keys(ctx context.Context) ([]string, error)
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// PackageStore manages the package catalog.
type PackageStore interface {
	Get(ctx context.Context, id string) (*access.Package, error)
	List(ctx context.Context) ([]access.Package, error)
	Upsert(ctx context.Context, pkg access.Package) error
	Delete(ctx context.Context, id string) error
}

// TransactionStore manages payment transactions.
type TransactionStore interface {
	Upsert(ctx context.Context, tx Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	List(ctx context.Context, filter TransactionFilter) ([]Transaction, error)
}

// TransactionFilter defines criteria for querying transactions.
// Results are ordered newest first.
type TransactionFilter struct {
	UserKey string
	Status  TransactionStatus
	Since   *time.Time
	Limit   int
	Offset  int
}

// PlanStore manages operator subscription plans.
type PlanStore interface {
	Get(ctx context.Context, id string) (*Plan, error)
	List(ctx context.Context) ([]Plan, error)
	Upsert(ctx context.Context, plan Plan) error
	Delete(ctx context.Context, id string) error
}

// SubscriptionStore manages operator subscriptions.
type SubscriptionStore interface {
	Get(ctx context.Context, id string) (*Subscription, error)
	List(ctx context.Context, filter SubscriptionFilter) ([]Subscription, error)
	Upsert(ctx context.Context, sub Subscription) error
}

// SubscriptionFilter defines criteria for querying subscriptions.
// Results are ordered newest first.
type SubscriptionFilter struct {
	OperatorID string
	PlanID     string
	Status     SubscriptionStatus
}
