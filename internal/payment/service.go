package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode"

	"github.com/cenkalti/backoff/v5"
	"github.com/goodtune/kportal/internal/access"
	"github.com/goodtune/kportal/internal/metrics"
	"github.com/goodtune/kportal/internal/storage"
	"github.com/goodtune/kportal/internal/validation"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrInvalidPhone       = errors.New("payment: invalid phone number")
	ErrUnknownPackage     = errors.New("payment: unknown package")
	ErrUnknownTransaction = errors.New("payment: unknown transaction")
	ErrAlreadySettled     = errors.New("payment: transaction already settled")
	ErrManualOnly         = errors.New("payment: method can only be recorded manually")

	// Settlement task cancellation causes
	ErrCancelled = errors.New("payment cancelled")
	ErrTimeout   = errors.New("payment timed out")
	errShutdown  = errors.New("payment service shutting down")
)

// Packages resolves purchasable packages.
type Packages interface {
	Get(ctx context.Context, id string) (access.Package, error)
}

// Windows receives the access window granted by a successful payment.
type Windows interface {
	Set(ctx context.Context, userKey string, window access.AccessWindow) error
}

// Config holds payment service configuration
type Config struct {
	Timeout        time.Duration
	MaxRetries     int
	RetryInterval  time.Duration
	MinPhoneDigits int
	Currency       string
	DefaultMethod  storage.PaymentMethod
}

// CheckoutRequest starts the purchase of a package.
type CheckoutRequest struct {
	PackageID   string                `json:"packageId" validate:"required"`
	PhoneNumber string                `json:"phoneNumber" validate:"required,msisdn"`
	Method      storage.PaymentMethod `json:"method"`
	// UserKey identifies who receives the window. Defaults to the phone number.
	UserKey string `json:"userKey,omitempty" validate:"omitempty,max=128"`
}

// ManualPaymentRequest records a payment taken outside the gateway, such
// as cash at the counter.
type ManualPaymentRequest struct {
	UserKey   string `json:"userKey" validate:"required,max=128"`
	PackageID string `json:"packageId" validate:"required"`
	// Amount defaults to the package price.
	Amount      *float64              `json:"amount,omitempty" validate:"omitempty,gte=0"`
	Method      storage.PaymentMethod `json:"method"`
	PhoneNumber string                `json:"phoneNumber,omitempty" validate:"omitempty,msisdn"`
	Reference   string                `json:"reference,omitempty" validate:"max=64"`
}

type task struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Service runs checkouts. Each checkout records a pending transaction and
// settles it asynchronously through the gateway; a successful settlement
// grants the package's access window.
type Service struct {
	gateway      Gateway
	packages     Packages
	transactions storage.TransactionStore
	windows      Windows
	clock        access.Clock
	config       Config
	logger       zerolog.Logger

	settleMu sync.Mutex
	mu       sync.Mutex
	tasks    map[string]*task
	wg       sync.WaitGroup
}

// NewService creates a payment service
func NewService(
	gateway Gateway,
	packages Packages,
	transactions storage.TransactionStore,
	windows Windows,
	clock access.Clock,
	config Config,
	logger zerolog.Logger,
) *Service {
	if clock == nil {
		clock = access.RealClock{}
	}
	if config.Timeout <= 0 {
		config.Timeout = 2 * time.Minute
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = 500 * time.Millisecond
	}
	if config.MinPhoneDigits <= 0 {
		config.MinPhoneDigits = 9
	}
	if config.DefaultMethod == "" {
		config.DefaultMethod = storage.MethodMPesa
	}

	return &Service{
		gateway:      gateway,
		packages:     packages,
		transactions: transactions,
		windows:      windows,
		clock:        clock,
		config:       config,
		logger:       logger.With().Str("component", "payment").Logger(),
		tasks:        make(map[string]*task),
	}
}

// Checkout records a pending transaction and starts settling it in the
// background. It returns as soon as the transaction is stored.
func (s *Service) Checkout(ctx context.Context, req CheckoutRequest) (*storage.Transaction, error) {
	if err := validation.Struct(req); err != nil {
		return nil, err
	}

	phone := validation.StripPhone(req.PhoneNumber)
	if countDigits(phone) < s.config.MinPhoneDigits {
		return nil, ErrInvalidPhone
	}

	method := req.Method
	if method == "" {
		method = s.config.DefaultMethod
	}
	method, err := storage.ParsePaymentMethod(string(method))
	if err != nil {
		return nil, err
	}
	if method == storage.MethodCash {
		return nil, ErrManualOnly
	}

	pkg, err := s.packages.Get(ctx, req.PackageID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPackage, req.PackageID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve package: %w", err)
	}

	userKey := storage.NormalizeKey(req.UserKey)
	if userKey == "" {
		userKey = phone
	}

	now := s.clock.Now()
	tx := storage.Transaction{
		ID:          uuid.Must(uuid.NewV7()).String(),
		UserKey:     userKey,
		PackageID:   pkg.ID,
		PhoneNumber: phone,
		Amount:      pkg.Price,
		Method:      method,
		Status:      storage.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.transactions.Upsert(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to record transaction: %w", err)
	}

	s.logger.Info().
		Str("transaction_id", tx.ID).
		Str("package_id", pkg.ID).
		Str("method", string(method)).
		Float64("amount", tx.Amount).
		Msg("Checkout started")

	s.start(tx)
	return &tx, nil
}

// start launches the settlement task for tx
func (s *Service) start(tx storage.Transaction) {
	parent, cancel := context.WithCancelCause(context.Background())
	ctx, cancelTimeout := context.WithTimeoutCause(parent, s.config.Timeout, ErrTimeout)

	t := &task{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.tasks[tx.ID] = t
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(t.done)
		defer func() {
			s.mu.Lock()
			delete(s.tasks, tx.ID)
			s.mu.Unlock()
		}()
		defer cancel(nil)
		defer cancelTimeout()

		s.process(ctx, tx)
	}()
}

// process drives one transaction through the gateway
func (s *Service) process(ctx context.Context, tx storage.Transaction) {
	logger := s.logger.With().Str("transaction_id", tx.ID).Logger()

	if err := s.markProcessing(ctx, tx.ID); err != nil {
		logger.Warn().Err(err).Msg("Failed to mark transaction processing")
	}

	req := Request{
		TransactionID: tx.ID,
		PhoneNumber:   tx.PhoneNumber,
		Amount:        tx.Amount,
		Currency:      s.config.Currency,
		Method:        tx.Method,
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.config.RetryInterval

	outcome, err := backoff.Retry(ctx, func() (Outcome, error) {
		o, err := s.gateway.Initiate(ctx, req)
		if err == nil {
			return o, nil
		}
		if IsTransient(err) {
			return o, err
		}
		return o, backoff.Permanent(err)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(s.config.MaxRetries)+1),
		backoff.WithNotify(func(err error, next time.Duration) {
			metrics.GatewayRetries.WithLabelValues(s.gateway.Name()).Inc()
			logger.Warn().Err(err).Dur("retry_in", next).Msg("Payment gateway request failed, retrying")
		}),
	)

	if cause := context.Cause(ctx); cause != nil {
		switch {
		case errors.Is(cause, ErrAlreadySettled):
			return
		case errors.Is(cause, errShutdown):
			// Left unsettled so a provider callback can still complete it
			logger.Info().Msg("Settlement interrupted by shutdown")
			return
		}
		err = cause
	}

	// The task context may already be done; settlement must still be recorded.
	settleCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err != nil {
		logger.Warn().Err(err).Msg("Payment failed")
		_, _ = s.settle(settleCtx, tx.ID, "", false, err.Error())
		return
	}

	if _, err := s.settle(settleCtx, tx.ID, outcome.Reference, outcome.Success, outcome.Reason); err != nil && !errors.Is(err, ErrAlreadySettled) {
		logger.Error().Err(err).Msg("Failed to settle transaction")
	}
}

// markProcessing records that the gateway has been engaged, unless a
// callback settled the transaction first.
func (s *Service) markProcessing(ctx context.Context, id string) error {
	s.settleMu.Lock()
	defer s.settleMu.Unlock()

	tx, err := s.transactions.Get(ctx, id)
	if err != nil {
		return err
	}
	if tx.Status != storage.StatusPending {
		return nil
	}

	tx.Status = storage.StatusProcessing
	tx.UpdatedAt = s.clock.Now()
	return s.transactions.Upsert(ctx, *tx)
}

// Complete settles a transaction from a provider callback. A running
// settlement task for the transaction is stopped.
func (s *Service) Complete(ctx context.Context, id, reference string, success bool, reason string) (*storage.Transaction, error) {
	tx, err := s.settle(ctx, id, reference, success, reason)
	if err != nil {
		return tx, err
	}

	s.mu.Lock()
	if t, ok := s.tasks[id]; ok {
		t.cancel(ErrAlreadySettled)
	}
	s.mu.Unlock()

	return tx, nil
}

// settle moves a transaction to its terminal status and, on success,
// grants the access window. Settlement happens at most once.
func (s *Service) settle(ctx context.Context, id, reference string, success bool, reason string) (*storage.Transaction, error) {
	s.settleMu.Lock()
	defer s.settleMu.Unlock()

	tx, err := s.transactions.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrUnknownTransaction
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load transaction: %w", err)
	}
	if tx.Status.Settled() {
		return tx, ErrAlreadySettled
	}

	now := s.clock.Now()
	logger := s.logger.With().Str("transaction_id", id).Logger()

	if success {
		if err := s.grant(ctx, tx, now); err != nil {
			logger.Error().Err(err).Msg("Failed to grant access window")
			success = false
			reason = err.Error()
		}
	}

	tx.Reference = reference
	tx.UpdatedAt = now
	if success {
		tx.Status = storage.StatusSuccess
		tx.FailureReason = ""
	} else {
		tx.Status = storage.StatusFailed
		if reason == "" {
			reason = "payment declined"
		}
		tx.FailureReason = reason
	}

	if err := s.transactions.Upsert(ctx, *tx); err != nil {
		return nil, fmt.Errorf("failed to record settlement: %w", err)
	}

	metrics.PaymentsTotal.WithLabelValues(string(tx.Method), string(tx.Status)).Inc()
	metrics.PaymentDuration.WithLabelValues(string(tx.Method)).Observe(now.Sub(tx.CreatedAt).Seconds())
	if success {
		metrics.RevenueTotal.WithLabelValues(tx.PackageID).Add(tx.Amount)
	}

	logger.Info().
		Str("status", string(tx.Status)).
		Str("reference", reference).
		Str("reason", tx.FailureReason).
		Msg("Transaction settled")

	return tx, nil
}

// grant computes the window for the purchased package and hands it to the registry
func (s *Service) grant(ctx context.Context, tx *storage.Transaction, now time.Time) error {
	pkg, err := s.packages.Get(ctx, tx.PackageID)
	if err != nil {
		return fmt.Errorf("package %s unavailable: %w", tx.PackageID, err)
	}

	window, err := access.Compute(pkg, now)
	if err != nil {
		return err
	}

	if err := s.windows.Set(ctx, tx.UserKey, window); err != nil {
		return err
	}

	metrics.WindowsGranted.WithLabelValues(pkg.ID).Inc()
	return nil
}

// RecordManual stores an already collected payment as successful and
// grants the package's window to the user. Nothing is stored when the
// window cannot be granted.
func (s *Service) RecordManual(ctx context.Context, req ManualPaymentRequest) (*storage.Transaction, error) {
	if err := validation.Struct(req); err != nil {
		return nil, err
	}

	method := req.Method
	if method == "" {
		method = storage.MethodCash
	}

	pkg, err := s.packages.Get(ctx, req.PackageID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPackage, req.PackageID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve package: %w", err)
	}

	amount := pkg.Price
	if req.Amount != nil {
		amount = *req.Amount
	}

	s.settleMu.Lock()
	defer s.settleMu.Unlock()

	now := s.clock.Now()
	tx := storage.Transaction{
		ID:          uuid.Must(uuid.NewV7()).String(),
		UserKey:     storage.NormalizeKey(req.UserKey),
		PackageID:   pkg.ID,
		PhoneNumber: validation.StripPhone(req.PhoneNumber),
		Amount:      amount,
		Method:      method,
		Reference:   req.Reference,
		Status:      storage.StatusSuccess,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.grant(ctx, &tx, now); err != nil {
		return nil, fmt.Errorf("failed to grant access window: %w", err)
	}

	if err := s.transactions.Upsert(ctx, tx); err != nil {
		s.logger.Error().Err(err).Str("transaction_id", tx.ID).Str("user_key", tx.UserKey).Msg("Access granted but manual payment not recorded")
		return nil, fmt.Errorf("failed to record transaction: %w", err)
	}

	metrics.PaymentsTotal.WithLabelValues(string(tx.Method), string(tx.Status)).Inc()
	metrics.RevenueTotal.WithLabelValues(tx.PackageID).Add(tx.Amount)

	s.logger.Info().
		Str("transaction_id", tx.ID).
		Str("package_id", pkg.ID).
		Str("method", string(method)).
		Float64("amount", amount).
		Msg("Manual payment recorded")

	return &tx, nil
}

// Cancel stops a pending payment and marks it failed.
func (s *Service) Cancel(ctx context.Context, id string) (*storage.Transaction, error) {
	s.mu.Lock()
	t, running := s.tasks[id]
	s.mu.Unlock()

	if !running {
		return s.settle(ctx, id, "", false, ErrCancelled.Error())
	}

	t.cancel(ErrCancelled)
	select {
	case <-t.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	tx, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.Status == storage.StatusSuccess {
		return tx, ErrAlreadySettled
	}
	return tx, nil
}

// Wait blocks until the settlement task for id has finished and returns
// the transaction as stored.
func (s *Service) Wait(ctx context.Context, id string) (*storage.Transaction, error) {
	s.mu.Lock()
	t, running := s.tasks[id]
	s.mu.Unlock()

	if running {
		select {
		case <-t.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return s.Get(ctx, id)
}

// Get returns a transaction by ID
func (s *Service) Get(ctx context.Context, id string) (*storage.Transaction, error) {
	tx, err := s.transactions.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrUnknownTransaction
	}
	return tx, err
}

// List returns transactions matching filter, newest first
func (s *Service) List(ctx context.Context, filter storage.TransactionFilter) ([]storage.Transaction, error) {
	return s.transactions.List(ctx, filter)
}

// Pending returns the number of settlement tasks in flight
func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Shutdown stops every settlement task and waits for them to exit.
// Interrupted transactions stay unsettled.
func (s *Service) Shutdown() {
	s.mu.Lock()
	for _, t := range s.tasks {
		t.cancel(errShutdown)
	}
	n := len(s.tasks)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info().Int("interrupted", n).Msg("Payment service stopped")
}

func countDigits(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsDigit(r) {
			n++
		}
	}
	return n
}
