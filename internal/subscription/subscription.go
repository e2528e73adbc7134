// Package subscription manages the plans operators subscribe to and the
// subscriptions they hold. A plan caps how many portal users an operator
// may serve during its term.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goodtune/kportal/internal/access"
	"github.com/goodtune/kportal/internal/metrics"
	"github.com/goodtune/kportal/internal/storage"
	"github.com/goodtune/kportal/internal/validation"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrPlanExists          = errors.New("subscription: plan already exists")
	ErrUnknownPlan         = errors.New("subscription: unknown plan")
	ErrPlanInUse           = errors.New("subscription: plan has active subscriptions")
	ErrUnknownSubscription = errors.New("subscription: unknown subscription")
	ErrAlreadySubscribed   = errors.New("subscription: operator already has an active subscription")
	ErrNotActive           = errors.New("subscription: subscription is not active")
	ErrUserLimit           = errors.New("subscription: plan user limit exceeded")
)

// SubscribeRequest starts an operator's subscription to a plan.
type SubscribeRequest struct {
	OperatorID string `json:"operatorId" validate:"required,max=128"`
	PlanID     string `json:"planId" validate:"required"`
	PaymentRef string `json:"paymentRef,omitempty" validate:"max=64"`
}

// Usage reports how much of a plan's user limit a subscription consumes.
type Usage struct {
	Subscription storage.Subscription `json:"subscription"`
	Plan         storage.Plan         `json:"plan"`
	Remaining    int                  `json:"remaining"`
	UsedPercent  float64              `json:"usedPercent"`
}

// Service manages plans and operator subscriptions.
type Service struct {
	plans  storage.PlanStore
	subs   storage.SubscriptionStore
	clock  access.Clock
	logger zerolog.Logger

	// mu serializes subscription state changes
	mu sync.Mutex
}

// NewService creates a subscription service
func NewService(plans storage.PlanStore, subs storage.SubscriptionStore, clock access.Clock, logger zerolog.Logger) *Service {
	if clock == nil {
		clock = access.RealClock{}
	}
	return &Service{
		plans:  plans,
		subs:   subs,
		clock:  clock,
		logger: logger.With().Str("component", "subscription").Logger(),
	}
}

// DefaultPlans returns the stock operator plans offered on a fresh install.
func DefaultPlans() []storage.Plan {
	return []storage.Plan{
		{
			ID:           "starter",
			Name:         "Starter Plan",
			Price:        500,
			UserLimit:    50,
			Features:     []string{"WiFi management", "Basic analytics", "Email support"},
			Duration:     1,
			DurationUnit: storage.PlanMonths,
			Description:  "Perfect for small businesses",
		},
		{
			ID:           "business",
			Name:         "Business Plan",
			Price:        1000,
			UserLimit:    100,
			Features:     []string{"WiFi management", "Advanced analytics", "Priority support", "Custom branding"},
			Duration:     1,
			DurationUnit: storage.PlanMonths,
			Description:  "Great for growing businesses",
			Popular:      true,
		},
		{
			ID:           "enterprise",
			Name:         "Enterprise Plan",
			Price:        1500,
			UserLimit:    200,
			Features:     []string{"WiFi management", "Premium analytics", "24/7 support", "Custom branding", "Multiple locations"},
			Duration:     1,
			DurationUnit: storage.PlanMonths,
			Description:  "For large organizations",
		},
	}
}

// Term returns the window a plan covers when started at start. Day terms
// follow the package window rules; months and years advance the calendar.
func Term(plan storage.Plan, start time.Time) (access.AccessWindow, error) {
	switch plan.DurationUnit {
	case storage.PlanDays:
		return access.Compute(access.Package{
			ID:           plan.ID,
			Duration:     plan.Duration,
			DurationUnit: access.UnitDays,
		}, start)
	case storage.PlanMonths, storage.PlanYears:
		if plan.Duration <= 0 {
			break
		}
		end := start.AddDate(0, plan.Duration, 0)
		if plan.DurationUnit == storage.PlanYears {
			end = start.AddDate(plan.Duration, 0, 0)
		}
		return access.AccessWindow{PackageID: plan.ID, StartTime: start, EndTime: end}, nil
	}
	return access.AccessWindow{}, fmt.Errorf("plan %s has invalid term %d %s", plan.ID, plan.Duration, plan.DurationUnit)
}

// GetPlan returns the plan with the given ID
func (s *Service) GetPlan(ctx context.Context, id string) (storage.Plan, error) {
	plan, err := s.plans.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Plan{}, ErrUnknownPlan
	}
	if err != nil {
		return storage.Plan{}, err
	}
	return *plan, nil
}

// ListPlans returns every plan, cheapest first
func (s *Service) ListPlans(ctx context.Context) ([]storage.Plan, error) {
	plans, err := s.plans.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	return plans, nil
}

// CreatePlan adds a plan. An empty ID is assigned a fresh one.
func (s *Service) CreatePlan(ctx context.Context, plan storage.Plan) (storage.Plan, error) {
	plan = normalizePlan(plan)
	if plan.ID == "" {
		plan.ID = uuid.NewString()
	} else if _, err := s.plans.Get(ctx, plan.ID); err == nil {
		return storage.Plan{}, ErrPlanExists
	} else if !errors.Is(err, storage.ErrNotFound) {
		return storage.Plan{}, err
	}

	if err := validation.Struct(plan); err != nil {
		return storage.Plan{}, err
	}

	if err := s.plans.Upsert(ctx, plan); err != nil {
		return storage.Plan{}, fmt.Errorf("failed to store plan: %w", err)
	}

	s.logger.Info().Str("plan_id", plan.ID).Str("name", plan.Name).Msg("Plan created")
	return plan, nil
}

// UpdatePlan replaces the plan with the given ID. Running subscriptions
// keep their term; the new user limit applies from the next count update.
func (s *Service) UpdatePlan(ctx context.Context, id string, plan storage.Plan) (storage.Plan, error) {
	if _, err := s.GetPlan(ctx, id); err != nil {
		return storage.Plan{}, err
	}

	plan = normalizePlan(plan)
	plan.ID = id
	if err := validation.Struct(plan); err != nil {
		return storage.Plan{}, err
	}

	if err := s.plans.Upsert(ctx, plan); err != nil {
		return storage.Plan{}, fmt.Errorf("failed to store plan: %w", err)
	}

	s.logger.Info().Str("plan_id", id).Msg("Plan updated")
	return plan, nil
}

// DeletePlan removes a plan that no active subscription uses.
func (s *Service) DeletePlan(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	active, err := s.listLocked(ctx, storage.SubscriptionFilter{PlanID: id, Status: storage.SubscriptionActive})
	if err != nil {
		return err
	}
	if len(active) > 0 {
		return ErrPlanInUse
	}

	if err := s.plans.Delete(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrUnknownPlan
		}
		return err
	}

	s.logger.Info().Str("plan_id", id).Msg("Plan deleted")
	return nil
}

// SeedPlans stores the default plans when none exist and returns how
// many were added.
func (s *Service) SeedPlans(ctx context.Context) (int, error) {
	existing, err := s.plans.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list plans: %w", err)
	}
	if len(existing) > 0 {
		return 0, nil
	}

	defaults := DefaultPlans()
	for _, plan := range defaults {
		if err := s.plans.Upsert(ctx, plan); err != nil {
			return 0, fmt.Errorf("failed to seed plan %s: %w", plan.ID, err)
		}
	}
	return len(defaults), nil
}

// Subscribe starts a subscription for the operator beginning now. An
// operator holds at most one active subscription.
func (s *Service) Subscribe(ctx context.Context, req SubscribeRequest) (*storage.Subscription, error) {
	req.OperatorID = storage.NormalizeKey(req.OperatorID)
	if err := validation.Struct(req); err != nil {
		return nil, err
	}

	plan, err := s.GetPlan(ctx, req.PlanID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	operator := req.OperatorID
	active, err := s.listLocked(ctx, storage.SubscriptionFilter{OperatorID: operator, Status: storage.SubscriptionActive})
	if err != nil {
		return nil, err
	}
	if len(active) > 0 {
		return nil, ErrAlreadySubscribed
	}

	now := s.clock.Now()
	term, err := Term(plan, now)
	if err != nil {
		return nil, err
	}

	sub := storage.Subscription{
		ID:         uuid.Must(uuid.NewV7()).String(),
		OperatorID: operator,
		PlanID:     plan.ID,
		StartTime:  term.StartTime,
		EndTime:    term.EndTime,
		Status:     storage.SubscriptionActive,
		PaymentRef: req.PaymentRef,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.subs.Upsert(ctx, sub); err != nil {
		return nil, fmt.Errorf("failed to store subscription: %w", err)
	}

	metrics.SubscriptionEvents.WithLabelValues(plan.ID, "subscribed").Inc()
	s.logger.Info().
		Str("subscription_id", sub.ID).
		Str("operator_id", operator).
		Str("plan_id", plan.ID).
		Time("end", sub.EndTime).
		Msg("Operator subscribed")

	return &sub, nil
}

// Get returns a subscription by ID
func (s *Service) Get(ctx context.Context, id string) (*storage.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(ctx, id)
}

// List returns subscriptions matching filter, newest first
func (s *Service) List(ctx context.Context, filter storage.SubscriptionFilter) ([]storage.Subscription, error) {
	filter.OperatorID = storage.NormalizeKey(filter.OperatorID)

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked(ctx, filter)
}

// Cancel ends an active subscription early.
func (s *Service) Cancel(ctx context.Context, id string) (*storage.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, err := s.getLocked(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.Status != storage.SubscriptionActive {
		return sub, ErrNotActive
	}

	sub.Status = storage.SubscriptionCanceled
	sub.UpdatedAt = s.clock.Now()
	if err := s.subs.Upsert(ctx, *sub); err != nil {
		return nil, fmt.Errorf("failed to store subscription: %w", err)
	}

	metrics.SubscriptionEvents.WithLabelValues(sub.PlanID, "canceled").Inc()
	s.logger.Info().Str("subscription_id", id).Str("operator_id", sub.OperatorID).Msg("Subscription canceled")
	return sub, nil
}

// Renew extends a subscription by one plan term. A running term is
// extended from its end; an expired or canceled one restarts now.
func (s *Service) Renew(ctx context.Context, id, paymentRef string) (*storage.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, err := s.getLocked(ctx, id)
	if err != nil {
		return nil, err
	}

	plan, err := s.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	if sub.Status != storage.SubscriptionActive {
		others, err := s.listLocked(ctx, storage.SubscriptionFilter{OperatorID: sub.OperatorID, Status: storage.SubscriptionActive})
		if err != nil {
			return nil, err
		}
		if len(others) > 0 {
			return nil, ErrAlreadySubscribed
		}
	}

	start := now
	if sub.Status == storage.SubscriptionActive {
		start = sub.EndTime
	}
	term, err := Term(plan, start)
	if err != nil {
		return nil, err
	}

	if sub.Status != storage.SubscriptionActive {
		sub.StartTime = now
	}
	sub.EndTime = term.EndTime
	sub.Status = storage.SubscriptionActive
	sub.UpdatedAt = now
	if paymentRef != "" {
		sub.PaymentRef = paymentRef
	}
	if err := s.subs.Upsert(ctx, *sub); err != nil {
		return nil, fmt.Errorf("failed to store subscription: %w", err)
	}

	metrics.SubscriptionEvents.WithLabelValues(plan.ID, "renewed").Inc()
	s.logger.Info().
		Str("subscription_id", id).
		Str("operator_id", sub.OperatorID).
		Time("end", sub.EndTime).
		Msg("Subscription renewed")
	return sub, nil
}

// SetUserCount records how many portal users the operator serves. The
// count may not exceed the plan's user limit.
func (s *Service) SetUserCount(ctx context.Context, id string, count int) (*storage.Subscription, error) {
	if count < 0 {
		return nil, fmt.Errorf("user count must not be negative: %d", count)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sub, err := s.getLocked(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.Status != storage.SubscriptionActive {
		return sub, ErrNotActive
	}

	plan, err := s.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return nil, err
	}
	if count > plan.UserLimit {
		return sub, fmt.Errorf("%w: %d of %d", ErrUserLimit, count, plan.UserLimit)
	}

	sub.UserCount = count
	sub.UpdatedAt = s.clock.Now()
	if err := s.subs.Upsert(ctx, *sub); err != nil {
		return nil, fmt.Errorf("failed to store subscription: %w", err)
	}
	return sub, nil
}

// Usage reports the subscription's consumption of its plan's user limit.
func (s *Service) Usage(ctx context.Context, id string) (Usage, error) {
	sub, err := s.Get(ctx, id)
	if err != nil {
		return Usage{}, err
	}
	plan, err := s.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return Usage{}, err
	}

	usage := Usage{Subscription: *sub, Plan: plan, Remaining: plan.UserLimit - sub.UserCount}
	if usage.Remaining < 0 {
		usage.Remaining = 0
	}
	if plan.UserLimit > 0 {
		usage.UsedPercent = float64(sub.UserCount) / float64(plan.UserLimit) * 100
	}
	return usage, nil
}

func (s *Service) getLocked(ctx context.Context, id string) (*storage.Subscription, error) {
	sub, err := s.subs.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrUnknownSubscription
	}
	if err != nil {
		return nil, err
	}
	s.expire(ctx, sub, s.clock.Now())
	return sub, nil
}

// listLocked applies the status filter after expiry so that a lapsed
// subscription is never reported as active.
func (s *Service) listLocked(ctx context.Context, filter storage.SubscriptionFilter) ([]storage.Subscription, error) {
	status := filter.Status
	filter.Status = ""

	subs, err := s.subs.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	now := s.clock.Now()
	matched := subs[:0]
	for i := range subs {
		s.expire(ctx, &subs[i], now)
		if status != "" && subs[i].Status != status {
			continue
		}
		matched = append(matched, subs[i])
	}
	return matched, nil
}

// expire marks an active subscription whose term has ended as expired
// and persists the change on a best effort basis.
func (s *Service) expire(ctx context.Context, sub *storage.Subscription, now time.Time) {
	if sub.Status != storage.SubscriptionActive || now.Before(sub.EndTime) {
		return
	}

	sub.Status = storage.SubscriptionExpired
	sub.UpdatedAt = now
	if err := s.subs.Upsert(ctx, *sub); err != nil {
		s.logger.Warn().Err(err).Str("subscription_id", sub.ID).Msg("Failed to persist subscription expiry")
		return
	}

	metrics.SubscriptionEvents.WithLabelValues(sub.PlanID, "expired").Inc()
	s.logger.Info().Str("subscription_id", sub.ID).Str("operator_id", sub.OperatorID).Msg("Subscription expired")
}

func normalizePlan(plan storage.Plan) storage.Plan {
	plan.ID = strings.TrimSpace(plan.ID)
	plan.Name = strings.TrimSpace(plan.Name)
	plan.Description = strings.TrimSpace(plan.Description)
	plan.DurationUnit = storage.PlanUnit(strings.ToLower(strings.TrimSpace(string(plan.DurationUnit))))
	return plan
}
