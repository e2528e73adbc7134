package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/goodtune/kportal/internal/storage"
	"github.com/redis/go-redis/v9"
)

// Plans and subscriptions are stored as JSON documents; plans carry a
// feature list that does not fit a flat hash.

type planStore struct {
	client *redis.Client
}

// Get retrieves a plan by ID
func (s *planStore) Get(ctx context.Context, id string) (*storage.Plan, error) {
	payload, err := s.client.Get(ctx, planKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var plan storage.Plan
	if err := json.Unmarshal(payload, &plan); err != nil {
		return nil, fmt.Errorf("failed to decode plan %s: %w", id, err)
	}
	return &plan, nil
}

// List retrieves all plans ordered by price
func (s *planStore) List(ctx context.Context) ([]storage.Plan, error) {
	ids, err := s.client.SMembers(ctx, planIndexKey).Result()
	if err != nil {
		return nil, err
	}

	docs, err := mget(ctx, s.client, ids, planKey)
	if err != nil {
		return nil, err
	}

	plans := make([]storage.Plan, 0, len(docs))
	for _, payload := range docs {
		var plan storage.Plan
		if err := json.Unmarshal(payload, &plan); err == nil {
			plans = append(plans, plan)
		}
	}

	sort.SliceStable(plans, func(i, j int) bool {
		if plans[i].Price != plans[j].Price {
			return plans[i].Price < plans[j].Price
		}
		return plans[i].ID < plans[j].ID
	})
	return plans, nil
}

// Upsert creates or replaces a plan
func (s *planStore) Upsert(ctx context.Context, plan storage.Plan) error {
	payload, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("failed to encode plan: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, planKey(plan.ID), payload, 0)
	pipe.SAdd(ctx, planIndexKey, plan.ID)
	_, err = pipe.Exec(ctx)
	return err
}

// Delete removes a plan
func (s *planStore) Delete(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	removed := pipe.SRem(ctx, planIndexKey, id)
	pipe.Del(ctx, planKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	if removed.Val() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

type subscriptionStore struct {
	client *redis.Client
}

// Get retrieves a subscription by ID
func (s *subscriptionStore) Get(ctx context.Context, id string) (*storage.Subscription, error) {
	payload, err := s.client.Get(ctx, subscriptionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var sub storage.Subscription
	if err := json.Unmarshal(payload, &sub); err != nil {
		return nil, fmt.Errorf("failed to decode subscription %s: %w", id, err)
	}
	return &sub, nil
}

// List returns subscriptions matching the filter, newest first
func (s *subscriptionStore) List(ctx context.Context, filter storage.SubscriptionFilter) ([]storage.Subscription, error) {
	ids, err := s.client.ZRevRange(ctx, subIndexKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}

	docs, err := mget(ctx, s.client, ids, subscriptionKey)
	if err != nil {
		return nil, err
	}

	subs := make([]storage.Subscription, 0, len(docs))
	for _, payload := range docs {
		var sub storage.Subscription
		if err := json.Unmarshal(payload, &sub); err != nil {
			continue
		}
		if filter.OperatorID != "" && sub.OperatorID != filter.OperatorID {
			continue
		}
		if filter.PlanID != "" && sub.PlanID != filter.PlanID {
			continue
		}
		if filter.Status != "" && sub.Status != filter.Status {
			continue
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// Upsert creates or replaces a subscription
func (s *subscriptionStore) Upsert(ctx context.Context, sub storage.Subscription) error {
	payload, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("failed to encode subscription: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, subscriptionKey(sub.ID), payload, 0)
	pipe.ZAdd(ctx, subIndexKey, redis.Z{Score: float64(sub.CreatedAt.UnixMilli()), Member: sub.ID})
	_, err = pipe.Exec(ctx)
	return err
}

// mget fetches the documents for ids in order, skipping missing ones
func mget(ctx context.Context, client *redis.Client, ids []string, key func(string) string) ([][]byte, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = key(id)
	}

	values, err := client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	docs := make([][]byte, 0, len(values))
	for _, v := range values {
		if s, ok := v.(string); ok {
			docs = append(docs, []byte(s))
		}
	}
	return docs, nil
}
