package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/kportal/internal/access"
	"github.com/goodtune/kportal/internal/storage"
	"github.com/redis/go-redis/v9"
)

type windowStore struct {
	client *redis.Client
}

// Put stores the window for a user key, replacing any previous one.
// Redis drops the record on its own once the window ends.
func (s *windowStore) Put(ctx context.Context, userKey string, window access.AccessWindow) error {
	payload, err := access.Encode(window)
	if err != nil {
		return fmt.Errorf("failed to encode window: %w", err)
	}

	script := redis.NewScript(putWindowScript)
	keys := []string{windowKey(userKey), windowIndexKey}
	args := []interface{}{string(payload), window.EndTime.UnixMilli(), userKey}

	return script.Run(ctx, s.client, keys, args...).Err()
}

// Get retrieves the window stored for a user key
func (s *windowStore) Get(ctx context.Context, userKey string) (access.AccessWindow, error) {
	payload, err := s.client.Get(ctx, windowKey(userKey)).Bytes()
	if errors.Is(err, redis.Nil) {
		return access.AccessWindow{}, storage.ErrNotFound
	}
	if err != nil {
		return access.AccessWindow{}, err
	}

	return access.Decode(payload)
}

// Delete removes the window for a user key
func (s *windowStore) Delete(ctx context.Context, userKey string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, windowKey(userKey))
	pipe.ZRem(ctx, windowIndexKey, userKey)
	_, err := pipe.Exec(ctx)
	return err
}

// Keys returns every user key with an indexed window, soonest expiry first
func (s *windowStore) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.client.ZRange(ctx, windowIndexKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// DeleteExpired removes windows whose end is at or before now
func (s *windowStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	script := redis.NewScript(deleteExpiredWindowsScript)
	keys := []string{windowIndexKey}
	args := []interface{}{windowPrefix, now.UnixMilli()}

	n, err := script.Run(ctx, s.client, keys, args...).Int()
	if err != nil {
		return 0, err
	}
	return n, nil
}
