package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/kportal/internal/config"
	"github.com/goodtune/kportal/internal/storage"
	"github.com/redis/go-redis/v9"
)

// Store implements the storage.Store interface using Redis
type Store struct {
	client       *redis.Client
	windowStore  *windowStore
	packageStore *packageStore
	txStore      *transactionStore
	planStore    *planStore
	subStore     *subscriptionStore
}

// Open creates a new Redis-backed storage instance
func Open(cfg config.RedisConfig) (*Store, error) {
	// Parse timeouts
	dialTimeout, err := time.ParseDuration(cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}

	readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}

	writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	// Determine address
	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	// Ping to verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return newStore(client), nil
}

func newStore(client *redis.Client) *Store {
	return &Store{
		client:       client,
		windowStore:  &windowStore{client: client},
		packageStore: &packageStore{client: client},
		txStore:      &transactionStore{client: client},
		planStore:    &planStore{client: client},
		subStore:     &subscriptionStore{client: client},
	}
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Windows returns the WindowStore implementation
func (s *Store) Windows() storage.WindowStore {
	return s.windowStore
}

// Packages returns the PackageStore implementation
func (s *Store) Packages() storage.PackageStore {
	return s.packageStore
}

// Transactions returns the TransactionStore implementation
func (s *Store) Transactions() storage.TransactionStore {
	return s.txStore
}

// Plans returns the PlanStore implementation
func (s *Store) Plans() storage.PlanStore {
	return s.planStore
}

// Subscriptions returns the SubscriptionStore implementation
func (s *Store) Subscriptions() storage.SubscriptionStore {
	return s.subStore
}
