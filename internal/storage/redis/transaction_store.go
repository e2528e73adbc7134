package redis

import (
	"context"
	"strconv"
	"time"

	"github.com/goodtune/kportal/internal/storage"
	"github.com/redis/go-redis/v9"
)

// txIndexRetention bounds the creation index. Settled hashes expire after
// 90 days; the extra day covers transactions that settle late.
const txIndexRetention = 91 * 24 * time.Hour

type transactionStore struct {
	client *redis.Client
}

// Upsert creates or updates a transaction
func (s *transactionStore) Upsert(ctx context.Context, tx storage.Transaction) error {
	script := redis.NewScript(upsertTransactionScript)

	keys := []string{transactionKey(tx.ID), txIndexKey}
	args := []interface{}{
		tx.ID,
		tx.UserKey,
		tx.PackageID,
		tx.PhoneNumber,
		strconv.FormatFloat(tx.Amount, 'f', -1, 64),
		string(tx.Method),
		tx.Reference,
		string(tx.Status),
		tx.FailureReason,
		tx.CreatedAt.Format(time.RFC3339Nano),
		tx.UpdatedAt.Format(time.RFC3339Nano),
		tx.CreatedAt.UnixMilli(),
		tx.CreatedAt.Add(-txIndexRetention).UnixMilli(),
	}

	return script.Run(ctx, s.client, keys, args...).Err()
}

// Get retrieves a transaction by ID
func (s *transactionStore) Get(ctx context.Context, id string) (*storage.Transaction, error) {
	data, err := s.client.HGetAll(ctx, transactionKey(id)).Result()
	if err != nil {
		return nil, err
	}

	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	return parseTransaction(data)
}

// listBatchSize is how many index entries List reads per round trip
const listBatchSize = 100

// List returns transactions matching the filter, newest first. The index is
// read in pages so a limited query stops as soon as it has enough rows;
// entries whose hash already expired are removed from the index on the way.
func (s *transactionStore) List(ctx context.Context, filter storage.TransactionFilter) ([]storage.Transaction, error) {
	min := "-inf"
	if filter.Since != nil {
		min = strconv.FormatInt(filter.Since.UnixMilli(), 10)
	}

	txs := []storage.Transaction{}
	skipped := 0
	var cursor int64

	for {
		ids, err := s.client.ZRevRangeByScore(ctx, txIndexKey, &redis.ZRangeBy{
			Min:    min,
			Max:    "+inf",
			Offset: cursor,
			Count:  listBatchSize,
		}).Result()
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return txs, nil
		}

		pipe := s.client.Pipeline()
		cmds := make([]*redis.MapStringStringCmd, len(ids))
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, transactionKey(id))
		}
		if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
			return nil, err
		}

		var stale []interface{}
		for i, cmd := range cmds {
			data, err := cmd.Result()
			if err != nil {
				continue
			}
			if len(data) == 0 {
				stale = append(stale, ids[i])
				continue
			}

			tx, err := parseTransaction(data)
			if err != nil {
				continue
			}

			if filter.UserKey != "" && tx.UserKey != filter.UserKey {
				continue
			}
			if filter.Status != "" && tx.Status != filter.Status {
				continue
			}

			if skipped < filter.Offset {
				skipped++
				continue
			}

			txs = append(txs, *tx)
			if filter.Limit > 0 && len(txs) >= filter.Limit {
				s.dropStale(ctx, stale)
				return txs, nil
			}
		}

		if len(ids) < listBatchSize {
			s.dropStale(ctx, stale)
			return txs, nil
		}
		cursor += int64(len(ids) - s.dropStale(ctx, stale))
	}
}

// dropStale removes index entries whose hash has expired and reports how
// many were removed. Failures are left for the next List.
func (s *transactionStore) dropStale(ctx context.Context, ids []interface{}) int {
	if len(ids) == 0 {
		return 0
	}
	removed, err := s.client.ZRem(ctx, txIndexKey, ids...).Result()
	if err != nil {
		return 0
	}
	return int(removed)
}
