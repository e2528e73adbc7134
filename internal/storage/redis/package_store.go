package redis

import (
	"context"
	"sort"
	"strconv"

	"github.com/goodtune/kportal/internal/access"
	"github.com/goodtune/kportal/internal/storage"
	"github.com/redis/go-redis/v9"
)

type packageStore struct {
	client *redis.Client
}

// Get retrieves a package by ID
func (s *packageStore) Get(ctx context.Context, id string) (*access.Package, error) {
	data, err := s.client.HGetAll(ctx, packageKey(id)).Result()
	if err != nil {
		return nil, err
	}

	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	return parsePackage(data)
}

// List retrieves all packages ordered by price
func (s *packageStore) List(ctx context.Context) ([]access.Package, error) {
	ids, err := s.client.SMembers(ctx, packageIndexKey).Result()
	if err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		return []access.Package{}, nil
	}

	// Use pipeline for batch retrieval
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))

	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, packageKey(id))
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	packages := make([]access.Package, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}

		pkg, err := parsePackage(data)
		if err == nil {
			packages = append(packages, *pkg)
		}
	}

	sort.SliceStable(packages, func(i, j int) bool {
		if packages[i].Price != packages[j].Price {
			return packages[i].Price < packages[j].Price
		}
		return packages[i].ID < packages[j].ID
	})

	return packages, nil
}

// Upsert creates or replaces a package
func (s *packageStore) Upsert(ctx context.Context, pkg access.Package) error {
	script := redis.NewScript(upsertPackageScript)

	keys := []string{packageKey(pkg.ID), packageIndexKey}
	args := []interface{}{
		pkg.ID,
		pkg.Name,
		strconv.FormatFloat(pkg.Price, 'f', -1, 64),
		pkg.Duration,
		string(pkg.DurationUnit),
		pkg.Description,
		strconv.FormatBool(pkg.Popular),
		pkg.DownloadSpeed,
		pkg.MaxDownloadSpeed,
	}

	return script.Run(ctx, s.client, keys, args...).Err()
}

// Delete removes a package
func (s *packageStore) Delete(ctx context.Context, id string) error {
	removed, err := s.client.SRem(ctx, packageIndexKey, id).Result()
	if err != nil {
		return err
	}

	if err := s.client.Del(ctx, packageKey(id)).Err(); err != nil {
		return err
	}

	if removed == 0 {
		return storage.ErrNotFound
	}

	return nil
}
