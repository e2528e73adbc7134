package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/goodtune/kportal/internal/access"
	"github.com/goodtune/kportal/internal/metrics"
	"github.com/goodtune/kportal/internal/storage"
	"github.com/goodtune/kportal/internal/validation"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// ErrPackageExists is returned when creating a package whose ID is taken.
var ErrPackageExists = errors.New("catalog: package already exists")

// DefaultCacheSize is used when no cache size is configured.
const DefaultCacheSize = 128

// Service manages the purchasable packages with a read-through cache.
type Service struct {
	store  storage.PackageStore
	cache  *lru.Cache[string, access.Package]
	logger zerolog.Logger
}

// NewService creates a catalog over store
func NewService(store storage.PackageStore, cacheSize int, logger zerolog.Logger) (*Service, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}

	cache, err := lru.New[string, access.Package](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create package cache: %w", err)
	}

	return &Service{
		store:  store,
		cache:  cache,
		logger: logger.With().Str("component", "catalog").Logger(),
	}, nil
}

// DefaultPackages returns the stock catalog offered on a fresh install.
func DefaultPackages() []access.Package {
	return []access.Package{
		{
			ID:           "1",
			Name:         "Quick Browse",
			Price:        20,
			Duration:     1,
			DurationUnit: access.UnitHours,
			Description:  "Perfect for checking emails and quick browsing",
		},
		{
			ID:           "2",
			Name:         "Standard",
			Price:        50,
			Duration:     3,
			DurationUnit: access.UnitHours,
			Description:  "Great for longer browsing sessions",
			Popular:      true,
		},
		{
			ID:           "3",
			Name:         "Half Day",
			Price:        100,
			Duration:     12,
			DurationUnit: access.UnitHours,
			Description:  "Ideal for work and entertainment",
		},
		{
			ID:           "4",
			Name:         "Full Day",
			Price:        150,
			Duration:     1,
			DurationUnit: access.UnitDays,
			Description:  "Unlimited access for a full day",
		},
	}
}

// Get returns the package with the given ID
func (s *Service) Get(ctx context.Context, id string) (access.Package, error) {
	if pkg, ok := s.cache.Get(id); ok {
		metrics.CatalogCacheHits.Inc()
		return pkg, nil
	}
	metrics.CatalogCacheMisses.Inc()

	pkg, err := s.store.Get(ctx, id)
	if err != nil {
		return access.Package{}, err
	}

	s.cache.Add(id, *pkg)
	return *pkg, nil
}

// List returns every package, cheapest first
func (s *Service) List(ctx context.Context) ([]access.Package, error) {
	pkgs, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list packages: %w", err)
	}

	for _, pkg := range pkgs {
		s.cache.Add(pkg.ID, pkg)
	}
	return pkgs, nil
}

// Create adds a package. An empty ID is assigned a fresh one.
func (s *Service) Create(ctx context.Context, pkg access.Package) (access.Package, error) {
	pkg = normalize(pkg)
	if pkg.ID == "" {
		pkg.ID = uuid.NewString()
	} else if _, err := s.store.Get(ctx, pkg.ID); err == nil {
		return access.Package{}, ErrPackageExists
	} else if !errors.Is(err, storage.ErrNotFound) {
		return access.Package{}, err
	}

	if err := validation.Struct(pkg); err != nil {
		return access.Package{}, err
	}

	if err := s.store.Upsert(ctx, pkg); err != nil {
		return access.Package{}, fmt.Errorf("failed to store package: %w", err)
	}
	s.cache.Add(pkg.ID, pkg)

	s.logger.Info().
		Str("package_id", pkg.ID).
		Str("name", pkg.Name).
		Msg("Package created")

	return pkg, nil
}

// Update replaces the package with the given ID
func (s *Service) Update(ctx context.Context, id string, pkg access.Package) (access.Package, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return access.Package{}, err
	}

	pkg = normalize(pkg)
	pkg.ID = id
	if err := validation.Struct(pkg); err != nil {
		return access.Package{}, err
	}

	if err := s.store.Upsert(ctx, pkg); err != nil {
		return access.Package{}, fmt.Errorf("failed to store package: %w", err)
	}
	s.cache.Add(id, pkg)

	s.logger.Info().Str("package_id", id).Msg("Package updated")
	return pkg, nil
}

// Delete removes the package with the given ID
func (s *Service) Delete(ctx context.Context, id string) error {
	s.cache.Remove(id)

	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}

	s.logger.Info().Str("package_id", id).Msg("Package deleted")
	return nil
}

// Seed stores the default packages when the catalog is empty and
// returns how many were added.
func (s *Service) Seed(ctx context.Context) (int, error) {
	existing, err := s.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list packages: %w", err)
	}
	if len(existing) > 0 {
		return 0, nil
	}

	defaults := DefaultPackages()
	for _, pkg := range defaults {
		if err := s.store.Upsert(ctx, pkg); err != nil {
			return 0, fmt.Errorf("failed to seed package %s: %w", pkg.ID, err)
		}
	}

	s.logger.Info().Int("packages", len(defaults)).Msg("Seeded default package catalog")
	return len(defaults), nil
}

func normalize(pkg access.Package) access.Package {
	pkg.ID = strings.TrimSpace(pkg.ID)
	pkg.Name = strings.TrimSpace(pkg.Name)
	pkg.Description = strings.TrimSpace(pkg.Description)
	pkg.DurationUnit = access.DurationUnit(strings.ToLower(strings.TrimSpace(string(pkg.DurationUnit))))
	return pkg
}
