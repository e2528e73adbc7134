package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goodtune/kportal/internal/access"
	"github.com/goodtune/kportal/internal/metrics"
	"github.com/goodtune/kportal/internal/storage"
	"github.com/rs/zerolog"
)

var (
	// ErrNoSession is returned when a user key holds no access window.
	ErrNoSession = errors.New("session: no access window for key")

	// ErrEmptyKey is returned for a blank user key.
	ErrEmptyKey = errors.New("session: user key is required")
)

// Config holds registry configuration
type Config struct {
	TickInterval time.Duration
}

// Entry is a snapshot of one registry slot with its derived countdown.
type Entry struct {
	UserKey string              `json:"userKey"`
	Window  access.AccessWindow `json:"window"`
	Sample  access.ClockSample  `json:"sample"`
	Active  bool                `json:"active"`
}

// Registry holds at most one access window per user key. Windows are
// mirrored into the window store so they survive a restart. Expiry is
// detected when queried; Reap removes expired entries.
type Registry struct {
	store        storage.WindowStore
	clock        access.Clock
	windows      map[string]access.AccessWindow // key: normalized user key
	watchers     map[string]map[uint64]context.CancelFunc
	nextWatcher  uint64
	tickInterval time.Duration
	logger       zerolog.Logger
	mu           sync.RWMutex
}

// NewRegistry creates a registry. A nil store keeps windows in memory only.
func NewRegistry(store storage.WindowStore, clock access.Clock, config Config, logger zerolog.Logger) *Registry {
	if clock == nil {
		clock = access.RealClock{}
	}
	if config.TickInterval <= 0 {
		config.TickInterval = access.DefaultTickInterval
	}

	return &Registry{
		store:        store,
		clock:        clock,
		windows:      make(map[string]access.AccessWindow),
		watchers:     make(map[string]map[uint64]context.CancelFunc),
		tickInterval: config.TickInterval,
		logger:       logger.With().Str("component", "session-registry").Logger(),
	}
}

// Clock returns the clock the registry evaluates windows against.
func (r *Registry) Clock() access.Clock {
	return r.clock
}

// Set stores window for userKey, replacing any previous window outright.
// Remaining time from a superseded window is not carried over.
func (r *Registry) Set(ctx context.Context, userKey string, window access.AccessWindow) error {
	key := storage.NormalizeKey(userKey)
	if key == "" {
		return ErrEmptyKey
	}
	if !window.EndTime.After(window.StartTime) {
		return &access.MalformedWindowError{Window: window}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// The slot only changes once the window is durable.
	if r.store != nil {
		if err := r.store.Put(ctx, key, window); err != nil {
			r.logger.Error().Err(err).Str("user_key", key).Msg("Failed to persist access window")
			return fmt.Errorf("failed to persist access window: %w", err)
		}
	}

	previous, replaced := r.windows[key]
	r.windows[key] = window
	r.cancelWatchersLocked(key)
	metrics.ActiveSessions.Set(float64(len(r.windows)))

	event := r.logger.Info().
		Str("user_key", key).
		Str("package_id", window.PackageID).
		Time("end_time", window.EndTime)
	if replaced {
		event = event.Str("superseded_package_id", previous.PackageID)
	}
	event.Msg("Access window set")

	return nil
}

// Get returns the window held for userKey, expired or not.
func (r *Registry) Get(userKey string) (access.AccessWindow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.windows[storage.NormalizeKey(userKey)]
	return w, ok
}

// IsActive reports whether userKey holds a window that has not ended at now.
func (r *Registry) IsActive(userKey string, now time.Time) bool {
	w, ok := r.Get(userKey)
	return ok && now.Before(w.EndTime)
}

// Lookup returns the entry for userKey sampled at now.
func (r *Registry) Lookup(userKey string, now time.Time) (Entry, bool) {
	key := storage.NormalizeKey(userKey)
	w, ok := r.Get(key)
	if !ok {
		return Entry{}, false
	}
	return newEntry(key, w, now)
}

// List returns every entry sampled at now, soonest expiry first.
func (r *Registry) List(now time.Time) []Entry {
	r.mu.RLock()
	entries := make([]Entry, 0, len(r.windows))
	for key, w := range r.windows {
		if entry, ok := newEntry(key, w, now); ok {
			entries = append(entries, entry)
		}
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].Window.EndTime.Equal(entries[j].Window.EndTime) {
			return entries[i].Window.EndTime.Before(entries[j].Window.EndTime)
		}
		return entries[i].UserKey < entries[j].UserKey
	})
	return entries
}

func newEntry(key string, w access.AccessWindow, now time.Time) (Entry, bool) {
	sample, err := access.Sample(w, now)
	if err != nil {
		return Entry{}, false
	}
	return Entry{
		UserKey: key,
		Window:  w,
		Sample:  sample,
		Active:  now.Before(w.EndTime),
	}, true
}

// Clear removes the window for userKey and stops its countdown streams.
// It reports whether a window was held.
func (r *Registry) Clear(ctx context.Context, userKey string) (bool, error) {
	key := storage.NormalizeKey(userKey)
	if key == "" {
		return false, ErrEmptyKey
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, existed := r.windows[key]

	if r.store != nil {
		if err := r.store.Delete(ctx, key); err != nil {
			return false, fmt.Errorf("failed to delete persisted access window: %w", err)
		}
	}

	delete(r.windows, key)
	r.cancelWatchersLocked(key)
	metrics.ActiveSessions.Set(float64(len(r.windows)))

	if existed {
		r.logger.Info().Str("user_key", key).Msg("Access window cleared")
	}

	return existed, nil
}

// Reap removes every window that has ended at or before now and returns
// how many were removed from memory.
func (r *Registry) Reap(ctx context.Context, now time.Time) int {
	r.mu.Lock()
	removed := 0
	for key, w := range r.windows {
		if !w.ExpiredAt(now) {
			continue
		}
		delete(r.windows, key)
		r.cancelWatchersLocked(key)
		removed++

		r.logger.Debug().
			Str("user_key", key).
			Str("package_id", w.PackageID).
			Time("end_time", w.EndTime).
			Msg("Reaped expired access window")
	}
	metrics.ActiveSessions.Set(float64(len(r.windows)))
	r.mu.Unlock()

	metrics.SessionsReaped.Add(float64(removed))

	if r.store != nil {
		if n, err := r.store.DeleteExpired(ctx, now); err != nil {
			r.logger.Error().Err(err).Msg("Failed to delete expired persisted windows")
		} else if n > 0 {
			r.logger.Debug().Int("deleted", n).Msg("Deleted expired persisted windows")
		}
	}

	return removed
}

// Load rebuilds the registry from the window store. Windows that have
// ended at now or cannot be decoded are treated as absent and removed
// from the store. It returns the number of windows restored.
func (r *Registry) Load(ctx context.Context, now time.Time) (int, error) {
	if r.store == nil {
		return 0, nil
	}

	keys, err := r.store.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list persisted windows: %w", err)
	}

	restored := 0

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, key := range keys {
		w, err := r.store.Get(ctx, key)

		var derr *access.DeserializationError
		switch {
		case errors.Is(err, storage.ErrNotFound):
			metrics.SessionsRestored.WithLabelValues("missing").Inc()
			r.discardLocked(ctx, key)
			continue
		case errors.As(err, &derr):
			r.logger.Warn().Err(err).Str("user_key", key).Msg("Discarding undecodable access window")
			metrics.SessionsRestored.WithLabelValues("corrupt").Inc()
			r.discardLocked(ctx, key)
			continue
		case err != nil:
			return restored, fmt.Errorf("failed to read persisted window %s: %w", key, err)
		}

		if !w.EndTime.After(w.StartTime) {
			r.logger.Warn().Str("user_key", key).Msg("Discarding malformed access window")
			metrics.SessionsRestored.WithLabelValues("corrupt").Inc()
			r.discardLocked(ctx, key)
			continue
		}

		if w.ExpiredAt(now) {
			metrics.SessionsRestored.WithLabelValues("expired").Inc()
			r.discardLocked(ctx, key)
			continue
		}

		r.windows[key] = w
		restored++
		metrics.SessionsRestored.WithLabelValues("restored").Inc()
	}

	metrics.ActiveSessions.Set(float64(len(r.windows)))

	r.logger.Info().
		Int("persisted", len(keys)).
		Int("restored", restored).
		Msg("Access windows restored from storage")

	return restored, nil
}

func (r *Registry) discardLocked(ctx context.Context, key string) {
	if err := r.store.Delete(ctx, key); err != nil {
		r.logger.Error().Err(err).Str("user_key", key).Msg("Failed to discard persisted window")
	}
}

// Watch streams countdown samples for userKey every interval (the
// registry default when zero). The channel closes when ctx is done, the
// window expires, or the window is cleared or superseded.
func (r *Registry) Watch(ctx context.Context, userKey string, interval time.Duration) (<-chan access.ClockSample, error) {
	key := storage.NormalizeKey(userKey)
	if interval <= 0 {
		interval = r.tickInterval
	}

	r.mu.Lock()
	w, ok := r.windows[key]
	if !ok {
		r.mu.Unlock()
		return nil, ErrNoSession
	}

	watchCtx, cancel := context.WithCancel(ctx)
	r.nextWatcher++
	id := r.nextWatcher
	if r.watchers[key] == nil {
		r.watchers[key] = make(map[uint64]context.CancelFunc)
	}
	r.watchers[key][id] = cancel
	r.mu.Unlock()

	samples := make(chan access.ClockSample, 1)
	metrics.CountdownWatchers.Inc()

	go func() {
		defer metrics.CountdownWatchers.Dec()
		defer close(samples)
		defer r.unwatch(key, id)
		defer cancel()

		_ = access.Countdown(watchCtx, w, r.clock, interval, func(s access.ClockSample) {
			select {
			case samples <- s:
			case <-watchCtx.Done():
			}
		})
	}()

	return samples, nil
}

func (r *Registry) unwatch(key string, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if set, ok := r.watchers[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(r.watchers, key)
		}
	}
}

// cancelWatchersLocked stops all countdown streams for key (must be called with lock held)
func (r *Registry) cancelWatchersLocked(key string) {
	for _, cancel := range r.watchers[key] {
		cancel()
	}
	delete(r.watchers, key)
}

// Close stops every countdown stream.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key := range r.watchers {
		r.cancelWatchersLocked(key)
	}
}
