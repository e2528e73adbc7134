package session

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// DefaultReapInterval is how often expired windows are swept.
const DefaultReapInterval = time.Minute

// ReapScheduler periodically removes expired access windows
type ReapScheduler struct {
	registry *Registry
	interval time.Duration
	logger   zerolog.Logger
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewReapScheduler creates a new reap scheduler
func NewReapScheduler(registry *Registry, interval time.Duration, logger zerolog.Logger) *ReapScheduler {
	if interval <= 0 {
		interval = DefaultReapInterval
	}

	return &ReapScheduler{
		registry: registry,
		interval: interval,
		logger:   logger.With().Str("component", "reap-scheduler").Logger(),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start begins the reap scheduler
func (rs *ReapScheduler) Start() {
	go rs.run()
	rs.logger.Info().
		Dur("interval", rs.interval).
		Msg("Session reap scheduler started")
}

// Stop stops the reap scheduler and waits for the loop to exit
func (rs *ReapScheduler) Stop() {
	close(rs.stopChan)
	<-rs.doneChan
	rs.logger.Info().Msg("Session reap scheduler stopped")
}

// run is the main scheduler loop
func (rs *ReapScheduler) run() {
	defer close(rs.doneChan)

	ticker := time.NewTicker(rs.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rs.performReap()
		case <-rs.stopChan:
			return
		}
	}
}

// performReap sweeps the registry once
func (rs *ReapScheduler) performReap() {
	ctx, cancel := context.WithTimeout(context.Background(), rs.interval)
	defer cancel()

	now := rs.registry.Clock().Now()
	if removed := rs.registry.Reap(ctx, now); removed > 0 {
		rs.logger.Info().
			Int("removed", removed).
			Msg("Expired access windows reaped")
	}
}
