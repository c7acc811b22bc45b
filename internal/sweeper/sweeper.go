// Package sweeper runs the periodic maintenance loops: check-in expiry
// and retention purging.
package sweeper

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"beacons/internal/occupancy"
	"beacons/pkg/interfaces"
)

// Config holds the sweeper intervals and retention window.
type Config struct {
	// ExpiryInterval is how often expired check-ins are swept.
	ExpiryInterval time.Duration
	// RetentionInterval is how often old rows are purged and the room
	// counters reconciled.
	RetentionInterval time.Duration
	// Retention is the age past which durable rows are purged.
	Retention time.Duration
}

// DefaultConfig returns the production defaults: expiry every minute,
// retention maintenance hourly, 24-hour retention.
func DefaultConfig() Config {
	return Config{
		ExpiryInterval:    time.Minute,
		RetentionInterval: time.Hour,
		Retention:         24 * time.Hour,
	}
}

// Sweeper drives the two background maintenance loops. Expiry goes
// through the manager so each expiry is broadcast like any other
// checkout; retention talks to the store directly.
type Sweeper struct {
	manager *occupancy.Manager
	store   interfaces.OccupancyStore
	config  Config
	logger  zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a sweeper. Call Start to begin the loops.
func New(manager *occupancy.Manager, store interfaces.OccupancyStore, config Config, logger zerolog.Logger) *Sweeper {
	if config.ExpiryInterval <= 0 {
		config.ExpiryInterval = time.Minute
	}
	if config.RetentionInterval <= 0 {
		config.RetentionInterval = time.Hour
	}
	if config.Retention <= 0 {
		config.Retention = 24 * time.Hour
	}
	return &Sweeper{
		manager: manager,
		store:   store,
		config:  config,
		logger:  logger.With().Str("component", "sweeper").Logger(),
	}
}

// Start launches the expiry and retention loops.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(2)
	go s.expiryLoop(ctx)
	go s.retentionLoop(ctx)

	s.logger.Info().
		Dur("expiry_interval", s.config.ExpiryInterval).
		Dur("retention_interval", s.config.RetentionInterval).
		Msg("sweeper started")
}

// Stop cancels the loops and waits for them to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info().Msg("sweeper stopped")
}

func (s *Sweeper) expiryLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.ExpiryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweepExpired(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sweeper) retentionLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.RetentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweepRetention(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sweeper) sweepExpired(ctx context.Context) {
	expired, err := s.manager.ExpireCheckIns(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("expiry sweep failed")
		return
	}
	if expired > 0 {
		s.logger.Info().Int("expired", expired).Msg("expired check-ins")
	}
}

func (s *Sweeper) sweepRetention(ctx context.Context) {
	cutoff := time.Now().Add(-s.config.Retention)

	events, checkIns, err := s.store.PurgeBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error().Err(err).Msg("retention purge failed")
	} else if events > 0 || checkIns > 0 {
		s.logger.Info().
			Int64("events", events).
			Int64("check_ins", checkIns).
			Msg("purged old rows")
	}

	corrected, err := s.store.ReconcileRoomCounts(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("room count reconciliation failed")
		return
	}
	if corrected > 0 {
		s.logger.Warn().Int("corrected", corrected).Msg("reconciled drifted room counts")
	}
}
