package internal

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/fxpulse/internal/domain"
)

type snapshotLoader interface {
	LoadAll(ctx context.Context) (*domain.RateSnapshot, error)
}

// Sweeper drops expired entries and reports how many were removed.
type Sweeper interface {
	Cleanup() int
}

// Refresher reloads rates on a fixed interval and sweeps expired cache entries.
type Refresher struct {
	loader          snapshotLoader
	sweepers        []Sweeper
	refreshInterval time.Duration
	cleanupInterval time.Duration
}

// NewRefresher creates a refresher. A zero cleanupInterval disables the periodic sweep.
func NewRefresher(loader snapshotLoader, refreshInterval, cleanupInterval time.Duration, sweepers ...Sweeper) (*Refresher, error) {
	if loader == nil {
		return nil, errors.New("loader is required")
	}
	if refreshInterval <= 0 {
		return nil, errors.Errorf("refresh interval must be positive, got %s", refreshInterval)
	}

	return &Refresher{
		loader:          loader,
		sweepers:        sweepers,
		refreshInterval: refreshInterval,
		cleanupInterval: cleanupInterval,
	}, nil
}

// Run loads once immediately, then on every tick until ctx is done.
func (r *Refresher) Run(ctx context.Context, logger *zap.Logger) error {
	r.sweep(logger)
	r.load(ctx, logger)

	ticker := time.NewTicker(r.refreshInterval)
	defer ticker.Stop()

	var cleanup <-chan time.Time
	if r.cleanupInterval > 0 {
		cleanupTicker := time.NewTicker(r.cleanupInterval)
		defer cleanupTicker.Stop()
		cleanup = cleanupTicker.C
	}

	logger.Info("Starting refresh loop", zap.Duration("refresh_interval", r.refreshInterval),
		zap.Duration("cleanup_interval", r.cleanupInterval))

	for {
		select {
		case <-ctx.Done():
			logger.Info("Context done, stopping refresh loop.")
			return ctx.Err()
		case <-ticker.C:
			logger.Debug("Refresh tick")
			r.load(ctx, logger)
		case <-cleanup:
			r.sweep(logger)
		}
	}
}

func (r *Refresher) load(ctx context.Context, logger *zap.Logger) {
	snapshot, err := r.loader.LoadAll(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			logger.Error("Rate load failed", zap.Error(err))
		}
		return
	}
	if snapshot != nil {
		logger.Debug("Rates refreshed", zap.String("id", snapshot.ID.String()),
			zap.String("usdt_ngn", snapshot.UsdtNgnRate.String()))
	}
}

func (r *Refresher) sweep(logger *zap.Logger) {
	removed := 0
	for _, s := range r.sweepers {
		removed += s.Cleanup()
	}
	if removed > 0 {
		logger.Info("Expired cache entries removed", zap.Int("count", removed))
	}
}
