package internal

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/fxpulse/config"
	"github.com/vadiminshakov/fxpulse/internal/cache"
	"github.com/vadiminshakov/fxpulse/internal/clients"
	"github.com/vadiminshakov/fxpulse/internal/domain"
	"github.com/vadiminshakov/fxpulse/internal/metrics"
	"github.com/vadiminshakov/fxpulse/internal/ratelimit"
	"github.com/vadiminshakov/fxpulse/internal/services/bybitp2p"
	"github.com/vadiminshakov/fxpulse/internal/services/fxrates"
	"github.com/vadiminshakov/fxpulse/internal/services/loader"
	"github.com/vadiminshakov/fxpulse/internal/services/vertofx"
	"github.com/vadiminshakov/fxpulse/internal/storage/history"
	"github.com/vadiminshakov/fxpulse/internal/storage/kvfile"
	"github.com/vadiminshakov/fxpulse/internal/storage/sqlstore"
	"github.com/vadiminshakov/fxpulse/internal/web"
)

// Store is the persistence surface of the pipeline and the HTTP API.
type Store interface {
	loader.Store
	Recent(limit int) ([]domain.RateSnapshot, error)
	SaveMargins(m domain.MarginSettings) error
	Close() error
}

// Providers tracked by the rate limiter, in display order.
var Providers = []string{fxrates.Provider, vertofx.Provider, bybitp2p.Provider, bybitp2p.OffersProvider}

// Services is the wired rate pipeline.
type Services struct {
	Config  config.Config
	Metrics *metrics.Metrics
	Tracker *ratelimit.Tracker
	Bybit   *bybitp2p.Client
	Loader  *loader.Loader
	Store   Store

	memCache *cache.Expiring
	durable  *cache.Persisted
	logger   *zap.Logger
}

// NewServices builds storage, caches, fetchers and the loader from conf.
func NewServices(conf config.Config, logger *zap.Logger) (*Services, error) {
	store, db, err := newStore(conf.Storage, logger)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open storage")
	}

	svc, err := wireServices(conf, store, db, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	return svc, nil
}

func wireServices(conf config.Config, store Store, db *sqlstore.DB, logger *zap.Logger) (*Services, error) {
	kv, err := newStateKV(conf.State, db)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open state store")
	}

	m := metrics.New("")

	opts := make([]ratelimit.Option, 0, len(conf.RateLimits))
	for provider, b := range conf.RateLimits {
		opts = append(opts, ratelimit.WithPolicy(provider, ratelimit.Policy{Base: b.Base, Max: b.Max}))
	}
	tracker := ratelimit.NewTracker(kv, logger.Named("ratelimit"), opts...)

	mem := cache.NewExpiring(conf.CacheMaxEntries)
	durable := cache.NewPersisted(kv, logger.Named("cache"), time.Now)

	fx, err := fxrates.NewClient(fxrates.Config{
		BaseURL:  conf.FxRates.BaseURL,
		APIKey:   conf.FxRates.APIKey,
		Timeout:  conf.FxRates.Timeout,
		CacheTTL: conf.FxRates.CacheTTL,
	}, cache.NewLayered[domain.RateTable](mem, durable), tracker, logger.Named("fxrates"), m)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fx client")
	}

	verto, err := vertofx.NewClient(vertofx.Config{
		BaseURL:    conf.VertoFx.BaseURL,
		Token:      conf.VertoFx.Token,
		Timeout:    conf.VertoFx.Timeout,
		PairDelay:  conf.VertoFx.PairDelay,
		FullTTL:    conf.VertoFx.FullTTL,
		PartialTTL: conf.VertoFx.PartialTTL,
	}, vertofx.NewCache(mem, durable), tracker, logger.Named("vertofx"), m)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create vertofx client")
	}

	bybitClient, err := newBybitClient(conf.Bybit, tracker, logger.Named("bybit"), m)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create bybit client")
	}

	if err := seedMargins(store, conf.Margins); err != nil {
		logger.Warn("failed to seed margin settings", zap.Error(err))
	}

	l, err := loader.New(
		loader.Config{RaceTimeout: conf.RaceTimeout, SnapshotInterval: conf.SnapshotInterval},
		loader.NewRatesContext(conf.GuardTTL),
		usdtNgnSources(bybitClient, conf.Bybit),
		fx,
		verto,
		store,
		logger.Named("loader"),
		loader.WithMetrics(m),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create loader")
	}

	return &Services{
		Config:   conf,
		Metrics:  m,
		Tracker:  tracker,
		Bybit:    bybitClient,
		Loader:   l,
		Store:    store,
		memCache: mem,
		durable:  durable,
		logger:   logger,
	}, nil
}

// newStore is the single point of dispatch to a storage backend.
func newStore(conf config.Storage, logger *zap.Logger) (Store, *sqlstore.DB, error) {
	switch conf.Driver {
	case config.StorageWAL:
		s, err := history.NewWALStore(conf.WALDir)
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	case config.StorageSQLite, config.StoragePostgres:
		db, err := sqlstore.New(logger.Named("sql"), sqlstore.Config{Driver: conf.Driver, DSN: conf.DSN})
		if err != nil {
			return nil, nil, err
		}
		return db, db, nil
	default:
		return nil, nil, fmt.Errorf("unsupported storage driver: %s", conf.Driver)
	}
}

func newStateKV(conf config.State, db *sqlstore.DB) (cache.KV, error) {
	switch conf.Backend {
	case config.StateFile:
		return kvfile.Open(conf.Path)
	case config.StateSQL:
		if db == nil {
			return nil, errors.New("state backend 'sql' needs a sql storage driver")
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported state backend: %s", conf.Backend)
	}
}

func newBybitClient(conf config.Bybit, tracker *ratelimit.Tracker, logger *zap.Logger, m *metrics.Metrics) (*bybitp2p.Client, error) {
	var clock bybitp2p.Clock = bybitp2p.LocalClock{}

	if conf.APIKey != "" {
		baseURL := conf.BaseURL
		if baseURL == "" {
			baseURL = bybitp2p.DefaultBaseURL
			if conf.Testnet {
				baseURL = bybitp2p.TestnetBaseURL
			}
		}

		synced := bybitp2p.NewSyncedClock(
			bybitp2p.NewV5ServerTime(clients.NewBybitClient(conf.APIKey, conf.APISecret, baseURL)),
			logger,
		)
		if err := synced.Sync(); err != nil {
			logger.Warn("bybit clock sync failed, using host time", zap.Error(err))
		}
		clock = synced
	}

	return bybitp2p.NewClient(bybitp2p.Config{
		BaseURL:     conf.BaseURL,
		FallbackURL: conf.FallbackURL,
		Testnet:     conf.Testnet,
		Signer:      bybitp2p.Signer{APIKey: conf.APIKey, Secret: conf.APISecret},
		Timeout:     conf.Timeout,
		MaxPages:    conf.MaxPages,
		OffersURL:   conf.OffersURL,
		OfferAmount: conf.OfferAmount,
	}, clock, tracker, logger, m)
}

// usdtNgnSources races the public offer book against the account's own recent trades.
// The order source is only added when credentials are present.
func usdtNgnSources(c *bybitp2p.Client, conf config.Bybit) []loader.RateSource {
	sources := []loader.RateSource{{Name: bybitp2p.OffersProvider, Fetch: c.UsdtNgnRate}}

	if conf.APIKey != "" {
		window := conf.HistoryWindow
		sources = append(sources, loader.RateSource{
			Name: bybitp2p.Provider,
			Fetch: func(ctx context.Context) (decimal.Decimal, error) {
				return c.RecentRate(ctx, window)
			},
		})
	}

	return sources
}

func seedMargins(store Store, margins domain.MarginSettings) error {
	current, err := store.LatestMargins()
	if err != nil {
		return err
	}
	if current != nil {
		return nil
	}

	return store.SaveMargins(margins)
}

// Refresher returns the periodic reload loop over the wired loader and caches.
func (s *Services) Refresher() (*Refresher, error) {
	return NewRefresher(s.Loader, s.Config.RefreshInterval, s.Config.CleanupInterval, s.memCache, s.durable)
}

// Cleanup sweeps expired cache entries once.
func (s *Services) Cleanup() int {
	return s.memCache.Cleanup() + s.durable.Cleanup()
}

// Server returns the HTTP API over the wired pipeline.
func (s *Services) Server() (*web.Server, error) {
	var orders interface {
		FetchOrders(ctx context.Context, cutoff time.Time) ([]domain.Order, error)
	}
	if s.Config.Bybit.APIKey != "" {
		orders = s.Bybit
	}

	return web.NewServer(web.Config{
		Addr:      s.Config.ServerAddr,
		Loader:    s.Loader,
		History:   s.Store,
		Orders:    orders,
		Limits:    s.Tracker,
		Providers: Providers,
		Metrics:   s.Metrics.Handler(),
		Logger:    s.logger.Named("web"),
	})
}

// Close releases the storage backend.
func (s *Services) Close() error {
	return s.Store.Close()
}
