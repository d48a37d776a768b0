// Package loader runs the rate aggregation cycle: concurrent provider fetches, fallback
// resolution, cost-price calculation and snapshot persistence.
package loader

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/fxpulse/internal/domain"
	"github.com/vadiminshakov/fxpulse/internal/metrics"
	"github.com/vadiminshakov/fxpulse/internal/services/costprice"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultGuardTTL         = 8 * time.Second
	defaultRaceTimeout      = 1500 * time.Millisecond
	defaultSnapshotInterval = 6 * time.Hour
)

// Store is the durable side of the cycle.
type Store interface {
	Latest() (*domain.RateSnapshot, error)
	Insert(snapshot domain.RateSnapshot) error
	LatestMargins() (*domain.MarginSettings, error)
	LatestCostPrices() (domain.RateTable, error)
	SaveCostPrices(prices domain.RateTable) error
}

// FxSource provides USD cross rates.
type FxSource interface {
	FetchRates(ctx context.Context) domain.Result[domain.RateTable]
}

// QuoteSource provides NGN buy/sell quotes.
type QuoteSource interface {
	FetchQuotes(ctx context.Context) domain.Result[domain.QuoteTable]
}

// RateSource is one candidate for the USDT/NGN rate.
type RateSource struct {
	Name  string
	Fetch func(ctx context.Context) (decimal.Decimal, error)
}

// Config of the loader.
type Config struct {
	RaceTimeout      time.Duration
	SnapshotInterval time.Duration
}

// Loader produces rate snapshots.
type Loader struct {
	cfg     Config
	rc      *RatesContext
	usdt    []RateSource
	fx      FxSource
	verto   QuoteSource
	store   Store
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures a Loader.
type Option func(*Loader)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Loader) {
		l.now = now
	}
}

// WithMetrics enables instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Loader) {
		l.metrics = m
	}
}

// New creates a loader. usdt sources are raced against each other every cycle.
func New(
	cfg Config,
	rc *RatesContext,
	usdt []RateSource,
	fx FxSource,
	verto QuoteSource,
	store Store,
	logger *zap.Logger,
	opts ...Option,
) (*Loader, error) {
	if rc == nil {
		return nil, errors.New("rates context is required")
	}
	if fx == nil || verto == nil {
		return nil, errors.New("fx and quote sources are required")
	}
	if store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.RaceTimeout <= 0 {
		cfg.RaceTimeout = defaultRaceTimeout
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = defaultSnapshotInterval
	}

	l := &Loader{
		cfg:    cfg,
		rc:     rc,
		usdt:   usdt,
		fx:     fx,
		verto:  verto,
		store:  store,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}

	return l, nil
}

// Current returns the last produced snapshot.
func (l *Loader) Current() *domain.RateSnapshot {
	return l.rc.Current()
}

// LoadAll runs one aggregation cycle. When another cycle holds the guard it returns
// the current snapshot (possibly nil) without doing anything. Provider failures never
// fail the cycle: every value falls back to last-known, persisted or default data.
func (l *Loader) LoadAll(ctx context.Context) (*domain.RateSnapshot, error) {
	snapshot, _, err := l.TryLoad(ctx)
	return snapshot, err
}

// TryLoad is LoadAll that also reports whether this call ran the cycle. ran is false
// when the guard was held and the returned snapshot is the current one.
func (l *Loader) TryLoad(ctx context.Context) (snapshot *domain.RateSnapshot, ran bool, err error) {
	token, ok := l.rc.tryAcquire()
	if !ok {
		l.logger.Debug("rate load already in progress")
		l.metrics.LoadFinished("skipped")

		return l.rc.Current(), false, nil
	}
	defer l.rc.release(token)

	snapshot, err = l.load(ctx)

	return snapshot, true, err
}

func (l *Loader) load(ctx context.Context) (*domain.RateSnapshot, error) {

	persisted := &persistedView{load: l.store.Latest}

	var (
		usdt  resolved[decimal.Decimal]
		fx    resolved[domain.RateTable]
		verto resolved[domain.QuoteTable]
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		usdt = l.resolveUsdtNgn(gctx, persisted)
		return nil
	})
	g.Go(func() error {
		fx = l.resolveFx(gctx, persisted)
		return nil
	})
	g.Go(func() error {
		verto = l.resolveVerto(gctx, persisted)
		return nil
	})
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		l.metrics.LoadFinished("failed")
		return nil, errors.Wrap(err, "rate load cancelled")
	}

	margins := l.loadMargins()
	prices := costprice.CalculateWith(usdt.value, fx.value, margins)
	l.saveCostPrices(prices)

	snapshot := domain.NewRateSnapshot(l.now(), usdt.value, fx.value, verto.value, prices, margins)
	snapshot.UsdtNgnSource = usdt.source
	snapshot.FxSource = fx.source
	snapshot.VertoFxSource = verto.source

	l.rc.setCurrent(snapshot)
	l.persistSnapshot(snapshot, persisted)

	l.metrics.SetSnapshot(snapshot)
	l.metrics.LoadFinished("ok")

	l.logger.Info("rates loaded",
		zap.String("usdt_ngn", snapshot.UsdtNgnRate.String()),
		zap.String("usdt_ngn_source", string(snapshot.UsdtNgnSource)),
		zap.String("fx_source", string(snapshot.FxSource)),
		zap.String("vertofx_source", string(snapshot.VertoFxSource)),
	)

	return &snapshot, nil
}

type resolved[T any] struct {
	value  T
	source domain.Source
}

// persistedView reads the latest stored snapshot at most once per cycle.
type persistedView struct {
	once   sync.Once
	load   func() (*domain.RateSnapshot, error)
	latest *domain.RateSnapshot
	err    error
}

func (v *persistedView) get() (*domain.RateSnapshot, error) {
	v.once.Do(func() {
		v.latest, v.err = v.load()
	})

	return v.latest, v.err
}

// snapshot returns the stored snapshot for fallback use, nil when unavailable.
func (v *persistedView) snapshot() *domain.RateSnapshot {
	s, _ := v.get()
	return s
}

func (l *Loader) resolveUsdtNgn(ctx context.Context, persisted *persistedView) resolved[decimal.Decimal] {
	if rate, name, ok := l.raceUsdtNgn(ctx); ok {
		l.rc.rememberUsdtNgn(rate)
		l.logger.Debug("usdt/ngn rate won race", zap.String("source", name), zap.String("rate", rate.String()))

		return resolved[decimal.Decimal]{value: rate, source: domain.SourceLive}
	}

	if rate, ok := l.rc.lastUsdtNgn(); ok {
		return resolved[decimal.Decimal]{value: rate, source: domain.SourceLastKnown}
	}
	if s := persisted.snapshot(); s != nil && s.UsdtNgnRate.IsPositive() {
		return resolved[decimal.Decimal]{value: s.UsdtNgnRate, source: domain.SourcePersisted}
	}

	return resolved[decimal.Decimal]{value: domain.DefaultUsdtNgnRate, source: domain.SourceDefault}
}

// raceUsdtNgn returns the first positive rate any source delivers within the race
// timeout. Losing calls are cancelled.
func (l *Loader) raceUsdtNgn(ctx context.Context) (decimal.Decimal, string, bool) {
	if len(l.usdt) == 0 {
		return decimal.Zero, "", false
	}

	ctx, cancel := context.WithTimeout(ctx, l.cfg.RaceTimeout)
	defer cancel()

	type outcome struct {
		name string
		rate decimal.Decimal
		err  error
	}
	results := make(chan outcome, len(l.usdt))

	for _, src := range l.usdt {
		go func(src RateSource) {
			rate, err := src.Fetch(ctx)
			results <- outcome{name: src.Name, rate: rate, err: err}
		}(src)
	}

	for pending := len(l.usdt); pending > 0; pending-- {
		select {
		case <-ctx.Done():
			l.logger.Warn("usdt/ngn race timed out", zap.Duration("timeout", l.cfg.RaceTimeout))
			return decimal.Zero, "", false
		case r := <-results:
			if r.err == nil && r.rate.IsPositive() {
				return r.rate, r.name, true
			}
			l.logger.Warn("usdt/ngn source failed", zap.String("source", r.name), zap.Error(r.err))
		}
	}

	return decimal.Zero, "", false
}

func (l *Loader) resolveFx(ctx context.Context, persisted *persistedView) resolved[domain.RateTable] {
	res := l.fx.FetchRates(ctx)
	if res.Ok() && len(res.Value) > 0 {
		l.rc.rememberFx(res.Value)
		return resolved[domain.RateTable]{value: res.Value, source: res.Source}
	}
	l.logger.Warn("fx rates unavailable, falling back",
		zap.String("outcome", res.Outcome.String()),
		zap.Error(res.Err),
	)

	if last := l.rc.lastFx(); len(last) > 0 {
		return resolved[domain.RateTable]{value: last, source: domain.SourceLastKnown}
	}
	if s := persisted.snapshot(); s != nil && len(s.FxRates) > 0 {
		return resolved[domain.RateTable]{value: s.FxRates.Clone(), source: domain.SourcePersisted}
	}

	return resolved[domain.RateTable]{value: domain.DefaultFxRates(), source: domain.SourceDefault}
}

// resolveVerto accepts partial results and completes missing currencies from the
// fallback chain.
func (l *Loader) resolveVerto(ctx context.Context, persisted *persistedView) resolved[domain.QuoteTable] {
	res := l.verto.FetchQuotes(ctx)

	fallback, fallbackSource := l.vertoFallback(persisted)

	if !res.Ok() || len(res.Value) == 0 {
		l.logger.Warn("vertofx quotes unavailable, falling back",
			zap.String("outcome", res.Outcome.String()),
			zap.Error(res.Err),
		)
		return resolved[domain.QuoteTable]{value: fallback, source: fallbackSource}
	}

	quotes := res.Value.Clone()
	if res.Partial {
		for c, fq := range fallback {
			q := quotes[c]
			if q.Buy.IsZero() {
				q.Buy = fq.Buy
			}
			if q.Sell.IsZero() {
				q.Sell = fq.Sell
			}
			quotes[c] = q
		}
	} else {
		l.rc.rememberVerto(quotes)
	}

	return resolved[domain.QuoteTable]{value: quotes, source: res.Source}
}

func (l *Loader) vertoFallback(persisted *persistedView) (domain.QuoteTable, domain.Source) {
	if last := l.rc.lastVerto(); len(last) > 0 {
		return last, domain.SourceLastKnown
	}
	if s := persisted.snapshot(); s != nil && len(s.VertoFxRates) > 0 {
		return s.VertoFxRates.Clone(), domain.SourcePersisted
	}

	return domain.DefaultVertoFxRates(), domain.SourceDefault
}

func (l *Loader) loadMargins() domain.MarginSettings {
	m, err := l.store.LatestMargins()
	if err != nil {
		l.logger.Warn("failed to load margin settings, using defaults", zap.Error(err))
		return domain.DefaultMargins()
	}
	if m == nil {
		return domain.DefaultMargins()
	}

	return *m
}

func (l *Loader) saveCostPrices(prices domain.RateTable) {
	prev, err := l.store.LatestCostPrices()
	if err != nil {
		l.logger.Warn("failed to read stored cost prices", zap.Error(err))
	}
	if !costprice.Changed(prev, prices) {
		return
	}

	if err := l.store.SaveCostPrices(prices); err != nil {
		l.logger.Error("failed to save cost prices", zap.Error(err))
	}
}

// persistSnapshot writes a historical record unless one was stored within the snapshot
// interval.
func (l *Loader) persistSnapshot(s domain.RateSnapshot, persisted *persistedView) {
	last, err := persisted.get()
	if err != nil {
		l.logger.Warn("cannot check last persisted snapshot, skipping write", zap.Error(err))
		return
	}
	if last != nil && s.Timestamp.Sub(last.Timestamp) < l.cfg.SnapshotInterval {
		l.logger.Debug("snapshot persisted recently, skipping", zap.Time("last", last.Timestamp))
		return
	}

	if err := l.store.Insert(s); err != nil {
		l.logger.Error("failed to persist snapshot", zap.Error(err))
		return
	}
	l.metrics.SnapshotPersisted()
}
