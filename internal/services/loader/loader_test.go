package loader

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/fxpulse/internal/domain"
	"go.uber.org/zap"
)

type memStore struct {
	mu         sync.Mutex
	snapshots  []domain.RateSnapshot
	margins    *domain.MarginSettings
	marginsErr error
	latestErr  error
	costPrices domain.RateTable
	costSaves  int
}

func (m *memStore) Latest() (*domain.RateSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.latestErr != nil {
		return nil, m.latestErr
	}
	if len(m.snapshots) == 0 {
		return nil, nil
	}
	s := m.snapshots[len(m.snapshots)-1]
	return &s, nil
}

func (m *memStore) Insert(s domain.RateSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots = append(m.snapshots, s)
	return nil
}

func (m *memStore) LatestMargins() (*domain.MarginSettings, error) {
	return m.margins, m.marginsErr
}

func (m *memStore) LatestCostPrices() (domain.RateTable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.costPrices.Clone(), nil
}

func (m *memStore) SaveCostPrices(p domain.RateTable) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.costPrices = p.Clone()
	m.costSaves++
	return nil
}

func (m *memStore) inserted() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.snapshots)
}

type fakeFx struct {
	res   domain.Result[domain.RateTable]
	calls atomic.Int32
}

func (f *fakeFx) FetchRates(context.Context) domain.Result[domain.RateTable] {
	f.calls.Add(1)
	return f.res
}

type fakeQuotes struct {
	res domain.Result[domain.QuoteTable]
}

func (f *fakeQuotes) FetchQuotes(context.Context) domain.Result[domain.QuoteTable] {
	return f.res
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func fixedRate(name, rate string) RateSource {
	return RateSource{Name: name, Fetch: func(context.Context) (decimal.Decimal, error) {
		return d(rate), nil
	}}
}

func hangingRate(name string) RateSource {
	return RateSource{Name: name, Fetch: func(ctx context.Context) (decimal.Decimal, error) {
		<-ctx.Done()
		return decimal.Zero, ctx.Err()
	}}
}

func liveFx() *fakeFx {
	return &fakeFx{res: domain.OK(domain.RateTable{domain.USD: d("1"), domain.EUR: d("0.9")}, domain.SourceLive)}
}

func rateLimitedQuotes() *fakeQuotes {
	return &fakeQuotes{res: domain.Failed[domain.QuoteTable](domain.RateLimited("vertofx", time.Minute, errors.New("429")))}
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(dur time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(dur)
}

func newLoader(t *testing.T, usdt []RateSource, fx FxSource, q QuoteSource, store Store, clk *clock) *Loader {
	t.Helper()

	if clk == nil {
		clk = &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	}

	l, err := New(Config{RaceTimeout: 50 * time.Millisecond}, NewRatesContext(time.Second),
		usdt, fx, q, store, zap.NewNop(), WithClock(clk.Now))
	require.NoError(t, err)

	return l
}

func TestLoadAll_DegradedSources(t *testing.T) {
	store := &memStore{}
	l := newLoader(t, []RateSource{hangingRate("p2p")}, liveFx(), rateLimitedQuotes(), store, nil)

	started := time.Now()
	snap, err := l.LoadAll(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snap)

	assert.Less(t, time.Since(started), time.Second, "usdt/ngn race bounded by its timeout")
	assert.Equal(t, domain.DefaultUsdtNgnRate.String(), snap.UsdtNgnRate.String())
	assert.Equal(t, domain.SourceDefault, snap.UsdtNgnSource)
	assert.Equal(t, "0.9", snap.FxRates[domain.EUR].String())
	assert.Equal(t, domain.SourceLive, snap.FxSource)
	assert.Equal(t, domain.DefaultVertoFxRates(), snap.VertoFxRates)
	assert.Equal(t, domain.SourceDefault, snap.VertoFxSource)
	assert.Equal(t, domain.DefaultMargins(), snap.Margins)
	assert.Equal(t, "1619.5", snap.CostPrices[domain.USD].String())
	assert.Equal(t, 1, store.inserted())
}

func TestLoadAll_UsesLastKnownRate(t *testing.T) {
	store := &memStore{}
	usdt := []RateSource{fixedRate("p2p", "1500")}
	l := newLoader(t, usdt, liveFx(), rateLimitedQuotes(), store, nil)

	first, err := l.LoadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.SourceLive, first.UsdtNgnSource)

	l.usdt = []RateSource{hangingRate("p2p")}
	second, err := l.LoadAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "1500", second.UsdtNgnRate.String())
	assert.Equal(t, domain.SourceLastKnown, second.UsdtNgnSource)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestLoadAll_UsesPersistedRate(t *testing.T) {
	store := &memStore{snapshots: []domain.RateSnapshot{{
		Timestamp:    time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
		UsdtNgnRate:  d("1490"),
		FxRates:      domain.RateTable{domain.USD: d("1"), domain.GBP: d("0.8")},
		VertoFxRates: domain.QuoteTable{domain.USD: {Buy: d("1400"), Sell: d("1450")}},
	}}}
	failedFx := &fakeFx{res: domain.Failed[domain.RateTable](domain.Transient("fxrates", errors.New("timeout")))}

	snap, err := newLoader(t, nil, failedFx, rateLimitedQuotes(), store, nil).LoadAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "1490", snap.UsdtNgnRate.String())
	assert.Equal(t, domain.SourcePersisted, snap.UsdtNgnSource)
	assert.Equal(t, "0.8", snap.FxRates[domain.GBP].String())
	assert.Equal(t, domain.SourcePersisted, snap.FxSource)
	assert.Equal(t, "1450", snap.VertoFxRates[domain.USD].Sell.String())
	assert.Equal(t, domain.SourcePersisted, snap.VertoFxSource)
}

func TestLoadAll_RaceFirstValueWins(t *testing.T) {
	slow := RateSource{Name: "slow", Fetch: func(ctx context.Context) (decimal.Decimal, error) {
		select {
		case <-time.After(30 * time.Millisecond):
			return d("1700"), nil
		case <-ctx.Done():
			return decimal.Zero, ctx.Err()
		}
	}}
	failing := RateSource{Name: "failing", Fetch: func(context.Context) (decimal.Decimal, error) {
		return decimal.Zero, errors.New("boom")
	}}

	snap, err := newLoader(t, []RateSource{failing, slow}, liveFx(), rateLimitedQuotes(), &memStore{}, nil).
		LoadAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "1700", snap.UsdtNgnRate.String())
	assert.Equal(t, domain.SourceLive, snap.UsdtNgnSource)
}

func TestLoadAll_PartialQuotesCompleted(t *testing.T) {
	partial := domain.OK(domain.QuoteTable{
		domain.USD: {Buy: d("1590"), Sell: d("1610")},
		domain.EUR: {Sell: d("1750")},
	}, domain.SourceLive)
	partial.Partial = true

	snap, err := newLoader(t, nil, liveFx(), &fakeQuotes{res: partial}, &memStore{}, nil).
		LoadAll(context.Background())
	require.NoError(t, err)

	defaults := domain.DefaultVertoFxRates()
	assert.Equal(t, "1610", snap.VertoFxRates[domain.USD].Sell.String())
	assert.Equal(t, "1750", snap.VertoFxRates[domain.EUR].Sell.String())
	assert.Equal(t, defaults[domain.EUR].Buy.String(), snap.VertoFxRates[domain.EUR].Buy.String())
	assert.Equal(t, defaults[domain.GBP], snap.VertoFxRates[domain.GBP])
	assert.Equal(t, domain.SourceLive, snap.VertoFxSource)
}

func TestLoadAll_SnapshotWrittenOncePerInterval(t *testing.T) {
	store := &memStore{}
	clk := &clock{now: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	rate := "1500"
	usdt := []RateSource{{Name: "p2p", Fetch: func(context.Context) (decimal.Decimal, error) {
		return d(rate), nil
	}}}
	l := newLoader(t, usdt, liveFx(), rateLimitedQuotes(), store, clk)

	_, err := l.LoadAll(context.Background())
	require.NoError(t, err)

	clk.Advance(2 * time.Hour)
	rate = "1600"
	second, err := l.LoadAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "1600", second.UsdtNgnRate.String(), "snapshot still produced")
	assert.Equal(t, 1, store.inserted(), "one record within the interval")

	clk.Advance(4 * time.Hour)
	_, err = l.LoadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, store.inserted())
}

func TestLoadAll_SkipsWriteWhenLatestUnreadable(t *testing.T) {
	store := &memStore{latestErr: errors.New("db down")}

	snap, err := newLoader(t, []RateSource{fixedRate("p2p", "1500")}, liveFx(), rateLimitedQuotes(), store, nil).
		LoadAll(context.Background())
	require.NoError(t, err)

	assert.NotNil(t, snap)
	assert.Zero(t, store.inserted())
}

func TestLoadAll_CostPricesSavedOnlyOnChange(t *testing.T) {
	store := &memStore{}
	l := newLoader(t, []RateSource{fixedRate("p2p", "1500")}, liveFx(), rateLimitedQuotes(), store, nil)

	for i := 0; i < 3; i++ {
		_, err := l.LoadAll(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, 1, store.costSaves)

	l.usdt = []RateSource{fixedRate("p2p", "1510")}
	_, err := l.LoadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, store.costSaves)
}

func TestLoadAll_Margins(t *testing.T) {
	tests := []struct {
		name     string
		store    *memStore
		expected string
	}{
		{
			name:     "stored margins applied",
			store:    &memStore{margins: &domain.MarginSettings{USDMarginPct: d("10"), OtherMarginPct: d("1")}},
			expected: "1650",
		},
		{
			name:     "defaults on error",
			store:    &memStore{marginsErr: errors.New("no table")},
			expected: "1537.5",
		},
		{
			name:     "defaults when absent",
			store:    &memStore{},
			expected: "1537.5",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap, err := newLoader(t, []RateSource{fixedRate("p2p", "1500")}, liveFx(), rateLimitedQuotes(), tt.store, nil).
				LoadAll(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.expected, snap.CostPrices[domain.USD].String())
		})
	}
}

func TestLoadAll_GuardSkipsOverlappingCall(t *testing.T) {
	fx := liveFx()
	l := newLoader(t, []RateSource{fixedRate("p2p", "1500")}, fx, rateLimitedQuotes(), &memStore{}, nil)

	token, ok := l.rc.tryAcquire()
	require.True(t, ok)
	assert.True(t, l.rc.Loading())

	snap, err := l.LoadAll(context.Background())
	require.NoError(t, err)
	assert.Nil(t, snap)
	assert.Zero(t, fx.calls.Load(), "no provider is called while the guard is held")

	snap, ran, err := l.TryLoad(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Nil(t, snap)

	l.rc.release(token)
	snap, ran, err = l.TryLoad(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)
	require.NotNil(t, snap)
	assert.False(t, l.rc.Loading(), "guard released after the cycle")
	assert.Equal(t, snap.ID, l.Current().ID)
}

func TestLoadAll_GuardExpires(t *testing.T) {
	rc := NewRatesContext(20 * time.Millisecond)
	_, ok := rc.tryAcquire()
	require.True(t, ok)
	_, ok = rc.tryAcquire()
	assert.False(t, ok)

	time.Sleep(40 * time.Millisecond)
	_, ok = rc.tryAcquire()
	assert.True(t, ok, "stale guard does not block forever")
}

func TestLoadAll_LateReleaseKeepsNewerGuard(t *testing.T) {
	rc := NewRatesContext(20 * time.Millisecond)

	slow, ok := rc.tryAcquire()
	require.True(t, ok)

	time.Sleep(40 * time.Millisecond)
	newer, ok := rc.tryAcquire()
	require.True(t, ok)

	rc.release(slow)
	assert.True(t, rc.Loading(), "an expired holder does not clear the newer guard")
	_, ok = rc.tryAcquire()
	assert.False(t, ok, "no third cycle starts")

	rc.release(newer)
	assert.False(t, rc.Loading())
}

func TestLoadAll_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newLoader(t, nil, liveFx(), rateLimitedQuotes(), &memStore{}, nil).LoadAll(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{}, nil, nil, liveFx(), rateLimitedQuotes(), &memStore{}, zap.NewNop())
	assert.Error(t, err)

	_, err = New(Config{}, NewRatesContext(0), nil, nil, rateLimitedQuotes(), &memStore{}, zap.NewNop())
	assert.Error(t, err)

	_, err = New(Config{}, NewRatesContext(0), nil, liveFx(), rateLimitedQuotes(), nil, zap.NewNop())
	assert.Error(t, err)
}
