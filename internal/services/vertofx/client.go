// Package vertofx reads NGN buy/sell quotes from VertoFX, one currency pair at a time.
package vertofx

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/fxpulse/internal/cache"
	"github.com/vadiminshakov/fxpulse/internal/clients"
	"github.com/vadiminshakov/fxpulse/internal/domain"
	"github.com/vadiminshakov/fxpulse/internal/metrics"
	"github.com/vadiminshakov/fxpulse/pkg/retrier"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Provider is the rate-limit and metrics label of this source.
const Provider = "vertofx"

const (
	cacheKey = "vertofx_rates"

	defaultTimeout       = 5 * time.Second
	defaultPairDelay     = 100 * time.Millisecond
	defaultFullTTL       = 5 * time.Minute
	defaultPartialTTL    = time.Minute
	defaultMaxRetries    = 1
	defaultRetryInterval = time.Second
)

// Limiter is the part of the rate-limit tracker the fetcher needs.
type Limiter interface {
	IsLimited(provider string) bool
	RecordLimitHit(provider string, retryAfter time.Duration) time.Duration
	RecordSuccess(provider string)
}

// Config of the VertoFX client.
type Config struct {
	BaseURL       string
	Token         string
	Timeout       time.Duration
	PairDelay     time.Duration
	FullTTL       time.Duration
	PartialTTL    time.Duration
	MaxRetries    int
	RetryInterval time.Duration
}

// Pair is a directed conversion.
type Pair struct {
	From domain.Currency
	To   domain.Currency
}

func (p Pair) String() string {
	return p.From.String() + "-" + p.To.String()
}

// PairRate is one quote: how many NGN one unit of the foreign currency is worth in the
// given direction.
type PairRate struct {
	Pair    Pair
	NgnRate decimal.Decimal
}

type currencyLabel struct {
	Label string `json:"label"`
}

type rateRequest struct {
	CurrencyFrom currencyLabel `json:"currencyFrom"`
	CurrencyTo   currencyLabel `json:"currencyTo"`
}

type rateResponse struct {
	Success                bool            `json:"success"`
	Rate                   decimal.Decimal `json:"rate"`
	ReversedRate           decimal.Decimal `json:"reversedRate"`
	RateAfterSpread        decimal.Decimal `json:"rateAfterSpread"`
	OvernightPercentChange decimal.Decimal `json:"overnightPercentChange"`
	Provider               string          `json:"provider"`
	RateType               string          `json:"rateType"`
	Message                string          `json:"message"`
	StatusCode             int             `json:"statusCode"`
}

// CachedQuotes is the cache payload. Partial entries live shorter.
type CachedQuotes struct {
	Quotes  domain.QuoteTable `json:"quotes"`
	Partial bool              `json:"partial"`
}

// Client fetches quotes for all tracked currencies.
type Client struct {
	cfg     Config
	http    *http.Client
	cache   *cache.Layered[CachedQuotes]
	limiter Limiter
	pacer   *rate.Limiter
	retrier *retrier.Retrier
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewCache creates the cache the client expects over the given tiers.
func NewCache(mem *cache.Expiring, durable *cache.Persisted) *cache.Layered[CachedQuotes] {
	return cache.NewLayered[CachedQuotes](mem, durable)
}

// NewClient creates a client. m may be nil.
func NewClient(
	cfg Config,
	c *cache.Layered[CachedQuotes],
	limiter Limiter,
	logger *zap.Logger,
	m *metrics.Metrics,
) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("vertofx base url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.PairDelay <= 0 {
		cfg.PairDelay = defaultPairDelay
	}
	if cfg.FullTTL <= 0 {
		cfg.FullTTL = defaultFullTTL
	}
	if cfg.PartialTTL <= 0 {
		cfg.PartialTTL = defaultPartialTTL
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryInterval
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Client{
		cfg:     cfg,
		http:    clients.NewHTTPClient(cfg.Timeout),
		cache:   c,
		limiter: limiter,
		pacer:   rate.NewLimiter(rate.Every(cfg.PairDelay), 1),
		retrier: retrier.New(
			retrier.WithMaxRetries(cfg.MaxRetries),
			retrier.WithFixedInterval(cfg.RetryInterval),
			retrier.WithRetryable(domain.IsRetryable),
		),
		logger:  logger,
		metrics: m,
	}, nil
}

// Pairs returns the request order: NGN->X before X->NGN for every tracked currency.
func Pairs() []Pair {
	pairs := make([]Pair, 0, 2*len(domain.TrackedCurrencies))
	for _, c := range domain.TrackedCurrencies {
		pairs = append(pairs, Pair{From: domain.NGN, To: c}, Pair{From: c, To: domain.NGN})
	}

	return pairs
}

// FetchQuotes returns NGN quotes for the tracked currencies. Sell comes from NGN->X,
// Buy from X->NGN. A rate limit stops the sequence; quotes gathered before it are
// returned with Partial set and cached for the shorter partial TTL.
func (c *Client) FetchQuotes(ctx context.Context) domain.Result[domain.QuoteTable] {
	if cached, ok := c.cache.Get(cacheKey); ok {
		res := domain.OK(cached.Quotes, domain.SourceCache)
		res.Partial = cached.Partial

		return res
	}

	if c.limiter.IsLimited(Provider) {
		return domain.Failed[domain.QuoteTable](domain.RateLimited(Provider, 0, errors.New("cooling down")))
	}

	quotes := domain.QuoteTable{}
	var (
		obtained int
		lastErr  error
		partial  bool
		limited  bool
	)

	for _, pair := range Pairs() {
		if err := c.pacer.Wait(ctx); err != nil {
			lastErr = domain.Permanent(Provider, err)
			partial = true
			break
		}

		pr, err := c.fetchWithRetry(ctx, pair)
		if err != nil {
			lastErr = err
			partial = true
			if domain.KindOf(err) == domain.OutcomeRateLimited {
				limited = true
				break
			}
			c.logger.Warn("vertofx pair failed", zap.String("pair", pair.String()), zap.Error(err))
			continue
		}

		obtained++
		apply(quotes, pr)
	}

	if obtained == 0 {
		return domain.Failed[domain.QuoteTable](lastErr)
	}

	// a sequence cut short by a rate limit keeps the failure counter growing
	if !limited {
		c.limiter.RecordSuccess(Provider)
	}

	ttl := c.cfg.FullTTL
	if partial {
		ttl = c.cfg.PartialTTL
	}
	if err := c.cache.Set(cacheKey, CachedQuotes{Quotes: quotes, Partial: partial}, ttl); err != nil {
		c.logger.Warn("failed to persist vertofx cache", zap.Error(err))
	}

	res := domain.OK(quotes, domain.SourceLive)
	res.Partial = partial
	res.Err = lastErr

	return res
}

// FetchPair fetches a single directed rate with an optional per-call timeout.
func (c *Client) FetchPair(ctx context.Context, pair Pair, timeout time.Duration) (PairRate, error) {
	if c.limiter.IsLimited(Provider) {
		return PairRate{}, domain.RateLimited(Provider, 0, errors.New("cooling down"))
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	pr, err := c.fetchWithRetry(ctx, pair)
	if err == nil {
		c.limiter.RecordSuccess(Provider)
	}

	return pr, err
}

func (c *Client) fetchWithRetry(ctx context.Context, pair Pair) (PairRate, error) {
	started := time.Now()
	pr, err := retrier.DoWithData(c.retrier, ctx, func(ctx context.Context) (PairRate, error) {
		return c.fetchPair(ctx, pair)
	})
	c.metrics.ObserveFetch(Provider, domain.KindOf(err), time.Since(started))

	var fe *domain.FetchError
	if errors.As(err, &fe) && fe.Kind == domain.OutcomeRateLimited {
		wait := c.limiter.RecordLimitHit(Provider, fe.RetryAfter)
		c.logger.Warn("vertofx rate limited",
			zap.String("pair", pair.String()),
			zap.Duration("cooldown", wait),
		)
	}

	return pr, err
}

func (c *Client) fetchPair(ctx context.Context, pair Pair) (PairRate, error) {
	resp, err := clients.DoJSON(ctx, c.http, clients.Request{
		Provider: Provider,
		Method:   http.MethodPost,
		URL:      c.cfg.BaseURL + "/exchange-rate",
		Header:   http.Header{"Authorization": []string{"Bearer " + c.cfg.Token}},
		Body: rateRequest{
			CurrencyFrom: currencyLabel{Label: pair.From.String()},
			CurrencyTo:   currencyLabel{Label: pair.To.String()},
		},
	})
	if err != nil {
		return PairRate{}, err
	}

	var payload rateResponse
	if err := clients.Decode(Provider, resp.Body, &payload); err != nil {
		return PairRate{}, err
	}
	if !payload.Success {
		// some refusals arrive as 200 with the HTTP status repeated in the body
		if payload.StatusCode == http.StatusTooManyRequests {
			return PairRate{}, domain.RateLimited(Provider, clients.ParseRetryAfter(resp.Header), errors.New(payload.Message))
		}
		return PairRate{}, domain.Permanent(Provider, errors.Errorf("%s: unsuccessful response %q", pair, payload.Message))
	}

	ngn, err := ngnRate(pair, payload)
	if err != nil {
		return PairRate{}, err
	}

	return PairRate{Pair: pair, NgnRate: ngn}, nil
}

// ngnRate expresses the quote as NGN per unit of the foreign currency.
func ngnRate(pair Pair, r rateResponse) (decimal.Decimal, error) {
	if pair.From == domain.NGN {
		if r.ReversedRate.IsPositive() {
			return r.ReversedRate, nil
		}
		if r.Rate.IsPositive() {
			return decimal.NewFromInt(1).DivRound(r.Rate, 8), nil
		}
	} else if r.Rate.IsPositive() {
		return r.Rate, nil
	}

	return decimal.Zero, domain.Permanent(Provider, errors.Errorf("%s: response has no positive rate", pair))
}

func apply(quotes domain.QuoteTable, pr PairRate) {
	if pr.Pair.From == domain.NGN {
		q := quotes[pr.Pair.To]
		q.Sell = pr.NgnRate
		quotes[pr.Pair.To] = q

		return
	}

	q := quotes[pr.Pair.From]
	q.Buy = pr.NgnRate
	quotes[pr.Pair.From] = q
}
